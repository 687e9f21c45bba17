package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jaliph/snow-session/models"
	"github.com/jaliph/snow-session/store"
	"github.com/jaliph/snow-session/transport"
	"github.com/jaliph/snow-session/utils"
)

// Registry maps session ids to their managers. Lookups run concurrently;
// inserts and removals are exclusive.
type Registry struct {
	cfg      Config
	factory  transport.Factory
	creds    store.CredentialStore
	coord    *PairingCoordinator
	recorder StatusRecorder
	after    afterFunc

	mu       sync.RWMutex
	sessions map[string]*Manager
}

// NewRegistry creates an empty registry. recorder may be nil.
func NewRegistry(cfg Config, factory transport.Factory, creds store.CredentialStore, recorder StatusRecorder) *Registry {
	return &Registry{
		cfg:      cfg,
		factory:  factory,
		creds:    creds,
		coord:    NewPairingCoordinator(cfg.PairingTimeout),
		recorder: recorder,
		after:    realAfterFunc,
		sessions: make(map[string]*Manager),
	}
}

// GetOrCreate returns the manager of id, creating it when the id is unseen.
// Persisted credentials are loaded when the session is first opened.
func (r *Registry) GetOrCreate(id string) (*Manager, bool, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, false, err
	}
	if m, ok := r.Get(id); ok {
		return m, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.sessions[id]; ok {
		return m, false, nil
	}
	m := newManager(id, r)
	r.sessions[id] = m
	liveSessions.Inc()
	utils.Logger.Info("Session created", "session", id)
	return m, true, nil
}

func (r *Registry) Get(id string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.sessions[id]
	return m, ok
}

// Remove logs the session out, closes its handle and purges its
// credentials. A session that is not live but still has stored credentials
// is purged too.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	r.mu.Lock()
	m, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		liveSessions.Dec()
	}
	r.mu.Unlock()

	if ok {
		if err := m.shutdown(ctx, true); err != nil && !errors.Is(err, ErrAlreadyClosing) {
			return err
		}
	} else {
		if _, err := r.creds.Load(id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
	}
	if err := r.creds.Delete(id); err != nil {
		return err
	}

	if r.recorder != nil {
		if err := r.recorder.DeleteSession(id); err != nil {
			utils.Logger.Warn("Failed to delete session status", "session", id, "error", err)
		}
	}
	utils.Logger.Info("Session removed", "session", id)
	return nil
}

// evict drops m from the map once it terminated on its own, along with its
// status row
func (r *Registry) evict(id string, m *Manager) {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	evicted := ok && cur == m
	if evicted {
		delete(r.sessions, id)
		liveSessions.Dec()
	}
	r.mu.Unlock()
	if !evicted {
		return
	}

	utils.Logger.Info("Session evicted", "session", id)
	if r.recorder != nil {
		if err := r.recorder.DeleteSession(id); err != nil {
			utils.Logger.Warn("Failed to delete session status", "session", id, "error", err)
		}
	}
}

// List returns a snapshot of every live session ordered by id
func (r *Registry) List() []models.SessionSnapshot {
	r.mu.RLock()
	managers := make([]*Manager, 0, len(r.sessions))
	for _, m := range r.sessions {
		managers = append(managers, m)
	}
	r.mu.RUnlock()

	out := make([]models.SessionSnapshot, 0, len(managers))
	for _, m := range managers {
		out = append(out, m.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore reopens every session that has persisted credentials. Failures
// are logged per session and do not stop the others.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	ids, err := r.creds.List()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		utils.Logger.Info("No stored sessions found")
		return 0, nil
	}
	utils.Logger.Info("Restoring stored sessions", "count", len(ids))

	var (
		mu       sync.Mutex
		restored int
	)
	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.RestoreConcurrency > 0 {
		g.SetLimit(r.cfg.RestoreConcurrency)
	}
	for _, id := range ids {
		g.Go(func() error {
			m, _, err := r.GetOrCreate(id)
			if err != nil {
				utils.Logger.Warn("Skipping stored session", "session", id, "error", err)
				return nil
			}
			if _, err := m.Open(gctx); err != nil {
				utils.Logger.Warn("Failed to restore session", "session", id, "error", err)
				return nil
			}
			mu.Lock()
			restored++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	utils.Logger.Info("Restored stored sessions", "restored", restored, "total", len(ids))
	return restored, err
}

// Shutdown closes every live session and keeps their credentials
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.sessions))
	for id, m := range r.sessions {
		managers = append(managers, m)
		delete(r.sessions, id)
		liveSessions.Dec()
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, m := range managers {
		g.Go(func() error {
			if err := m.shutdown(ctx, false); err != nil && !errors.Is(err, ErrAlreadyClosing) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Credentials returns the persisted credential record of a session, live or
// not
func (r *Registry) Credentials(id string) (*models.CredentialRecord, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	return r.creds.Load(id)
}

// Coordinator exposes the shared pairing coordinator
func (r *Registry) Coordinator() *PairingCoordinator {
	return r.coord
}
