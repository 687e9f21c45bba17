package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaliph/snow-session/api"
	"github.com/jaliph/snow-session/session"
	"github.com/jaliph/snow-session/store"
	"github.com/jaliph/snow-session/transport/transporttest"
)

func newTestRoutes(t *testing.T) http.Handler {
	t.Helper()
	creds, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	registry := session.NewRegistry(session.DefaultConfig(), transporttest.NewFactory(), creds, nil)
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })
	return NewServer(api.NewHandler(registry, 0, 0), ":0").Routes()
}

func TestHealth(t *testing.T) {
	routes := newTestRoutes(t)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsExposeSessionCounters(t *testing.T) {
	routes := newTestRoutes(t)

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/s1/pair/qr", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `snow_pairing_attempts_total{mode="qr"}`), body)
	assert.Contains(t, body, "snow_sessions ")
}
