package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"mime"
	"net/http"

	"github.com/google/uuid"

	"github.com/jaliph/snow-session/models"
	"github.com/jaliph/snow-session/session"
	"github.com/jaliph/snow-session/utils"
	"github.com/jaliph/snow-session/whatsapp"
)

// Handler serves the session and pairing endpoints
type Handler struct {
	registry *session.Registry
	limiter  *sessionLimiter
}

// NewHandler creates a new API handler. rateLimit is the number of pairing
// requests per second allowed for one session; zero disables limiting.
func NewHandler(registry *session.Registry, rateLimit float64, rateBurst int) *Handler {
	return &Handler{
		registry: registry,
		limiter:  newSessionLimiter(rateLimit, rateBurst),
	}
}

// Register adds every route to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions", h.HandleListSessions)
	mux.HandleFunc("POST /sessions", h.HandleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", h.HandleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.HandleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/pair/qr", h.HandleStartQRPairing)
	mux.HandleFunc("GET /sessions/{id}/pair/qr", h.HandleGetQRCode)
	mux.HandleFunc("POST /sessions/{id}/pair/number", h.HandlePhonePairing)
	mux.HandleFunc("GET /sessions/{id}/pair/ui", h.HandlePairingPage)
	mux.HandleFunc("DELETE /sessions/{id}/pair", h.HandleCancelPairing)
	mux.HandleFunc("GET /sessions/{id}/credentials", h.HandleExportCredentials)
}

// HandleListSessions handles GET /sessions
func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.SessionListResponse{
		Status:   "success",
		Sessions: h.registry.List(),
	})
}

// HandleCreateSession handles POST /sessions. The body is optional; an id
// is generated when none is given.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var request models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		writeStatusError(w, http.StatusBadRequest, "InvalidRequest", "Invalid JSON format")
		return
	}
	if request.SessionID == "" {
		request.SessionID = uuid.NewString()
	}

	m, created, err := h.registry.GetOrCreate(request.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, models.CreateSessionResponse{
		Status:    "success",
		SessionID: m.ID(),
		State:     m.State(),
	})
}

// HandleGetSession handles GET /sessions/{id}
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	m, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, session.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m.Snapshot())
}

// HandleDeleteSession handles DELETE /sessions/{id}: logout and purge
func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStartQRPairing handles POST /sessions/{id}/pair/qr. The caller then
// polls GET /sessions/{id}/pair/qr.
func (h *Handler) HandleStartQRPairing(w http.ResponseWriter, r *http.Request) {
	m, err := h.pairingSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := m.RequestPairing(r.Context(), models.PairingQR, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.QRPairingResponse{
		Status:    "success",
		AttemptID: res.Attempt.ID,
		ExpiresAt: res.Attempt.ExpiresAt,
	})
}

// HandleGetQRCode handles GET /sessions/{id}/pair/qr. ?format=png adds a
// base64 PNG rendering of the payload; ?format=html serves it as a page.
func (h *Handler) HandleGetQRCode(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	qr, err := h.currentQR(r.PathValue("id"))
	if format == "html" {
		h.sendQRPage(w, qr, err)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	response := models.QRCodeResponse{Status: "success", QRPayload: qr}
	if format == "png" {
		png, err := whatsapp.QRCodePNGBase64(qr)
		if err != nil {
			utils.Logger.Error("Failed to render QR code", "session", r.PathValue("id"), "error", err)
			writeStatusError(w, http.StatusInternalServerError, "InternalError", "Failed to render QR code")
			return
		}
		response.QRCodePNG = png
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) currentQR(id string) (string, error) {
	m, ok := h.registry.Get(id)
	if !ok {
		return "", session.ErrNotAvailable
	}
	return m.GetQR()
}

func (h *Handler) sendQRPage(w http.ResponseWriter, qr string, err error) {
	if err != nil {
		writeHTMLError(w, "QR Code", err)
		return
	}
	png, err := whatsapp.QRCodePNGBase64(qr)
	if err != nil {
		utils.Logger.Error("Failed to render QR code", "error", err)
		writeHTML(w, http.StatusInternalServerError, pageData{
			Title:   "QR Code Error",
			Message: "Failed to generate QR code image. Please try again.",
			IsError: true,
		})
		return
	}
	writeHTML(w, http.StatusOK, pageData{
		Title:   "QR Code Ready",
		Message: "Scan the QR code below with your WhatsApp app to link this session.",
		QRImage: template.URL("data:image/png;base64," + png),
	})
}

// HandlePhonePairing handles POST /sessions/{id}/pair/number. A JSON body
// gets a JSON reply; a form post from the pairing page gets a page back.
func (h *Handler) HandlePhonePairing(w http.ResponseWriter, r *http.Request) {
	var request models.PhonePairingRequest
	fail := writeError
	if isFormPost(r) {
		fail = func(w http.ResponseWriter, err error) { writeHTMLError(w, "Phone Pairing", err) }
		if err := r.ParseForm(); err != nil {
			writeHTML(w, http.StatusBadRequest, pageData{Title: "Phone Pairing", Message: "Invalid form submission", IsError: true})
			return
		}
		request.PhoneNumber = r.PostFormValue("phoneNumber")
	} else if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeStatusError(w, http.StatusBadRequest, "InvalidRequest", "Invalid JSON format")
		return
	}
	// validate before anything touches the session or the transport
	if _, err := session.CanonicalPhoneNumber(request.PhoneNumber); err != nil {
		fail(w, err)
		return
	}

	m, err := h.pairingSession(r)
	if err != nil {
		fail(w, err)
		return
	}
	res, err := m.RequestPairing(r.Context(), models.PairingPhoneNumber, request.PhoneNumber)
	if err != nil {
		fail(w, err)
		return
	}
	if isFormPost(r) {
		writeHTML(w, http.StatusOK, pageData{Title: "Pairing Code", PairingCode: res.Code})
		return
	}
	writeJSON(w, http.StatusOK, models.PhonePairingResponse{
		Status:      "success",
		AttemptID:   res.Attempt.ID,
		PairingCode: res.Code,
		ExpiresAt:   res.Attempt.ExpiresAt,
	})
}

// HandleCancelPairing handles DELETE /sessions/{id}/pair
func (h *Handler) HandleCancelPairing(w http.ResponseWriter, r *http.Request) {
	m, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, session.ErrNotAvailable)
		return
	}
	if err := m.CancelPairing(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleExportCredentials handles GET /sessions/{id}/credentials
func (h *Handler) HandleExportCredentials(w http.ResponseWriter, r *http.Request) {
	rec, err := h.registry.Credentials(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.CredentialExportResponse{
		Status:      "success",
		SessionID:   rec.SessionID,
		UpdatedAt:   rec.UpdatedAt,
		SessionCode: base64.StdEncoding.EncodeToString(rec.Data),
	})
}

// errRateLimited is returned when a session asks to pair too often
var errRateLimited = errors.New("pairing rate limited")

// pairingSession applies the per-session rate limit and returns the
// session, creating it on first use
func (h *Handler) pairingSession(r *http.Request) (*session.Manager, error) {
	id := r.PathValue("id")
	if err := session.ValidateSessionID(id); err != nil {
		return nil, err
	}
	if !h.limiter.Allow(id) {
		return nil, errRateLimited
	}
	m, _, err := h.registry.GetOrCreate(id)
	return m, err
}

func isFormPost(r *http.Request) bool {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return ct == "application/x-www-form-urlencoded"
}

var errorStatus = map[string]int{
	"InvalidPhoneNumber": http.StatusBadRequest,
	"InvalidSessionID":   http.StatusBadRequest,
	"PairingBusy":        http.StatusConflict,
	"AlreadyPaired":      http.StatusConflict,
	"AlreadyClosing":     http.StatusConflict,
	"PairingCancelled":   http.StatusConflict,
	"PairingExpired":     http.StatusGone,
	"NotAvailable":       http.StatusNotFound,
	"SessionNotFound":    http.StatusNotFound,
	"NotFound":           http.StatusNotFound,
	"LoggedOut":          http.StatusGone,
	"TransportError":     http.StatusBadGateway,
	"ReconnectExhausted": http.StatusBadGateway,
	"CredentialsInvalid": http.StatusBadGateway,
	"SessionReplaced":    http.StatusBadGateway,
}

var errorMessages = map[string]string{
	"InvalidPhoneNumber": "Phone number must be in international format with country code",
	"InvalidSessionID":   "Session id may contain letters, digits, '.', '_' and '-'",
	"PairingBusy":        "A pairing attempt is already in progress for this session",
	"AlreadyPaired":      "Session is already paired",
	"AlreadyClosing":     "Session is shutting down",
	"PairingCancelled":   "Pairing attempt was cancelled",
	"PairingExpired":     "Pairing attempt expired",
	"NotAvailable":       "No QR code or pairing attempt available",
	"SessionNotFound":    "Session not found",
	"NotFound":           "No credentials stored for this session",
	"LoggedOut":          "Session was logged out",
	"TransportError":     "WhatsApp connection failed, retry or pair again",
	"ReconnectExhausted": "Reconnect attempts exhausted, open the session again",
	"CredentialsInvalid": "Stored credentials are no longer valid, pair again",
	"SessionReplaced":    "Session was opened by another client",
	"RateLimited":        "Too many pairing requests, slow down",
}

// describeError maps err onto its typed code, HTTP status and safe message.
// Raw transport errors are logged, never returned.
func describeError(err error) (code string, status int, message string) {
	code = session.Code(err)
	status, ok := errorStatus[code]
	switch {
	case ok:
	case errors.Is(err, errRateLimited):
		code, status = "RateLimited", http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		code, status = "Timeout", http.StatusGatewayTimeout
	default:
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		utils.Logger.Warn("Request failed", "code", code, "error", err)
	}

	message, ok = errorMessages[code]
	if !ok {
		message = http.StatusText(status)
	}
	return code, status, message
}

func writeError(w http.ResponseWriter, err error) {
	code, status, message := describeError(err)
	writeStatusError(w, status, code, message)
}

func writeStatusError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, models.APIResponse{
		Status:  "error",
		Error:   code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		utils.Logger.Debug("Failed to write response", "error", err)
	}
}
