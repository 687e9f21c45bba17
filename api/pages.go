package api

import (
	"html/template"
	"net/http"

	"github.com/jaliph/snow-session/session"
	"github.com/jaliph/snow-session/utils"
)

// pageData feeds the browser pages served next to the JSON endpoints
type pageData struct {
	Title     string
	Message   string
	IsError   bool
	SessionID string
	// QRImage is a data URL of the rendered QR code
	QRImage     template.URL
	PairingCode string
	// ShowForm adds the phone-number pairing form
	ShowForm bool
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>WhatsApp Pairing - {{.Title}}</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; text-align: center; }
        .container { background: #f9f9f9; border-radius: 10px; padding: 30px; margin: 20px 0; }
        .qr-image { border: 2px solid #ddd; border-radius: 10px; padding: 20px; background: white; display: inline-block; }
        .error { color: #d32f2f; background: #ffebee; border: 1px solid #ffcdd2; border-radius: 5px; padding: 15px; margin: 20px 0; }
        .info { color: #1976d2; background: #e3f2fd; border: 1px solid #bbdefb; border-radius: 5px; padding: 15px; margin: 20px 0; }
        .code { font-size: 2.5em; letter-spacing: 0.1em; font-family: monospace; }
        input { padding: 8px; font-size: 1em; width: 240px; }
        button { padding: 8px 16px; font-size: 1em; margin-top: 12px; }
    </style>
</head>
<body>
    <div class="container">
        <h1>{{.Title}}</h1>
        {{if .Message}}<div class="{{if .IsError}}error{{else}}info{{end}}"><p>{{.Message}}</p></div>{{end}}
        {{if .QRImage}}
        <div class="qr-image">
            <img src="{{.QRImage}}" alt="QR Code" style="max-width: 300px;">
        </div>
        <p>Open WhatsApp, go to Linked Devices and scan this code. Reload for a fresh code.</p>
        {{end}}
        {{if .PairingCode}}
        <p class="code">{{.PairingCode}}</p>
        <p>Open WhatsApp, go to Linked Devices, choose "Link with phone number" and enter this code.</p>
        {{end}}
        {{if .ShowForm}}
        <form method="POST" action="/sessions/{{.SessionID}}/pair/number">
            <input name="phoneNumber" placeholder="234XXXXXXXXXX" required>
            <br>
            <button type="submit">Get Pairing Code</button>
        </form>
        {{end}}
    </div>
</body>
</html>
`))

func writeHTML(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		utils.Logger.Debug("Failed to write page", "error", err)
	}
}

// writeHTMLError renders err as a page with the same status and safe
// message the JSON endpoints use
func writeHTMLError(w http.ResponseWriter, title string, err error) {
	_, status, message := describeError(err)
	writeHTML(w, status, pageData{Title: title, Message: message, IsError: true})
}

// HandlePairingPage handles GET /sessions/{id}/pair/ui: a form that posts
// the phone number to /sessions/{id}/pair/number
func (h *Handler) HandlePairingPage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := session.ValidateSessionID(id); err != nil {
		writeHTMLError(w, "Phone Pairing", err)
		return
	}
	writeHTML(w, http.StatusOK, pageData{
		Title:     "Phone Pairing",
		Message:   "Enter the phone number of the WhatsApp account, with country code.",
		SessionID: id,
		ShowForm:  true,
	})
}
