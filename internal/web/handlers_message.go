package web

import (
	"net/http"
	"strings"
	"time"
)

// processedMessage is the acknowledgement the SMS gateway expects.
const processedMessage = "your sms message processed"

type messageResponse struct {
	Message string `json:"message"`
}

// handleOK is the gateway health check.
func (s *Server) handleOK(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, messageResponse{Message: "ok"})
}

// handleProcess receives one inbound SMS as form fields "from" and "message".
// The verdict goes back to the sender through the notifier; the HTTP reply is
// only an acknowledgement for the gateway.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	received := time.Now()

	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	sender := strings.TrimSpace(r.PostForm.Get("from"))
	message := r.PostForm.Get("message")

	if _, err := s.service.ProcessMessage(r.Context(), sender, message, received); err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}

	writeJSON(w, r, http.StatusOK, messageResponse{Message: processedMessage})
}
