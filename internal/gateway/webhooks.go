package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/haasonsaas/callrelay/internal/voice"
)

// handleTwiML answers Twilio's voice webhook with TwiML that connects the
// call to the media stream.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if !s.readWebhook(w, r) {
		return
	}
	streamURL := voice.StreamURL(s.config.PublicURL, s.config.StreamPath)
	if streamURL == "" {
		s.logger.Error("public url is not configured, cannot build stream TwiML")
		http.Error(w, "stream url unavailable", http.StatusServiceUnavailable)
		return
	}

	params := map[string]string{}
	if from := r.PostForm.Get("From"); from != "" {
		params["from"] = from
	}
	if dir := r.PostForm.Get("Direction"); dir != "" {
		params["direction"] = dir
	}
	s.logger.Info("voice webhook", "call_id", r.PostForm.Get("CallSid"), "direction", params["direction"])

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(voice.ConnectStreamTwiML(streamURL, params)))
}

// handleStatus records call lifecycle callbacks. A terminal status ends any
// session still attached to the call.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.readWebhook(w, r) {
		return
	}
	cb := voice.ParseStatusCallback(r.PostForm)
	s.logger.Info("call status",
		"call_id", cb.CallSID,
		"status", string(cb.Status),
		"direction", cb.Direction,
		"duration", cb.Duration.String(),
	)

	if cb.Status.IsTerminal() && cb.CallSID != "" {
		for _, session := range s.tracker.List() {
			if session.CallID() == cb.CallSID {
				s.logger.Info("ending session for finished call", "call_id", cb.CallSID, "session_id", session.ID())
				session.Cleanup()
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// readWebhook enforces POST, parses the form and checks the Twilio signature
// when verification is enabled. It writes the error response itself.
func (s *Server) readWebhook(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return false
	}
	if !s.config.VerifySignatures {
		return true
	}
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || !voice.VerifySignature(s.config.AuthToken, s.webhookURL(r), r.PostForm, signature) {
		s.logger.Warn("rejected webhook with bad signature", "path", r.URL.Path, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return false
	}
	return true
}

// webhookURL is the URL Twilio signed: the public base plus the request URI.
func (s *Server) webhookURL(r *http.Request) string {
	return strings.TrimRight(s.config.PublicURL, "/") + r.URL.RequestURI()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
