package gateway

import (
	"context"
	"net/http"

	"github.com/haasonsaas/callrelay/internal/voice"
)

// handleStream upgrades a Twilio media stream and runs a session on it until
// the call ends.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("media stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	stream := voice.NewMediaStream(conn)
	defer stream.Close()

	startCtx, cancel := context.WithTimeout(s.baseCtx, s.config.StartTimeout)
	info, err := stream.WaitForStart(startCtx)
	cancel()
	if err != nil {
		s.logger.Warn("media stream closed before start", "remote", r.RemoteAddr, "error", err)
		return
	}

	logger := s.logger.With("call_id", info.CallSID, "stream_id", info.StreamSID)
	session, err := s.newSession(stream, info.CallSID, info.StreamSID)
	if err != nil {
		logger.Error("creating session", "error", err)
		return
	}
	unregister := s.tracker.Register(session)
	defer unregister()

	logger.Info("media stream started", "session_id", session.ID(), "params", info.CustomParameters)
	if err := session.Run(s.baseCtx); err != nil {
		logger.Error("session ended with error", "session_id", session.ID(), "error", err)
		return
	}
	logger.Info("media stream finished", "session_id", session.ID())
}
