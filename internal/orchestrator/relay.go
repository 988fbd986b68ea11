package orchestrator

import (
	"errors"

	"github.com/haasonsaas/callrelay/internal/voice"
)

// relayTelephony forwards caller audio to whichever connection is active at
// the moment each frame arrives. It outlives handoffs and ends the session
// when the stream stops or fails.
func (s *Session) relayTelephony() {
	defer close(s.relayDone)

	for {
		frame, err := s.peer.ReadFrame()
		if err != nil {
			if !errors.Is(err, voice.ErrStreamClosed) && s.ctx.Err() == nil {
				s.logger.Warn("telephony stream read failed", "error", err)
			}
			break
		}

		switch frame.Event {
		case voice.EventMedia:
			audio, err := frame.Audio()
			if err != nil {
				s.logger.Warn("dropping undecodable media frame", "error", err)
				continue
			}
			s.forward(audio)
		case voice.EventStop:
			s.logger.Info("telephony stream stopped")
			s.setOutcome("hangup")
			s.Cleanup()
			return
		case voice.EventMark, voice.EventDTMF, voice.EventConnected, voice.EventStart:
			s.logger.Debug("telephony event", "event", string(frame.Event))
		default:
			s.logger.Debug("ignoring unknown telephony event", "event", string(frame.Event))
		}
	}

	s.setOutcome("hangup")
	s.Cleanup()
}

// forward sends one caller frame to the active connection. Frames that arrive
// with no active connection are dropped.
func (s *Session) forward(audio []byte) {
	s.metrics.AudioFrame("inbound")
	link := s.currentLink()
	if link == nil {
		s.metrics.AudioDropped()
		return
	}
	sent, err := link.sendAudio(audio)
	if !sent {
		s.metrics.AudioDropped()
		return
	}
	if err != nil {
		s.logger.Debug("forwarding audio to agent", "stage", link.stage.String(), "error", err)
	}
}
