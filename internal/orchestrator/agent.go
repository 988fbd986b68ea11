package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/callrelay/internal/agents"
	"github.com/haasonsaas/callrelay/internal/backoff"
	"github.com/haasonsaas/callrelay/internal/voiceagent"
)

// agentEvent is a queued event tagged with the connection generation that
// produced it. A closed event reports that the listener exited on its own.
type agentEvent struct {
	gen    uint64
	event  voiceagent.Event
	closed bool
	err    error
}

// agentLink is one dialed connection and its listener goroutine.
type agentLink struct {
	conn  AgentConn
	gen   uint64
	stage agents.Stage

	cancel  context.CancelFunc
	done    chan struct{}
	applied chan struct{}

	appliedOnce sync.Once
	mu          sync.RWMutex
	closing     bool
}

func (l *agentLink) markApplied() {
	l.appliedOnce.Do(func() { close(l.applied) })
}

// sendAudio forwards audio unless the link is being torn down. It reports
// whether the audio was handed to the connection.
func (l *agentLink) sendAudio(audio []byte) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closing {
		return false, nil
	}
	return true, l.conn.SendAudio(audio)
}

func (l *agentLink) respond(id, name, content string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closing {
		return voiceagent.ErrClosed
	}
	return l.conn.SendFunctionCallResponse(id, name, content)
}

// shutdown cancels the listener, waits for it to return, then closes the
// connection. Close errors are expected during teardown and only logged.
func (l *agentLink) shutdown(logger *slog.Logger) {
	l.cancel()
	<-l.done

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	l.closing = true
	l.mu.Unlock()

	if err := l.conn.Close(); err != nil {
		logger.Debug("closing agent connection", "stage", l.stage.String(), "error", err)
	}
}

// startAgent dials a connection for stage, configures it and installs it as
// the active connection once the agent confirms the settings. During a
// handoff the stage itself is switched by transition. Every failure path
// closes the connection it dialed.
func (s *Session) startAgent(ctx context.Context, stage agents.Stage, handoffContext string) error {
	settings, err := s.deps.Settings.Build(stage, handoffContext)
	if err != nil {
		return fmt.Errorf("build settings: %w", err)
	}

	conn, err := backoff.Retry(ctx, s.deps.DialPolicy, s.deps.DialAttempts, func(attempt int) (AgentConn, error) {
		c, err := s.deps.Dial(ctx)
		if err != nil {
			s.logger.Warn("agent dial failed", "stage", stage.String(), "attempt", attempt, "error", err)
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return fmt.Errorf("dial agent: %w", err)
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionEnded
	}
	s.generation++
	listenCtx, cancel := context.WithCancel(s.ctx)
	link := &agentLink{
		conn:    conn,
		gen:     s.generation,
		stage:   stage,
		cancel:  cancel,
		done:    make(chan struct{}),
		applied: make(chan struct{}),
	}
	s.mu.Unlock()

	go s.listen(listenCtx, link)

	started := time.Now()
	if err := conn.SendSettings(settings); err != nil {
		link.shutdown(s.logger)
		return fmt.Errorf("send settings: %w", err)
	}

	timer := time.NewTimer(s.deps.Timings.SettingsTimeout)
	defer timer.Stop()
	select {
	case <-link.applied:
	case <-timer.C:
		link.shutdown(s.logger)
		return fmt.Errorf("%s agent: %w", stage, ErrSettingsTimeout)
	case <-link.done:
		link.shutdown(s.logger)
		return fmt.Errorf("%s agent: %w", stage, ErrAgentClosed)
	case <-ctx.Done():
		link.shutdown(s.logger)
		return ctx.Err()
	}
	s.metrics.SettingsApplied(time.Since(started))

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		link.shutdown(s.logger)
		return ErrSessionEnded
	}
	s.active = link
	if !s.transitioning {
		s.stage = stage
	}
	s.mu.Unlock()

	s.logger.Info("agent connected",
		"stage", stage.String(),
		"functions", settings.FunctionNames(),
		"settings_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

// teardown uninstalls the active connection and closes it. The relay keeps
// running and drops frames until the next connection is installed.
func (s *Session) teardown() {
	s.mu.Lock()
	link := s.active
	s.active = nil
	s.mu.Unlock()
	if link != nil {
		link.shutdown(s.logger)
	}
}

// listen runs one connection's listener. Caller-bound audio and barge-in go
// straight to the peer so the departing agent stays audible while the
// consumer is busy with a handoff; everything else is queued in order.
func (s *Session) listen(ctx context.Context, link *agentLink) {
	defer close(link.done)

	enqueue := func(ev agentEvent) {
		select {
		case s.events <- ev:
		case <-ctx.Done():
		}
	}

	err := link.conn.Listen(ctx, func(ev voiceagent.Event) {
		switch ev.Type {
		case voiceagent.EventAudio:
			s.playAudio(ev.Audio)
		case voiceagent.EventUserStartedSpeaking:
			if err := s.peer.SendClear(); err != nil {
				s.logger.Debug("sending clear to telephony stream", "error", err)
			}
			enqueue(agentEvent{gen: link.gen, event: ev})
		case voiceagent.EventSettingsApplied:
			link.markApplied()
			enqueue(agentEvent{gen: link.gen, event: ev})
		default:
			enqueue(agentEvent{gen: link.gen, event: ev})
		}
	})
	if ctx.Err() != nil {
		// Canceled by teardown or cleanup.
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("agent connection failed", "stage", link.stage.String(), "error", err)
	} else {
		s.logger.Info("agent connection closed by remote", "stage", link.stage.String())
	}
	enqueue(agentEvent{gen: link.gen, closed: true, err: err})
}

func (s *Session) playAudio(audio []byte) {
	if len(audio) == 0 {
		return
	}
	if err := s.peer.SendAudio(audio); err != nil {
		s.logger.Debug("sending agent audio to telephony stream", "error", err)
		return
	}
	s.metrics.AudioFrame("outbound")
}
