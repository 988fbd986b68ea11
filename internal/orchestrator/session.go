package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/callrelay/internal/agents"
	"github.com/haasonsaas/callrelay/internal/observability"
)

// eventQueueSize bounds agent events waiting for the consumer.
const eventQueueSize = 256

// StateKind is the coarse session state.
type StateKind int

const (
	StateInitializing StateKind = iota
	StateAgentActive
	StateTransitioning
	StateEnded
)

func (k StateKind) String() string {
	switch k {
	case StateInitializing:
		return "initializing"
	case StateAgentActive:
		return "agent_active"
	case StateTransitioning:
		return "transitioning"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(k))
}

// State is a point-in-time view of a session.
type State struct {
	Kind StateKind
	// Stage is the active stage, or the departing stage while transitioning.
	Stage agents.Stage
	// To is the target stage while transitioning.
	To agents.Stage
	// Connected reports whether an agent connection is installed.
	Connected  bool
	HistoryLen int
}

// HandoffRecord describes one transition. It is only logged.
type HandoffRecord struct {
	From      agents.Stage
	To        agents.Stage
	Context   string
	StartedAt time.Time
}

// Session is one call bridged to the staged agents.
type Session struct {
	id       string
	callID   string
	streamID string
	started  time.Time

	deps    Deps
	peer    TelephonyPeer
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         StateKind
	stage         agents.Stage
	nextStage     agents.Stage
	active        *agentLink
	generation    uint64
	history       []agents.Turn
	transitioning bool
	ended         bool
	outcome       string
	err           error
	relayStarted  bool

	events       chan agentEvent
	consumerDone chan struct{}
	relayDone    chan struct{}
	done         chan struct{}

	cleanupOnce  sync.Once
	relayOnce    sync.Once
	completeOnce sync.Once
}

// New creates a session for an identified call. Run drives it.
func New(deps Deps, peer TelephonyPeer, callID, streamID string) (*Session, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if peer == nil {
		return nil, fmt.Errorf("orchestrator: telephony peer is required")
	}
	deps = deps.withDefaults()

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(observability.WithCall(context.Background(), callID, streamID, id))
	return &Session{
		id:           id,
		callID:       callID,
		streamID:     streamID,
		started:      time.Now(),
		deps:         deps,
		peer:         peer,
		logger:       deps.Logger.With("session_id", id, "call_id", callID, "stream_id", streamID),
		metrics:      deps.Metrics,
		tracer:       deps.Tracer,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateInitializing,
		events:       make(chan agentEvent, eventQueueSize),
		consumerDone: make(chan struct{}),
		relayDone:    make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CallID() string       { return s.callID }
func (s *Session) StreamID() string     { return s.streamID }
func (s *Session) StartedAt() time.Time { return s.started }

// Done is closed once cleanup has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns a snapshot of the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Kind:       s.state,
		Stage:      s.stage,
		Connected:  s.active != nil,
		HistoryLen: len(s.history),
	}
	if s.state == StateTransitioning {
		st.To = s.nextStage
	}
	return st
}

// Run starts the first agent and relays audio until the session ends. It
// returns the error that ended the session, or nil for a normal end or
// hang-up. Canceling ctx cleans the session up.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.setOutcome("canceled")
		s.Cleanup()
	})
	defer stop()

	s.metrics.SessionStarted()
	s.logger.Info("session started")
	go s.consume()

	first := agents.Stages()[0]
	if err := s.startAgent(s.ctx, first, ""); err != nil {
		err = fmt.Errorf("start %s agent: %w", first, err)
		s.fail(err)
		<-s.consumerDone
		return s.result()
	}

	s.mu.Lock()
	if !s.ended {
		// The consumer may already be handing off from the first stage.
		if s.state == StateInitializing {
			s.state = StateAgentActive
		}
		s.relayStarted = true
	}
	startRelay := s.relayStarted
	s.mu.Unlock()

	if startRelay {
		go s.relayTelephony()
	} else {
		close(s.relayDone)
	}

	<-s.done
	<-s.consumerDone
	<-s.relayDone
	return s.result()
}

// Cleanup ends the session. It is idempotent and safe from any goroutine.
// The relay keeps running while a handoff is in flight; the handoff stops it
// once it observes the ended session.
func (s *Session) Cleanup() {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		link := s.active
		s.active = nil
		inTransition := s.transitioning
		s.ended = true
		s.state = StateEnded
		s.history = nil
		if s.outcome == "" {
			s.outcome = "ended"
		}
		outcome := s.outcome
		s.mu.Unlock()

		// Stops the consumer, listeners and any pending sleeps.
		s.cancel()

		if link != nil {
			link.shutdown(s.logger)
		}
		if !inTransition {
			s.stopRelay()
		}

		s.metrics.SessionEnded(outcome)
		s.logger.Info("session cleaned up",
			"outcome", outcome,
			"duration_ms", time.Since(s.started).Milliseconds(),
			"handoff_in_flight", inTransition,
		)
		close(s.done)
	})
}

// stopRelay unblocks the relay by closing the telephony peer.
func (s *Session) stopRelay() {
	s.relayOnce.Do(func() {
		if err := s.peer.Close(); err != nil {
			s.logger.Debug("closing telephony stream", "error", err)
		}
	})
}

// fail records a fatal error and ends the session.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	if s.outcome == "" {
		s.outcome = "failed"
	}
	s.transitioning = false
	s.mu.Unlock()
	s.logger.Error("session failed", "error", err)
	s.Cleanup()
}

func (s *Session) setOutcome(outcome string) {
	s.mu.Lock()
	if s.outcome == "" {
		s.outcome = outcome
	}
	s.mu.Unlock()
}

func (s *Session) result() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// currentLink returns the installed connection, or nil while transitioning
// or after cleanup.
func (s *Session) currentLink() *agentLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) appendTurn(turn agents.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.history = append(s.history, turn)
}

func (s *Session) snapshotHistory() []agents.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agents.Turn, len(s.history))
	copy(out, s.history)
	return out
}
