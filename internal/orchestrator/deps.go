// Package orchestrator runs one phone call through the staged voice agents.
//
// A Session owns the telephony media stream and exactly one agent connection
// at a time. It relays caller audio to the active agent, plays agent audio
// back to the caller, and reacts to the agent's function calls by handing the
// call to the next stage or ending it.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/callrelay/internal/agents"
	"github.com/haasonsaas/callrelay/internal/backoff"
	"github.com/haasonsaas/callrelay/internal/observability"
	"github.com/haasonsaas/callrelay/internal/voice"
	"github.com/haasonsaas/callrelay/internal/voiceagent"
)

var (
	// ErrSettingsTimeout means a new agent never acknowledged its settings.
	ErrSettingsTimeout = errors.New("orchestrator: timed out waiting for settings to apply")
	// ErrNoSuccessor means a handoff was requested from the terminal stage.
	ErrNoSuccessor = errors.New("orchestrator: stage has no successor")
	// ErrSessionEnded is returned when work is attempted on a cleaned-up session.
	ErrSessionEnded = errors.New("orchestrator: session ended")
	// ErrAgentClosed means the agent connection dropped before settings applied.
	ErrAgentClosed = errors.New("orchestrator: agent connection closed before settings applied")
)

// AgentConn is a live voice agent session.
type AgentConn interface {
	SendSettings(voiceagent.Settings) error
	SendAudio([]byte) error
	SendFunctionCallResponse(id, name, content string) error
	Listen(ctx context.Context, handle func(voiceagent.Event)) error
	Close() error
}

// DialFunc opens a new, unconfigured agent connection.
type DialFunc func(ctx context.Context) (AgentConn, error)

// DialerFunc adapts a voiceagent.Dialer.
func DialerFunc(d *voiceagent.Dialer) DialFunc {
	return func(ctx context.Context) (AgentConn, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// TelephonyPeer is the caller side of the call. voice.MediaStream implements it.
type TelephonyPeer interface {
	ReadFrame() (*voice.StreamFrame, error)
	SendAudio([]byte) error
	SendClear() error
	Close() error
}

// Summarizer turns a stage's transcript into context for the next stage.
type Summarizer interface {
	Summarize(ctx context.Context, history []agents.Turn, from, to agents.Stage) (string, error)
}

// SettingsBuilder produces the agent settings for a stage.
type SettingsBuilder interface {
	Build(stage agents.Stage, handoffContext string) (voiceagent.Settings, error)
}

// ArgumentValidator decodes and checks function-call arguments.
type ArgumentValidator interface {
	Validate(name, arguments string) (map[string]any, error)
}

// Timings holds the protocol delays.
type Timings struct {
	// HandoffGrace lets the departing agent finish its last words.
	HandoffGrace time.Duration
	// EndGrace lets the goodbye play before the call is hung up.
	EndGrace time.Duration
	// SettingsTimeout bounds the wait for SettingsApplied.
	SettingsTimeout time.Duration
	// SummaryTimeout bounds the summarizer call.
	SummaryTimeout time.Duration
	// CallControlTimeout bounds the hang-up request.
	CallControlTimeout time.Duration
}

// DefaultTimings returns the production delays.
func DefaultTimings() Timings {
	return Timings{
		HandoffGrace:       500 * time.Millisecond,
		EndGrace:           3 * time.Second,
		SettingsTimeout:    5 * time.Second,
		SummaryTimeout:     10 * time.Second,
		CallControlTimeout: 15 * time.Second,
	}
}

func (t Timings) withDefaults() Timings {
	def := DefaultTimings()
	if t.HandoffGrace < 0 {
		t.HandoffGrace = 0
	}
	if t.EndGrace < 0 {
		t.EndGrace = 0
	}
	if t.SettingsTimeout <= 0 {
		t.SettingsTimeout = def.SettingsTimeout
	}
	if t.SummaryTimeout <= 0 {
		t.SummaryTimeout = def.SummaryTimeout
	}
	if t.CallControlTimeout <= 0 {
		t.CallControlTimeout = def.CallControlTimeout
	}
	return t
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Dial        DialFunc
	Settings    SettingsBuilder
	Validator   ArgumentValidator
	Summarizer  Summarizer
	CallControl voice.CallControl

	Timings      Timings
	DialAttempts int
	DialPolicy   backoff.Policy

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

func (d Deps) validate() error {
	switch {
	case d.Dial == nil:
		return errors.New("orchestrator: dial function is required")
	case d.Settings == nil:
		return errors.New("orchestrator: settings builder is required")
	case d.Validator == nil:
		return errors.New("orchestrator: argument validator is required")
	}
	return nil
}

func (d Deps) withDefaults() Deps {
	d.Timings = d.Timings.withDefaults()
	if d.DialAttempts <= 0 {
		d.DialAttempts = 3
	}
	if d.DialPolicy.Initial <= 0 {
		d.DialPolicy = backoff.DialPolicy()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = observability.NoopTracer()
	}
	return d
}
