// Package voice provides the Twilio side of a relayed call: the REST client
// used to place and terminate calls, TwiML generation, webhook signature
// verification and the Media Streams WebSocket codec.
package voice

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrCallNotFound is returned when the provider has no record of a call.
var ErrCallNotFound = errors.New("voice: call not found")

// CallControl terminates calls out-of-band from the media stream.
type CallControl interface {
	CompleteCall(ctx context.Context, callID string) error
}

// CallState is the provider-reported status of a call.
type CallState string

const (
	StateQueued     CallState = "queued"
	StateInitiated  CallState = "initiated"
	StateRinging    CallState = "ringing"
	StateInProgress CallState = "in-progress"
	StateCompleted  CallState = "completed"
	StateBusy       CallState = "busy"
	StateNoAnswer   CallState = "no-answer"
	StateFailed     CallState = "failed"
	StateCanceled   CallState = "canceled"
	StateUnknown    CallState = "unknown"
)

// ParseCallState normalizes a Twilio CallStatus value.
func ParseCallState(s string) CallState {
	switch state := CallState(strings.ToLower(strings.TrimSpace(s))); state {
	case StateQueued, StateInitiated, StateRinging, StateInProgress,
		StateCompleted, StateBusy, StateNoAnswer, StateFailed, StateCanceled:
		return state
	}
	return StateUnknown
}

// IsTerminal returns true if this is a terminal state.
func (s CallState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateBusy, StateNoAnswer, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Call is the subset of the Twilio call resource callrelay reads.
type Call struct {
	SID       string    `json:"sid"`
	Status    CallState `json:"status"`
	To        string    `json:"to"`
	From      string    `json:"from"`
	Direction string    `json:"direction"`
}

// CreateCallInput describes an outbound call.
type CreateCallInput struct {
	To    string
	From  string
	TwiML string
	// StatusCallback receives lifecycle callbacks when set.
	StatusCallback string
	// Timeout is how long to let the call ring.
	Timeout time.Duration
}

// StatusCallback is a parsed Twilio status callback.
type StatusCallback struct {
	CallSID   string
	Status    CallState
	Direction string
	From      string
	To        string
	Duration  time.Duration
}

// ParseStatusCallback reads the form fields Twilio posts to a status callback URL.
func ParseStatusCallback(form url.Values) StatusCallback {
	cb := StatusCallback{
		CallSID:   form.Get("CallSid"),
		Status:    ParseCallState(form.Get("CallStatus")),
		Direction: form.Get("Direction"),
		From:      form.Get("From"),
		To:        form.Get("To"),
	}
	if secs, err := strconv.Atoi(form.Get("CallDuration")); err == nil {
		cb.Duration = time.Duration(secs) * time.Second
	}
	return cb
}
