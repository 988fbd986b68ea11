package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/haasonsaas/callrelay/internal/agents"
	"github.com/haasonsaas/callrelay/internal/backoff"
	"github.com/haasonsaas/callrelay/internal/voiceagent"
)

// Function-call response statuses.
const (
	statusTransferring      = "transferring"
	statusConversationEnded = "conversation_ended"
	statusScheduled         = "scheduled"
	statusRecorded          = "recorded"
	statusUnknownFunction   = "unknown_function"
	statusNoSuccessor       = "no_successor"
)

type functionResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// consume drains the event queue in arrival order. Handoff and end run
// inline, so later events wait behind them.
func (s *Session) consume() {
	defer close(s.consumerDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev agentEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling agent event",
				"event", string(ev.event.Type),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	s.mu.Lock()
	current := ev.gen == s.generation && !s.ended
	s.mu.Unlock()
	if !current {
		s.logger.Debug("dropping event from superseded agent", "event", string(ev.event.Type))
		return
	}

	if ev.closed {
		s.setOutcome("agent_disconnected")
		s.Cleanup()
		return
	}

	switch ev.event.Type {
	case voiceagent.EventConversationText:
		if ev.event.Text == nil {
			return
		}
		if turn, ok := agents.TurnFromTranscript(ev.event.Text.Role, ev.event.Text.Content); ok {
			s.appendTurn(turn)
			s.logger.Debug("transcript", "role", string(turn.Role), "content", turn.Content)
		}
	case voiceagent.EventFunctionCallRequest:
		s.dispatch(ev.event.FunctionCall)
	case voiceagent.EventUserStartedSpeaking:
		s.logger.Debug("caller started speaking")
	case voiceagent.EventError:
		s.logger.Error("agent reported error", "error", ev.event.Problem)
	case voiceagent.EventWarning:
		s.logger.Warn("agent reported warning", "warning", ev.event.Problem)
	default:
		s.logger.Debug("agent event", "event", string(ev.event.Type))
	}
}

// dispatch handles the first function in a request. Agents issue one call
// per turn, so any further entries are ignored.
func (s *Session) dispatch(req *voiceagent.FunctionCallRequest) {
	if req == nil || len(req.Functions) == 0 {
		return
	}
	call := req.Functions[0]
	if len(req.Functions) > 1 {
		s.logger.Debug("ignoring extra function calls", "count", len(req.Functions)-1)
	}

	args, err := s.deps.Validator.Validate(call.Name, call.Arguments)
	switch {
	case errors.Is(err, agents.ErrSchemaViolation):
		// Still dispatched; only undecodable arguments are dropped.
		s.metrics.FunctionCall(call.Name, "schema_violation")
		s.logger.Warn("function arguments do not match schema", "function", call.Name, "call_id", call.ID, "error", err)
	case err != nil:
		s.metrics.FunctionCall(call.Name, "malformed")
		s.logger.Warn("dropping malformed function call", "function", call.Name, "call_id", call.ID, "error", err)
		return
	}

	s.logger.Info("function call", "function", call.Name, "call_id", call.ID)
	switch call.Name {
	case agents.FuncHandoff:
		s.handoff(call, args)
	case agents.FuncEndConversation:
		s.end(call, args)
	case agents.FuncScheduleFollowup:
		s.logger.Info("follow-up requested",
			"preferred_timeframe", args["preferred_timeframe"],
			"notes", args["notes"],
		)
		s.respond(call, functionResult{Status: statusScheduled, Message: "Follow-up noted"})
	case agents.FuncRecordSatisfy:
		s.logger.Info("satisfaction recorded",
			"rating", args["rating"],
			"feedback", args["feedback"],
		)
		s.respond(call, functionResult{Status: statusRecorded, Message: "Thank you for your feedback"})
	default:
		s.metrics.FunctionCall(call.Name, "unknown")
		s.respond(call, functionResult{Status: statusUnknownFunction})
		return
	}
	s.metrics.FunctionCall(call.Name, "ok")
}

// respond answers call on the active connection.
func (s *Session) respond(call voiceagent.FunctionCall, result functionResult) {
	link := s.currentLink()
	if link == nil {
		s.logger.Debug("no active agent for function response", "function", call.Name)
		return
	}
	content, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("encoding function response", "function", call.Name, "error", err)
		return
	}
	if err := link.respond(call.ID, call.Name, string(content)); err != nil {
		s.logger.Warn("sending function response", "function", call.Name, "error", err)
	}
}

// handoff moves the call to the next stage. A failure ends the session.
func (s *Session) handoff(call voiceagent.FunctionCall, args map[string]any) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	from := s.stage
	to, ok := from.Next()
	if !ok {
		s.mu.Unlock()
		s.metrics.HandoffFailed(from.String(), "", "no_successor")
		s.logger.Error("handoff requested from terminal stage", "stage", from.String(), "error", ErrNoSuccessor)
		s.respond(call, functionResult{Status: statusNoSuccessor, Message: "This is the final stage; end the conversation instead"})
		return
	}
	s.transitioning = true
	s.state = StateTransitioning
	s.nextStage = to
	s.mu.Unlock()

	s.logger.Info("handoff requested", "from", from.String(), "to", to.String(), "reason", args["reason"])
	started := time.Now()

	err := s.transition(s.ctx, call, from, to)
	if err == nil {
		s.metrics.HandoffCompleted(from.String(), to.String(), time.Since(started))
		return
	}

	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()

	switch {
	case ended:
		// Cleanup ran mid-transition and left the relay to us.
		s.metrics.HandoffFailed(from.String(), to.String(), "aborted")
		s.logger.Info("handoff aborted by session end", "from", from.String(), "to", to.String())
		s.stopRelay()
	case errors.Is(err, ErrSettingsTimeout):
		s.metrics.HandoffFailed(from.String(), to.String(), "settings_timeout")
		s.fail(err)
	default:
		s.metrics.HandoffFailed(from.String(), to.String(), "error")
		s.fail(err)
	}
}

// transition acknowledges the handoff, lets the departing agent finish,
// summarizes its conversation and swaps in the next agent. History is reset
// only once the new agent is live.
func (s *Session) transition(ctx context.Context, call voiceagent.FunctionCall, from, to agents.Stage) error {
	ctx, span := s.tracer.TraceTransition(ctx, from.String(), to.String())
	defer span.End()

	s.respond(call, functionResult{Status: statusTransferring})

	if err := backoff.SleepWithContext(ctx, s.deps.Timings.HandoffGrace); err != nil {
		return err
	}

	record := HandoffRecord{
		From:      from,
		To:        to,
		Context:   s.summarize(ctx, from, to),
		StartedAt: time.Now(),
	}
	s.tracer.SetAttributes(span, "handoff.context_length", len(record.Context))

	s.teardown()

	if err := s.startAgent(ctx, to, record.Context); err != nil {
		s.tracer.RecordError(span, err)
		return fmt.Errorf("transition %s to %s: %w", from, to, err)
	}

	s.mu.Lock()
	if s.ended {
		// Cleanup already shut the new connection down.
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.history = nil
	s.stage = to
	s.transitioning = false
	s.state = StateAgentActive
	s.mu.Unlock()

	s.logger.Info("handoff complete",
		"from", record.From.String(),
		"to", record.To.String(),
		"context_length", len(record.Context),
		"duration_ms", time.Since(record.StartedAt).Milliseconds(),
	)
	return nil
}

// summarize returns the handoff context, falling back to a minimal line
// naming the departing stage when the summarizer is missing or fails.
func (s *Session) summarize(ctx context.Context, from, to agents.Stage) string {
	history := s.snapshotHistory()
	if len(history) == 0 {
		return ""
	}
	fallback := "Previous conversation with " + from.String()
	if s.deps.Summarizer == nil {
		s.metrics.Summary("fallback")
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, s.deps.Timings.SummaryTimeout)
	defer cancel()
	summary, err := s.deps.Summarizer.Summarize(ctx, history, from, to)
	if err != nil {
		s.metrics.Summary("fallback")
		s.logger.Warn("summarization failed, using fallback context", "from", from.String(), "error", err)
		return fallback
	}
	return summary
}

// end says goodbye, waits for the audio to play out, hangs up, and cleans up.
func (s *Session) end(call voiceagent.FunctionCall, args map[string]any) {
	s.respond(call, functionResult{Status: statusConversationEnded})
	s.logger.Info("conversation ending", "reason", args["reason"])

	// A concurrent hang-up cuts the wait short but not the hang-up request.
	_ = backoff.SleepWithContext(s.ctx, s.deps.Timings.EndGrace)

	s.completeCall()
	s.setOutcome("completed")
	s.Cleanup()
}

func (s *Session) completeCall() {
	s.completeOnce.Do(func() {
		if s.deps.CallControl == nil {
			s.logger.Warn("no call control configured, leaving call up")
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.deps.Timings.CallControlTimeout)
		defer cancel()
		if err := s.deps.CallControl.CompleteCall(ctx, s.callID); err != nil {
			s.logger.Error("hanging up call", "error", err)
			return
		}
		s.logger.Info("call completed")
	})
}
