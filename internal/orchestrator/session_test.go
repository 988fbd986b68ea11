package orchestrator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/callrelay/internal/agents"
	"github.com/haasonsaas/callrelay/internal/voiceagent"
)

func TestNewRequiresDeps(t *testing.T) {
	validator, err := agents.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDialer{}
	tests := []struct {
		name string
		deps Deps
		peer TelephonyPeer
	}{
		{"no dial", Deps{Settings: &fakeBuilder{}, Validator: validator}, newFakePeer()},
		{"no settings", Deps{Dial: d.dial, Validator: validator}, newFakePeer()},
		{"no validator", Deps{Dial: d.dial, Settings: &fakeBuilder{}}, newFakePeer()},
		{"no peer", Deps{Dial: d.dial, Settings: &fakeBuilder{}, Validator: validator}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps, tt.peer, "C1", "S1"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSessionStartsFirstStage(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)

	calls := h.builder.snapshot()
	if len(calls) != 1 || calls[0].Stage != agents.StageQualifier || calls[0].Context != "" {
		t.Fatalf("build calls = %+v", calls)
	}
	if h.session.CallID() != "C1" || h.session.StreamID() != "S1" || h.session.ID() == "" {
		t.Errorf("identifiers = %q %q %q", h.session.CallID(), h.session.StreamID(), h.session.ID())
	}
}

func TestHandoffToNextStage(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)
	first := h.dialer.conn(t, 0)

	for i := 0; i < 3; i++ {
		h.peer.media("chunk")
	}
	waitFor(t, func() bool { n, _, _, _ := first.snapshot(); return n == 3 })

	first.emitText("assistant", "Who am I speaking with?")
	first.emitText("user", "This is Sam, I need a CRM.")
	waitFor(t, func() bool { return h.session.State().HistoryLen == 2 })

	first.emitCall("fc-1", agents.FuncHandoff, `{"reason":"lead qualified"}`)
	h.waitActive(t, agents.StageAdvisor)

	st := h.session.State()
	if st.HistoryLen != 0 {
		t.Errorf("history length after handoff = %d, want 0", st.HistoryLen)
	}

	_, _, responses, closes := first.snapshot()
	if len(responses) != 1 {
		t.Fatalf("responses = %+v", responses)
	}
	if responses[0].ID != "fc-1" || responses[0].Name != agents.FuncHandoff || responses[0].Content != `{"status":"transferring"}` {
		t.Errorf("ack = %+v", responses[0])
	}
	if closes != 1 {
		t.Errorf("first connection closed %d times, want 1", closes)
	}

	sums := h.summarizer.snapshot()
	if len(sums) != 1 || sums[0].From != agents.StageQualifier || sums[0].To != agents.StageAdvisor || len(sums[0].Turns) != 2 {
		t.Fatalf("summarize calls = %+v", sums)
	}
	if sums[0].Turns[1].Role != agents.RoleCustomer {
		t.Errorf("turn role = %q, want customer", sums[0].Turns[1].Role)
	}

	calls := h.builder.snapshot()
	if len(calls) != 2 || calls[1].Stage != agents.StageAdvisor || calls[1].Context != h.summarizer.summary {
		t.Errorf("build calls = %+v", calls)
	}

	// Audio now reaches the new connection only.
	second := h.dialer.conn(t, 1)
	h.peer.media("after")
	waitFor(t, func() bool { n, _, _, _ := second.snapshot(); return n == 1 })
	if n, late, _, _ := first.snapshot(); n != 3 || late != 0 {
		t.Errorf("first connection audio = %d late = %d", n, late)
	}
}

func TestHandoffUsesFallbackWhenSummarizerFails(t *testing.T) {
	h := newHarness(t, nil)
	h.summarizer.err = errors.New("rate limited")
	h.waitActive(t, agents.StageQualifier)
	first := h.dialer.conn(t, 0)

	first.emitText("user", "Hello there")
	waitFor(t, func() bool { return h.session.State().HistoryLen == 1 })
	first.emitCall("fc-1", agents.FuncHandoff, `{"reason":"qualified"}`)
	h.waitActive(t, agents.StageAdvisor)

	calls := h.builder.snapshot()
	if got := calls[len(calls)-1].Context; got != "Previous conversation with qualifier" {
		t.Errorf("context = %q", got)
	}
}

func TestHandoffWithEmptyHistorySkipsSummarizer(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)

	h.dialer.conn(t, 0).emitCall("fc-1", agents.FuncHandoff, `{"reason":"qualified"}`)
	h.waitActive(t, agents.StageAdvisor)

	if sums := h.summarizer.snapshot(); len(sums) != 0 {
		t.Errorf("summarizer called %d times", len(sums))
	}
	calls := h.builder.snapshot()
	if got := calls[len(calls)-1].Context; got != "" {
		t.Errorf("context = %q, want empty", got)
	}
}

func TestStagesAdvanceInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)

	h.dialer.conn(t, 0).emitCall("fc-1", agents.FuncHandoff, `{"reason":"qualified"}`)
	h.waitActive(t, agents.StageAdvisor)
	h.dialer.conn(t, 1).emitCall("fc-2", agents.FuncHandoff, `{"reason":"consultation complete"}`)
	h.waitActive(t, agents.StageCloser)

	// The closer cannot hand off; it is told so and stays put.
	closer := h.dialer.conn(t, 2)
	closer.emitCall("fc-3", agents.FuncHandoff, `{"reason":"again"}`)
	waitFor(t, func() bool { _, _, r, _ := closer.snapshot(); return len(r) == 1 })

	_, _, responses, _ := closer.snapshot()
	if responses[0].ID != "fc-3" || !strings.HasPrefix(responses[0].Content, `{"status":"no_successor"`) {
		t.Errorf("terminal handoff response = %q", responses[0].Content)
	}
	if st := h.session.State(); st.Kind != StateAgentActive || st.Stage != agents.StageCloser {
		t.Errorf("state = %+v", st)
	}
	if n := h.dialer.count(); n != 3 {
		t.Errorf("dialed %d connections, want 3", n)
	}

	var stages []agents.Stage
	for _, c := range h.builder.snapshot() {
		stages = append(stages, c.Stage)
	}
	want := []agents.Stage{agents.StageQualifier, agents.StageAdvisor, agents.StageCloser}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage %d = %v, want %v", i, stages[i], want[i])
		}
	}
}

func TestSettingsTimeoutEndsSession(t *testing.T) {
	h := newHarness(t, func(_ *Deps, d *fakeDialer) { d.silent[1] = true })
	h.waitActive(t, agents.StageQualifier)

	h.dialer.conn(t, 0).emitCall("fc-1", agents.FuncHandoff, `{"reason":"qualified"}`)

	err := h.wait(t)
	if !errors.Is(err, ErrSettingsTimeout) {
		t.Fatalf("Run() error = %v, want ErrSettingsTimeout", err)
	}
	st := h.session.State()
	if st.Kind != StateEnded || st.Connected {
		t.Errorf("state = %+v, want ended with no connection", st)
	}
	if _, _, _, closes := h.dialer.conn(t, 1).snapshot(); closes != 1 {
		t.Errorf("timed-out connection closed %d times, want 1", closes)
	}
	if _, _, closes := h.peer.counts(); closes != 1 {
		t.Errorf("peer closed %d times, want 1", closes)
	}
}

func TestInitialSettingsTimeout(t *testing.T) {
	h := newHarness(t, func(_ *Deps, d *fakeDialer) { d.silent[0] = true })

	if err := h.wait(t); !errors.Is(err, ErrSettingsTimeout) {
		t.Fatalf("Run() error = %v, want ErrSettingsTimeout", err)
	}
	if st := h.session.State(); st.Kind != StateEnded {
		t.Errorf("state = %v", st.Kind)
	}
}

func TestDialRetries(t *testing.T) {
	h := newHarness(t, func(_ *Deps, d *fakeDialer) { d.fails = 2 })
	h.waitActive(t, agents.StageQualifier)
}

func TestDialGivesUp(t *testing.T) {
	h := newHarness(t, func(deps *Deps, d *fakeDialer) {
		deps.DialAttempts = 2
		d.fails = 5
	})
	if err := h.wait(t); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestUnknownFunctionGetsGenericResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)
	conn := h.dialer.conn(t, 0)

	conn.emitCall("fc-9", "foo", `{}`)
	waitFor(t, func() bool { _, _, r, _ := conn.snapshot(); return len(r) == 1 })

	_, _, responses, _ := conn.snapshot()
	if responses[0].ID != "fc-9" || responses[0].Content != `{"status":"unknown_function"}` {
		t.Errorf("response = %+v", responses[0])
	}
	if st := h.session.State(); st.Kind != StateAgentActive || st.Stage != agents.StageQualifier {
		t.Errorf("state changed: %+v", st)
	}
}

func TestDataFunctionsAreAcknowledged(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)
	conn := h.dialer.conn(t, 0)

	conn.emitCall("fc-1", agents.FuncScheduleFollowup, `{"preferred_timeframe":"Tuesday afternoon"}`)
	conn.emitCall("fc-2", agents.FuncRecordSatisfy, `{"rating":5}`)
	waitFor(t, func() bool { _, _, r, _ := conn.snapshot(); return len(r) == 2 })

	_, _, responses, _ := conn.snapshot()
	want := []response{
		{ID: "fc-1", Name: agents.FuncScheduleFollowup, Content: `{"status":"scheduled","message":"Follow-up noted"}`},
		{ID: "fc-2", Name: agents.FuncRecordSatisfy, Content: `{"status":"recorded","message":"Thank you for your feedback"}`},
	}
	for i := range want {
		if responses[i] != want[i] {
			t.Errorf("response %d = %+v, want %+v", i, responses[i], want[i])
		}
	}
}

func TestMalformedFunctionCallsAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)
	conn := h.dialer.conn(t, 0)

	conn.emitCall("bad-json", "foo", `{not json`)
	conn.emitCall("not-object", agents.FuncRecordSatisfy, `[5]`)
	conn.emit(voiceagent.Event{Type: voiceagent.EventFunctionCallRequest, FunctionCall: &voiceagent.FunctionCallRequest{}})
	conn.emitCall("ok", "foo", `{}`)
	waitFor(t, func() bool { _, _, r, _ := conn.snapshot(); return len(r) >= 1 })

	_, _, responses, _ := conn.snapshot()
	if len(responses) != 1 || responses[0].ID != "ok" {
		t.Errorf("responses = %+v, want only the valid call", responses)
	}
}

func TestOnlyFirstFunctionInBatchIsHandled(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)
	conn := h.dialer.conn(t, 0)

	conn.emit(voiceagent.Event{
		Type: voiceagent.EventFunctionCallRequest,
		FunctionCall: &voiceagent.FunctionCallRequest{Functions: []voiceagent.FunctionCall{
			{ID: "a", Name: "foo", Arguments: "{}"},
			{ID: "b", Name: "bar", Arguments: "{}"},
		}},
	})
	conn.emitCall("c", "baz", "{}")
	waitFor(t, func() bool { _, _, r, _ := conn.snapshot(); return len(r) == 2 })

	_, _, responses, _ := conn.snapshot()
	if responses[0].ID != "a" || responses[1].ID != "c" {
		t.Errorf("responses = %+v", responses)
	}
}

func TestEndConversation(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)
	conn := h.dialer.conn(t, 0)

	conn.emitCall("fc-end", agents.FuncEndConversation, `{"reason":"customer_goodbye"}`)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if calls := h.control.snapshot(); len(calls) != 1 || calls[0] != "C1" {
		t.Errorf("CompleteCall calls = %v", calls)
	}
	_, _, responses, closes := conn.snapshot()
	if len(responses) != 1 || responses[0].Content != `{"status":"conversation_ended"}` {
		t.Errorf("responses = %+v", responses)
	}
	if closes != 1 {
		t.Errorf("connection closed %d times", closes)
	}
	if st := h.session.State(); st.Kind != StateEnded {
		t.Errorf("state = %v", st.Kind)
	}
}

func TestEndConversationWithConcurrentHangup(t *testing.T) {
	h := newHarness(t, func(deps *Deps, _ *fakeDialer) { deps.Timings.EndGrace = 200 * time.Millisecond })
	h.waitActive(t, agents.StageQualifier)
	conn := h.dialer.conn(t, 0)

	conn.emitCall("fc-end", agents.FuncEndConversation, `{"reason":"task_complete"}`)
	waitFor(t, func() bool { _, _, r, _ := conn.snapshot(); return len(r) == 1 })
	h.peer.stop()

	if err := h.wait(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	waitFor(t, func() bool { return len(h.control.snapshot()) == 1 })
	time.Sleep(50 * time.Millisecond)

	if calls := h.control.snapshot(); len(calls) != 1 {
		t.Errorf("CompleteCall called %d times, want 1", len(calls))
	}
	if _, _, _, closes := conn.snapshot(); closes != 1 {
		t.Errorf("connection closed %d times, want 1", closes)
	}
	if _, _, closes := h.peer.counts(); closes != 1 {
		t.Errorf("peer closed %d times, want 1", closes)
	}
}

func TestEndConversationCallControlFailureStillCleansUp(t *testing.T) {
	h := newHarness(t, nil)
	h.control.err = errors.New("twilio down")
	h.waitActive(t, agents.StageQualifier)

	h.dialer.conn(t, 0).emitCall("fc-end", agents.FuncEndConversation, `{"reason":"task_complete"}`)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st := h.session.State(); st.Kind != StateEnded {
		t.Errorf("state = %v", st.Kind)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)
	conn := h.dialer.conn(t, 0)

	h.session.Cleanup()
	first := h.session.State()
	h.session.Cleanup()
	second := h.session.State()

	if first != second || first.Kind != StateEnded || first.Connected || first.HistoryLen != 0 {
		t.Errorf("states = %+v then %+v", first, second)
	}
	if _, _, _, closes := conn.snapshot(); closes != 1 {
		t.Errorf("connection closed %d times, want 1", closes)
	}
	if _, _, closes := h.peer.counts(); closes != 1 {
		t.Errorf("peer closed %d times, want 1", closes)
	}
	select {
	case <-h.session.Done():
	default:
		t.Error("Done not closed after cleanup")
	}
}

func TestNoAudioForwardedAfterCleanup(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)
	conn := h.dialer.conn(t, 0)

	h.peer.media("one")
	waitFor(t, func() bool { n, _, _, _ := conn.snapshot(); return n == 1 })

	h.session.Cleanup()
	h.session.forward([]byte("late"))

	if n, late, _, _ := conn.snapshot(); n != 1 || late != 0 {
		t.Errorf("audio = %d late = %d after cleanup", n, late)
	}
}

func TestTelephonyStopEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)

	h.peer.stop()
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls := h.control.snapshot(); len(calls) != 0 {
		t.Errorf("CompleteCall called on hang-up: %v", calls)
	}
}

func TestAgentAudioAndBargeIn(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)
	conn := h.dialer.conn(t, 0)

	conn.emit(voiceagent.Event{Type: voiceagent.EventAudio, Audio: []byte{1, 2, 3}})
	conn.emit(voiceagent.Event{Type: voiceagent.EventAudio, Audio: []byte{4, 5}})
	conn.emit(voiceagent.Event{Type: voiceagent.EventUserStartedSpeaking})

	waitFor(t, func() bool {
		played, clears, _ := h.peer.counts()
		return played == 2 && clears == 1
	})
}

func TestAgentDisconnectEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)

	_ = h.dialer.conn(t, 0).Close()
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st := h.session.State(); st.Kind != StateEnded {
		t.Errorf("state = %v", st.Kind)
	}
}

func TestHangupDuringHandoffAbortsTransition(t *testing.T) {
	h := newHarness(t, func(deps *Deps, _ *fakeDialer) {
		deps.Timings.HandoffGrace = 100 * time.Millisecond
	})
	h.waitActive(t, agents.StageQualifier)

	h.dialer.conn(t, 0).emitCall("fc-1", agents.FuncHandoff, `{"reason":"qualified"}`)
	waitFor(t, func() bool { return h.session.State().Kind == StateTransitioning })
	if st := h.session.State(); st.Stage != agents.StageQualifier || st.To != agents.StageAdvisor {
		t.Errorf("transition state = %+v", st)
	}
	h.peer.stop()

	if err := h.wait(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := h.dialer.count(); n != 1 {
		t.Errorf("dialed %d connections after hang-up, want 1", n)
	}
}

func TestSchemaViolationsAreStillHandled(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)
	conn := h.dialer.conn(t, 0)

	conn.emitCall("fc-1", agents.FuncRecordSatisfy, `{"rating":9}`)
	waitFor(t, func() bool { _, _, r, _ := conn.snapshot(); return len(r) == 1 })
	_, _, responses, _ := conn.snapshot()
	if responses[0].ID != "fc-1" || !strings.Contains(responses[0].Content, `"recorded"`) {
		t.Errorf("response = %+v", responses[0])
	}

	// A handoff without the required reason still moves the call on.
	conn.emitCall("fc-2", agents.FuncHandoff, `{"notes":"wants pricing"}`)
	h.waitActive(t, agents.StageAdvisor)
	_, _, responses, _ = conn.snapshot()
	if len(responses) != 2 || responses[1].Content != `{"status":"transferring"}` {
		t.Errorf("responses = %+v", responses)
	}
}

func TestEndConversationWithUnlistedReasonHangsUp(t *testing.T) {
	h := newHarness(t, nil)
	h.waitActive(t, agents.StageQualifier)

	h.dialer.conn(t, 0).emitCall("fc-end", agents.FuncEndConversation, `{"reason":"customer_hung_up"}`)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls := h.control.snapshot(); len(calls) != 1 || calls[0] != "C1" {
		t.Errorf("CompleteCall calls = %v", calls)
	}
	if st := h.session.State(); st.Kind != StateEnded {
		t.Errorf("state = %v", st.Kind)
	}
}

func TestCleanupAfterNextAgentConnectsEndsSession(t *testing.T) {
	var (
		paused  <-chan struct{}
		release func()
	)
	h := newHarness(t, func(deps *Deps, _ *fakeDialer) {
		paused, release = pauseOnConnect(t, deps, agents.StageAdvisor)
	})
	t.Cleanup(release)
	h.waitActive(t, agents.StageQualifier)

	h.dialer.conn(t, 0).emitCall("fc-1", agents.FuncHandoff, `{"reason":"qualified"}`)
	select {
	case <-paused:
	case <-time.After(2 * time.Second):
		t.Fatal("advisor never connected")
	}

	// The advisor is installed but the handoff has not committed.
	st := h.session.State()
	if st.Kind != StateTransitioning || st.Stage != agents.StageQualifier || st.To != agents.StageAdvisor || !st.Connected {
		t.Errorf("state before commit = %+v, want transitioning from qualifier with advisor connected", st)
	}
	h.session.Cleanup()
	release()

	if err := h.wait(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st = h.session.State(); st.Kind != StateEnded || st.Connected {
		t.Errorf("state = %+v, want ended and disconnected", st)
	}
	if _, _, closes := h.peer.counts(); closes != 1 {
		t.Errorf("telephony stream closed %d times, want 1", closes)
	}
	if _, _, _, closes := h.dialer.conn(t, 1).snapshot(); closes == 0 {
		t.Error("advisor connection left open")
	}
}

func TestEarlyHandoffKeepsTransitioningState(t *testing.T) {
	var (
		paused  <-chan struct{}
		release func()
	)
	h := newHarness(t, func(deps *Deps, _ *fakeDialer) {
		deps.Timings.HandoffGrace = 300 * time.Millisecond
		paused, release = pauseOnConnect(t, deps, agents.StageQualifier)
	})
	t.Cleanup(release)
	select {
	case <-paused:
	case <-time.After(2 * time.Second):
		t.Fatal("qualifier never connected")
	}

	// The handoff starts before Run has marked the first agent active.
	first := h.dialer.conn(t, 0)
	first.emitCall("fc-1", agents.FuncHandoff, `{"reason":"qualified"}`)
	waitFor(t, func() bool { return h.session.State().Kind == StateTransitioning })
	release()

	// Forwarded audio shows the relay is up, so Run is past its state update.
	h.peer.media("hello")
	waitFor(t, func() bool { n, _, _, _ := first.snapshot(); return n == 1 })

	st := h.session.State()
	if st.Kind != StateTransitioning || st.Stage != agents.StageQualifier || st.To != agents.StageAdvisor {
		t.Errorf("state = %+v, want transitioning qualifier to advisor", st)
	}
	h.waitActive(t, agents.StageAdvisor)
}
