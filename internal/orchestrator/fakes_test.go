package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/callrelay/internal/agents"
	"github.com/haasonsaas/callrelay/internal/backoff"
	"github.com/haasonsaas/callrelay/internal/voice"
	"github.com/haasonsaas/callrelay/internal/voiceagent"
)

type response struct {
	ID, Name, Content string
}

// fakeConn is a scripted agent connection.
type fakeConn struct {
	applySettings bool

	mu        sync.Mutex
	settings  []voiceagent.Settings
	audio     [][]byte
	lateAudio int
	responses []response
	closes    int

	events    chan voiceagent.Event
	closed    chan struct{}
	closeOnce sync.Once
	listening chan struct{}
	listenOne sync.Once
}

func newFakeConn(apply bool) *fakeConn {
	return &fakeConn{
		applySettings: apply,
		events:        make(chan voiceagent.Event, 64),
		closed:        make(chan struct{}),
		listening:     make(chan struct{}),
	}
}

func (c *fakeConn) SendSettings(s voiceagent.Settings) error {
	c.mu.Lock()
	c.settings = append(c.settings, s)
	c.mu.Unlock()
	if c.applySettings {
		c.events <- voiceagent.Event{Type: voiceagent.EventSettingsApplied}
	}
	return nil
}

func (c *fakeConn) SendAudio(audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		c.lateAudio++
		return voiceagent.ErrClosed
	default:
	}
	c.audio = append(c.audio, audio)
	return nil
}

func (c *fakeConn) SendFunctionCallResponse(id, name, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, response{ID: id, Name: name, Content: content})
	return nil
}

func (c *fakeConn) Listen(ctx context.Context, handle func(voiceagent.Event)) error {
	c.listenOne.Do(func() { close(c.listening) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case ev := <-c.events:
			handle(ev)
		}
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) emit(ev voiceagent.Event) { c.events <- ev }

func (c *fakeConn) emitCall(id, name, args string) {
	c.emit(voiceagent.Event{
		Type: voiceagent.EventFunctionCallRequest,
		FunctionCall: &voiceagent.FunctionCallRequest{
			Functions: []voiceagent.FunctionCall{{ID: id, Name: name, Arguments: args, ClientSide: true}},
		},
	})
}

func (c *fakeConn) emitText(role, content string) {
	c.emit(voiceagent.Event{
		Type: voiceagent.EventConversationText,
		Text: &voiceagent.ConversationText{Role: role, Content: content},
	})
}

func (c *fakeConn) snapshot() (audio int, late int, responses []response, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio), c.lateAudio, append([]response(nil), c.responses...), c.closes
}

// fakeDialer hands out connections in order. Connections listed in
// silent never acknowledge their settings.
type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	silent map[int]bool
	fails  int
}

func (d *fakeDialer) dial(ctx context.Context) (AgentConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn(!d.silent[len(d.conns)])
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	var c *fakeConn
	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.conns) > i {
			c = d.conns[i]
			return true
		}
		return false
	})
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// fakePeer is a scripted telephony stream.
type fakePeer struct {
	frames chan *voice.StreamFrame

	mu     sync.Mutex
	played int
	clears int
	closes int

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePeer() *fakePeer {
	return &fakePeer{frames: make(chan *voice.StreamFrame, 64), closed: make(chan struct{})}
}

func (p *fakePeer) ReadFrame() (*voice.StreamFrame, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-p.closed:
		return nil, voice.ErrStreamClosed
	}
}

func (p *fakePeer) SendAudio([]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played++
	return nil
}

func (p *fakePeer) SendClear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePeer) media(audio string) {
	p.frames <- &voice.StreamFrame{
		Event: voice.EventMedia,
		Media: &voice.MediaInfo{Payload: base64.StdEncoding.EncodeToString([]byte(audio))},
	}
}

func (p *fakePeer) stop() {
	p.frames <- &voice.StreamFrame{Event: voice.EventStop}
}

func (p *fakePeer) counts() (played, clears, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played, p.clears, p.closes
}

type buildCall struct {
	Stage   agents.Stage
	Context string
}

type fakeBuilder struct {
	mu    sync.Mutex
	calls []buildCall
}

func (b *fakeBuilder) Build(stage agents.Stage, handoffContext string) (voiceagent.Settings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, buildCall{Stage: stage, Context: handoffContext})
	return voiceagent.NewSettings(voiceagent.AgentConfig{Greeting: stage.DisplayName()}), nil
}

func (b *fakeBuilder) snapshot() []buildCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]buildCall(nil), b.calls...)
}

type summarizeCall struct {
	Turns    []agents.Turn
	From, To agents.Stage
}

type fakeSummarizer struct {
	summary string
	err     error

	mu    sync.Mutex
	calls []summarizeCall
}

func (f *fakeSummarizer) Summarize(ctx context.Context, history []agents.Turn, from, to agents.Stage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, summarizeCall{Turns: history, From: from, To: to})
	return f.summary, f.err
}

func (f *fakeSummarizer) snapshot() []summarizeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]summarizeCall(nil), f.calls...)
}

type fakeCallControl struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCallControl) CompleteCall(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, callID)
	return f.err
}

func (f *fakeCallControl) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// harness wires a session to fakes and runs it.
type harness struct {
	session    *Session
	dialer     *fakeDialer
	peer       *fakePeer
	builder    *fakeBuilder
	summarizer *fakeSummarizer
	control    *fakeCallControl
	runErr     chan error
}

func newHarness(t *testing.T, configure func(*Deps, *fakeDialer)) *harness {
	t.Helper()
	validator, err := agents.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	h := &harness{
		dialer:     &fakeDialer{silent: map[int]bool{}},
		peer:       newFakePeer(),
		builder:    &fakeBuilder{},
		summarizer: &fakeSummarizer{summary: "Previous conversation summary: caller wants a CRM"},
		control:    &fakeCallControl{},
		runErr:     make(chan error, 1),
	}
	deps := Deps{
		Dial:        h.dialer.dial,
		Settings:    h.builder,
		Validator:   validator,
		Summarizer:  h.summarizer,
		CallControl: h.control,
		Timings: Timings{
			HandoffGrace:    10 * time.Millisecond,
			EndGrace:        20 * time.Millisecond,
			SettingsTimeout: 150 * time.Millisecond,
			SummaryTimeout:  time.Second,
		},
		DialPolicy: backoffForTests(),
	}
	if configure != nil {
		configure(&deps, h.dialer)
	}
	s, err := New(deps, h.peer, "C1", "S1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.session = s
	go func() { h.runErr <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		s.Cleanup()
		select {
		case <-h.runErr:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cleanup")
		}
	})
	return h
}

func (h *harness) waitActive(t *testing.T, stage agents.Stage) {
	t.Helper()
	waitFor(t, func() bool {
		st := h.session.State()
		return st.Kind == StateAgentActive && st.Stage == stage && st.Connected
	})
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runErr:
		h.runErr <- err
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func backoffForTests() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

// hookHandler passes every record to hook before discarding it.
type hookHandler struct {
	next slog.Handler
	hook func(msg string, attrs map[string]string)
}

func hookedLogger(hook func(msg string, attrs map[string]string)) *slog.Logger {
	return slog.New(&hookHandler{next: slog.NewTextHandler(io.Discard, nil), hook: hook})
}

func (h *hookHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *hookHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]string)
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.String()
		return true
	})
	h.hook(r.Message, attrs)
	return h.next.Handle(ctx, r)
}

func (h *hookHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &hookHandler{next: h.next.WithAttrs(attrs), hook: h.hook}
}

func (h *hookHandler) WithGroup(name string) slog.Handler {
	return &hookHandler{next: h.next.WithGroup(name), hook: h.hook}
}

// pauseOnConnect blocks the session right after the agent for stage is
// installed. The returned channel fires when it is paused; release resumes it.
func pauseOnConnect(t *testing.T, deps *Deps, stage agents.Stage) (paused <-chan struct{}, release func()) {
	t.Helper()
	pausedCh := make(chan struct{})
	resume := make(chan struct{})
	var pauseOnce, releaseOnce sync.Once
	deps.Logger = hookedLogger(func(msg string, attrs map[string]string) {
		if msg != "agent connected" || attrs["stage"] != stage.String() {
			return
		}
		pauseOnce.Do(func() {
			close(pausedCh)
			<-resume
		})
	})
	return pausedCh, func() { releaseOnce.Do(func() { close(resume) }) }
}
