package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/callrelay/internal/backoff"
	"github.com/haasonsaas/callrelay/internal/observability"
)

func newTestClient(t *testing.T, srv *httptest.Server, metrics *observability.Metrics) *TwilioClient {
	t.Helper()
	policy := backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
	client, err := NewTwilioClient(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "token",
		APIBaseURL: srv.URL,
		Policy:     &policy,
		HTTPClient: srv.Client(),
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("NewTwilioClient() error = %v", err)
	}
	return client
}

func TestNewTwilioClientRequiresCredentials(t *testing.T) {
	if _, err := NewTwilioClient(TwilioConfig{AuthToken: "x"}); err == nil {
		t.Fatal("expected error without account SID")
	}
	if _, err := NewTwilioClient(TwilioConfig{AccountSID: "AC1"}); err == nil {
		t.Fatal("expected error without auth token")
	}
}

func TestCreateCallSendsForm(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Accounts/AC123/Calls.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "token" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		got = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "CA999", "status": "queued"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv, nil)
	call, err := client.CreateCall(context.Background(), CreateCallInput{
		To:             "+15550001111",
		From:           "+15552223333",
		TwiML:          ConnectStreamTwiML("wss://relay.example.com/twilio", nil),
		StatusCallback: "https://relay.example.com/status",
		Timeout:        30 * time.Second,
	})
	if err != nil {
		t.Fatalf("CreateCall() error = %v", err)
	}
	if call.SID != "CA999" || call.Status != StateQueued {
		t.Fatalf("call = %+v", call)
	}
	if got.Get("To") != "+15550001111" || got.Get("Timeout") != "30" {
		t.Fatalf("form = %v", got)
	}
	if !strings.Contains(got.Get("Twiml"), "<Stream url=\"wss://relay.example.com/twilio\"") {
		t.Fatalf("twiml = %q", got.Get("Twiml"))
	}
	if len(got["StatusCallbackEvent"]) != 4 {
		t.Fatalf("status callback events = %v", got["StatusCallbackEvent"])
	}
}

func TestCompleteCallTreatsNotFoundAsEnded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":20404,"message":"The requested resource was not found"}`))
	}))
	defer srv.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	client := newTestClient(t, srv, metrics)
	if err := client.CompleteCall(context.Background(), "CA1"); err != nil {
		t.Fatalf("CompleteCall() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.CallControlRequests.WithLabelValues("complete", "not_found")); got != 1 {
		t.Fatalf("not_found requests = %v", got)
	}
}

func TestCompleteCallRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Accounts/AC123/Calls/CA1.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("Status") != "completed" {
			t.Errorf("Status = %q", r.PostForm.Get("Status"))
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"sid":"CA1","status":"completed"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, nil)
	if err := client.CompleteCall(context.Background(), "CA1"); err != nil {
		t.Fatalf("CompleteCall() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestUpdateCallDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21220,"message":"Call is not in-progress"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, nil)
	err := client.UpdateCall(context.Background(), "CA1", HangupTwiML())
	if err == nil || !strings.Contains(err.Error(), "Call is not in-progress") {
		t.Fatalf("expected API error, got %v", err)
	}
	if errors.Is(err, backoff.ErrAttemptsExhausted) {
		t.Fatal("client error should not be retried")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls.Load())
	}
}

func TestVerifySignature(t *testing.T) {
	params := url.Values{"CallSid": {"CA1"}, "From": {"+15550001111"}, "CallStatus": {"ringing"}}
	fullURL := "https://relay.example.com/twiml?stage=qualifier"
	sig := computeSignature("token", fullURL, params)

	if !VerifySignature("token", fullURL, params, sig) {
		t.Fatal("expected valid signature")
	}
	if VerifySignature("other", fullURL, params, sig) {
		t.Fatal("expected signature mismatch for wrong token")
	}
	if VerifySignature("token", fullURL, params, "") {
		t.Fatal("expected empty signature to fail")
	}
	params.Set("CallStatus", "completed")
	if VerifySignature("token", fullURL, params, sig) {
		t.Fatal("expected tampered params to fail")
	}
}

func TestParseStatusCallback(t *testing.T) {
	cb := ParseStatusCallback(url.Values{
		"CallSid":      {"CA1"},
		"CallStatus":   {"no-answer"},
		"CallDuration": {"17"},
	})
	if cb.CallSID != "CA1" || cb.Status != StateNoAnswer || cb.Duration != 17*time.Second {
		t.Fatalf("callback = %+v", cb)
	}
	if !cb.Status.IsTerminal() {
		t.Fatal("no-answer should be terminal")
	}
	if ParseCallState("weird") != StateUnknown {
		t.Fatal("expected unknown state")
	}
}
