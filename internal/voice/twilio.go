package voice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/callrelay/internal/backoff"
	"github.com/haasonsaas/callrelay/internal/observability"
)

const maxResponseBytes = 1 << 20

// TwilioClient is a minimal Twilio Voice REST client.
//
// Thread Safety:
// TwilioClient is safe for concurrent use.
type TwilioClient struct {
	accountSID string
	authToken  string
	baseURL    string

	client   *http.Client
	policy   backoff.Policy
	attempts int

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// TwilioConfig holds configuration for the Twilio client.
type TwilioConfig struct {
	// AccountSID is the Twilio account SID (required)
	AccountSID string

	// AuthToken is the Twilio auth token (required)
	AuthToken string

	// APIBaseURL defaults to https://api.twilio.com/2010-04-01
	APIBaseURL string

	// MaxAttempts bounds retries of transport errors and 5xx responses (default 3)
	MaxAttempts int

	// Policy overrides the retry backoff
	Policy *backoff.Policy

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// NewTwilioClient creates a new Twilio REST client.
func NewTwilioClient(cfg TwilioConfig) (*TwilioClient, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio: auth token is required")
	}
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = "https://api.twilio.com/2010-04-01"
	}
	c := &TwilioClient{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    fmt.Sprintf("%s/Accounts/%s", base, cfg.AccountSID),
		client:     cfg.HTTPClient,
		policy:     backoff.CallControlPolicy(),
		attempts:   cfg.MaxAttempts,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Policy != nil {
		c.policy = *cfg.Policy
	}
	if c.attempts <= 0 {
		c.attempts = 3
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = observability.NoopTracer()
	}
	return c, nil
}

// CreateCall places an outbound call that executes the given TwiML once answered.
func (c *TwilioClient) CreateCall(ctx context.Context, input CreateCallInput) (*Call, error) {
	if input.To == "" || input.From == "" {
		return nil, errors.New("twilio: to and from numbers are required")
	}
	if input.TwiML == "" {
		return nil, errors.New("twilio: twiml is required")
	}

	params := url.Values{
		"To":    {input.To},
		"From":  {input.From},
		"Twiml": {input.TwiML},
	}
	if input.StatusCallback != "" {
		params.Set("StatusCallback", input.StatusCallback)
		params["StatusCallbackEvent"] = []string{"initiated", "ringing", "answered", "completed"}
	}
	if input.Timeout > 0 {
		params.Set("Timeout", strconv.Itoa(int(input.Timeout/time.Second)))
	}

	body, err := c.do(ctx, "create", "", "/Calls.json", params)
	if err != nil {
		return nil, fmt.Errorf("twilio: failed to create call: %w", err)
	}
	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return nil, fmt.Errorf("twilio: failed to parse response: %w", err)
	}
	return &call, nil
}

// UpdateCall replaces the TwiML executing on a live call.
func (c *TwilioClient) UpdateCall(ctx context.Context, callSID, twiml string) error {
	if callSID == "" {
		return errors.New("twilio: call SID is required")
	}
	params := url.Values{"Twiml": {twiml}}
	if _, err := c.do(ctx, "update", callSID, fmt.Sprintf("/Calls/%s.json", callSID), params); err != nil {
		return fmt.Errorf("twilio: failed to update call: %w", err)
	}
	return nil
}

// CompleteCall ends a call. A call the provider no longer knows is treated as
// already ended.
func (c *TwilioClient) CompleteCall(ctx context.Context, callSID string) error {
	if callSID == "" {
		return errors.New("twilio: call SID is required")
	}
	params := url.Values{"Status": {string(StateCompleted)}}
	_, err := c.do(ctx, "complete", callSID, fmt.Sprintf("/Calls/%s.json", callSID), params)
	if err != nil && !errors.Is(err, ErrCallNotFound) {
		return fmt.Errorf("twilio: failed to complete call: %w", err)
	}
	return nil
}

// VerifySignature validates an X-Twilio-Signature header: base64 HMAC-SHA1 of
// the full request URL followed by each sorted POST parameter name and value.
func (c *TwilioClient) VerifySignature(fullURL string, params url.Values, signature string) bool {
	return VerifySignature(c.authToken, fullURL, params, signature)
}

// VerifySignature is the stateless form of TwilioClient.VerifySignature.
func VerifySignature(authToken, fullURL string, params url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	expected := computeSignature(authToken, fullURL, params)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func computeSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// do sends an authenticated form POST with retries on transport errors, 429
// and 5xx. Other 4xx responses are returned immediately.
func (c *TwilioClient) do(ctx context.Context, op, callSID, endpoint string, params url.Values) ([]byte, error) {
	ctx, span := c.tracer.TraceCallControl(ctx, op, callSID)
	defer span.End()

	requestID := uuid.NewString()
	body, err := backoff.Retry(ctx, c.policy, c.attempts, func(attempt int) ([]byte, error) {
		body, err := c.post(ctx, endpoint, params, requestID)
		if err != nil {
			c.logger.Debug("twilio request failed",
				"op", op, "call_sid", callSID, "attempt", attempt, "request_id", requestID, "error", err)
		}
		return body, err
	})

	switch {
	case err == nil:
		c.metrics.CallControl(op, "success")
	case errors.Is(err, ErrCallNotFound):
		c.metrics.CallControl(op, "not_found")
	default:
		c.metrics.CallControl(op, "error")
		c.tracer.RecordError(span, err)
	}
	return body, err
}

func (c *TwilioClient) post(ctx context.Context, endpoint string, params url.Values, requestID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseBytes {
		return nil, backoff.Permanent(fmt.Errorf("API response too large (%d bytes)", len(body)))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrCallNotFound, apiErrorMessage(body)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErrorMessage(body))
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErrorMessage(body)))
	}
	return body, nil
}

// apiErrorMessage extracts the message of a Twilio error document, falling back to the raw body.
func apiErrorMessage(body []byte) string {
	var doc struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &doc); err == nil && doc.Message != "" {
		if doc.Code != 0 {
			return fmt.Sprintf("%s (code %d)", doc.Message, doc.Code)
		}
		return doc.Message
	}
	return strings.TrimSpace(string(body))
}
