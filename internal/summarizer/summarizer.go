// Package summarizer condenses a stage's conversation into the context
// handed to the next agent, using an OpenAI-compatible chat completion API
// (Groq by default).
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/callrelay/internal/agents"
	"github.com/haasonsaas/callrelay/internal/observability"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.3-70b-versatile"

	systemPrompt = "You are a conversation summarization expert. Provide concise, accurate summaries."
)

// Config configures a Summarizer.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	// Timeout bounds one summarization request.
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Summarizer produces handoff context with a chat completion model.
type Summarizer struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Result is a full summarization outcome.
type Result struct {
	Summary string
	Data    ExtractedData
	// Context is the text injected into the next agent's prompt.
	Context string
}

// New creates a Summarizer.
func New(cfg Config) (*Summarizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("summarizer: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NoopTracer()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	return &Summarizer{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger.With("component", "summarizer"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
	}, nil
}

// Summarize returns the handoff context for the transition from -> to. An
// empty history yields an empty context and no request.
func (s *Summarizer) Summarize(ctx context.Context, history []agents.Turn, from, to agents.Stage) (string, error) {
	res, err := s.SummarizeDetailed(ctx, history, from, to)
	if err != nil {
		return "", err
	}
	return res.Context, nil
}

// SummarizeDetailed is Summarize with the summary and extracted data exposed.
func (s *Summarizer) SummarizeDetailed(ctx context.Context, history []agents.Turn, from, to agents.Stage) (Result, error) {
	if len(history) == 0 {
		s.metrics.Summary("empty")
		return Result{Summary: "No prior conversation."}, nil
	}

	ctx, span := s.tracer.TraceSummarize(ctx, s.model, len(history))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transitionPrompt(from, to, formatHistory(history))},
		},
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		s.tracer.RecordError(span, err)
		s.metrics.Summary("error")
		return Result{}, fmt.Errorf("summarizer: completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		s.metrics.Summary("error")
		return Result{}, errors.New("summarizer: completion returned no choices")
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		s.metrics.Summary("error")
		return Result{}, errors.New("summarizer: completion returned empty content")
	}

	data := ExtractData(history)
	res := Result{Summary: summary, Data: data, Context: BuildContext(summary, data)}

	s.metrics.Summary("success")
	s.tracer.SetAttributes(span, "summary.length", len(summary), "customer.engagement", data.Engagement)
	s.logger.Info("generated handoff summary",
		"from", from.String(),
		"to", to.String(),
		"turns", len(history),
		"duration_ms", time.Since(started).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return res, nil
}

// BuildContext renders the summary and extracted fields for the next agent.
func BuildContext(summary string, data ExtractedData) string {
	parts := []string{"Previous conversation summary: " + summary}
	if data.CustomerName != "" {
		parts = append(parts, "Customer name: "+data.CustomerName)
	}
	if data.Engagement != "" {
		parts = append(parts, "Engagement level: "+data.Engagement)
	}
	return strings.Join(parts, "\n")
}

func formatHistory(history []agents.Turn) string {
	lines := make([]string, 0, len(history))
	for _, turn := range history {
		lines = append(lines, strings.ToUpper(string(turn.Role))+": "+turn.Content)
	}
	return strings.Join(lines, "\n")
}

// transitionPrompt tailors the briefing to what the receiving agent needs.
func transitionPrompt(from, to agents.Stage, historyText string) string {
	switch {
	case from == agents.StageQualifier && to == agents.StageAdvisor:
		return fmt.Sprintf(`Summarize this qualification call for the ADVISOR who will give the consultation.

Conversation:
%s

Write a 2-3 sentence briefing that covers:
- the customer's name and location, if mentioned
- what they need help with
- any urgency or timeline
- why they qualify

Write it the way you would brief a colleague, not as bullet points.

Summary:`, historyText)
	case from == agents.StageAdvisor && to == agents.StageCloser:
		return fmt.Sprintf(`Summarize this consultation for the CLOSER who will schedule the follow-up and collect feedback.

Conversation:
%s

Write a 2-3 sentence briefing that covers:
- the recommendations discussed
- the customer's interest level and buying signals
- any objections or concerns
- the next steps agreed

Write it the way you would brief a colleague, not as bullet points.

Summary:`, historyText)
	default:
		return fmt.Sprintf(`Summarize this conversation for a handoff from %s to %s.

Conversation:
%s

Give a 2-3 sentence briefing of the key points and where things stand, written conversationally rather than as bullet points.

Summary:`, from, to, historyText)
	}
}
