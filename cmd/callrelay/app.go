package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/callrelay/internal/agents"
	"github.com/haasonsaas/callrelay/internal/config"
	"github.com/haasonsaas/callrelay/internal/observability"
	"github.com/haasonsaas/callrelay/internal/orchestrator"
	"github.com/haasonsaas/callrelay/internal/summarizer"
	"github.com/haasonsaas/callrelay/internal/voice"
	"github.com/haasonsaas/callrelay/internal/voiceagent"
)

// loadConfig reads path, or builds the configuration from the environment
// when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

// app holds the long-lived collaborators shared by every call.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	shutdownTracer func(context.Context) error

	prompts    *agents.PromptStore
	registry   *agents.Registry
	summarizer *summarizer.Summarizer
	twilio     *voice.TwilioClient
	dialer     *voiceagent.Dialer
}

func newLogger(cfg *config.Config, debug bool) *observability.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
}

// newApp wires every collaborator from cfg. Metrics register on reg.
func newApp(cfg *config.Config, logger *observability.Logger, reg prometheus.Registerer) (*app, error) {
	slogger := logger.Slog()
	metrics := observability.NewMetrics(reg)
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "callrelay",
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})

	registry, prompts, err := newRegistry(cfg, slogger)
	if err != nil {
		return nil, err
	}

	sum, err := summarizer.New(summarizer.Config{
		APIKey:      cfg.Summarizer.APIKey,
		BaseURL:     cfg.Summarizer.BaseURL,
		Model:       cfg.Summarizer.Model,
		MaxTokens:   cfg.Summarizer.MaxTokens,
		Temperature: cfg.Summarizer.Temperature,
		Timeout:     cfg.Summarizer.Timeout,
		Logger:      slogger,
		Metrics:     metrics,
		Tracer:      tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("summarizer: %w", err)
	}

	twilio, err := newTwilioClient(cfg, slogger, metrics, tracer)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
		shutdownTracer: shutdownTracer,
		prompts:        prompts,
		registry:       registry,
		summarizer:     sum,
		twilio:         twilio,
		dialer: &voiceagent.Dialer{
			URL:       cfg.Deepgram.AgentURL,
			APIKey:    cfg.Deepgram.APIKey,
			KeepAlive: cfg.Deepgram.KeepAliveInterval,
			Logger:    slogger.With("component", "voiceagent"),
		},
	}, nil
}

func newRegistry(cfg *config.Config, logger *slog.Logger) (*agents.Registry, *agents.PromptStore, error) {
	prompts, err := agents.NewPromptStore(cfg.Prompts.Dir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("prompts: %w", err)
	}
	registry, err := agents.NewRegistry(personas(cfg.Stages), prompts)
	if err != nil {
		return nil, nil, fmt.Errorf("agent registry: %w", err)
	}
	return registry, prompts, nil
}

func newTwilioClient(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*voice.TwilioClient, error) {
	client, err := voice.NewTwilioClient(voice.TwilioConfig{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		APIBaseURL: cfg.Twilio.APIBaseURL,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("twilio client: %w", err)
	}
	return client, nil
}

// personas maps the per-stage config onto agent personas.
func personas(stages config.StagesConfig) map[agents.Stage]agents.Persona {
	out := make(map[agents.Stage]agents.Persona)
	for _, stage := range agents.Stages() {
		sc, ok := stages.Stage(stage.String())
		if !ok {
			continue
		}
		out[stage] = agents.Persona{
			VoiceModel: sc.VoiceModel,
			ThinkModel: sc.ThinkModel,
			Greeting:   sc.Greeting,
		}
	}
	return out
}

// sessionDeps are the orchestrator collaborators shared by all sessions.
func (a *app) sessionDeps() orchestrator.Deps {
	return orchestrator.Deps{
		Dial:        orchestrator.DialerFunc(a.dialer),
		Settings:    a.registry,
		Validator:   a.registry.Validator(),
		Summarizer:  a.summarizer,
		CallControl: a.twilio,
		Timings: orchestrator.Timings{
			HandoffGrace:    a.cfg.Timings.HandoffGrace,
			EndGrace:        a.cfg.Timings.EndGrace,
			SettingsTimeout: a.cfg.Timings.SettingsTimeout,
			SummaryTimeout:  a.cfg.Summarizer.Timeout,
		},
		DialAttempts: a.cfg.Deepgram.DialAttempts,
		Logger:       a.logger.Slog().With("component", "orchestrator"),
		Metrics:      a.metrics,
		Tracer:       a.tracer,
	}
}

// newSession is the gateway's session factory.
func (a *app) newSession(peer orchestrator.TelephonyPeer, callID, streamID string) (*orchestrator.Session, error) {
	return orchestrator.New(a.sessionDeps(), peer, callID, streamID)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.prompts != nil {
		if err := a.prompts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("prompts: %w", err))
		}
	}
	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// placeCall dials to and points the answered call at the media stream.
func placeCall(ctx context.Context, client *voice.TwilioClient, cfg *config.Config, to string) (*voice.Call, error) {
	if to == "" {
		to = cfg.Twilio.LeadNumber
	}
	if to == "" {
		return nil, errors.New("no destination: pass --to or set twilio.lead_number (LEAD_PHONE_NUMBER)")
	}
	streamURL := voice.StreamURL(cfg.Server.PublicURL, cfg.Server.StreamPath)
	if streamURL == "" {
		return nil, errors.New("server.public_url (LEAD_SERVER_EXTERNAL_URL) is required to place calls")
	}
	return client.CreateCall(ctx, voice.CreateCallInput{
		To:             to,
		From:           cfg.Twilio.FromNumber,
		TwiML:          voice.ConnectStreamTwiML(streamURL, nil),
		StatusCallback: strings.TrimRight(cfg.Server.PublicURL, "/") + "/status",
	})
}
