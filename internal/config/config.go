package config

import (
	"fmt"
	"time"
)

// Config is the full callrelay configuration.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Twilio        TwilioConfig        `yaml:"twilio"`
	Deepgram      DeepgramConfig      `yaml:"deepgram"`
	Summarizer    SummarizerConfig    `yaml:"summarizer"`
	Stages        StagesConfig        `yaml:"stages"`
	Prompts       PromptsConfig       `yaml:"prompts"`
	Timings       TimingsConfig       `yaml:"timings"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	// HTTPPort serves the media stream, TwiML webhooks, health and metrics.
	HTTPPort int `yaml:"http_port"`
	// PublicURL is the externally reachable base URL (https://...) Twilio uses.
	PublicURL        string `yaml:"public_url"`
	StreamPath       string `yaml:"stream_path"`
	VerifySignatures bool   `yaml:"verify_signatures"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
	// LeadNumber is the default destination for outbound calls.
	LeadNumber string `yaml:"lead_number"`
	APIBaseURL string `yaml:"api_base_url"`
}

type DeepgramConfig struct {
	APIKey            string        `yaml:"api_key"`
	AgentURL          string        `yaml:"agent_url"`
	DialAttempts      int           `yaml:"dial_attempts"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

type SummarizerConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type StagesConfig struct {
	Qualifier StageConfig `yaml:"qualifier"`
	Advisor   StageConfig `yaml:"advisor"`
	Closer    StageConfig `yaml:"closer"`
}

// StageConfig overrides the persona of one agent stage.
type StageConfig struct {
	VoiceModel string `yaml:"voice_model"`
	ThinkModel string `yaml:"think_model"`
	// Greeting replaces the built-in greeting when set.
	Greeting string `yaml:"greeting"`
}

type PromptsConfig struct {
	// Dir holds <stage>.md files overriding the built-in prompts.
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

type TimingsConfig struct {
	HandoffGrace    time.Duration `yaml:"handoff_grace"`
	EndGrace        time.Duration `yaml:"end_grace"`
	SettingsTimeout time.Duration `yaml:"settings_timeout"`
}

type SessionsConfig struct {
	MaxDuration  time.Duration `yaml:"max_duration"`
	ReapSchedule string        `yaml:"reap_schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Stage returns the per-stage overrides by stage name.
func (s StagesConfig) Stage(name string) (StageConfig, bool) {
	switch name {
	case "qualifier":
		return s.Qualifier, true
	case "advisor":
		return s.Advisor, true
	case "closer":
		return s.Closer, true
	default:
		return StageConfig{}, false
	}
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}

// Default returns a configuration with every default applied and no credentials.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

// Load reads, expands, decodes and validates the configuration file at path.
// Environment overlays are applied after the file and before defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a configuration from defaults and environment variables only.
func FromEnv() (*Config, error) {
	cfg := &Config{Version: CurrentVersion}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8000
	}
	if cfg.Server.StreamPath == "" {
		cfg.Server.StreamPath = "/twilio"
	}
	if cfg.Twilio.APIBaseURL == "" {
		cfg.Twilio.APIBaseURL = "https://api.twilio.com/2010-04-01"
	}
	if cfg.Deepgram.AgentURL == "" {
		cfg.Deepgram.AgentURL = "wss://agent.deepgram.com/v1/agent/converse"
	}
	if cfg.Deepgram.DialAttempts == 0 {
		cfg.Deepgram.DialAttempts = 3
	}
	if cfg.Deepgram.KeepAliveInterval == 0 {
		cfg.Deepgram.KeepAliveInterval = 5 * time.Second
	}
	if cfg.Summarizer.BaseURL == "" {
		cfg.Summarizer.BaseURL = "https://api.groq.com/openai/v1"
	}
	if cfg.Summarizer.Model == "" {
		cfg.Summarizer.Model = "llama-3.3-70b-versatile"
	}
	if cfg.Summarizer.MaxTokens == 0 {
		cfg.Summarizer.MaxTokens = 300
	}
	if cfg.Summarizer.Temperature == 0 {
		cfg.Summarizer.Temperature = 0.3
	}
	if cfg.Summarizer.Timeout == 0 {
		cfg.Summarizer.Timeout = 10 * time.Second
	}
	stageDefaults(&cfg.Stages.Qualifier, "aura-2-mars-en")
	stageDefaults(&cfg.Stages.Advisor, "aura-2-thalia-en")
	stageDefaults(&cfg.Stages.Closer, "aura-2-helena-en")
	if cfg.Timings.HandoffGrace == 0 {
		cfg.Timings.HandoffGrace = 500 * time.Millisecond
	}
	if cfg.Timings.EndGrace == 0 {
		cfg.Timings.EndGrace = 3 * time.Second
	}
	if cfg.Timings.SettingsTimeout == 0 {
		cfg.Timings.SettingsTimeout = 5 * time.Second
	}
	if cfg.Sessions.MaxDuration == 0 {
		cfg.Sessions.MaxDuration = 30 * time.Minute
	}
	if cfg.Sessions.ReapSchedule == "" {
		cfg.Sessions.ReapSchedule = "@every 1m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func stageDefaults(stage *StageConfig, voice string) {
	if stage.VoiceModel == "" {
		stage.VoiceModel = voice
	}
	if stage.ThinkModel == "" {
		stage.ThinkModel = "gpt-4o-mini"
	}
}
