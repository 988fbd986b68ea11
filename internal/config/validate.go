package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Validate checks structural settings. Credentials are checked separately by
// RequireCredentials so offline commands work without them.
func (c *Config) Validate() error {
	var issues []string

	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		issues = append(issues, fmt.Sprintf("server.http_port must be between 1 and 65535 (got %d)", c.Server.HTTPPort))
	}
	if !strings.HasPrefix(c.Server.StreamPath, "/") {
		issues = append(issues, "server.stream_path must start with /")
	}
	if c.Server.PublicURL != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			issues = append(issues, "server.public_url must be an absolute http(s) URL")
		}
	}
	if u, err := url.Parse(c.Deepgram.AgentURL); err != nil || (u.Scheme != "wss" && u.Scheme != "ws") {
		issues = append(issues, "deepgram.agent_url must be a ws:// or wss:// URL")
	}
	if c.Deepgram.DialAttempts < 1 {
		issues = append(issues, "deepgram.dial_attempts must be at least 1")
	}
	if c.Deepgram.KeepAliveInterval < 0 {
		issues = append(issues, "deepgram.keepalive_interval must not be negative")
	}
	if c.Summarizer.MaxTokens < 1 {
		issues = append(issues, "summarizer.max_tokens must be positive")
	}
	if c.Summarizer.Temperature < 0 || c.Summarizer.Temperature > 2 {
		issues = append(issues, "summarizer.temperature must be between 0 and 2")
	}
	if c.Timings.HandoffGrace < 0 || c.Timings.EndGrace < 0 {
		issues = append(issues, "timings grace periods must not be negative")
	}
	if c.Timings.SettingsTimeout <= 0 {
		issues = append(issues, "timings.settings_timeout must be positive")
	}
	if c.Sessions.MaxDuration < 0 {
		issues = append(issues, "sessions.max_duration must not be negative")
	}
	if _, err := cron.ParseStandard(c.Sessions.ReapSchedule); err != nil {
		issues = append(issues, fmt.Sprintf("sessions.reap_schedule is invalid: %v", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format must be json or text (got %q)", c.Logging.Format))
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// RequireCredentials reports missing secrets needed to place and serve calls.
func (c *Config) RequireCredentials() error {
	var issues []string
	required := []struct {
		value string
		name  string
	}{
		{c.Twilio.AccountSID, "twilio.account_sid (TWILIO_ACCOUNT_SID)"},
		{c.Twilio.AuthToken, "twilio.auth_token (TWILIO_AUTH_TOKEN)"},
		{c.Twilio.FromNumber, "twilio.from_number (TWILIO_PHONE_NUMBER)"},
		{c.Deepgram.APIKey, "deepgram.api_key (DEEPGRAM_API_KEY)"},
		{c.Summarizer.APIKey, "summarizer.api_key (GROQ_API_KEY)"},
		{c.Server.PublicURL, "server.public_url (LEAD_SERVER_EXTERNAL_URL)"},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			issues = append(issues, "missing "+r.name)
		}
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
