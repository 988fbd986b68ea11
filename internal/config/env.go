package config

import (
	"os"
	"strconv"
	"strings"
)

// ApplyEnv overlays well-known environment variables onto cfg. Set variables
// win over file values.
func ApplyEnv(cfg *Config) {
	applyEnvWith(cfg, os.LookupEnv)
}

func applyEnvWith(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("LEAD_SERVER_HOST", &cfg.Server.Host)
	if v, ok := lookup("LEAD_SERVER_PORT"); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	str("LEAD_SERVER_EXTERNAL_URL", &cfg.Server.PublicURL)

	str("TWILIO_ACCOUNT_SID", &cfg.Twilio.AccountSID)
	str("TWILIO_AUTH_TOKEN", &cfg.Twilio.AuthToken)
	str("TWILIO_PHONE_NUMBER", &cfg.Twilio.FromNumber)
	str("LEAD_PHONE_NUMBER", &cfg.Twilio.LeadNumber)

	str("DEEPGRAM_API_KEY", &cfg.Deepgram.APIKey)

	str("GROQ_API_KEY", &cfg.Summarizer.APIKey)
	str("GROQ_LLM", &cfg.Summarizer.Model)

	str("QUALIFIER_VOICE_MODEL", &cfg.Stages.Qualifier.VoiceModel)
	str("ADVISOR_VOICE_MODEL", &cfg.Stages.Advisor.VoiceModel)
	str("CLOSER_VOICE_MODEL", &cfg.Stages.Closer.VoiceModel)

	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Observability.Tracing.Endpoint)
	str("LOG_LEVEL", &cfg.Logging.Level)
}
