package voiceagent

import "encoding/json"

// Settings is the first message sent on an agent connection. It fully
// configures the agent's audio format, speech recognition, reasoning model,
// voice and greeting.
type Settings struct {
	Type  string      `json:"type"`
	Audio AudioConfig `json:"audio"`
	Agent AgentConfig `json:"agent"`
}

type AudioConfig struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentConfig struct {
	Listen   Listen `json:"listen"`
	Think    Think  `json:"think"`
	Speak    Speak  `json:"speak"`
	Greeting string `json:"greeting,omitempty"`
}

type Listen struct {
	Provider Provider `json:"provider"`
}

type Think struct {
	Provider  Provider   `json:"provider"`
	Prompt    string     `json:"prompt"`
	Functions []Function `json:"functions,omitempty"`
}

type Speak struct {
	Provider Provider `json:"provider"`
}

// Provider selects a vendor and model for one pipeline stage.
type Provider struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

// Function declares a client-side function the agent may call.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// TelephonyAudio is 8 kHz mulaw in both directions without a container,
// which is what Twilio Media Streams carries.
func TelephonyAudio() AudioConfig {
	return AudioConfig{
		Input:  AudioFormat{Encoding: "mulaw", SampleRate: 8000},
		Output: AudioFormat{Encoding: "mulaw", SampleRate: 8000, Container: "none"},
	}
}

// NewSettings assembles a Settings message with telephony audio.
func NewSettings(agent AgentConfig) Settings {
	return Settings{Type: "Settings", Audio: TelephonyAudio(), Agent: agent}
}

// FunctionNames lists the declared function names in order.
func (s Settings) FunctionNames() []string {
	names := make([]string, 0, len(s.Agent.Think.Functions))
	for _, fn := range s.Agent.Think.Functions {
		names = append(names, fn.Name)
	}
	return names
}
