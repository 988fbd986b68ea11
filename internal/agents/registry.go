package agents

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/callrelay/internal/voiceagent"
)

const (
	listenProvider = "deepgram"
	listenModel    = "flux-general-en"
	thinkProvider  = "open_ai"
	speakProvider  = "deepgram"

	contextHeader = "CONTEXT FROM PREVIOUS CONVERSATION:"
)

// Persona holds the per-stage model and greeting choices.
type Persona struct {
	VoiceModel string
	ThinkModel string
	// Greeting replaces the built-in greeting when set.
	Greeting string
}

var defaultPersonas = map[Stage]Persona{
	StageQualifier: {VoiceModel: "aura-2-mars-en", ThinkModel: "gpt-4o-mini"},
	StageAdvisor:   {VoiceModel: "aura-2-thalia-en", ThinkModel: "gpt-4o-mini"},
	StageCloser:    {VoiceModel: "aura-2-helena-en", ThinkModel: "gpt-4o-mini"},
}

// Registry builds voice agent settings for each stage.
type Registry struct {
	personas  map[Stage]Persona
	prompts   *PromptStore
	validator *Validator
}

// NewRegistry creates a registry. Missing persona fields fall back to the
// defaults; a nil prompt store uses the built-in prompts.
func NewRegistry(personas map[Stage]Persona, prompts *PromptStore) (*Registry, error) {
	if prompts == nil {
		var err error
		if prompts, err = NewPromptStore("", nil); err != nil {
			return nil, err
		}
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}

	merged := make(map[Stage]Persona, len(defaultPersonas))
	for stage, def := range defaultPersonas {
		p := personas[stage]
		if p.VoiceModel == "" {
			p.VoiceModel = def.VoiceModel
		}
		if p.ThinkModel == "" {
			p.ThinkModel = def.ThinkModel
		}
		merged[stage] = p
	}
	return &Registry{personas: merged, prompts: prompts, validator: validator}, nil
}

// Validator returns the function-argument validator for the declared functions.
func (r *Registry) Validator() *Validator {
	return r.validator
}

// Persona returns the effective persona for stage.
func (r *Registry) Persona(stage Stage) Persona {
	return r.personas[stage]
}

// Build returns the settings for stage, folding the handoff context into the
// prompt and, for the advisor, the greeting.
func (r *Registry) Build(stage Stage, handoffContext string) (voiceagent.Settings, error) {
	if !stage.Valid() {
		return voiceagent.Settings{}, fmt.Errorf("build settings: unknown stage %d", int(stage))
	}
	persona := r.personas[stage]
	prompt := composePrompt(stage, r.prompts.Prompt(stage), handoffContext)

	greeting := persona.Greeting
	if greeting == "" {
		greeting = defaultGreeting(stage, handoffContext)
	}

	return voiceagent.NewSettings(voiceagent.AgentConfig{
		Listen: voiceagent.Listen{
			Provider: voiceagent.Provider{Type: listenProvider, Model: listenModel},
		},
		Think: voiceagent.Think{
			Provider:  voiceagent.Provider{Type: thinkProvider, Model: persona.ThinkModel},
			Prompt:    prompt,
			Functions: FunctionsFor(stage),
		},
		Speak: voiceagent.Speak{
			Provider: voiceagent.Provider{Type: speakProvider, Model: persona.VoiceModel},
		},
		Greeting: greeting,
	}), nil
}

// composePrompt prepends handoff context. The qualifier only ever receives
// context on a restart, so it gets the raw text; later stages get a header.
func composePrompt(stage Stage, prompt, handoffContext string) string {
	if handoffContext == "" {
		return prompt
	}
	if stage == StageQualifier {
		return handoffContext + "\n\n" + prompt
	}
	return contextHeader + "\n" + handoffContext + "\n\n" + prompt
}

func defaultGreeting(stage Stage, handoffContext string) string {
	switch stage {
	case StageQualifier:
		return "Hi, this is Alex calling from our advisory services. We noticed you expressed interest in speaking with us. Is now a good time to chat briefly?"
	case StageAdvisor:
		if handoffContext == "" {
			return "Hello! I'm here to help answer your questions. What would you like to discuss today?"
		}
		parts := []string{"Hello! I understand you'd like to discuss financial planning."}
		if i := strings.LastIndex(handoffContext, "Summary:"); i >= 0 {
			if recap := firstLine(handoffContext[i+len("Summary:"):]); recap != "" {
				parts = append(parts, recap)
			}
		}
		parts = append(parts, "How can I help you today?")
		return strings.Join(parts, " ")
	case StageCloser:
		return "Thank you for speaking with our advisor. I'd like to help you with next steps and get some quick feedback."
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
