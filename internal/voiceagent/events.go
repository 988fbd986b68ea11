package voiceagent

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a server message on an agent connection.
type EventType string

const (
	EventAudio                EventType = "Audio"
	EventWelcome              EventType = "Welcome"
	EventSettingsApplied      EventType = "SettingsApplied"
	EventConversationText     EventType = "ConversationText"
	EventUserStartedSpeaking  EventType = "UserStartedSpeaking"
	EventAgentThinking        EventType = "AgentThinking"
	EventAgentStartedSpeaking EventType = "AgentStartedSpeaking"
	EventAgentAudioDone       EventType = "AgentAudioDone"
	EventFunctionCallRequest  EventType = "FunctionCallRequest"
	EventPromptUpdated        EventType = "PromptUpdated"
	EventSpeakUpdated         EventType = "SpeakUpdated"
	EventInjectionRefused     EventType = "InjectionRefused"
	EventError                EventType = "Error"
	EventWarning              EventType = "Warning"
)

// Event is one decoded message from the agent. Exactly one of the payload
// fields is set for the types that carry data.
type Event struct {
	Type EventType

	Audio        []byte
	Text         *ConversationText
	FunctionCall *FunctionCallRequest
	Problem      *Problem

	// Raw is the undecoded JSON for text messages.
	Raw json.RawMessage
}

// ConversationText is a finalized transcript line. Role is "user" or "assistant".
type ConversationText struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FunctionCallRequest asks the client to run one or more functions.
type FunctionCallRequest struct {
	Functions []FunctionCall `json:"functions"`
}

// FunctionCall is one requested invocation. Arguments is a JSON document.
type FunctionCall struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ClientSide bool   `json:"client_side"`
}

// Problem carries the body of Error and Warning messages.
type Problem struct {
	Description string `json:"description"`
	Code        string `json:"code"`
}

func (p *Problem) Error() string {
	if p.Code != "" {
		return fmt.Sprintf("%s: %s", p.Code, p.Description)
	}
	return p.Description
}

// DecodeEvent parses a text message from the agent.
func DecodeEvent(data []byte) (Event, error) {
	var envelope struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode agent event: %w", err)
	}
	if envelope.Type == "" {
		return Event{}, fmt.Errorf("decode agent event: missing type")
	}

	ev := Event{Type: envelope.Type, Raw: json.RawMessage(data)}
	var err error
	switch envelope.Type {
	case EventConversationText:
		ev.Text = &ConversationText{}
		err = json.Unmarshal(data, ev.Text)
	case EventFunctionCallRequest:
		ev.FunctionCall = &FunctionCallRequest{}
		err = json.Unmarshal(data, ev.FunctionCall)
	case EventError, EventWarning:
		ev.Problem = &Problem{}
		err = json.Unmarshal(data, ev.Problem)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", envelope.Type, err)
	}
	return ev, nil
}

// functionCallResponse answers a client-side FunctionCallRequest.
type functionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type keepAlive struct {
	Type string `json:"type"`
}
