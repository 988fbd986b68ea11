package voice

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// StreamEvent is the "event" discriminator of a Media Streams message.
type StreamEvent string

const (
	EventConnected StreamEvent = "connected"
	EventStart     StreamEvent = "start"
	EventMedia     StreamEvent = "media"
	EventMark      StreamEvent = "mark"
	EventDTMF      StreamEvent = "dtmf"
	EventStop      StreamEvent = "stop"
	EventClear     StreamEvent = "clear"
)

// StreamFrame is one inbound Media Streams message.
type StreamFrame struct {
	Event          StreamEvent `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSID      string      `json:"streamSid,omitempty"`
	Protocol       string      `json:"protocol,omitempty"`
	Start          *StartInfo  `json:"start,omitempty"`
	Media          *MediaInfo  `json:"media,omitempty"`
	Mark           *MarkInfo   `json:"mark,omitempty"`
	DTMF           *DTMFInfo   `json:"dtmf,omitempty"`
	Stop           *StopInfo   `json:"stop,omitempty"`
}

// StartInfo carries the identifiers of a newly started stream.
type StartInfo struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaInfo carries one base64 audio chunk.
type MediaInfo struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type MarkInfo struct {
	Name string `json:"name"`
}

type DTMFInfo struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type StopInfo struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// DecodeFrame parses a Media Streams text message.
func DecodeFrame(data []byte) (*StreamFrame, error) {
	var frame StreamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode stream frame: %w", err)
	}
	if frame.Event == "" {
		return nil, errors.New("decode stream frame: missing event")
	}
	if frame.Event == EventStart && frame.Start != nil && frame.StreamSID == "" {
		frame.StreamSID = frame.Start.StreamSID
	}
	return &frame, nil
}

// Audio returns the decoded audio bytes of a media frame.
func (f *StreamFrame) Audio() ([]byte, error) {
	if f.Event != EventMedia || f.Media == nil {
		return nil, fmt.Errorf("frame %q carries no media", f.Event)
	}
	audio, err := base64.StdEncoding.DecodeString(f.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return audio, nil
}

// OutboundFrame is a message sent to Twilio over the media stream.
type OutboundFrame struct {
	Event     StreamEvent    `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *OutboundMedia `json:"media,omitempty"`
	Mark      *MarkInfo      `json:"mark,omitempty"`
}

type OutboundMedia struct {
	Payload string `json:"payload"`
}

// NewMediaFrame wraps raw mulaw audio for playback on the call.
func NewMediaFrame(streamSID string, audio []byte) OutboundFrame {
	return OutboundFrame{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &OutboundMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
}

// NewClearFrame discards audio Twilio has buffered but not yet played.
func NewClearFrame(streamSID string) OutboundFrame {
	return OutboundFrame{Event: EventClear, StreamSID: streamSID}
}

// NewMarkFrame asks Twilio to echo name once preceding audio has played.
func NewMarkFrame(streamSID, name string) OutboundFrame {
	return OutboundFrame{Event: EventMark, StreamSID: streamSID, Mark: &MarkInfo{Name: name}}
}
