package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types carried as text frames on the duplex connection.
const (
	TypeAudio       = "audio"        // outbound: metadata for the next binary frame
	TypeTranscript  = "transcript"   // inbound: one transcript fragment
	TypeLLMResponse = "llm_response" // inbound: suggestion for a finalized utterance
	TypeError       = "ERROR"        // inbound: fatal or advisory error
)

// ErrMalformedMessage is returned when an inbound frame cannot be parsed.
// Callers drop the frame with a warning; it never stops the session.
var ErrMalformedMessage = errors.New("malformed message")

// AudioMeta describes the binary audio frame that immediately follows it.
// The remote peer pairs the two frames by order, not by embedded IDs, so
// a meta frame must never be interleaved with another chunk's payload.
type AudioMeta struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`         // capture time, monotonic ms
	SessionID string `json:"session,omitempty"` // capture-session identifier
}

// Event is an inbound application event parsed from a text frame.
// Exactly one of the payload field groups is meaningful, selected by Type.
type Event struct {
	Type string `json:"type"`

	// TypeTranscript and TypeLLMResponse
	Text string `json:"text,omitempty"`

	// TypeTranscript: provisional vs confirmed by the recognizer.
	// Absent field means provisional.
	IsFinal bool `json:"is_final,omitempty"`

	// TypeLLMResponse: the utterance text that triggered the suggestion,
	// echoed back for correlation.
	Question string `json:"question,omitempty"`

	// TypeError
	Message string `json:"message,omitempty"`

	// Capture-session identifier, present on events tied to one session
	// so late events after a restart are distinguishable and droppable.
	SessionID string `json:"session,omitempty"`
}

// EncodeAudioMeta marshals the metadata frame sent before an audio payload.
func EncodeAudioMeta(timestamp int64, sessionID string) ([]byte, error) {
	meta := AudioMeta{
		Type:      TypeAudio,
		Timestamp: timestamp,
		SessionID: sessionID,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audio meta: %w", err)
	}
	return data, nil
}

// DecodeAudioMeta parses an outbound-style audio metadata frame.
// Used by the gateway to validate the meta/binary pairing.
func DecodeAudioMeta(data []byte) (*AudioMeta, error) {
	var meta AudioMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if meta.Type != TypeAudio {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrMalformedMessage, meta.Type)
	}
	return &meta, nil
}

// DecodeEvent parses an inbound event frame.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch ev.Type {
	case TypeTranscript, TypeLLMResponse, TypeError:
		return &ev, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedMessage, ev.Type)
	}
}

// EncodeEvent marshals an event for transmission to the client.
func EncodeEvent(ev *Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// NewTranscriptEvent builds a transcript fragment event.
func NewTranscriptEvent(text string, isFinal bool, sessionID string) *Event {
	return &Event{Type: TypeTranscript, Text: text, IsFinal: isFinal, SessionID: sessionID}
}

// NewLLMResponseEvent builds a suggestion event for a finalized utterance.
func NewLLMResponseEvent(text, question, sessionID string) *Event {
	return &Event{Type: TypeLLMResponse, Text: text, Question: question, SessionID: sessionID}
}

// NewErrorEvent builds an error event with a human-readable message.
func NewErrorEvent(message, sessionID string) *Event {
	return &Event{Type: TypeError, Message: message, SessionID: sessionID}
}
