package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeAudioMeta(t *testing.T) {
	data, err := EncodeAudioMeta(1234, "sess-1")
	if err != nil {
		t.Fatalf("EncodeAudioMeta() failed: %v", err)
	}

	var meta AudioMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("Failed to unmarshal meta: %v", err)
	}

	if meta.Type != TypeAudio {
		t.Errorf("Expected type 'audio', got '%s'", meta.Type)
	}
	if meta.Timestamp != 1234 {
		t.Errorf("Expected timestamp 1234, got %d", meta.Timestamp)
	}
	if meta.SessionID != "sess-1" {
		t.Errorf("Expected session 'sess-1', got '%s'", meta.SessionID)
	}
}

func TestDecodeAudioMeta(t *testing.T) {
	meta, err := DecodeAudioMeta([]byte(`{"type":"audio","timestamp":987}`))
	if err != nil {
		t.Fatalf("DecodeAudioMeta() failed: %v", err)
	}
	if meta.Timestamp != 987 {
		t.Errorf("Expected timestamp 987, got %d", meta.Timestamp)
	}
}

func TestDecodeAudioMeta_WrongType(t *testing.T) {
	_, err := DecodeAudioMeta([]byte(`{"type":"transcript","text":"hi"}`))
	if err == nil {
		t.Fatal("Expected error for wrong frame type")
	}
	if !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("Expected ErrMalformedMessage, got %v", err)
	}
}

func TestDecodeEvent_Transcript(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"transcript","text":"What is your","is_final":false}`))
	if err != nil {
		t.Fatalf("DecodeEvent() failed: %v", err)
	}
	if ev.Type != TypeTranscript {
		t.Errorf("Expected type 'transcript', got '%s'", ev.Type)
	}
	if ev.Text != "What is your" {
		t.Errorf("Expected text 'What is your', got '%s'", ev.Text)
	}
	if ev.IsFinal {
		t.Error("Expected provisional fragment")
	}
}

func TestDecodeEvent_MissingFinalFlagIsProvisional(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"transcript","text":"hello"}`))
	if err != nil {
		t.Fatalf("DecodeEvent() failed: %v", err)
	}
	if ev.IsFinal {
		t.Error("Fragment without is_final should be treated as provisional")
	}
}

func TestDecodeEvent_LLMResponse(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"llm_response","text":"Mention the migration project.","question":"What is your experience?"}`))
	if err != nil {
		t.Fatalf("DecodeEvent() failed: %v", err)
	}
	if ev.Type != TypeLLMResponse {
		t.Errorf("Expected type 'llm_response', got '%s'", ev.Type)
	}
	if ev.Question != "What is your experience?" {
		t.Errorf("Expected question echo, got '%s'", ev.Question)
	}
}

func TestDecodeEvent_Error(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"ERROR","message":"LLM error: rate limit"}`))
	if err != nil {
		t.Fatalf("DecodeEvent() failed: %v", err)
	}
	if ev.Message != "LLM error: rate limit" {
		t.Errorf("Expected error message, got '%s'", ev.Message)
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{"type":`},
		{"unknown type", `{"type":"bogus"}`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.data))
			if err == nil {
				t.Fatal("Expected error for malformed event")
			}
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("Expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestEncodeEvent_RoundTrip(t *testing.T) {
	in := NewLLMResponseEvent("answer", "question?", "sess-9")
	data, err := EncodeEvent(in)
	if err != nil {
		t.Fatalf("EncodeEvent() failed: %v", err)
	}

	out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent() failed: %v", err)
	}
	if out.Text != "answer" || out.Question != "question?" || out.SessionID != "sess-9" {
		t.Errorf("Round trip mismatch: %+v", out)
	}
}
