package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/liveassist/copilot-gateway/internal/detector"
	"github.com/liveassist/copilot-gateway/internal/observability"
	"github.com/liveassist/copilot-gateway/internal/protocol"
	"github.com/liveassist/copilot-gateway/internal/stt"
)

// fakeRecognizer records sent audio and lets tests inject results.
type fakeRecognizer struct {
	mu      sync.Mutex
	sent    [][]byte
	results chan *stt.Result
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{results: make(chan *stt.Result, 16)}
}

func (f *fakeRecognizer) Start() error { return nil }

func (f *fakeRecognizer) SendAudio(audioData []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, audioData)
	return nil
}

func (f *fakeRecognizer) Results() <-chan *stt.Result { return f.results }
func (f *fakeRecognizer) Stop() error                 { return nil }
func (f *fakeRecognizer) Close() error                { return nil }

func (f *fakeRecognizer) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestSession(rec stt.Client) *Session {
	sessionID := "test-session"
	return &Session{
		conn:      nil, // frame handling and result fan-out never touch the conn
		sessionID: sessionID,
		isActive:  true,
		sttClient: rec,
		detector: detector.New(detector.Config{
			SilenceThreshold: time.Hour,
			Logger:           zerolog.Nop(),
		}),
		events:  make(chan *protocol.Event, 16),
		metrics: observability.NewSessionMetrics(sessionID),
		logger:  zerolog.Nop(),
		done:    make(chan struct{}),
	}
}

func metaFrame(t *testing.T, timestamp int64) []byte {
	t.Helper()
	data, err := protocol.EncodeAudioMeta(timestamp, "test-session")
	if err != nil {
		t.Fatalf("EncodeAudioMeta() error = %v", err)
	}
	return data
}

func TestSession_MetaThenPayloadForwarded(t *testing.T) {
	rec := newFakeRecognizer()
	s := newTestSession(rec)

	s.handleMetaFrame(metaFrame(t, 100))
	s.handleAudioFrame([]byte{0x01, 0x02, 0x03})

	if got := rec.sentCount(); got != 1 {
		t.Fatalf("recognizer received %d chunks, want 1", got)
	}
	if len(rec.sent[0]) != 3 {
		t.Errorf("forwarded payload has %d bytes, want 3", len(rec.sent[0]))
	}
}

func TestSession_PayloadWithoutMetaDropped(t *testing.T) {
	rec := newFakeRecognizer()
	s := newTestSession(rec)

	s.handleAudioFrame([]byte{0x01, 0x02})

	if got := rec.sentCount(); got != 0 {
		t.Errorf("recognizer received %d chunks, want 0", got)
	}
}

func TestSession_MalformedMetaDoesNotStagePayload(t *testing.T) {
	rec := newFakeRecognizer()
	s := newTestSession(rec)

	s.handleMetaFrame([]byte(`{"type":"bogus"}`))
	s.handleAudioFrame([]byte{0x01})

	if got := rec.sentCount(); got != 0 {
		t.Errorf("recognizer received %d chunks after malformed meta, want 0", got)
	}
}

func TestSession_MetaPairingIsPerFrame(t *testing.T) {
	rec := newFakeRecognizer()
	s := newTestSession(rec)

	s.handleMetaFrame(metaFrame(t, 100))
	s.handleAudioFrame([]byte{0x01})
	// Second payload has no announcement of its own.
	s.handleAudioFrame([]byte{0x02})

	if got := rec.sentCount(); got != 1 {
		t.Errorf("recognizer received %d chunks, want 1", got)
	}
}

func TestSession_TranscriptsForwardedToClient(t *testing.T) {
	rec := newFakeRecognizer()
	s := newTestSession(rec)

	go s.processRecognitionResults()
	defer close(s.done)

	rec.results <- &stt.Result{Text: "hello", IsFinal: false}
	rec.results <- &stt.Result{Text: "hello there.", IsFinal: true}

	for i, want := range []struct {
		text    string
		isFinal bool
	}{
		{"hello", false},
		{"hello there.", true},
	} {
		select {
		case ev := <-s.events:
			if ev.Type != protocol.TypeTranscript {
				t.Errorf("event %d type = %q, want %q", i, ev.Type, protocol.TypeTranscript)
			}
			if ev.Text != want.text || ev.IsFinal != want.isFinal {
				t.Errorf("event %d = (%q, final=%v), want (%q, final=%v)",
					i, ev.Text, ev.IsFinal, want.text, want.isFinal)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for transcript event %d", i)
		}
	}
}

func TestSession_DuplicateFinalSuppressed(t *testing.T) {
	rec := newFakeRecognizer()
	s := newTestSession(rec)

	go s.processRecognitionResults()
	defer close(s.done)

	rec.results <- &stt.Result{Text: "same sentence.", IsFinal: true}
	rec.results <- &stt.Result{Text: "same sentence.", IsFinal: true}
	rec.results <- &stt.Result{Text: "a new one.", IsFinal: true}

	var texts []string
	for len(texts) < 2 {
		select {
		case ev := <-s.events:
			texts = append(texts, ev.Text)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got events %v", texts)
		}
	}

	if texts[0] != "same sentence." || texts[1] != "a new one." {
		t.Errorf("forwarded transcripts = %v, want duplicate final dropped", texts)
	}

	select {
	case ev := <-s.events:
		t.Errorf("unexpected extra event %q", ev.Text)
	case <-time.After(50 * time.Millisecond):
	}
}
