package detector

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestDetector(threshold time.Duration) *Detector {
	return New(Config{
		SilenceThreshold: threshold,
		Logger:           zerolog.Nop(),
	})
}

func expectUtterance(t *testing.T, d *Detector, timeout time.Duration) Utterance {
	t.Helper()
	select {
	case u := <-d.Utterances():
		return u
	case <-time.After(timeout):
		t.Fatal("Expected an utterance")
		return Utterance{}
	}
}

func expectNoUtterance(t *testing.T, d *Detector, window time.Duration) {
	t.Helper()
	select {
	case u := <-d.Utterances():
		t.Fatalf("Unexpected utterance: %q", u.Text)
	case <-time.After(window):
	}
}

func TestDetector_PunctuationFiresImmediately(t *testing.T) {
	// Huge threshold: only the punctuation shortcut can fire.
	d := newTestDetector(time.Hour)
	defer d.Stop()

	// Increasingly complete provisional fragments, then a final with '?'.
	d.OnFragment(Fragment{Text: "What", IsFinal: false})
	d.OnFragment(Fragment{Text: "What is", IsFinal: false})
	d.OnFragment(Fragment{Text: "What is your", IsFinal: false})
	d.OnFragment(Fragment{Text: "What is your experience?", IsFinal: true})

	u := expectUtterance(t, d, time.Second)
	if u.Text != "What is your experience?" {
		t.Errorf("Expected 'What is your experience?', got %q", u.Text)
	}

	// Exactly one utterance.
	expectNoUtterance(t, d, 20*time.Millisecond)
}

func TestDetector_SilenceFallback(t *testing.T) {
	d := newTestDetector(20 * time.Millisecond)
	defer d.Stop()

	d.OnFragment(Fragment{Text: "Tell me about", IsFinal: false})

	u := expectUtterance(t, d, time.Second)
	if u.Text != "Tell me about" {
		t.Errorf("Expected 'Tell me about', got %q", u.Text)
	}

	expectNoUtterance(t, d, 50*time.Millisecond)
}

func TestDetector_EmptyBufferNeverFires(t *testing.T) {
	d := newTestDetector(10 * time.Millisecond)
	defer d.Stop()

	// Several silence windows pass with nothing buffered.
	expectNoUtterance(t, d, 50*time.Millisecond)
}

func TestDetector_ProvisionalReplacedNotAppended(t *testing.T) {
	d := newTestDetector(20 * time.Millisecond)
	defer d.Stop()

	d.OnFragment(Fragment{Text: "Tell me", IsFinal: false})
	d.OnFragment(Fragment{Text: "Tell me about your work", IsFinal: false})

	u := expectUtterance(t, d, time.Second)
	if u.Text != "Tell me about your work" {
		t.Errorf("Expected revised provisional only, got %q", u.Text)
	}
}

func TestDetector_CommittedFragmentsJoined(t *testing.T) {
	d := newTestDetector(time.Hour)
	defer d.Stop()

	d.OnFragment(Fragment{Text: "I worked at Acme", IsFinal: true})
	d.OnFragment(Fragment{Text: "for five years.", IsFinal: true})

	u := expectUtterance(t, d, time.Second)
	if u.Text != "I worked at Acme for five years." {
		t.Errorf("Expected joined committed text, got %q", u.Text)
	}
}

func TestDetector_ProvisionalPunctuationDoesNotFire(t *testing.T) {
	d := newTestDetector(time.Hour)
	defer d.Stop()

	// A provisional fragment may carry punctuation that a later revision
	// retracts, so it must not trigger the shortcut.
	d.OnFragment(Fragment{Text: "Really?", IsFinal: false})

	expectNoUtterance(t, d, 30*time.Millisecond)
}

func TestDetector_EmptyFragmentDoesNotAlterBuffer(t *testing.T) {
	d := newTestDetector(30 * time.Millisecond)
	defer d.Stop()

	d.OnFragment(Fragment{Text: "buffered words", IsFinal: false})
	d.OnFragment(Fragment{Text: "   ", IsFinal: true}) // dropped

	u := expectUtterance(t, d, time.Second)
	if u.Text != "buffered words" {
		t.Errorf("Dropped fragment altered buffer: %q", u.Text)
	}
}

func TestDetector_StopClearsWithoutEmitting(t *testing.T) {
	d := newTestDetector(20 * time.Millisecond)

	d.OnFragment(Fragment{Text: "half a thought", IsFinal: false})
	d.Stop()

	select {
	case u, ok := <-d.Utterances():
		if ok {
			t.Errorf("Expected no trailing utterance, got %q", u.Text)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Expected utterance channel to close on Stop")
	}
}

func TestDetector_TimestampsSpanTheUtterance(t *testing.T) {
	d := newTestDetector(20 * time.Millisecond)
	defer d.Stop()

	before := time.Now()
	d.OnFragment(Fragment{Text: "quick question?", IsFinal: true})
	u := expectUtterance(t, d, time.Second)
	after := time.Now()

	if u.Start.Before(before) || u.End.After(after) {
		t.Errorf("Utterance timestamps out of range: start=%v end=%v", u.Start, u.End)
	}
	if u.End.Before(u.Start) {
		t.Error("Utterance end precedes start")
	}
}

func TestDetector_NewUtteranceAfterBoundary(t *testing.T) {
	d := newTestDetector(time.Hour)
	defer d.Stop()

	d.OnFragment(Fragment{Text: "First question?", IsFinal: true})
	first := expectUtterance(t, d, time.Second)
	if first.Text != "First question?" {
		t.Errorf("Expected 'First question?', got %q", first.Text)
	}

	d.OnFragment(Fragment{Text: "Second question?", IsFinal: true})
	second := expectUtterance(t, d, time.Second)
	if second.Text != "Second question?" {
		t.Errorf("Buffer not cleared between utterances, got %q", second.Text)
	}
}

func TestEndsSentence(t *testing.T) {
	tests := []struct {
		text     string
		expected bool
	}{
		{"Done.", true},
		{"Really?", true},
		{"Stop!", true},
		{"Trailing spaces. ", true},
		{"no punctuation", false},
		{"comma,", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := endsSentence(tt.text); got != tt.expected {
			t.Errorf("endsSentence(%q): expected %v, got %v", tt.text, tt.expected, got)
		}
	}
}
