// Package detector accumulates transcript fragments into sentence-delimited
// utterances. A boundary fires either when a final fragment supplies terminal
// punctuation, or when the speaker pauses longer than the silence threshold.
package detector

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/liveassist/copilot-gateway/internal/observability"
)

// Fragment is one unit of incoming transcript text. Fragments are consumed,
// never mutated.
type Fragment struct {
	Text    string
	IsFinal bool
}

// Utterance is an accumulated, finalized span of fragments: one spoken
// sentence or pause-delimited thought. Immutable once created.
type Utterance struct {
	Text  string
	Start time.Time
	End   time.Time
}

// Config holds detector parameters.
type Config struct {
	SilenceThreshold time.Duration // pause that finalizes an utterance, 3000ms nominal
	Logger           zerolog.Logger
	Metrics          *observability.Metrics // optional
}

// Detector owns the fragment buffer exclusively and is the sole writer of
// Utterances. The buffer holds committed text from final fragments plus the
// latest provisional tail, which each non-final fragment replaces because
// recognizers revise provisional text.
type Detector struct {
	cfg Config

	mu          sync.Mutex
	committed   []string
	provisional string
	startAt     time.Time
	timer       *time.Timer // single silence timer, rearmed on activity
	stopped     bool

	out chan Utterance
}

// New creates a detector with an empty buffer.
func New(cfg Config) *Detector {
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 3 * time.Second
	}
	return &Detector{
		cfg: cfg,
		out: make(chan Utterance, 16),
	}
}

// Utterances delivers finalized utterances. Each is consumed exactly once.
func (d *Detector) Utterances() <-chan Utterance {
	return d.out
}

// OnFragment feeds one transcript fragment into the buffer. Empty fragments
// are dropped with a warning and never alter buffer state.
func (d *Detector) OnFragment(f Fragment) {
	if strings.TrimSpace(f.Text) == "" {
		d.cfg.Logger.Warn().Msg("Dropping empty transcript fragment")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if d.bufferEmptyLocked() {
		d.startAt = time.Now()
	}

	if f.IsFinal {
		// Commit permanently; the provisional tail it confirms is dropped.
		d.committed = append(d.committed, strings.TrimSpace(f.Text))
		d.provisional = ""
	} else {
		// Recognizers revise provisional text: replace, don't append.
		d.provisional = strings.TrimSpace(f.Text)
	}

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordFragment(f.IsFinal)
	}

	// Terminal punctuation on committed text fires immediately, no silence
	// wait. Provisional punctuation never fires: a later revision could
	// retract it.
	if f.IsFinal && endsSentence(d.committedTextLocked()) {
		d.emitLocked("punctuation")
		return
	}

	d.rearmTimerLocked()
}

// onSilence is the single timer's callback: the speaker paused long enough
// to finalize whatever is buffered.
func (d *Detector) onSilence() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.bufferEmptyLocked() {
		return
	}
	d.emitLocked("silence")
}

// emitLocked finalizes the buffer into one Utterance and clears it.
// Caller holds d.mu.
func (d *Detector) emitLocked(trigger string) {
	text := d.fullTextLocked()
	if text == "" {
		return
	}

	u := Utterance{
		Text:  text,
		Start: d.startAt,
		End:   time.Now(),
	}

	d.committed = nil
	d.provisional = ""
	d.startAt = time.Time{}
	if d.timer != nil {
		d.timer.Stop()
	}

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordUtterance(trigger)
	}
	d.cfg.Logger.Info().
		Str("trigger", trigger).
		Str("text", text).
		Msg("Utterance finalized")

	select {
	case d.out <- u:
	default:
		d.cfg.Logger.Warn().Str("text", text).Msg("Utterance channel full, dropping")
	}
}

// rearmTimerLocked restarts the silence countdown from the latest activity.
// Caller holds d.mu.
func (d *Detector) rearmTimerLocked() {
	if d.timer == nil {
		d.timer = time.AfterFunc(d.cfg.SilenceThreshold, d.onSilence)
		return
	}
	d.timer.Reset(d.cfg.SilenceThreshold)
}

func (d *Detector) bufferEmptyLocked() bool {
	return len(d.committed) == 0 && d.provisional == ""
}

func (d *Detector) committedTextLocked() string {
	return strings.Join(d.committed, " ")
}

func (d *Detector) fullTextLocked() string {
	parts := d.committed
	if d.provisional != "" {
		parts = append(append([]string{}, d.committed...), d.provisional)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Reset clears the buffer without emitting a trailing utterance.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.committed = nil
	d.provisional = ""
	d.startAt = time.Time{}
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Stop clears the buffer and permanently stops the detector. No trailing
// utterance is emitted. Idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	d.committed = nil
	d.provisional = ""
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.out)
}

// endsSentence reports whether text ends with terminal sentence punctuation.
func endsSentence(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '?', '!':
		return true
	}
	return false
}
