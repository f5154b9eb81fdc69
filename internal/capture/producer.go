package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/liveassist/copilot-gateway/internal/audio"
)

// ErrSourceEnded is the terminal error reported when the underlying audio
// source becomes unavailable mid-capture. The producer performs no further
// action; restarting capture is the coordination layer's call.
var ErrSourceEnded = errors.New("capture: audio source ended")

// Source supplies encoded audio bytes from the tab capture. Read blocks
// until bytes are available and returns io.EOF when the source ends.
type Source interface {
	io.ReadCloser
}

// Transport is the send path chunks are handed to. The transport drops the
// chunk itself when its session is not open; the producer never buffers
// audio across a reconnect.
type Transport interface {
	SendAudio(timestamp int64, sessionID string, payload []byte)
}

// Config holds producer parameters.
type Config struct {
	SessionID  string        // capture-session identifier stamped on every chunk
	Interval   time.Duration // chunk cadence, 250ms nominal
	BufferSize int           // staging ring buffer size in bytes
	Logger     zerolog.Logger
}

// Producer captures encoded audio from a source and emits one chunk per
// interval to the transport. Ownership of each chunk's bytes transfers to
// the transport at hand-off.
type Producer struct {
	cfg    Config
	source Source
	sink   Transport
	buf    *audio.RingBuffer

	start time.Time // monotonic base for chunk timestamps

	stop     chan struct{}
	stopOnce sync.Once
	errCh    chan error
	wg       sync.WaitGroup
}

// NewProducer creates a producer over an active source.
func NewProducer(source Source, sink Transport, cfg Config) *Producer {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 * 1024
	}
	return &Producer{
		cfg:    cfg,
		source: source,
		sink:   sink,
		buf:    audio.NewRingBuffer(cfg.BufferSize),
		stop:   make(chan struct{}),
		errCh:  make(chan error, 1),
	}
}

// Start begins pumping the source and emitting chunks on the fixed cadence.
func (p *Producer) Start() {
	p.start = time.Now()
	p.wg.Add(2)
	go p.pumpLoop()
	go p.tickLoop()
	p.cfg.Logger.Info().
		Str("session_id", p.cfg.SessionID).
		Dur("interval", p.cfg.Interval).
		Msg("Audio chunk producer started")
}

// Err delivers the producer's terminal error, if any. The channel receives
// at most one error.
func (p *Producer) Err() <-chan error {
	return p.errCh
}

// pumpLoop moves source bytes into the staging buffer until the source ends
// or capture stops.
func (p *Producer) pumpLoop() {
	defer p.wg.Done()

	chunk := make([]byte, 4096)
	for {
		n, err := p.source.Read(chunk)
		if n > 0 {
			written := p.buf.Write(chunk[:n])
			if written < n {
				p.cfg.Logger.Warn().
					Int("dropped", n-written).
					Msg("Capture buffer full, dropping audio bytes")
			}
		}
		if err != nil {
			select {
			case <-p.stop:
				// Stop() closed the source; not a source failure.
				return
			default:
			}
			p.cfg.Logger.Error().Err(err).Msg("Audio source ended")
			p.reportFatal(fmt.Errorf("%w: %v", ErrSourceEnded, err))
			p.stopOnce.Do(func() { close(p.stop) })
			return
		}
	}
}

// tickLoop emits one chunk per interval from the staged bytes. Empty ticks
// emit nothing.
func (p *Producer) tickLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			data := p.buf.ReadAll()
			if len(data) == 0 {
				continue
			}
			timestamp := time.Since(p.start).Milliseconds()
			p.sink.SendAudio(timestamp, p.cfg.SessionID, data)
		}
	}
}

func (p *Producer) reportFatal(err error) {
	select {
	case p.errCh <- err:
	default:
	}
}

// Stop ends capture: no further chunks are emitted and the source is
// released. Idempotent.
func (p *Producer) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if err := p.source.Close(); err != nil {
			p.cfg.Logger.Warn().Err(err).Msg("Error closing audio source")
		}
		p.cfg.Logger.Info().Str("session_id", p.cfg.SessionID).Msg("Audio chunk producer stopped")
	})
	p.wg.Wait()
}
