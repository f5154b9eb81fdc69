package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/liveassist/copilot-gateway/internal/observability"
	"github.com/liveassist/copilot-gateway/internal/protocol"
)

var (
	// ErrConnectFailed is returned by Open when the transport rejects the
	// initial connection. It is surfaced immediately, with no retry.
	ErrConnectFailed = errors.New("transport: connect failed")

	// ErrConnectionLost is surfaced through the fatal handler after all
	// reconnect attempts are exhausted. The session is Closed and will
	// not retry further.
	ErrConnectionLost = errors.New("transport: connection lost")
)

// State is the lifecycle state of a transport session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is the minimal duplex connection the session drives.
// *websocket.Conn satisfies it via the gorilla adapter below.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes physical connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// frame is one queued outbound message.
type frame struct {
	binary bool
	data   []byte
}

// Config holds session parameters.
type Config struct {
	URL            string
	MaxAttempts    int           // reconnect attempts before giving up
	BaseBackoff    time.Duration // doubled per attempt
	ConnectTimeout time.Duration
	QueueSize      int // pending frames before sends are dropped
	Dialer         Dialer
	Logger         zerolog.Logger
}

// Session is one logical duplex connection to the gateway. It owns the
// physical connection and the send queue exclusively; at most one physical
// connection is live at a time. Frames are written in submission order.
type Session struct {
	cfg Config

	mu       sync.Mutex
	state    State
	attempts int
	conn     Conn
	gen      int           // physical connection generation, guards stale goroutines
	connStop chan struct{} // closed when the current connection is torn down
	sendQ    chan frame

	onEvent func(*protocol.Event)
	onFatal func(error)

	closed chan struct{}
	wg     sync.WaitGroup
}

// NewSession creates a session in the Connecting state. Open must be called
// before any sends succeed.
func NewSession(cfg Config) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = &WebsocketDialer{HandshakeTimeout: cfg.ConnectTimeout}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Session{
		cfg:    cfg,
		state:  StateConnecting,
		sendQ:  make(chan frame, cfg.QueueSize),
		closed: make(chan struct{}),
	}
}

// OnEvent registers the handler invoked once per inbound application event,
// in arrival order. Must be called before Open.
func (s *Session) OnEvent(handler func(*protocol.Event)) {
	s.onEvent = handler
}

// OnFatal registers the handler invoked when the session gives up
// reconnecting. Must be called before Open.
func (s *Session) OnFatal(handler func(error)) {
	s.onFatal = handler
}

// Open establishes the physical connection. A rejected dial returns
// ErrConnectFailed. On success the reconnect-attempt counter resets to zero
// and the session transitions to Open.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("%w: session is closed", ErrConnectFailed)
	}
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.cfg.Dialer.Dial(dialCtx, s.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: session closed during dial", ErrConnectFailed)
	}
	s.attachLocked(conn)
	s.mu.Unlock()

	s.cfg.Logger.Info().Str("url", s.cfg.URL).Msg("Transport session open")
	return nil
}

// attachLocked installs a live connection and starts its read/write loops.
// Caller holds s.mu.
func (s *Session) attachLocked(conn Conn) {
	s.conn = conn
	s.gen++
	s.state = StateOpen
	s.attempts = 0
	s.connStop = make(chan struct{})

	gen := s.gen
	s.wg.Add(2)
	go s.readLoop(conn, gen)
	go s.writeLoop(conn, gen, s.connStop)
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendControl enqueues a text control frame. The frame is dropped when the
// session is not Open or the queue is full.
func (s *Session) SendControl(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(frame{binary: false, data: data})
}

// SendAudio enqueues the metadata frame for an audio chunk immediately
// followed by its binary payload. Both frames are queued under one lock so
// no other frame can interleave between them; the peer pairs them by order.
// The pair is dropped when the session is not Open.
func (s *Session) SendAudio(timestamp int64, sessionID string, payload []byte) {
	meta, err := protocol.EncodeAudioMeta(timestamp, sessionID)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("Failed to encode audio meta frame")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		s.cfg.Logger.Debug().Str("state", s.state.String()).Msg("Dropping audio chunk, session not open")
		return
	}
	// The pair needs two queue slots; drop both or neither.
	if len(s.sendQ) >= cap(s.sendQ)-1 {
		s.cfg.Logger.Warn().Msg("Send queue full, dropping audio chunk")
		return
	}
	s.sendQ <- frame{binary: false, data: meta}
	s.sendQ <- frame{binary: true, data: payload}
}

// enqueueLocked adds one frame to the queue if the session is Open.
// Caller holds s.mu.
func (s *Session) enqueueLocked(f frame) {
	if s.state != StateOpen {
		s.cfg.Logger.Debug().Str("state", s.state.String()).Msg("Dropping frame, session not open")
		return
	}
	select {
	case s.sendQ <- f:
	default:
		s.cfg.Logger.Warn().Msg("Send queue full, dropping frame")
	}
}

// writeLoop drains the send queue onto one physical connection.
// A single writer preserves submission order on the wire.
func (s *Session) writeLoop(conn Conn, gen int, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-s.closed:
			return
		case <-stop:
			return
		case f := <-s.sendQ:
			msgType := websocket.TextMessage
			if f.binary {
				msgType = websocket.BinaryMessage
			}
			if err := conn.WriteMessage(msgType, f.data); err != nil {
				s.cfg.Logger.Warn().Err(err).Msg("Transport write failed")
				s.handleDisconnect(gen)
				return
			}
		}
	}
}

// readLoop delivers inbound events to the registered handler in arrival order.
func (s *Session) readLoop(conn Conn, gen int) {
	defer s.wg.Done()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.cfg.Logger.Warn().Err(err).Msg("Transport read failed")
			s.handleDisconnect(gen)
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("Dropping malformed inbound frame")
			continue
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}
	}
}

// handleDisconnect reacts to an unexpected disconnect of one connection
// generation. It transitions the session to Reconnecting and starts the
// backoff loop; a stale generation is ignored.
func (s *Session) handleDisconnect(gen int) {
	s.mu.Lock()
	if s.state == StateClosed || gen != s.gen || s.state == StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.teardownConnLocked()
	s.drainQueueLocked()
	s.mu.Unlock()

	go s.reconnectLoop()
}

// teardownConnLocked closes the current connection and stops its writer.
// Caller holds s.mu.
func (s *Session) teardownConnLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.connStop != nil {
		close(s.connStop)
		s.connStop = nil
	}
}

// drainQueueLocked discards pending frames. Stale audio is dropped in favor
// of fresh audio once reconnected. Caller holds s.mu.
func (s *Session) drainQueueLocked() {
	for {
		select {
		case <-s.sendQ:
		default:
			return
		}
	}
}

// reconnectLoop retries the dial with exponential backoff,
// base * 2^(attempt-1), until success or the attempt cap. Exhausting the
// cap closes the session and surfaces ErrConnectionLost.
func (s *Session) reconnectLoop() {
	for {
		s.mu.Lock()
		if s.state != StateReconnecting {
			s.mu.Unlock()
			return
		}
		s.attempts++
		attempt := s.attempts
		if attempt > s.cfg.MaxAttempts {
			s.state = StateClosed
			s.mu.Unlock()
			s.cfg.Logger.Error().Int("attempts", s.cfg.MaxAttempts).Msg("Reconnect attempts exhausted")
			if s.onFatal != nil {
				s.onFatal(fmt.Errorf("%w: after %d attempts", ErrConnectionLost, s.cfg.MaxAttempts))
			}
			return
		}
		s.mu.Unlock()

		delay := BackoffDelay(s.cfg.BaseBackoff, attempt)
		s.cfg.Logger.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Scheduling reconnect attempt")
		observability.RecordReconnectAttempt()

		select {
		case <-s.closed:
			return
		case <-time.After(delay):
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		conn, err := s.cfg.Dialer.Dial(dialCtx, s.cfg.URL)
		cancel()
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
			continue
		}

		s.mu.Lock()
		if s.state != StateReconnecting {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.attachLocked(conn)
		s.mu.Unlock()
		s.cfg.Logger.Info().Int("attempt", attempt).Msg("Reconnected")
		return
	}
}

// BackoffDelay returns the reconnect delay before attempt n (1-based):
// base * 2^(n-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}

// Close transitions the session to Closed, releases the physical connection
// and cancels any pending reconnect timer. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.teardownConnLocked()
	s.drainQueueLocked()
	s.mu.Unlock()

	close(s.closed)
	s.cfg.Logger.Info().Msg("Transport session closed")
}
