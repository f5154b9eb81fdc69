// Package gateway accepts browser capture connections and runs the
// recognition pipeline for each: inbound audio goes to the streaming
// recognizer, recognition results are forwarded to the client and folded
// into utterances, and each finalized utterance triggers one suggestion
// request whose outcome is pushed back over the same socket.
package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/liveassist/copilot-gateway/internal/config"
	"github.com/liveassist/copilot-gateway/internal/detector"
	"github.com/liveassist/copilot-gateway/internal/dispatch"
	"github.com/liveassist/copilot-gateway/internal/observability"
	"github.com/liveassist/copilot-gateway/internal/protocol"
	"github.com/liveassist/copilot-gateway/internal/resilience"
	"github.com/liveassist/copilot-gateway/internal/stt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The capture client connects from an extension origin, which
		// browsers report inconsistently. Auth belongs in a fronting proxy.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Session holds the state of a single capture connection
type Session struct {
	conn *websocket.Conn

	sessionID string

	mu       sync.RWMutex
	isActive bool

	// Wire protocol pairing: each text metadata frame announces exactly one
	// binary payload frame that must follow it.
	pendingMeta *protocol.AudioMeta

	sttClient  stt.Client
	detector   *detector.Detector
	dispatcher *dispatch.Dispatcher

	// Outbound events, serialized through a single writer goroutine
	events chan *protocol.Event

	config  *config.Config
	metrics *observability.Metrics
	logger  zerolog.Logger

	done chan struct{}
}

// NewSession creates a session for an upgraded capture connection
func NewSession(conn *websocket.Conn, cfg *config.Config) *Session {
	sessionID := observability.NewSessionID()
	logger := observability.WithSession(sessionID)

	metrics := observability.NewSessionMetrics(sessionID)
	metrics.RecordSessionStart()

	sttClient := stt.NewDeepgramClient(cfg, logger)

	det := detector.New(detector.Config{
		SilenceThreshold: time.Duration(cfg.SilenceThresholdMs) * time.Millisecond,
		Logger:           logger,
		Metrics:          metrics,
	})

	resume, err := cfg.LoadResume()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load resume, using built-in placeholder")
	}

	disp := dispatch.New(dispatch.NewGroqClient(cfg.GroqAPIKey, cfg.GroqBaseURL), dispatch.Config{
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		Timeout:     time.Duration(cfg.LLMTimeout) * time.Second,
		Resume:      resume,
		SessionID:   sessionID,
		Logger:      logger,
		Metrics:     metrics,
	})

	return &Session{
		conn:       conn,
		sessionID:  sessionID,
		isActive:   true,
		sttClient:  sttClient,
		detector:   det,
		dispatcher: disp,
		events:     make(chan *protocol.Event, 50),
		config:     cfg,
		metrics:    metrics,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// HandleAudioWS is the entry point for capture WebSocket connections
func HandleAudioWS(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger := observability.GetLogger()
			logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		session := NewSession(conn, cfg)
		session.logger.Info().Msg("Capture connection established")

		err = resilience.Retry(session.sttClient.Start, &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
		}, resilience.IsRetryableNetworkError)
		if err != nil {
			session.logger.Error().Err(err).Msg("Error starting recognition session")
			// Keep the connection: the recognizer retries on the first send.
		}

		go session.processRecognitionResults()
		go session.processUtterances()
		go session.processSuggestions()
		go session.writeEvents()

		session.readLoop()

		<-session.done
		session.logger.Info().Msg("Capture session ended")
	}
}

// readLoop handles all incoming WebSocket frames from the capture client.
// It owns session teardown: when the read side ends, everything else stops.
func (s *Session) readLoop() {
	defer func() {
		s.mu.Lock()
		s.isActive = false
		s.mu.Unlock()

		if err := s.sttClient.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Error closing recognition client")
		}
		s.detector.Stop()
		s.dispatcher.Close()
		s.metrics.RecordSessionEnd()
		close(s.done)
	}()

	for {
		msgType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			s.handleMetaFrame(message)

		case websocket.BinaryMessage:
			s.handleAudioFrame(message)
		}
	}
}

// handleMetaFrame parses an audio metadata frame and stages it for the
// binary payload that follows.
func (s *Session) handleMetaFrame(message []byte) {
	meta, err := protocol.DecodeAudioMeta(message)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed metadata frame")
		s.metrics.RecordError("malformed_meta", "gateway")
		return
	}

	s.mu.Lock()
	if s.pendingMeta != nil {
		// The payload for the previous announcement never arrived.
		s.logger.Warn().
			Int64("timestamp", s.pendingMeta.Timestamp).
			Msg("Metadata frame without payload, discarding")
		s.metrics.RecordChunkDropped("unpaired_meta")
	}
	s.pendingMeta = meta
	s.mu.Unlock()
}

// handleAudioFrame forwards a binary audio payload to the recognizer. A
// payload with no preceding metadata frame is dropped.
func (s *Session) handleAudioFrame(payload []byte) {
	s.mu.Lock()
	meta := s.pendingMeta
	s.pendingMeta = nil
	s.mu.Unlock()

	if meta == nil {
		s.logger.Warn().Msg("Binary frame without metadata, dropping")
		s.metrics.RecordChunkDropped("unpaired_payload")
		return
	}

	s.metrics.RecordAudioBytes("in", int64(len(payload)))

	if err := s.sttClient.SendAudio(payload); err != nil {
		s.logger.Error().Err(err).Msg("Error sending audio to recognizer")
		s.metrics.RecordError("stt_send_error", "deepgram")
		// Keep the session alive: the recognizer reconnects internally.
	}
}

// processRecognitionResults forwards every recognition result to the client
// as a transcript event and feeds it into the boundary detector.
func (s *Session) processRecognitionResults() {
	resultsChan := s.sttClient.Results()

	var lastFinalText string

	for {
		select {
		case result := <-resultsChan:
			if result == nil {
				s.logger.Debug().Msg("Recognition channel closed")
				return
			}

			// The recognizer occasionally repeats a final verbatim.
			if result.IsFinal && result.Text == lastFinalText {
				continue
			}
			if result.IsFinal {
				lastFinalText = result.Text
			}

			s.sendEvent(protocol.NewTranscriptEvent(result.Text, result.IsFinal, s.sessionID))

			s.detector.OnFragment(detector.Fragment{
				Text:    result.Text,
				IsFinal: result.IsFinal,
			})

		case <-s.done:
			return
		}
	}
}

// processUtterances hands each finalized utterance to the dispatcher
func (s *Session) processUtterances() {
	for {
		select {
		case utt, ok := <-s.detector.Utterances():
			if !ok {
				return
			}
			s.logger.Info().
				Str("text", utt.Text).
				Dur("span", utt.End.Sub(utt.Start)).
				Msg("Dispatching utterance")
			s.dispatcher.Dispatch(utt.Text)

		case <-s.done:
			return
		}
	}
}

// processSuggestions pushes dispatch outcomes back to the client
func (s *Session) processSuggestions() {
	for {
		select {
		case result, ok := <-s.dispatcher.Results():
			if !ok {
				return
			}

			if result.Err != "" {
				s.sendEvent(protocol.NewErrorEvent(result.Err, s.sessionID))
				continue
			}

			sug := result.Suggestion
			s.sendEvent(protocol.NewLLMResponseEvent(sug.Text, sug.Question, s.sessionID))

		case <-s.done:
			return
		}
	}
}

// writeEvents is the single writer for the connection
func (s *Session) writeEvents() {
	for {
		select {
		case ev := <-s.events:
			data, err := protocol.EncodeEvent(ev)
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to encode outbound event")
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Error().Err(err).Msg("Error writing event to client")
				s.metrics.RecordError("client_send_error", "gateway")
			}

		case <-s.done:
			return
		}
	}
}

// sendEvent queues an outbound event without blocking the pipeline
func (s *Session) sendEvent(ev *protocol.Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("type", ev.Type).Msg("Outbound event queue full, dropping")
		s.metrics.RecordChunkDropped("event_queue_full")
	}
}

// SessionID returns the identifier assigned to this connection
func (s *Session) SessionID() string {
	return s.sessionID
}

// IsActive reports whether the session is still running
func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isActive
}
