package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/liveassist/copilot-gateway/internal/config"
	"github.com/liveassist/copilot-gateway/internal/observability"
	"github.com/liveassist/copilot-gateway/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we customize.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramClient implements Client using Deepgram's streaming API
type DeepgramClient struct {
	config         *config.Config
	logger         zerolog.Logger
	client         *listenClient.WSCallback
	results        chan *Result
	mu             sync.RWMutex
	isActive       bool
	ctx            context.Context
	cancel         context.CancelFunc
	circuitBreaker *resilience.CircuitBreaker
}

// NewDeepgramClient creates a new Deepgram streaming client
func NewDeepgramClient(cfg *config.Config, logger zerolog.Logger) *DeepgramClient {
	ctx, cancel := context.WithCancel(context.Background())

	circuitBreaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)

	return &DeepgramClient{
		config:         cfg,
		logger:         logger.With().Str("component", "deepgram").Logger(),
		results:        make(chan *Result, 100),
		ctx:            ctx,
		cancel:         cancel,
		circuitBreaker: circuitBreaker,
	}
}

// Start begins a new Deepgram streaming recognition session
func (d *DeepgramClient) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("deepgram client is already active")
	}

	// Browser capture ships a containerized stream (WebM/Opus from
	// MediaRecorder), so no encoding or sample rate is pinned here;
	// Deepgram detects the container itself.
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			d.logger.Error().
				Str("type", errorResponse.Type).
				Str("description", errorResponse.Description).
				Msg("Deepgram error")

			d.circuitBreaker.RecordResult(false)
			observability.UpdateCircuitBreakerState("deepgram", int(d.circuitBreaker.GetState()))
			observability.IncrementCircuitBreakerFailures("deepgram")

			select {
			case <-d.ctx.Done():
				return nil
			default:
				d.mu.Lock()
				d.isActive = false
				d.mu.Unlock()

				go d.attemptReconnect()
			}
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(
		d.ctx,
		d.config.DeepgramAPIKey,
		nil, // ClientOptions - nil uses defaults
		tOptions,
		callback,
	)
	if err != nil {
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	d.client = client
	d.isActive = true

	d.circuitBreaker.RecordResult(true)
	observability.UpdateCircuitBreakerState("deepgram", int(d.circuitBreaker.GetState()))

	d.logger.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Msg("Deepgram streaming client started")
	return nil
}

// handleMessage processes recognition messages from Deepgram
func (d *DeepgramClient) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Metadata":
		d.logger.Debug().Msg("Deepgram metadata received")

	case "SpeechStarted":
		d.logger.Debug().Msg("Deepgram: speech started")

	case "UtteranceEnd":
		d.logger.Debug().Msg("Deepgram: utterance ended")

	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}

		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		start := msg.Start
		duration := msg.Duration
		if len(alt.Words) > 0 && duration == 0 {
			start = alt.Words[0].Start
			lastWord := alt.Words[len(alt.Words)-1]
			duration = lastWord.End - start
		}

		result := &Result{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
			Start:      start,
			Duration:   duration,
		}

		select {
		case d.results <- result:
			d.logger.Debug().
				Bool("is_final", result.IsFinal).
				Str("text", result.Text).
				Msg("Recognition result")
		default:
			d.logger.Warn().Msg("Results channel full, dropping recognition result")
		}

	default:
		d.logger.Debug().Str("type", msg.Type).Msg("Deepgram: unknown message type")
	}
}

// SendAudio sends an audio chunk to Deepgram
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	err := d.circuitBreaker.Call(func() error {
		d.mu.RLock()
		active := d.isActive
		client := d.client
		d.mu.RUnlock()

		if !active || client == nil {
			return fmt.Errorf("deepgram client is not active")
		}

		_, err := client.Write(audioData)
		if err != nil {
			go d.attemptReconnect()
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}

		return nil
	})

	observability.UpdateCircuitBreakerState("deepgram", int(d.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
	}

	return err
}

// attemptReconnect attempts to reconnect to Deepgram
func (d *DeepgramClient) attemptReconnect() {
	select {
	case <-d.ctx.Done():
		return
	default:
	}

	d.mu.RLock()
	alreadyActive := d.isActive
	d.mu.RUnlock()

	if alreadyActive {
		return
	}

	reconnectConfig := &resilience.ReconnectConfig{
		MaxAttempts: d.config.ReconnectMaxAttempts,
		Backoff:     time.Duration(d.config.ReconnectBackoffMs) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
		Logger:      d.logger,
	}

	err := resilience.Reconnect(d.ctx, func() error {
		return d.Start()
	}, reconnectConfig)

	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to reconnect Deepgram client")
	}
}

// Results returns the channel of recognition results
func (d *DeepgramClient) Results() <-chan *Result {
	return d.results
}

// Stop ends the Deepgram streaming session
func (d *DeepgramClient) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isActive {
		return nil
	}

	d.client.Finish()
	d.isActive = false

	d.logger.Info().Msg("Deepgram streaming client stopped")
	return nil
}

// Close closes the client and cleans up resources
func (d *DeepgramClient) Close() error {
	d.cancel()

	if err := d.Stop(); err != nil {
		return err
	}

	// Give pending reads a moment before the channel goes away.
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(d.results)
	}()

	return nil
}

// IsActive reports whether a recognition session is running
func (d *DeepgramClient) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isActive
}
