// The agent is the capture-side process: it reads encoded tab audio from a
// source, streams it to the gateway, and renders transcript and suggestion
// events as they come back. Its three concerns run as isolated contexts
// joined only by the relay: capture owns the source and transport,
// coordination owns lifecycle, display owns rendering.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/liveassist/copilot-gateway/internal/capture"
	"github.com/liveassist/copilot-gateway/internal/config"
	"github.com/liveassist/copilot-gateway/internal/observability"
	"github.com/liveassist/copilot-gateway/internal/protocol"
	"github.com/liveassist/copilot-gateway/internal/relay"
	"github.com/liveassist/copilot-gateway/internal/transport"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	sessionID := observability.NewSessionID()
	logger = logger.With().Str("session_id", sessionID).Logger()

	source, sourceName, err := openSource()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open audio source")
	}

	logger.Info().
		Str("gateway_url", cfg.GatewayURL).
		Str("source", sourceName).
		Msg("Capture agent starting")

	bus := relay.New(logger)
	captureInbox := bus.Register(relay.ContextCapture, 16)
	coordInbox := bus.Register(relay.ContextCoordination, 16)
	displayInbox := bus.Register(relay.ContextDisplay, 64)

	session := transport.NewSession(transport.Config{
		URL:            cfg.GatewayURL,
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		BaseBackoff:    time.Duration(cfg.ReconnectBackoffMs) * time.Millisecond,
		ConnectTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
		QueueSize:      cfg.SendQueueSize,
		Logger:         logger,
	})

	// Inbound events go straight to the display context. Events stamped
	// with a different session are leftovers from a previous connection.
	session.OnEvent(func(ev *protocol.Event) {
		if ev.SessionID != "" && ev.SessionID != sessionID {
			logger.Debug().Str("event_session", ev.SessionID).Msg("Dropping event from stale session")
			return
		}
		bus.Send(relay.Message{
			To:      relay.ContextDisplay,
			From:    relay.ContextCapture,
			Type:    ev.Type,
			Payload: ev,
		})
	})

	session.OnFatal(func(err error) {
		bus.Send(relay.Message{
			To:      relay.ContextCoordination,
			From:    relay.ContextCapture,
			Type:    "transport_fatal",
			Payload: err,
		})
	})

	producer := capture.NewProducer(source, session, capture.Config{
		SessionID:  sessionID,
		Interval:   time.Duration(cfg.ChunkIntervalMs) * time.Millisecond,
		BufferSize: cfg.AudioBufferSize,
		Logger:     logger,
	})

	go runCapture(bus, captureInbox, session, producer, logger)
	go runDisplay(displayInbox, logger)

	// Coordination: start the pipeline, then wait for a signal or a fatal
	// condition reported by the capture context.
	bus.Send(relay.Message{To: relay.ContextCapture, From: relay.ContextCoordination, Type: "start"})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info().Msg("Interrupt received, stopping")
	case msg := <-coordInbox:
		switch msg.Type {
		case "transport_fatal":
			logger.Error().Err(msg.Payload.(error)).Msg("Transport gave up, stopping")
		case "source_ended":
			logger.Info().Msg("Audio source ended, stopping")
		}
	}

	bus.Send(relay.Message{To: relay.ContextCapture, From: relay.ContextCoordination, Type: "stop"})

	// Give the capture context a moment to flush and close.
	time.Sleep(200 * time.Millisecond)
	logger.Info().Msg("Capture agent exited")
}

// runCapture owns the audio source and the gateway transport
func runCapture(bus *relay.Relay, inbox <-chan relay.Message, session *transport.Session, producer *capture.Producer, logger zerolog.Logger) {
	for msg := range inbox {
		switch msg.Type {
		case "start":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := session.Open(ctx)
			cancel()
			if err != nil {
				bus.Send(relay.Message{
					To:      relay.ContextCoordination,
					From:    relay.ContextCapture,
					Type:    "transport_fatal",
					Payload: err,
				})
				continue
			}
			producer.Start()

			go func() {
				err := <-producer.Err()
				logger.Warn().Err(err).Msg("Audio source ended")
				bus.Send(relay.Message{
					To:      relay.ContextCoordination,
					From:    relay.ContextCapture,
					Type:    "source_ended",
					Payload: err,
				})
			}()

		case "stop":
			producer.Stop()
			session.Close()
			return
		}
	}
}

// runDisplay renders inbound events for the overlay. In this build the
// overlay is the terminal.
func runDisplay(inbox <-chan relay.Message, logger zerolog.Logger) {
	for msg := range inbox {
		ev, ok := msg.Payload.(*protocol.Event)
		if !ok {
			continue
		}

		switch ev.Type {
		case protocol.TypeTranscript:
			if ev.IsFinal {
				fmt.Printf("\r[transcript] %s\n", ev.Text)
			} else {
				fmt.Printf("\r[interim]    %s", ev.Text)
			}

		case protocol.TypeLLMResponse:
			fmt.Printf("\n[suggestion] Q: %s\n             A: %s\n", ev.Question, ev.Text)

		case protocol.TypeError:
			fmt.Printf("\n[error] %s\n", ev.Message)

		default:
			logger.Debug().Str("type", ev.Type).Msg("Unhandled event type")
		}
	}
}

// openSource resolves the audio source: a file when AUDIO_SOURCE is set,
// stdin otherwise (pipe MediaRecorder output or a recording in).
func openSource() (io.ReadCloser, string, error) {
	path := config.GetEnv("AUDIO_SOURCE", "")
	if path == "" {
		return os.Stdin, "stdin", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}
