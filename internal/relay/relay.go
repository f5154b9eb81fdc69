// Package relay routes messages between the pipeline's isolated execution
// contexts. The capture context owns the audio source and transport, the
// coordination context owns lifecycle, and the display context owns the
// overlay; none of them call each other directly. Every message carries a
// destination tag and is forwarded verbatim.
package relay

import (
	"sync"

	"github.com/rs/zerolog"
)

// Context tags the execution contexts messages can be addressed to.
type Context string

const (
	ContextCapture      Context = "capture"
	ContextCoordination Context = "coordination"
	ContextDisplay      Context = "display"
)

// Message is one routed unit. Payload is passed through untouched; the
// relay never transforms it.
type Message struct {
	To      Context
	From    Context
	Type    string
	Payload interface{}
}

// Relay forwards messages to the inbox of the context matching their
// destination tag. Messages with an unknown tag are dropped silently
// (logged at debug). Delivery preserves FIFO order per producer; no
// ordering is guaranteed across distinct message types from different
// producers.
type Relay struct {
	mu      sync.RWMutex
	inboxes map[Context]chan Message
	logger  zerolog.Logger
}

// New creates an empty relay. Contexts register their inboxes before
// messages flow.
func New(logger zerolog.Logger) *Relay {
	return &Relay{
		inboxes: make(map[Context]chan Message),
		logger:  logger,
	}
}

// Register creates the inbox for a context and returns its receive side.
// Registering the same context again replaces the previous inbox.
func (r *Relay) Register(ctx Context, buffer int) <-chan Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	inbox := make(chan Message, buffer)
	r.inboxes[ctx] = inbox
	return inbox
}

// Send routes one message to the inbox matching its destination tag.
// Unknown destinations are ignored. Delivery is best-effort: a full inbox
// drops the message with a warning rather than blocking the sender.
func (r *Relay) Send(msg Message) {
	r.mu.RLock()
	inbox, ok := r.inboxes[msg.To]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug().
			Str("to", string(msg.To)).
			Str("type", msg.Type).
			Msg("Ignoring message for unknown context")
		return
	}

	select {
	case inbox <- msg:
	default:
		r.logger.Warn().
			Str("to", string(msg.To)).
			Str("type", msg.Type).
			Msg("Context inbox full, dropping message")
	}
}

// Close closes every registered inbox. Senders must have stopped first.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ctx, inbox := range r.inboxes {
		close(inbox)
		delete(r.inboxes, ctx)
	}
}
