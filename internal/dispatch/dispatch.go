// Package dispatch composes the admission predicate and the per-message
// handler applied to every inbound Lime message.
//
// The predicate drops transient chatstate messages, then consults the
// dedup guard (when configured) so that exactly one worker in a pool
// handles each message. The handler converts the message, loads the
// conversation history, invokes the responder, and sends a single plain
// text reply when the responder asked for nothing further.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/botmesh/limepipe/internal/dedup"
	"github.com/botmesh/limepipe/internal/lime"
	"github.com/botmesh/limepipe/internal/models"
)

// Sender delivers outbound text messages. Implemented by *lime.Client.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Responder is the application-logic collaborator. It receives the
// caller identity, the conversation history, and the converted inbound
// input, and returns either a plain reply or tool calls for an external
// collaborator to act on.
type Responder interface {
	Respond(ctx context.Context, identity string, history []models.Turn, input Input) (models.Reply, error)
}

// History is the per-conversation slice of the history store the
// dispatcher needs. Implemented by *history.Store.
type History interface {
	Get(ctx context.Context) ([]models.Turn, error)
	Append(ctx context.Context, turn models.Turn) error
}

// HistoryFactory yields the history for a conversation session identity.
type HistoryFactory func(sessionID string) (History, error)

// Opts holds configuration options for a dispatcher.
type Opts struct {
	Guard     dedup.Guard
	Filter    lime.Predicate
	Histories HistoryFactory
}

// Option defines a configuration option for a dispatcher.
type Option func(*Opts)

// WithGuard sets the dedup guard consulted during admission.
func WithGuard(guard dedup.Guard) Option {
	return func(o *Opts) {
		o.Guard = guard
	}
}

// WithFilter sets a custom admission filter. It is consulted only when
// no dedup guard is configured, mirroring the admission short-circuit
// order.
func WithFilter(filter lime.Predicate) Option {
	return func(o *Opts) {
		o.Filter = filter
	}
}

// WithHistoryFactory enables history loading and persistence around each
// responder invocation.
func WithHistoryFactory(factory HistoryFactory) Option {
	return func(o *Opts) {
		o.Histories = factory
	}
}

// Dispatcher is stateless except for the dedup guard it holds.
type Dispatcher struct {
	sender    Sender
	responder Responder
	guard     dedup.Guard
	filter    lime.Predicate
	histories HistoryFactory
}

// NewDispatcher creates a dispatcher around the given sender and
// responder.
func NewDispatcher(sender Sender, responder Responder, opts ...Option) (*Dispatcher, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if responder == nil {
		return nil, fmt.Errorf("responder is required")
	}
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		sender:    sender,
		responder: responder,
		guard:     cfg.Guard,
		filter:    cfg.Filter,
		histories: cfg.Histories,
	}, nil
}

// Register attaches the dispatcher's predicate and handler to a client.
func (d *Dispatcher) Register(client *lime.Client) {
	client.AddMessageReceiver(d.Predicate(), d.Handler())
}

// Predicate returns the admission decision, evaluated once per inbound
// message. Evaluation order short-circuits: chatstate rejection, then
// the dedup guard, then the custom filter, then admit.
func (d *Dispatcher) Predicate() lime.Predicate {
	return func(msg *lime.Message) bool {
		if msg.Type == models.MIMEChatState {
			return false
		}
		if d.guard != nil {
			status, err := d.guard.CheckAndMark(msg.ID)
			if err != nil {
				// Not admitted and not marked: the message stays eligible
				// for redelivery once the guard recovers.
				slog.Error("Dispatcher dedup check failed", "error", err, "message_id", msg.ID)
				return false
			}
			return status == dedup.StatusPending
		}
		if d.filter != nil {
			return d.filter(msg)
		}
		return true
	}
}

// Handler returns the per-message handler, invoked only for admitted
// messages.
func (d *Dispatcher) Handler() lime.Handler {
	return d.handle
}

func (d *Dispatcher) handle(ctx context.Context, msg *lime.Message) error {
	if msg.From == "" {
		return fmt.Errorf("message %s has no sender identity; cannot dispatch", msg.ID)
	}
	identity := lime.TrimInstance(msg.From)

	input, err := ConvertMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to convert message %s: %w", msg.ID, err)
	}

	var store History
	var turns []models.Turn
	if d.histories != nil {
		store, err = d.histories(identity)
		if err != nil {
			return fmt.Errorf("failed to open history for %s: %w", identity, err)
		}
		turns, err = store.Get(ctx)
		if err != nil {
			return err
		}
	}

	slog.Debug("Dispatcher invoking responder", "identity", identity, "message_id", msg.ID, "history_turns", len(turns))
	reply, err := d.responder.Respond(ctx, identity, turns, input)
	if err != nil {
		return fmt.Errorf("responder failed for %s: %w", identity, err)
	}

	if store != nil {
		if err := store.Append(ctx, models.Turn{Role: models.RoleUser, Content: input.HistoryText()}); err != nil {
			return err
		}
	}

	if !reply.IsPlainReply() {
		// Tool calls or an empty reply: producing any outbound message is
		// an external collaborator's responsibility.
		slog.Debug("Dispatcher passing through non-plain reply", "identity", identity, "tool_calls", len(reply.ToolCalls))
		return nil
	}

	if store != nil {
		if err := store.Append(ctx, models.Turn{Role: models.RoleAssistant, Content: reply.Text}); err != nil {
			return err
		}
	}

	if err := d.sender.SendMessage(ctx, identity, reply.Text); err != nil {
		return fmt.Errorf("failed to send reply to %s: %w", identity, err)
	}
	slog.Info("Dispatcher reply sent", "identity", identity, "message_id", msg.ID)
	return nil
}
