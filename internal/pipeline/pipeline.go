// Package pipeline runs accepted messages through an ordered list of
// handlers that prepare them for delivery.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
)

// Pipeline names.
const (
	DefaultPosting = "default-posting-pipeline"
	DefaultOwner   = "default-owner-pipeline"
	Virgin         = "virgin"
)

// Kind is the outcome of a handler.
type Kind int

const (
	// Continue passes the message to the next handler.
	Continue Kind = iota
	// Discard drops the message silently.
	Discard
	// Reject drops the message and bounces it to the sender.
	Reject
)

func (k Kind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Discard:
		return "discard"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Result is a handler outcome. Reason is logged for discards and sent to
// the sender for rejections.
type Result struct {
	Kind   Kind
	Reason string
}

// Next continues with the next handler.
var Next = Result{Kind: Continue}

// Discarded returns a Discard result.
func Discarded(reason string) Result { return Result{Kind: Discard, Reason: reason} }

// Rejected returns a Reject result.
func Rejected(reason string) Result { return Result{Kind: Reject, Reason: reason} }

// Handler is one pipeline step. A returned error shunts the envelope.
type Handler interface {
	Name() string
	Description() string
	Process(ctx context.Context, l *lists.List, env *envelope.Envelope) (Result, error)
}

// Processor holds the registered handlers and pipelines.
type Processor struct {
	stack     *core.Stack
	handlers  map[string]Handler
	pipelines map[string][]string
}

// New returns a processor with the builtin handlers and pipelines.
func New(stack *core.Stack) *Processor {
	p := &Processor{
		stack:     stack,
		handlers:  make(map[string]Handler),
		pipelines: make(map[string][]string),
	}
	for _, h := range builtinHandlers(stack) {
		p.Register(h)
	}
	p.Define(DefaultPosting,
		"mime-delete",
		"tagger",
		"member-recipients",
		"avoid-duplicates",
		"cleanse",
		"cleanse-dkim",
		"cook-headers",
		"rfc-2369",
		"to-archive",
		"to-digest",
		"to-usenet",
		"after-delivery",
		"acknowledge",
		"to-outgoing",
	)
	p.Define(DefaultOwner, "owner-recipients", "to-outgoing")
	p.Define(Virgin, "cook-headers", "to-outgoing")
	return p
}

// Register adds h, replacing any handler of the same name.
func (p *Processor) Register(h Handler) {
	p.handlers[h.Name()] = h
}

// Define names an ordered list of handlers.
func (p *Processor) Define(name string, handlers ...string) {
	p.pipelines[name] = handlers
}

// Handler returns the named handler.
func (p *Processor) Handler(name string) (Handler, bool) {
	h, ok := p.handlers[name]
	return h, ok
}

// Run passes env through the named pipeline. Discard and Reject results
// end the run without error; any error means the envelope should be
// shunted.
func (p *Processor) Run(ctx context.Context, l *lists.List, env *envelope.Envelope, name string) error {
	names, ok := p.pipelines[name]
	if !ok {
		return fmt.Errorf("pipeline: unknown pipeline %q", name)
	}
	logger := p.stack.Logger.With(
		slog.String("list", l.FQDNListName()),
		slog.String("pipeline", name),
		slog.String("message_id", env.Message.MessageID()),
	)

	for _, hn := range names {
		h, ok := p.handlers[hn]
		if !ok {
			return fmt.Errorf("pipeline: %s: unknown handler %q", name, hn)
		}
		res, err := h.Process(ctx, l, env)
		if err != nil {
			return fmt.Errorf("pipeline: %s: %w", hn, err)
		}
		switch res.Kind {
		case Continue:
			continue
		case Discard:
			logger.Info("message discarded", slog.String("handler", hn), slog.String("reason", res.Reason))
			p.stack.Collector.PipelineCompleted(l.FQDNListName(), "discarded")
			return nil
		case Reject:
			logger.Info("message rejected", slog.String("handler", hn), slog.String("reason", res.Reason))
			p.stack.Collector.PipelineCompleted(l.FQDNListName(), "rejected")
			sender := env.Message.Sender(env.Meta.String(envelope.KeyEnvelopeSender))
			if err := p.stack.Notifier.Bounce(l, env.Message, sender, []string{res.Reason}); err != nil {
				return fmt.Errorf("pipeline: bouncing rejected message: %w", err)
			}
			return nil
		}
	}
	p.stack.Collector.PipelineCompleted(l.FQDNListName(), "completed")
	return nil
}

// handler adapts a function to Handler.
type handler struct {
	name        string
	description string
	process     func(ctx context.Context, l *lists.List, env *envelope.Envelope) (Result, error)
}

func (h *handler) Name() string        { return h.name }
func (h *handler) Description() string { return h.description }

func (h *handler) Process(ctx context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	return h.process(ctx, l, env)
}

// NewHandler returns a Handler backed by fn.
func NewHandler(name, description string, fn func(ctx context.Context, l *lists.List, env *envelope.Envelope) (Result, error)) Handler {
	return &handler{name: name, description: description, process: fn}
}

func builtinHandlers(s *core.Stack) []Handler {
	return []Handler{
		&mimeDelete{stack: s, converter: NewHTMLConverter(s.Config.ContentFilter)},
		NewHandler("tagger", "Tag messages with topic matches.", tag),
		&memberRecipients{stack: s},
		&ownerRecipients{stack: s},
		&avoidDuplicates{stack: s},
		NewHandler("cleanse", "Cleanse certain headers from all messages.", cleanse),
		NewHandler("cleanse-dkim", "Remove DomainKeys headers.",
			func(_ context.Context, _ *lists.List, env *envelope.Envelope) (Result, error) {
				if s.Config.MTA.RemoveDKIMHeaders {
					cleanseDKIM(env.Message)
				}
				return Next, nil
			}),
		&cookHeaders{stack: s},
		&rfc2369{stack: s},
		&toArchive{stack: s},
		&toDigest{stack: s},
		&toUsenet{stack: s},
		&afterDelivery{stack: s},
		&acknowledge{stack: s},
		&toOutgoing{stack: s},
	}
}
