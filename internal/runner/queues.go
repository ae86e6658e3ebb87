package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/infodancer/listd/internal/archive"
	"github.com/infodancer/listd/internal/bounce"
	"github.com/infodancer/listd/internal/chains"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/digest"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/logging"
	"github.com/infodancer/listd/internal/pipeline"
	"github.com/infodancer/listd/internal/switchboard"
)

// Incoming runs new posts through the list's posting chain, or its owner
// chain for mail to the -owner address.
type Incoming struct {
	chains *chains.Evaluator
}

// NewIncoming returns the in-queue disposer.
func NewIncoming(s *core.Stack) *Incoming {
	return &Incoming{chains: chains.New(s)}
}

func (d *Incoming) Dispose(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	if l == nil {
		return false, ErrListRequired
	}
	start := l.PostingChain
	if env.Meta.Bool(envelope.KeyToOwner) {
		start = l.OwnerChain
	}
	return false, d.chains.Process(ctx, l, env, start)
}

// Pipeline runs accepted messages through the list's pipeline.
type Pipeline struct {
	pipelines *pipeline.Processor
}

// NewPipeline returns the pipeline-queue disposer.
func NewPipeline(s *core.Stack) *Pipeline {
	return &Pipeline{pipelines: pipeline.New(s)}
}

// Processor exposes the pipeline registry so handlers can be added.
func (d *Pipeline) Processor() *pipeline.Processor { return d.pipelines }

func (d *Pipeline) Dispose(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	if l == nil {
		return false, ErrListRequired
	}
	name := l.PostingPipeline
	if env.Meta.Bool(envelope.KeyToOwner) {
		name = l.OwnerPipeline
	}
	return false, d.pipelines.Run(ctx, l, env, name)
}

// Virgin sends crafted notifications through the virgin pipeline. Mail
// tied to no list goes straight to out.
type Virgin struct {
	stack     *core.Stack
	pipelines *pipeline.Processor
}

// NewVirgin returns the virgin-queue disposer.
func NewVirgin(s *core.Stack) *Virgin {
	return &Virgin{stack: s, pipelines: pipeline.New(s)}
}

func (d *Virgin) Dispose(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	env.Meta.SetBool(envelope.KeyFastTrack, true)
	if l == nil {
		_, err := d.stack.Queues.Enqueue(switchboard.Out, env.Message, env.Meta)
		return false, err
	}
	return false, d.pipelines.Run(ctx, l, env, pipeline.Virgin)
}

// Retry moves envelopes back to out. The outgoing runner decides whether
// they are due.
type Retry struct {
	stack *core.Stack
}

func (d *Retry) Dispose(_ context.Context, _ *lists.List, env *envelope.Envelope) (bool, error) {
	_, err := d.stack.Queues.Enqueue(switchboard.Out, env.Message, env.Meta)
	return false, err
}

// Bounces feeds bounce messages to the bounce processor.
type Bounces struct {
	processor *bounce.Processor
}

// NewBounces returns the bounces-queue disposer.
func NewBounces(s *core.Stack) (*Bounces, error) {
	p, err := bounce.New(s)
	if err != nil {
		return nil, err
	}
	return &Bounces{processor: p}, nil
}

func (d *Bounces) Dispose(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	if l == nil {
		return false, ErrListRequired
	}
	if !l.ProcessBounces {
		return false, nil
	}
	return false, d.processor.Process(ctx, l, env.Message, env.Meta)
}

// Archive hands posts to the enabled archivers.
type Archive struct {
	stack     *core.Stack
	archivers []archive.Archiver
}

// NewArchive returns the archive-queue disposer.
func NewArchive(s *core.Stack) (*Archive, error) {
	archivers, err := archive.New(s)
	if err != nil {
		return nil, err
	}
	return &Archive{stack: s, archivers: archivers}, nil
}

func (d *Archive) Dispose(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	if l == nil {
		return false, ErrListRequired
	}
	received, ok := env.Meta.Time(envelope.KeyReceivedTime)
	if !ok {
		received = d.stack.Now()
	}
	// Not retried: the archivers that succeeded would archive it twice.
	if err := archive.Archive(ctx, d.stack, d.archivers, l, env.Message, received); err != nil {
		logging.FromContext(ctx).Warn("message not archived everywhere, dropping",
			slog.String("message_id", env.Message.MessageID()),
			slog.String("error", err.Error()))
	}
	return false, nil
}

// Digest turns rotated digest mailboxes into digest messages.
type Digest struct {
	emitter *digest.Emitter
}

func (d *Digest) Dispose(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	if l == nil {
		return false, ErrListRequired
	}
	return false, d.emitter.Emit(ctx, l, env.Meta)
}

// Build returns the disposer for the named queue runner.
func Build(s *core.Stack, name string) (Disposer, error) {
	switch name {
	case switchboard.In:
		return NewIncoming(s), nil
	case switchboard.Pipeline:
		return NewPipeline(s), nil
	case switchboard.Out:
		return NewOutgoing(s)
	case switchboard.Retry:
		return &Retry{stack: s}, nil
	case switchboard.Bounces:
		return NewBounces(s)
	case switchboard.News:
		return NewNews(s), nil
	case switchboard.Archive:
		return NewArchive(s)
	case switchboard.Digest:
		return &Digest{emitter: digest.NewEmitter(s)}, nil
	case switchboard.Virgin:
		return NewVirgin(s), nil
	case switchboard.Command:
		return NewCommand(s), nil
	case switchboard.Maildir:
		return NewMaildir(s)
	}
	return nil, fmt.Errorf("runner: no queue runner named %q", name)
}
