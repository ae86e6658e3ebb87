// Package runner drives one slice of one queue: it dequeues each
// envelope, hands it to a queue-specific Disposer and finishes, requeues
// or shunts it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/logging"
	"github.com/infodancer/listd/internal/switchboard"
)

// Disposer does a runner's work on one envelope. keep requeues the
// envelope, with any metadata changes, on the same queue. A non-nil
// error shunts it. l is nil for envelopes that name no list.
type Disposer interface {
	Dispose(ctx context.Context, l *lists.List, env *envelope.Envelope) (keep bool, err error)
}

// Periodic is implemented by disposers with work to do between
// envelopes and after every pass.
type Periodic interface {
	Periodic(ctx context.Context) error
}

// ErrListRequired is returned by disposers that cannot act without a list.
var ErrListRequired = errors.New("runner: envelope names no list")

// Runner processes one queue slice.
type Runner struct {
	name     string
	stack    *core.Stack
	sb       *switchboard.Switchboard
	disposer Disposer
	sleep    time.Duration
	logger   *slog.Logger

	stopped atomic.Bool
	wake    chan struct{}
}

// New opens slice of count of the queue called name.
func New(s *core.Stack, name string, slice, count int, d Disposer, sleep time.Duration) (*Runner, error) {
	sb, err := s.Queues.Open(name, slice, count)
	if err != nil {
		return nil, err
	}
	if sleep <= 0 {
		sleep = time.Second
	}
	return &Runner{
		name:     name,
		stack:    s,
		sb:       sb,
		disposer: d,
		sleep:    sleep,
		logger:   logging.WithRunner(s.Logger, name, slice, count),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Name returns the queue name.
func (r *Runner) Name() string { return r.name }

// Stop asks the loop to exit after the current envelope.
func (r *Runner) Stop() {
	r.stopped.Store(true)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) done(ctx context.Context) bool {
	return r.stopped.Load() || ctx.Err() != nil
}

// Run recovers orphaned backup files, then processes the queue until
// Stop is called or ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Recover(); err != nil {
		r.logger.Error("recovering backup files", slog.String("error", err.Error()))
	}
	r.logger.Info("runner started")
	for !r.done(ctx) {
		processed, kept, err := r.Once(ctx)
		if err != nil {
			return err
		}
		if processed == 0 || kept == processed {
			r.snooze(ctx)
		}
	}
	if c, ok := r.disposer.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.logger.Warn("closing runner", slog.String("error", err.Error()))
		}
	}
	r.logger.Info("runner stopped")
	return nil
}

// Recover returns .bak files left by a crashed runner to the queue.
func (r *Runner) Recover() error {
	recovered, preserved, err := r.sb.RecoverBackupFiles()
	for _, fb := range recovered {
		r.logger.Info("recovered backup file", slog.String("filebase", fb))
	}
	for _, fb := range preserved {
		r.logger.Error("preserved backup file after repeated recovery", slog.String("filebase", fb))
		r.stack.Collector.EnvelopeProcessed(r.name, "preserved")
	}
	return err
}

func (r *Runner) snooze(ctx context.Context) {
	t := time.NewTimer(r.sleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-r.wake:
	case <-t.C:
	}
}

// Once makes one pass over the files in the slice. It returns how many
// envelopes were handled and how many of them were kept queued. Only a
// failure to list the queue is returned as an error.
func (r *Runner) Once(ctx context.Context) (processed, kept int, err error) {
	files, err := r.sb.Files()
	if err != nil {
		return 0, 0, err
	}
	for _, fb := range files {
		if r.done(ctx) {
			break
		}
		if r.process(ctx, fb) {
			kept++
		}
		processed++
		r.periodic(ctx)
	}
	r.periodic(ctx)
	return processed, kept, nil
}

func (r *Runner) periodic(ctx context.Context) {
	p, ok := r.disposer.(Periodic)
	if !ok {
		return
	}
	if err := p.Periodic(ctx); err != nil {
		r.logger.Error("periodic work failed", slog.String("error", err.Error()))
	}
}

// process handles one file and reports whether it was kept queued.
func (r *Runner) process(ctx context.Context, fb string) bool {
	env, err := r.sb.Dequeue(fb)
	if err != nil {
		if errors.Is(err, switchboard.ErrBadFile) {
			r.logger.Error("preserving undecodable queue file",
				slog.String("filebase", fb), slog.String("error", err.Error()))
			r.finish(fb, true, "preserved")
			return false
		}
		// Another process claimed it, or it vanished.
		r.logger.Debug("skipping queue file", slog.String("filebase", fb), slog.String("error", err.Error()))
		return false
	}

	logger := logging.WithEnvelope(r.logger, fb, env.Meta.ListName())
	ctx = logging.NewContext(ctx, logger)

	l, err := r.resolve(env)
	if err == nil {
		r.setLanguage(l, env)
		var keep bool
		keep, err = r.dispose(ctx, l, env)
		if err == nil {
			if keep {
				return r.requeue(fb, env, logger)
			}
			r.finish(fb, false, "finished")
			return false
		}
	}

	logger.Error("shunting envelope",
		slog.String("message_id", env.Message.MessageID()),
		slog.String("error", err.Error()))
	meta := env.Meta.Clone()
	meta.SetString(envelope.KeyWhichQ, r.name)
	if _, serr := r.stack.Queues.Enqueue(switchboard.Shunt, env.Message, meta); serr != nil {
		logger.Error("shunt failed, preserving envelope", slog.String("error", serr.Error()))
		r.finish(fb, true, "preserved")
		return false
	}
	r.finish(fb, false, "shunted")
	return false
}

// dispose runs the disposer, turning a panic into an error so the
// envelope is shunted rather than lost.
func (r *Runner) dispose(ctx context.Context, l *lists.List, env *envelope.Envelope) (keep bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner: panic in %s: %v", r.name, p)
		}
	}()
	return r.disposer.Dispose(ctx, l, env)
}

func (r *Runner) requeue(fb string, env *envelope.Envelope, logger *slog.Logger) bool {
	if _, err := r.sb.Enqueue(env.Message, env.Meta); err != nil {
		logger.Error("requeue failed, preserving envelope", slog.String("error", err.Error()))
		r.finish(fb, true, "preserved")
		return false
	}
	r.finish(fb, false, "requeued")
	return true
}

func (r *Runner) finish(fb string, preserve bool, outcome string) {
	if err := r.sb.Finish(fb, preserve); err != nil {
		r.logger.Error("finishing queue file", slog.String("filebase", fb), slog.String("error", err.Error()))
	}
	r.stack.Collector.EnvelopeProcessed(r.name, outcome)
}

// resolve returns the envelope's list, nil when it names none.
func (r *Runner) resolve(env *envelope.Envelope) (*lists.List, error) {
	name := env.Meta.ListName()
	if name == "" {
		return nil, nil
	}
	l, err := r.stack.Lists.List(name)
	if err != nil {
		return nil, fmt.Errorf("resolving list %s: %w", name, err)
	}
	return l, nil
}

// setLanguage stores the best template language for the sender, from
// their member preference, then the list's.
func (r *Runner) setLanguage(l *lists.List, env *envelope.Envelope) {
	if env.Meta.Has(envelope.KeyLang) {
		return
	}
	var prefs []string
	if l != nil {
		sender := env.Message.Sender(env.Meta.String(envelope.KeyEnvelopeSender))
		if sender != "" {
			if m, err := r.stack.Lists.Member(l.FQDNListName(), lists.RoleMember, sender); err == nil {
				prefs = append(prefs, m.PreferredLanguage())
			}
		}
		prefs = append(prefs, l.PreferredLanguage)
	}
	env.Meta.SetString(envelope.KeyLang, r.stack.Templates.Match(prefs...))
}
