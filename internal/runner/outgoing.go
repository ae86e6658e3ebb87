package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/infodancer/listd/internal/bounce"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/delivery"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/logging"
	"github.com/infodancer/listd/internal/pending"
	"github.com/infodancer/listd/internal/switchboard"
)

// Outgoing delivers envelopes to the MTA. Permanent failures are
// registered as bounces and temporary ones are moved to the retry queue
// until their retry period runs out.
type Outgoing struct {
	stack     *core.Stack
	deliverer *delivery.Deliverer
	bounces   *bounce.Processor
}

// NewOutgoing returns the out-queue disposer.
func NewOutgoing(s *core.Stack) (*Outgoing, error) {
	d, err := delivery.New(s)
	if err != nil {
		return nil, err
	}
	return NewOutgoingWithDeliverer(s, d)
}

// NewOutgoingWithDeliverer returns an out-queue disposer using d.
func NewOutgoingWithDeliverer(s *core.Stack, d *delivery.Deliverer) (*Outgoing, error) {
	b, err := bounce.New(s)
	if err != nil {
		return nil, err
	}
	return &Outgoing{stack: s, deliverer: d, bounces: b}, nil
}

// Close closes the MTA connection.
func (o *Outgoing) Close() error {
	return o.deliverer.Close()
}

func (o *Outgoing) Dispose(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	logger := logging.FromContext(ctx)
	now := o.stack.Now()
	if after, ok := env.Meta.Time(envelope.KeyDeliverAfter); ok && now.Before(after) {
		return true, nil
	}

	res := o.deliverer.Deliver(ctx, l, env)
	if serverDown(res) {
		// Every recipient failed together; try the whole envelope again.
		return true, nil
	}

	if len(res.Permanent) > 0 {
		o.permanent(ctx, l, env, res, logger)
	}
	if len(res.Temporary) > 0 {
		return false, o.temporary(env, res, now, logger)
	}
	return false, nil
}

func serverDown(res *delivery.Result) bool {
	if len(res.Temporary) == 0 || len(res.Succeeded) > 0 || len(res.Permanent) > 0 {
		return false
	}
	for _, f := range res.Temporary {
		if f.Code != delivery.CodeServerFailure {
			return false
		}
	}
	return true
}

func (o *Outgoing) permanent(ctx context.Context, l *lists.List, env *envelope.Envelope, res *delivery.Result, logger *slog.Logger) {
	if token := env.Meta.String(envelope.KeyProbeToken); token != "" {
		// A probe goes to exactly one member; the token names them.
		err := o.bounces.RegisterProbe(ctx, token, env.Message)
		if err != nil && !errors.Is(err, pending.ErrNotFound) && !errors.Is(err, bounce.ErrNoPendings) {
			logger.Error("registering probe bounce", slog.String("error", err.Error()))
		}
		return
	}
	for _, rcpt := range res.PermanentRecipients() {
		f := res.Permanent[rcpt]
		if l == nil {
			logger.Info("permanent delivery failure",
				slog.String("recipient", rcpt), slog.Int("code", f.Code), slog.String("response", f.Message))
			continue
		}
		if err := o.bounces.Register(ctx, l, rcpt, env.Message, lists.BounceNormal); err != nil {
			logger.Error("registering bounce", slog.String("recipient", rcpt), slog.String("error", err.Error()))
		}
	}
}

// temporary queues the temporarily failed recipients for retry. The
// retry deadline is pushed out whenever the set shrinks; an envelope
// that stops making progress is dropped once its deadline passes.
func (o *Outgoing) temporary(env *envelope.Envelope, res *delivery.Result, now time.Time, logger *slog.Logger) error {
	rcpts := res.TemporaryRecipients()
	last := env.Meta.Int(envelope.KeyLastRecipCount)
	until, ok := env.Meta.Time(envelope.KeyDeliverUntil)
	if !ok {
		until = now
	}
	if int64(len(rcpts)) == last {
		if now.After(until) {
			logger.Warn("discarding envelope after retry period",
				slog.Int("recipients", len(rcpts)),
				slog.Time("deliver_until", until))
			return nil
		}
	} else {
		until = now.Add(o.stack.Config.MTA.RetryPeriod())
	}

	meta := env.Meta.Clone()
	meta.SetInt(envelope.KeyLastRecipCount, int64(len(rcpts)))
	meta.SetTime(envelope.KeyDeliverUntil, until)
	meta.SetTime(envelope.KeyDeliverAfter, now.Add(o.stack.Config.MTA.Snooze()))
	meta.SetStrings(envelope.KeyRecipients, rcpts)
	_, err := o.stack.Queues.Enqueue(switchboard.Retry, env.Message, meta)
	return err
}
