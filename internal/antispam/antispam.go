// Package antispam provides the interface the posting chains use to ask an
// external scanner whether a message is spam.
package antispam

import (
	"context"
	"errors"
)

// Action is the scanner's recommended handling of a message.
type Action string

const (
	// ActionAccept means the message looks clean.
	ActionAccept Action = "accept"
	// ActionReject means the scanner would refuse the message outright.
	ActionReject Action = "reject"
	// ActionTempFail means the scanner would defer the message.
	ActionTempFail Action = "tempfail"
	// ActionFlag means the message is suspicious but deliverable.
	ActionFlag Action = "flag"
)

// Options describes the message being scanned.
type Options struct {
	// From is the envelope sender.
	From string
	// Recipients are the addresses the message was delivered to.
	Recipients []string
	// Hostname is this server's name.
	Hostname string
	// QueueID identifies the message in scanner logs.
	QueueID string
}

// Verdict is the result of one scan.
type Verdict struct {
	Checker string
	Score   float64
	Action  Action
	IsSpam  bool
	// Headers are X-Spam-* headers to add to the message.
	Headers map[string]string
}

// Spam reports whether the verdict should hold the message. A positive
// threshold overrides the scanner's own spam decision.
func (v *Verdict) Spam(threshold float64) bool {
	if v == nil {
		return false
	}
	if v.Action == ActionReject {
		return true
	}
	if threshold > 0 {
		return v.Score >= threshold
	}
	return v.IsSpam
}

// Checker scans a complete message.
type Checker interface {
	Name() string
	Check(ctx context.Context, raw []byte, opts Options) (*Verdict, error)
	Close() error
}

// FailMode says how a scanner error is treated.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// ErrUnavailable wraps transport failures talking to a scanner.
var ErrUnavailable = errors.New("spam scanner unavailable")

// Filter applies a checker with a threshold and fail mode.
type Filter struct {
	Checker   Checker
	Threshold float64
	FailMode  FailMode
}

// Scan returns whether the message is spam. Scanner errors are reported
// alongside the fail-mode decision so callers can log them.
func (f *Filter) Scan(ctx context.Context, raw []byte, opts Options) (bool, *Verdict, error) {
	if f == nil || f.Checker == nil {
		return false, nil, nil
	}
	v, err := f.Checker.Check(ctx, raw, opts)
	if err != nil {
		return f.FailMode == FailClosed, nil, err
	}
	return v.Spam(f.Threshold), v, nil
}
