package switchboard

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/metrics"
)

// Queue names.
const (
	In       = "in"
	Pipeline = "pipeline"
	Out      = "out"
	Retry    = "retry"
	Bounces  = "bounces"
	News     = "news"
	Archive  = "archive"
	Digest   = "digest"
	Shunt    = "shunt"
	Bad      = "bad"
	Maildir  = "maildir"
	Virgin   = "virgin"
	Command  = "command"
)

// Names lists every queue.
var Names = []string{
	In, Pipeline, Out, Retry, Bounces, News, Archive, Digest, Shunt, Bad,
	Maildir, Virgin, Command,
}

// Enqueuer writes envelopes to named queues.
type Enqueuer interface {
	Enqueue(name string, msg *email.Message, meta envelope.Metadata, overrides ...envelope.Metadata) (string, error)
}

// Registry holds an unsliced switchboard for every queue under one root.
// Runners open their own sliced view with Open.
type Registry struct {
	root      string
	queues    map[string]*Switchboard
	collector metrics.Collector
	now       func() time.Time
}

// NewRegistry creates every queue directory under root.
func NewRegistry(root string, collector metrics.Collector, now func() time.Time) (*Registry, error) {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		root:      root,
		queues:    make(map[string]*Switchboard, len(Names)),
		collector: collector,
		now:       now,
	}
	for _, name := range Names {
		sb, err := r.Open(name, 0, 1)
		if err != nil {
			return nil, err
		}
		r.queues[name] = sb
	}
	return r, nil
}

// Open returns a switchboard over the named queue restricted to one slice.
func (r *Registry) Open(name string, slice, count int) (*Switchboard, error) {
	if !known(name) {
		return nil, fmt.Errorf("switchboard: unknown queue %q", name)
	}
	return New(name, r.Dir(name), r.Dir(Bad), slice, count,
		WithCollector(r.collector), WithClock(r.now))
}

// Get returns the unsliced switchboard for name, or nil.
func (r *Registry) Get(name string) *Switchboard {
	return r.queues[name]
}

// Enqueue writes to the named queue.
func (r *Registry) Enqueue(name string, msg *email.Message, meta envelope.Metadata, overrides ...envelope.Metadata) (string, error) {
	sb := r.queues[name]
	if sb == nil {
		return "", fmt.Errorf("switchboard: unknown queue %q", name)
	}
	return sb.Enqueue(msg, meta, overrides...)
}

// Dir returns the directory of the named queue.
func (r *Registry) Dir(name string) string {
	return filepath.Join(r.root, name)
}

// Dirs maps every queue name to its directory.
func (r *Registry) Dirs() map[string]string {
	dirs := make(map[string]string, len(Names))
	for _, name := range Names {
		dirs[name] = r.Dir(name)
	}
	return dirs
}

var _ Enqueuer = (*Registry)(nil)

func known(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}
