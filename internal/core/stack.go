// Package core holds the components a runner process shares: queues, the
// list store, the message store, pending tokens, templates and the
// notifier. It is passed explicitly; nothing here is a package global.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/infodancer/auth"

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/messagestore"
	"github.com/infodancer/listd/internal/metrics"
	"github.com/infodancer/listd/internal/notify"
	"github.com/infodancer/listd/internal/pending"
	"github.com/infodancer/listd/internal/switchboard"
	"github.com/infodancer/listd/internal/templates"
)

// Stack owns the shared components of one listd process.
type Stack struct {
	Config        config.Config
	Logger        *slog.Logger
	Collector     metrics.Collector
	Queues        *switchboard.Registry
	Lists         lists.Manager
	Messages      messagestore.MessageStore
	Pendings      pending.Pendings
	Autoresponses pending.Autoresponses
	Templates     *templates.Loader
	Notifier      *notify.Notifier
	Approver      Approver
	Now           func() time.Time

	closers []io.Closer
}

// StackConfig groups what NewStack needs beyond the configuration.
type StackConfig struct {
	Config    config.Config
	Collector metrics.Collector // nil → NoopCollector
	Logger    *slog.Logger      // nil → slog.Default()
	Now       func() time.Time  // nil → time.Now
}

// NewStack opens every store under the configured var directory.
func NewStack(cfg StackConfig) (*Stack, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Stack{
		Config:    cfg.Config,
		Logger:    logger,
		Collector: collector,
		Now:       now,
	}

	queues, err := switchboard.NewRegistry(cfg.Config.Path("qfiles"), collector, now)
	if err != nil {
		return nil, fmt.Errorf("opening queues: %w", err)
	}
	s.Queues = queues

	store, err := lists.Open(cfg.Config.Path("data", "lists.db"),
		lists.WithDefaults(cfg.Config.Defaults))
	if err != nil {
		return nil, err
	}
	s.Lists = store

	messages, err := messagestore.Open(cfg.Config.Path("messages"),
		cfg.Config.Path("data", "messages.db"), 10*time.Second)
	if err != nil {
		return nil, err
	}
	s.Messages = messages
	s.closers = append(s.closers, messages)

	if cfg.Config.Redis.Address != "" {
		p := pending.New(pending.NewClient(cfg.Config.Redis), cfg.Config.Redis.KeyPrefix)
		s.closers = append(s.closers, p)
		s.Pendings = p
		s.Autoresponses = p
	}

	loader, err := templates.New(cfg.Config.Path("templates"))
	if err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	s.Templates = loader

	if cfg.Config.Approval.Type != "" {
		agent, err := auth.OpenAuthAgent(auth.AuthAgentConfig{
			Type:              cfg.Config.Approval.Type,
			CredentialBackend: cfg.Config.Approval.CredentialBackend,
			KeyBackend:        cfg.Config.Approval.KeyBackend,
			Options:           cfg.Config.Approval.Options,
		})
		if err != nil {
			s.Close() //nolint:errcheck
			return nil, fmt.Errorf("opening approval backend: %w", err)
		}
		s.closers = append(s.closers, agent)
		s.Approver = NewAuthApprover(agent)
		logger.Info("moderator approval enabled", "type", cfg.Config.Approval.Type)
	}

	s.wireNotifier()
	return s, nil
}

// wireNotifier builds the notifier over the stack's components. Tests
// that assemble a Stack by hand call Init instead of NewStack.
func (s *Stack) wireNotifier() {
	s.Notifier = &notify.Notifier{
		Queues:    s.Queues,
		Lists:     s.Lists,
		Templates: s.Templates,
		SiteOwner: s.Config.SiteOwner,
		Now:       s.Now,
	}
}

// Init fills defaults on a hand-assembled Stack.
func (s *Stack) Init() *Stack {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Collector == nil {
		s.Collector = &metrics.NoopCollector{}
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Notifier == nil {
		s.wireNotifier()
	}
	return s
}

// AddCloser registers c to be closed with the stack.
func (s *Stack) AddCloser(c io.Closer) {
	s.closers = append(s.closers, c)
}

// Close shuts down all closeable components in reverse registration order.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Approver checks a moderator password for a list.
type Approver interface {
	Approve(ctx context.Context, l *lists.List, password string) bool
}

// AuthApprover checks passwords against an auth agent whose user names
// are list posting addresses.
type AuthApprover struct {
	agent auth.AuthenticationAgent
}

// NewAuthApprover wraps agent.
func NewAuthApprover(agent auth.AuthenticationAgent) *AuthApprover {
	return &AuthApprover{agent: agent}
}

// Approve reports whether password is the list's moderator password.
func (a *AuthApprover) Approve(ctx context.Context, l *lists.List, password string) bool {
	if password == "" {
		return false
	}
	_, err := a.agent.Authenticate(ctx, l.FQDNListName(), password)
	return err == nil
}
