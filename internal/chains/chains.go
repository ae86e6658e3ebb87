// Package chains decides what happens to a posting: accept, hold, reject
// or discard. A chain is an ordered list of links; each link pairs a rule
// with an action taken when the rule matches.
package chains

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/infodancer/listd/internal/antispam"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
)

// Action is what a link does when its rule matches.
type Action int

const (
	// Jump abandons the current chain and starts another.
	Jump Action = iota
	// Detour runs another chain, then resumes after this link.
	Detour
	// Stop ends all processing.
	Stop
	// Defer goes on to the next link.
	Defer
	// Run calls the link's function, then goes on to the next link.
	Run
)

func (a Action) String() string {
	switch a {
	case Jump:
		return "jump"
	case Detour:
		return "detour"
	case Stop:
		return "stop"
	case Defer:
		return "defer"
	case Run:
		return "run"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Rule is a single test applied to an envelope.
type Rule interface {
	Name() string
	Description() string
	// Record reports whether hits and misses are noted in the metadata.
	Record() bool
	Check(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error)
}

// Func is a link function.
type Func func(ctx context.Context, l *lists.List, env *envelope.Envelope) error

// Link is one step of a chain.
type Link struct {
	Rule     Rule
	Action   Action
	Chain    string // target of Jump and Detour
	Function Func   // called by Run
}

// Chain produces its links for one envelope. Links may depend on the
// list, as the header-match chain's do.
type Chain interface {
	Name() string
	Description() string
	Links(ctx context.Context, l *lists.List, env *envelope.Envelope) ([]Link, error)
}

// Evaluator holds the registered rules and chains.
type Evaluator struct {
	stack  *core.Stack
	rules  map[string]Rule
	chains map[string]Chain
	spam   *antispam.Filter
}

// New returns an evaluator with every builtin rule and chain registered.
func New(stack *core.Stack) *Evaluator {
	e := &Evaluator{
		stack:  stack,
		rules:  make(map[string]Rule),
		chains: make(map[string]Chain),
		spam:   antispam.FromConfig(stack.Config.Antispam.Rspamd),
	}
	for _, r := range builtinRules(stack) {
		e.RegisterRule(r)
	}
	e.RegisterRule(&spamRule{e: e})
	for _, c := range builtinChains(e) {
		e.RegisterChain(c)
	}
	return e
}

// RegisterRule adds r, replacing any rule of the same name.
func (e *Evaluator) RegisterRule(r Rule) {
	e.rules[r.Name()] = r
}

// RegisterChain adds c, replacing any chain of the same name.
func (e *Evaluator) RegisterChain(c Chain) {
	e.chains[c.Name()] = c
}

// Rule returns the named rule.
func (e *Evaluator) Rule(name string) (Rule, bool) {
	r, ok := e.rules[name]
	return r, ok
}

// Chain returns the named chain.
func (e *Evaluator) Chain(name string) (Chain, bool) {
	c, ok := e.chains[name]
	return c, ok
}

func (e *Evaluator) mustRule(name string) Rule {
	r, ok := e.rules[name]
	if !ok {
		panic("chains: unknown rule " + name)
	}
	return r
}

type frame struct {
	chain Chain
	links []Link
	next  int
}

func (e *Evaluator) enter(ctx context.Context, name string, l *lists.List, env *envelope.Envelope) (*frame, error) {
	c, ok := e.chains[name]
	if !ok {
		return nil, fmt.Errorf("chains: unknown chain %q", name)
	}
	links, err := c.Links(ctx, l, env)
	if err != nil {
		return nil, fmt.Errorf("chains: %s: %w", name, err)
	}
	return &frame{chain: c, links: links}, nil
}

// Process runs env through the chain named start. rule_hits and
// rule_misses are reset first. Processing ends on Stop or when the last
// chain on the detour stack is exhausted.
func (e *Evaluator) Process(ctx context.Context, l *lists.List, env *envelope.Envelope, start string) error {
	meta := env.Meta
	meta.SetStrings(envelope.KeyRuleHits, nil)
	meta.SetStrings(envelope.KeyRuleMisses, nil)

	logger := e.stack.Logger.With(slog.String("list", l.FQDNListName()))

	cur, err := e.enter(ctx, start, l, env)
	if err != nil {
		return err
	}
	var stack []*frame
	for {
		if cur.next >= len(cur.links) {
			if len(stack) == 0 {
				return nil
			}
			cur, stack = stack[len(stack)-1], stack[:len(stack)-1]
			continue
		}
		link := cur.links[cur.next]
		cur.next++

		matched, err := link.Rule.Check(ctx, l, env)
		if err != nil {
			return fmt.Errorf("chains: rule %s: %w", link.Rule.Name(), err)
		}
		if !matched {
			if link.Rule.Record() {
				meta.Append(envelope.KeyRuleMisses, link.Rule.Name())
			}
			continue
		}
		if link.Rule.Record() {
			meta.Append(envelope.KeyRuleHits, link.Rule.Name())
			meta.Append(envelope.KeyModerationReasons, link.Rule.Description())
		}
		logger.Debug("rule hit",
			slog.String("chain", cur.chain.Name()),
			slog.String("rule", link.Rule.Name()),
			slog.String("action", link.Action.String()))

		switch link.Action {
		case Jump:
			if cur, err = e.enter(ctx, link.Chain, l, env); err != nil {
				return err
			}
		case Detour:
			next, err := e.enter(ctx, link.Chain, l, env)
			if err != nil {
				return err
			}
			stack = append(stack, cur)
			cur = next
		case Stop:
			return nil
		case Defer:
		case Run:
			if err := link.Function(ctx, l, env); err != nil {
				return fmt.Errorf("chains: %s: %w", cur.chain.Name(), err)
			}
		default:
			return fmt.Errorf("chains: bad link action %v", link.Action)
		}
	}
}
