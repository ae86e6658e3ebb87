package chains

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
)

// Chain names.
const (
	DefaultPosting = "default-posting-chain"
	DefaultOwner   = "default-owner-chain"
	Moderation     = "moderation"
	HeaderMatch    = "header-match"
	Accept         = "accept"
	Hold           = "hold"
	Discard        = "discard"
	Reject         = "reject"
)

// staticChain is a chain with a fixed list of links.
type staticChain struct {
	name        string
	description string
	links       []Link
}

func (c *staticChain) Name() string        { return c.name }
func (c *staticChain) Description() string { return c.description }

func (c *staticChain) Links(context.Context, *lists.List, *envelope.Envelope) ([]Link, error) {
	return c.links, nil
}

func builtinChains(e *Evaluator) []Chain {
	truth := e.mustRule("truth")
	link := func(rule string, action Action, chain string) Link {
		return Link{Rule: e.mustRule(rule), Action: action, Chain: chain}
	}

	posting := &staticChain{
		name:        DefaultPosting,
		description: "The built-in moderation chain.",
		links: []Link{
			link("approved", Jump, Accept),
			link("emergency", Jump, Hold),
			link("loop", Jump, Discard),
			link("member-moderation", Jump, Moderation),
			// Each of these is recorded; "any" below turns a hit into a hold.
			link("administrivia", Defer, ""),
			link("implicit-dest", Defer, ""),
			link("max-recipients", Defer, ""),
			link("max-size", Defer, ""),
			link("news-moderation", Defer, ""),
			link("no-subject", Defer, ""),
			link("suspicious-header", Defer, ""),
			link("any", Jump, Hold),
			{Rule: truth, Action: Detour, Chain: HeaderMatch},
			link("nonmember-moderation", Jump, Moderation),
			{Rule: truth, Action: Jump, Chain: Accept},
		},
	}
	owner := &staticChain{
		name:        DefaultOwner,
		description: "The built-in -owner posting chain.",
		links:       []Link{{Rule: truth, Action: Jump, Chain: Accept}},
	}

	t := &terminals{stack: e.stack}
	return []Chain{
		posting,
		owner,
		&moderationChain{truth: truth},
		&headerMatchChain{e: e},
		terminal(truth, Accept, "Accept a message.", t.accept),
		terminal(truth, Hold, "Hold a message and stop processing.", t.hold),
		terminal(truth, Discard, "Discard a message and stop processing.", t.discard),
		terminal(truth, Reject, "Reject/bounce a message and stop processing.", t.reject),
	}
}

// terminal returns a chain that runs fn and stops.
func terminal(truth Rule, name, description string, fn Func) Chain {
	return &staticChain{
		name:        name,
		description: description,
		links: []Link{
			{Rule: truth, Action: Run, Function: fn},
			{Rule: truth, Action: Stop},
		},
	}
}

// moderationChain jumps to the terminal chain named by the
// moderation_action the moderation rules set.
type moderationChain struct {
	truth Rule
}

func (c *moderationChain) Name() string        { return Moderation }
func (c *moderationChain) Description() string { return "Moderation chain" }

func (c *moderationChain) Links(_ context.Context, l *lists.List, env *envelope.Envelope) ([]Link, error) {
	action := lists.Action(env.Meta.String(envelope.KeyModerationAction))
	var target string
	switch action {
	case lists.ActionAccept:
		target = Accept
	case lists.ActionDiscard:
		target = Discard
	case lists.ActionHold:
		target = Hold
	case lists.ActionReject:
		target = Reject
	default:
		return nil, fmt.Errorf("%s: invalid moderation action %q for sender %s",
			l.FQDNListName(), action, env.Meta.String(envelope.KeyModerationSender))
	}
	return []Link{{Rule: c.truth, Action: Jump, Chain: target}}, nil
}

// headerMatchRule matches when any value of header matches pattern,
// case-insensitively and unanchored.
type headerMatchRule struct {
	name   string
	header string
	re     *regexp.Regexp
	desc   string
}

func (r *headerMatchRule) Name() string        { return r.name }
func (r *headerMatchRule) Description() string { return r.desc }
func (r *headerMatchRule) Record() bool        { return true }

func (r *headerMatchRule) Check(_ context.Context, _ *lists.List, env *envelope.Envelope) (bool, error) {
	for _, v := range email.Values(env.Message.Header, r.header) {
		if r.re.MatchString(v) {
			return true, nil
		}
	}
	return false, nil
}

// headerMatchChain builds its links from the site header checks, then the
// list's header matches, and finally jumps to the site's antispam chain
// if any of them hit.
type headerMatchChain struct {
	e *Evaluator
}

func (c *headerMatchChain) Name() string        { return HeaderMatch }
func (c *headerMatchChain) Description() string { return "The built-in header matching chain" }

func (c *headerMatchChain) Links(_ context.Context, l *lists.List, _ *envelope.Envelope) ([]Link, error) {
	s := c.e.stack
	var links []Link
	if c.e.spam != nil {
		links = append(links, Link{Rule: c.e.mustRule("spam"), Action: Defer})
	}
	n := 0
	add := func(header, pattern, chain string) {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			s.Logger.Error("bad header match pattern", "list", l.FQDNListName(),
				"header", header, "pattern", pattern, "error", err)
			return
		}
		n++
		r := &headerMatchRule{
			name:   fmt.Sprintf("header-match-%02d", n),
			header: header,
			re:     re,
			desc:   header + ": " + pattern,
		}
		if chain == "" {
			links = append(links, Link{Rule: r, Action: Defer})
			return
		}
		links = append(links, Link{Rule: r, Action: Jump, Chain: chain})
	}

	for _, line := range s.Config.Antispam.HeaderChecks {
		if strings.TrimSpace(line) == "" {
			continue
		}
		header, pattern, ok := strings.Cut(line, ":")
		if !ok {
			s.Logger.Error("bogus antispam header_checks line", "line", line)
			continue
		}
		add(strings.TrimSpace(header), strings.TrimLeft(pattern, " \t"), "")
	}
	for _, hm := range l.HeaderMatches {
		add(hm.Header, hm.Pattern, hm.Chain)
	}

	jump := s.Config.Antispam.JumpChain
	if jump == "" {
		jump = Hold
	}
	links = append(links, Link{Rule: c.e.mustRule("any"), Action: Jump, Chain: jump})
	return links, nil
}
