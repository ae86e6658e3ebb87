package chains

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/infodancer/listd/internal/antispam"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
)

// rule adapts a check function to Rule.
type rule struct {
	name        string
	description string
	record      bool
	check       func(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error)
}

func (r *rule) Name() string        { return r.name }
func (r *rule) Description() string { return r.description }
func (r *rule) Record() bool        { return r.record }

func (r *rule) Check(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	return r.check(ctx, l, env)
}

// NewRule returns a recorded rule backed by check.
func NewRule(name, description string, check func(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error)) Rule {
	return &rule{name: name, description: description, record: true, check: check}
}

func builtinRules(s *core.Stack) []Rule {
	return []Rule{
		&approvedRule{stack: s},
		NewRule("emergency",
			"The message has been posted to a list in emergency moderation mode.",
			func(_ context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
				return l.Emergency && !env.Meta.Bool(envelope.KeyApproved), nil
			}),
		NewRule("loop", "Look for a posting loop.", checkLoop),
		&memberModeration{stack: s},
		&nonmemberModeration{stack: s},
		NewRule("administrivia", "Catch mis-addressed email commands.",
			func(_ context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
				return isAdministrivia(l, env.Message, s.Config.EmailCommandsMaxLines), nil
			}),
		NewRule("implicit-dest", "Catch messages with implicit destination.", checkImplicitDest),
		NewRule("max-recipients", "Catch messages with too many explicit recipients.",
			func(_ context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
				if l.MaxNumRecipients <= 0 {
					return false, nil
				}
				return len(env.Message.Addresses("To", "Cc")) >= l.MaxNumRecipients, nil
			}),
		NewRule("max-size", "Catch messages that are bigger than a specified maximum.",
			func(_ context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
				if l.MaxMessageSize <= 0 {
					return false, nil
				}
				return float64(env.Message.Size())/1024.0 > float64(l.MaxMessageSize), nil
			}),
		NewRule("news-moderation", "Match all messages posted to a mailing list that gateways to a moderated newsgroup.",
			func(_ context.Context, l *lists.List, _ *envelope.Envelope) (bool, error) {
				return l.NewsModeration == lists.NewsModerated, nil
			}),
		NewRule("no-subject", "Catch messages with no, or empty, Subject headers.",
			func(_ context.Context, _ *lists.List, env *envelope.Envelope) (bool, error) {
				return strings.TrimSpace(env.Message.Subject()) == "", nil
			}),
		NewRule("suspicious-header", "Catch messages with suspicious headers.",
			func(_ context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
				return hasMatchingHeader(s, l, env.Message), nil
			}),
		&rule{
			name:        "any",
			description: "Look for any previous rule hit.",
			check: func(_ context.Context, _ *lists.List, env *envelope.Envelope) (bool, error) {
				return len(env.Meta.Strings(envelope.KeyRuleHits)) > 0, nil
			},
		},
		&rule{
			name:        "truth",
			description: "A rule which always matches.",
			check: func(context.Context, *lists.List, *envelope.Envelope) (bool, error) {
				return true, nil
			},
		},
	}
}

func senders(env *envelope.Envelope) []string {
	return env.Message.Senders(env.Meta.String(envelope.KeyEnvelopeSender))
}

var approvedHeaders = []string{"Approve", "Approved", "X-Approve", "X-Approved"}

var approvedLine = regexp.MustCompile(`(?i)^\s*(?:x-)?approved?\s*:\s*(.*?)\s*$`)

// approvedRule looks for a moderator password in an Approved header or
// pseudo-header. The password is removed from the message either way.
type approvedRule struct {
	stack *core.Stack
}

func (r *approvedRule) Name() string { return "approved" }
func (r *approvedRule) Description() string {
	return "The message has a matching Approve or Approved header."
}
func (r *approvedRule) Record() bool { return true }

func (r *approvedRule) Check(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	msg := env.Message
	password, found := "", false
	for _, h := range approvedHeaders {
		if !found && msg.Header.Has(h) {
			password, found = strings.TrimSpace(msg.Header.Get(h)), true
		}
	}
	if found {
		for _, h := range approvedHeaders {
			msg.Header.Del(h)
		}
	} else {
		password, found = stripApprovedLine(msg)
	}
	if !found {
		return false, nil
	}
	if r.stack.Approver == nil || !r.stack.Approver.Approve(ctx, l, password) {
		return false, nil
	}
	env.Meta.SetBool(envelope.KeyApproved, true)
	return true, nil
}

// stripApprovedLine checks the first non-blank line of the first
// text/plain part for an Approved pseudo-header and removes it.
func stripApprovedLine(msg *email.Message) (string, bool) {
	part := msg.FirstText()
	if part == nil {
		return "", false
	}
	text, err := part.Text()
	if err != nil {
		return "", false
	}
	lines := strings.SplitAfter(text, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := approvedLine.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
		if m == nil {
			return "", false
		}
		rest := strings.Join(lines[i+1:], "")
		part.SetText("plain", rest)
		return m[1], true
	}
	return "", false
}

func checkLoop(_ context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	posting := strings.ToLower(l.PostingAddress())
	for _, v := range email.Values(env.Message.Header, "X-BeenThere") {
		if strings.ToLower(strings.TrimSpace(v)) == posting {
			return true, nil
		}
	}
	want := "<mailto:" + posting + ">"
	for _, v := range email.Values(env.Message.Header, "List-Post") {
		if strings.Contains(strings.ToLower(v), want) {
			return true, nil
		}
	}
	return false, nil
}

// memberModeration matches posts from members whose moderation action is
// anything but defer.
type memberModeration struct {
	stack *core.Stack
}

func (r *memberModeration) Name() string        { return "member-moderation" }
func (r *memberModeration) Description() string { return "Match messages sent by moderated members." }
func (r *memberModeration) Record() bool        { return true }

func (r *memberModeration) Check(_ context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	for _, sender := range senders(env) {
		m, err := r.stack.Lists.Member(l.FQDNListName(), lists.RoleMember, sender)
		if errors.Is(err, lists.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		action := m.ModerationAction
		if action == "" {
			action = l.DefaultMemberAction
		}
		if action == "" || action == lists.ActionDefer {
			return false, nil
		}
		env.Meta.SetString(envelope.KeyModerationAction, string(action))
		env.Meta.SetString(envelope.KeyModerationSender, sender)
		return true, nil
	}
	return false, nil
}

// nonmemberModeration matches posts where no sender is a member.
// Unknown senders are added to the roster as nonmembers.
type nonmemberModeration struct {
	stack *core.Stack
}

func (r *nonmemberModeration) Name() string { return "nonmember-moderation" }
func (r *nonmemberModeration) Description() string {
	return "Match messages sent by nonmembers."
}
func (r *nonmemberModeration) Record() bool { return true }

func (r *nonmemberModeration) Check(_ context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	fqdn := l.FQDNListName()
	all := senders(env)
	for _, sender := range all {
		_, err := r.stack.Lists.Member(fqdn, lists.RoleMember, sender)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, lists.ErrNotFound) {
			return false, err
		}
	}
	for _, sender := range all {
		nm, err := r.stack.Lists.Member(fqdn, lists.RoleNonmember, sender)
		if errors.Is(err, lists.ErrNotFound) {
			nm = lists.NewMember(fqdn, sender, "", lists.RoleNonmember)
			if err := r.stack.Lists.SaveMember(nm); err != nil {
				return false, fmt.Errorf("adding nonmember: %w", err)
			}
		} else if err != nil {
			return false, err
		}
		action := nm.ModerationAction
		if action == "" {
			action = l.DefaultNonmemberAction
		}
		if action == "" || action == lists.ActionDefer {
			continue
		}
		env.Meta.SetString(envelope.KeyModerationAction, string(action))
		env.Meta.SetString(envelope.KeyModerationSender, sender)
		return true, nil
	}
	return false, nil
}

var emailCommands = map[string][2]int{
	"confirm":     {1, 1},
	"help":        {0, 0},
	"info":        {0, 0},
	"lists":       {0, 0},
	"options":     {0, 0},
	"password":    {2, 2},
	"remove":      {0, 0},
	"set":         {3, 3},
	"subscribe":   {0, 3},
	"unsubscribe": {0, 1},
	"who":         {0, 2},
}

func isAdministrivia(l *lists.List, msg *email.Message, maxLines int) bool {
	if !l.Administrivia {
		return false
	}
	var check []string
	if s := msg.Subject(); s != "" {
		check = append(check, s)
	}
	if part := msg.FirstText(); part != nil {
		if text, err := part.Text(); err == nil {
			n := 0
			for _, line := range strings.Split(text, "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				n++
				if n > maxLines {
					break
				}
				check = append(check, line)
			}
		}
	}
	for _, line := range check {
		words := strings.Fields(strings.ToLower(line))
		if len(words) == 0 {
			continue
		}
		bounds, ok := emailCommands[words[0]]
		if !ok {
			continue
		}
		if args := len(words) - 1; bounds[0] <= args && args <= bounds[1] {
			return true
		}
	}
	return false
}

func checkImplicitDest(_ context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	if !l.RequireExplicitDestination || env.Meta.Bool(envelope.KeyFromUsenet) {
		return false, nil
	}
	aliases := map[string]bool{strings.ToLower(l.PostingAddress()): true}
	var patterns []string
	for _, a := range l.AcceptableAliases {
		if strings.HasPrefix(a, "^") {
			patterns = append(patterns, a)
		} else {
			aliases[strings.ToLower(a)] = true
		}
	}

	var recipients []string
	for _, a := range env.Message.Addresses("To", "Cc", "Resent-To", "Resent-Cc") {
		addr := strings.ToLower(a.Email)
		if aliases[addr] {
			return false, nil
		}
		recipients = append(recipients, addr)
	}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			re, err = regexp.Compile("(?i)" + regexp.QuoteMeta(p))
			if err != nil {
				continue
			}
		}
		for _, r := range recipients {
			if re.MatchString(r) {
				return false, nil
			}
		}
	}
	return true, nil
}

// headerCheck is one "Header: regexp" line.
type headerCheck struct {
	header string
	re     *regexp.Regexp
	line   string
}

// parseHeaderChecks parses "Header: regexp" lines, skipping blanks and
// comments. Malformed lines are logged and skipped.
func parseHeaderChecks(s *core.Stack, l *lists.List, text string) []headerCheck {
	var out []headerCheck
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		header, value, ok := strings.Cut(line, ":")
		if !ok {
			s.Logger.Error("bad header check line", "list", l.FQDNListName(), "line", line)
			continue
		}
		re, err := regexp.Compile("(?i)" + strings.TrimLeft(value, " \t"))
		if err != nil {
			s.Logger.Error("bad regexp in header check line", "list", l.FQDNListName(), "line", line, "error", err)
			continue
		}
		out = append(out, headerCheck{header: strings.TrimSpace(header), re: re, line: line})
	}
	return out
}

func hasMatchingHeader(s *core.Stack, l *lists.List, msg *email.Message) bool {
	if l.BounceMatchingHeaders == "" {
		return false
	}
	for _, hc := range parseHeaderChecks(s, l, l.BounceMatchingHeaders) {
		for _, v := range email.Values(msg.Header, hc.header) {
			if hc.re.MatchString(v) {
				return true
			}
		}
	}
	return false
}

// spamRule asks the configured scanner about the message and stamps its
// X-Spam-* headers. It only appears in the header-match chain when a
// scanner is configured.
type spamRule struct {
	e *Evaluator
}

func (r *spamRule) Name() string        { return "spam" }
func (r *spamRule) Description() string { return "The message was classified as spam." }
func (r *spamRule) Record() bool        { return true }

func (r *spamRule) Check(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	spam, v, err := r.e.spam.Scan(ctx, env.Message.Bytes(), antispam.Options{
		From:       env.Meta.String(envelope.KeyEnvelopeSender),
		Recipients: []string{l.PostingAddress()},
		Hostname:   r.e.stack.Config.Hostname,
		QueueID:    env.Message.MessageID(),
	})
	if err != nil {
		r.e.stack.Logger.Warn("spam check failed", "list", l.FQDNListName(),
			"message_id", env.Message.MessageID(), "error", err, "spam", spam)
		return spam, nil
	}
	if v != nil {
		for k, val := range v.Headers {
			env.Message.Header.Set(k, val)
		}
	}
	return spam, nil
}
