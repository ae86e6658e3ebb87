package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/infodancer/listd/internal/commands"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/logging"
	"github.com/infodancer/listd/internal/templates"
)

// Command runs the email commands sent to a list's -request, -join,
// -leave and -confirm addresses and mails back the results.
type Command struct {
	stack    *core.Stack
	commands *commands.Registry
}

// NewCommand returns the command-queue disposer.
func NewCommand(s *core.Stack) *Command {
	return &Command{stack: s, commands: commands.New(s)}
}

// Commands exposes the command registry.
func (c *Command) Commands() *commands.Registry { return c.commands }

// commandLines holds the lines to run and those skipped.
type commandLines struct {
	lines   []string
	ignored []string
	notes   []string
}

func (f *commandLines) has(line string) bool {
	for _, l := range f.lines {
		if strings.EqualFold(l, line) {
			return true
		}
	}
	return false
}

func (c *Command) Dispose(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	if l == nil {
		return false, ErrListRequired
	}
	logger := logging.FromContext(ctx)
	msg, meta := env.Message, env.Meta

	precedence := strings.ToLower(strings.TrimSpace(msg.Header.Get("Precedence")))
	switch precedence {
	case "bulk", "junk", "list":
		if !strings.EqualFold(strings.TrimSpace(msg.Header.Get("X-Ack")), "yes") {
			logger.Info("discarding command message",
				slog.String("precedence", precedence),
				slog.String("message_id", msg.MessageID()))
			return false, nil
		}
	}
	sender := msg.Sender(meta.String(envelope.KeyEnvelopeSender))
	if sender == "" {
		logger.Info("discarding command message without a sender", slog.String("message_id", msg.MessageID()))
		return false, nil
	}

	found := c.find(msg, meta)
	results := &commands.Results{}
	results.Println("- Original message details:")
	for _, h := range []string{"From", "Subject", "Date", "Message-ID"} {
		v := msg.HeaderText(h)
		if v == "" {
			v = "n/a"
		}
		results.Printf("%s: %s\n", h, v)
	}
	results.Println()
	results.Println("- Results:")
	for _, n := range found.notes {
		results.Println(n)
	}

	var unprocessed []string
	for i, line := range found.lines {
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		results.Printf("\n> %s\n", line)
		cmd, ok := c.commands.Get(parts[0])
		if !ok {
			results.Printf("No such command: %s\n", parts[0])
			continue
		}
		if cmd.Process(ctx, l, msg, meta, parts[1:], results) == commands.Stop {
			unprocessed = found.lines[i+1:]
			break
		}
	}
	if len(unprocessed) > 0 {
		results.Println("\n- Unprocessed:")
		for _, line := range unprocessed {
			results.Println("   ", line)
		}
	}
	if len(found.ignored) > 0 {
		results.Println("\n- Ignored:")
		for _, line := range found.ignored {
			results.Println("   ", line)
		}
	}
	results.Println("\n- Done.")

	return false, c.reply(l, meta, sender, results.String())
}

// find collects the command lines: an implied command for the
// subaddress, then the Subject, then the first text/plain part.
func (c *Command) find(msg *email.Message, meta envelope.Metadata) commandLines {
	var found commandLines
	switch meta.String(envelope.KeySubaddress) {
	case "join":
		found.lines = append(found.lines, "join")
	case "leave":
		found.lines = append(found.lines, "leave")
	case "confirm":
		if token := confirmToken(msg, meta); token != "" {
			found.lines = append(found.lines, "confirm "+token)
		}
	}

	// A reply to a confirmation repeats the implied command.
	if subject := stripReply(msg.Subject()); subject != "" && isASCII(subject) && !found.has(subject) {
		found.lines = append(found.lines, subject)
	}

	text := msg.FirstText()
	if msg.IsMultipart() {
		found.notes = append(found.notes, "Ignoring non-text/plain MIME parts")
	}
	if text == nil {
		return found
	}
	body, err := text.Text()
	if err != nil {
		found.notes = append(found.notes, fmt.Sprintf("Could not decode message body: %v", err))
		return found
	}
	limit := c.stack.Config.EmailCommandsMaxLines
	var n int
	for _, line := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if n >= limit {
			found.ignored = append(found.ignored, line)
			continue
		}
		found.lines = append(found.lines, line)
		n++
	}
	return found
}

// confirmToken returns the token carried by a list-confirm+TOKEN
// recipient.
func confirmToken(msg *email.Message, meta envelope.Metadata) string {
	candidates := []string{meta.String(envelope.KeyRecipient)}
	for _, a := range msg.Addresses("To") {
		candidates = append(candidates, a.Email)
	}
	for _, addr := range candidates {
		local, _ := email.SplitAddress(addr)
		if _, token, ok := strings.Cut(local, "+"); ok && token != "" {
			return token
		}
	}
	return ""
}

// stripReply removes reply and forward markers, so that replying to a
// confirmation message confirms it.
func stripReply(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		switch {
		case strings.HasPrefix(lower, "re:"):
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "fwd:"):
			s = strings.TrimSpace(s[4:])
		default:
			return s
		}
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func (c *Command) reply(l *lists.List, meta envelope.Metadata, sender, results string) error {
	n := c.stack.Notifier
	text, err := n.Render(l, templates.CommandResults, meta.String(envelope.KeyLang), map[string]string{
		"results": results,
	})
	if err != nil {
		return err
	}
	msg, err := n.Message(l.BouncesAddress(), sender, "The results of your email commands", text)
	if err != nil {
		return err
	}
	return n.SendUser(l, msg, sender)
}
