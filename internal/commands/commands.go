// Package commands implements the email commands understood by a list's
// -request, -join, -leave and -confirm addresses.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
)

// Status tells the command runner whether to read further commands.
type Status int

const (
	Continue Status = iota
	Stop
)

// Command is one email command.
type Command interface {
	Name() string
	// Usage describes the arguments, e.g. "[digest=<yes|no>]".
	Usage() string
	Description() string
	Process(ctx context.Context, l *lists.List, msg *email.Message, meta envelope.Metadata, args []string, out *Results) Status
}

// Results collects the text of a command reply.
type Results struct {
	b strings.Builder
}

// Println appends one line.
func (r *Results) Println(a ...any) {
	fmt.Fprintln(&r.b, a...)
}

// Printf appends formatted text.
func (r *Results) Printf(format string, a ...any) {
	fmt.Fprintf(&r.b, format, a...)
}

func (r *Results) String() string {
	return r.b.String()
}

// Registry maps command names to commands.
type Registry struct {
	commands map[string]Command
}

// New returns a registry holding the builtin commands.
func New(s *core.Stack) *Registry {
	r := &Registry{commands: make(map[string]Command)}
	for _, c := range []Command{
		&join{stack: s, name: "join"}, &join{stack: s, name: "subscribe"},
		&leave{stack: s, name: "leave"}, &leave{stack: s, name: "unsubscribe"},
		&confirm{stack: s},
		echo{},
		end{name: "end"}, end{name: "stop"},
		&help{registry: r},
	} {
		r.Register(c)
	}
	return r
}

// Register adds c, replacing a command of the same name.
func (r *Registry) Register(c Command) {
	r.commands[c.Name()] = c
}

// Get returns the named command. Names are case-insensitive.
func (r *Registry) Get(name string) (Command, bool) {
	c, ok := r.commands[strings.ToLower(name)]
	return c, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type echo struct{}

func (echo) Name() string        { return "echo" }
func (echo) Usage() string       { return "[args]" }
func (echo) Description() string { return "Echo back your arguments." }

func (echo) Process(_ context.Context, _ *lists.List, _ *email.Message, _ envelope.Metadata, args []string, out *Results) Status {
	out.Println("echo", strings.Join(args, " "))
	return Continue
}

type end struct {
	name string
}

func (e end) Name() string      { return e.name }
func (end) Usage() string       { return "" }
func (end) Description() string { return "Stop processing commands." }

func (end) Process(context.Context, *lists.List, *email.Message, envelope.Metadata, []string, *Results) Status {
	return Stop
}

type help struct {
	registry *Registry
}

func (*help) Name() string        { return "help" }
func (*help) Usage() string       { return "[command]" }
func (*help) Description() string { return "Get help about available email commands." }

func (h *help) Process(_ context.Context, _ *lists.List, _ *email.Message, _ envelope.Metadata, args []string, out *Results) Status {
	switch len(args) {
	case 0:
		width := 0
		for _, n := range h.registry.Names() {
			width = max(width, len(n))
		}
		for _, n := range h.registry.Names() {
			c, _ := h.registry.Get(n)
			out.Printf("%-*s - %s\n", width, n, c.Description())
		}
		return Continue
	case 1:
		c, ok := h.registry.Get(args[0])
		if !ok {
			out.Printf("help: no such command: %s\n", args[0])
			return Stop
		}
		out.Println(strings.TrimSpace(c.Name() + " " + c.Usage()))
		out.Println(c.Description())
		return Continue
	default:
		out.Printf("help: too many arguments: %s\n", strings.Join(args, " "))
		return Stop
	}
}
