// Package modules holds the commands a running userbot answers to.
//
// The registry is static: every command is registered at startup and
// resolved by name for each owner message that starts with the command
// prefix. Messages from anyone but the account owner are ignored.
package modules

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/islombek4642/tgsecret/internal/logging"
	"github.com/islombek4642/tgsecret/internal/platform"
	"github.com/islombek4642/tgsecret/internal/supervisor"
)

// DefaultPrefix marks owner messages that are commands.
const DefaultPrefix = "."

// Handler runs one command invocation.
type Handler func(ctx context.Context, c *Call) error

// Command is one registered command.
type Command struct {
	Name        string
	Usage       string
	Description string
	Handler     Handler
}

// Call is a single command invocation.
type Call struct {
	Session *Session
	Message platform.Message
	Args    []string
	// Received is when the dispatcher picked the message up.
	Received time.Time
}

// Session narrows supervisor.Session to what commands need.
type Session = supervisor.Session

// Reply sends text to the chat the command came from.
func (c *Call) Reply(ctx context.Context, text string) error {
	_, err := c.Session.Client().SendMessage(ctx, c.Message.ChatID, text)
	return err
}

// Option configures a Registry.
type Option func(*Registry)

// WithPrefix sets the command prefix.
func WithPrefix(prefix string) Option {
	return func(r *Registry) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps command names to handlers. It implements
// supervisor.Dispatcher.
type Registry struct {
	prefix   string
	commands map[string]Command
	logger   *logging.Logger
	now      func() time.Time
}

// New returns a Registry with no commands.
func New(opts ...Option) *Registry {
	r := &Registry{
		prefix:   DefaultPrefix,
		commands: make(map[string]Command),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.NopLogger()
	}
	r.logger = r.logger.WithComponent("modules")
	return r
}

// NewDefault returns a Registry with the built-in commands.
func NewDefault(opts ...Option) *Registry {
	r := New(opts...)
	r.MustRegister(r.helpCommand())
	r.MustRegister(r.pingCommand())
	r.MustRegister(saveCommand())
	return r
}

// Register adds cmd. Names are case-insensitive and must be unique.
func (r *Registry) Register(cmd Command) error {
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	switch {
	case name == "" || strings.ContainsAny(name, " \t\n"):
		return fmt.Errorf("invalid command name %q", cmd.Name)
	case cmd.Handler == nil:
		return fmt.Errorf("command %q has no handler", name)
	}
	if _, dup := r.commands[name]; dup {
		return fmt.Errorf("command %q already registered", name)
	}
	cmd.Name = name
	r.commands[name] = cmd
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(cmd Command) {
	if err := r.Register(cmd); err != nil {
		panic(err)
	}
}

// Commands returns the registered commands ordered by name.
func (r *Registry) Commands() []Command {
	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Command) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Prefix returns the command prefix.
func (r *Registry) Prefix() string { return r.prefix }

// Parse splits text into a command name and arguments. It reports false
// when text is not a command.
func (r *Registry) Parse(text string) (string, []string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(text), r.prefix)
	if !ok {
		return "", nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// Dispatch implements supervisor.Dispatcher.
func (r *Registry) Dispatch(ctx context.Context, s *Session, msg platform.Message) {
	if !msg.Outgoing {
		return
	}
	s.Touch()

	name, args, ok := r.Parse(msg.Text)
	if !ok {
		return
	}
	cmd, ok := r.commands[name]
	if !ok {
		return
	}

	call := &Call{Session: s, Message: msg, Args: args, Received: r.now()}
	log := r.logger.WithUser(int64(s.UserID())).With("command", name)
	if err := cmd.Handler(ctx, call); err != nil {
		log.Warn("command failed", "error", err)
		if rerr := call.Reply(ctx, "⚠️ "+err.Error()); rerr != nil {
			log.Error("failed to report command error", "error", rerr)
		}
		return
	}
	log.Debug("command handled")
}
