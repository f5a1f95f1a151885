package modules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/islombek4642/tgsecret/internal/platform"
)

var errNoReply = errors.New("reply to the message you want to save")

func (r *Registry) helpCommand() Command {
	return Command{
		Name:        "help",
		Description: "list available commands in Saved Messages",
		Handler: func(ctx context.Context, c *Call) error {
			var b strings.Builder
			b.WriteString("Available commands:\n")
			for _, cmd := range r.Commands() {
				usage := r.prefix + cmd.Name
				if cmd.Usage != "" {
					usage += " " + cmd.Usage
				}
				fmt.Fprintf(&b, "\n%s - %s", usage, cmd.Description)
			}
			_, err := c.Session.Client().SendMessage(ctx, platform.SavedMessages, b.String())
			return err
		},
	}
}

func (r *Registry) pingCommand() Command {
	return Command{
		Name:        "ping",
		Description: "check that the userbot is alive",
		Handler: func(ctx context.Context, c *Call) error {
			latency := r.now().Sub(c.Received)
			uptime := r.now().Sub(c.Session.StartedAt()).Round(time.Second)
			return c.Reply(ctx, fmt.Sprintf("Pong! %s\nUptime: %s", latency.Round(time.Millisecond), uptime))
		},
	}
}

func saveCommand() Command {
	return Command{
		Name:        "ok",
		Description: "save the replied-to media to Saved Messages",
		Handler: func(ctx context.Context, c *Call) error {
			if c.Message.ReplyTo == 0 {
				return errNoReply
			}
			err := c.Session.Client().ForwardMessage(ctx, c.Message.ChatID, c.Message.ReplyTo, platform.SavedMessages)
			if err != nil {
				return fmt.Errorf("could not save message: %w", err)
			}
			return nil
		},
	}
}
