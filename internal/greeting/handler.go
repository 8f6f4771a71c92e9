package greeting

import (
	"context"
	"fmt"
	"log"

	"greeter/internal/session"
)

// DDL creates the greeting table; it is the gate's one-time setup step.
const DDL = `CREATE TABLE IF NOT EXISTS greeting (id TEXT PRIMARY KEY, message TEXT)`

const (
	selectMessage = `SELECT message FROM greeting WHERE id = ?`
	upsertMessage = `INSERT INTO greeting(id, message) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET message = excluded.message`
)

// CommandError reports a storage failure while executing one command.
type CommandError struct {
	Command Command
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Handler executes commands against the storage session.
type Handler struct {
	Session         session.Session
	DefaultGreeting string
	Logger          *log.Logger
}

func (h Handler) logger() *log.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return log.Default()
}

// Handle runs cmd and returns a string for Hello and Done for UseGreeting.
func (h Handler) Handle(ctx context.Context, cmd Command) (any, error) {
	switch c := cmd.(type) {
	case Hello:
		return h.hello(ctx, c)
	case UseGreeting:
		return h.useGreeting(ctx, c)
	default:
		return nil, fmt.Errorf("%w: unsupported command %T", ErrInvalidCommand, cmd)
	}
}

func (h Handler) hello(ctx context.Context, c Hello) (string, error) {
	h.logger().Printf("getting greeting message for [%s]", c.ID)
	message := h.DefaultGreeting
	if message == "" {
		message = "Hello"
	}
	row, found, err := h.Session.ReadOne(ctx, selectMessage, Key(c.ID))
	if err != nil {
		return "", &CommandError{Command: c, Err: err}
	}
	if found {
		message = row.String("message")
	}
	return Format(message, c.ID), nil
}

func (h Handler) useGreeting(ctx context.Context, c UseGreeting) (Done, error) {
	h.logger().Printf("setting greeting message for [%s] to [%s]", c.ID, c.Message)
	if err := h.Session.Write(ctx, upsertMessage, Key(c.ID), c.Message); err != nil {
		return Done{}, &CommandError{Command: c, Err: err}
	}
	return Done{}, nil
}

// Format renders "<message>, <id>!".
func Format(message, id string) string {
	return message + ", " + id + "!"
}
