package greeting

import (
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidCommand is returned by the constructors when a required field is missing.
var ErrInvalidCommand = errors.New("invalid command")

// Command is one of Hello or UseGreeting.
type Command interface {
	fmt.Stringer
	Kind() string
	command()
}

// Hello asks for the greeting of ID. Organization is carried but does not
// influence the reply.
type Hello struct {
	ID           string
	Organization *string
}

// UseGreeting replaces the stored greeting message for ID.
type UseGreeting struct {
	ID      string
	Message string
}

// Done is the reply to UseGreeting.
type Done struct{}

const (
	KindHello       = "hello"
	KindUseGreeting = "use_greeting"
)

// NewHello fails only when id is empty. Values are kept as given.
func NewHello(id string, organization *string) (Hello, error) {
	if id == "" {
		return Hello{}, fmt.Errorf("%w: id is required", ErrInvalidCommand)
	}
	return Hello{ID: id, Organization: organization}, nil
}

// NewUseGreeting fails only when id or message is empty. Values are kept as given.
func NewUseGreeting(id, message string) (UseGreeting, error) {
	if id == "" {
		return UseGreeting{}, fmt.Errorf("%w: id is required", ErrInvalidCommand)
	}
	if message == "" {
		return UseGreeting{}, fmt.Errorf("%w: message is required", ErrInvalidCommand)
	}
	return UseGreeting{ID: id, Message: message}, nil
}

func (Hello) command()       {}
func (UseGreeting) command() {}

func (Hello) Kind() string       { return KindHello }
func (UseGreeting) Kind() string { return KindUseGreeting }

// Equal compares field values, including the pointed-to organization.
func (h Hello) Equal(o Hello) bool {
	if h.ID != o.ID {
		return false
	}
	if h.Organization == nil || o.Organization == nil {
		return h.Organization == nil && o.Organization == nil
	}
	return *h.Organization == *o.Organization
}

func (h Hello) String() string {
	org := "none"
	if h.Organization != nil {
		org = *h.Organization
	}
	return fmt.Sprintf("Hello{id=%s, organization=%s}", h.ID, org)
}

func (u UseGreeting) String() string {
	return fmt.Sprintf("UseGreeting{id=%s, message=%s}", u.ID, u.Message)
}

// Key is the storage key for id: canonically equivalent spellings share a row.
// Replies always echo the id as the caller wrote it.
func Key(id string) string {
	return norm.NFC.String(id)
}

// Envelope is the wire form of a Command used between peers.
type Envelope struct {
	Kind         string  `json:"kind" enum:"hello,use_greeting"`
	ID           string  `json:"id"`
	Organization *string `json:"organization,omitempty"`
	Message      string  `json:"message,omitempty"`
}

// Wrap converts a command into its wire form.
func Wrap(cmd Command) Envelope {
	switch c := cmd.(type) {
	case Hello:
		return Envelope{Kind: KindHello, ID: c.ID, Organization: c.Organization}
	case UseGreeting:
		return Envelope{Kind: KindUseGreeting, ID: c.ID, Message: c.Message}
	}
	return Envelope{}
}

// Unwrap validates an envelope and returns the command it carries.
func (e Envelope) Unwrap() (Command, error) {
	switch e.Kind {
	case KindHello:
		return NewHello(e.ID, e.Organization)
	case KindUseGreeting:
		return NewUseGreeting(e.ID, e.Message)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, e.Kind)
	}
}
