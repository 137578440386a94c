package transport

import (
	"context"
	"fmt"
)

// Message is the prepared payload handed to the provider. The dispatcher owns
// retries and all queue state; a Transport either delivers or reports why it
// could not.
type Message struct {
	To       string
	Subject  string
	HTML     string
	Text     string
	FromName string
}

type Transport interface {
	// Send delivers one message and returns the provider's message id.
	Send(ctx context.Context, msg *Message) (string, error)
	// Ready reports whether the transport has credentials to attempt sends
	// at all. When false the dispatcher fails records as configuration
	// errors instead of burning their retry budget.
	Ready() bool
}

// Error wraps a provider failure so the dispatcher can keep the provider's
// own message on the record for operator visibility.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
