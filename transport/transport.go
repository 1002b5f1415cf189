// Package transport defines the contract between the connection pool and a
// message-queue client library. The pool treats sending a message and
// receiving a message by correlation id as black-box operations; framing,
// acknowledgement and delivery guarantees belong to the implementation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by clients and sessions that have already been closed.
var ErrClosed = errors.New("transport: closed")

// Endpoint carries everything a transport needs to establish a client.
type Endpoint struct {
	Manager  string
	Hostname string
	Channel  string
	Port     int
	Username string
	Password string
	AppName  string
}

// Address returns the host:port form of the endpoint.
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Hostname, e.Port)
}

// Authenticated reports whether credentials should be presented.
func (e Endpoint) Authenticated() bool {
	return e.Username != ""
}

// Message is a unit of transfer on a queue.
type Message struct {
	// ID is assigned by the transport when the message is sent
	ID string

	// CorrelationID links a reply to the message it answers
	CorrelationID string

	// Body holds the payload. For text messages it is the encoded text.
	Body []byte

	// Binary marks a bytes message, as opposed to a text message
	Binary bool
}

// NewTextMessage creates a text message from s.
func NewTextMessage(s string) *Message {
	return &Message{Body: []byte(s)}
}

// NewBytesMessage creates a binary message holding b.
func NewBytesMessage(b []byte) *Message {
	return &Message{Body: b, Binary: true}
}

// Session performs queue operations on behalf of a single client.
type Session interface {
	// Send places msg on queue and returns the transport-assigned message id.
	Send(ctx context.Context, queue string, msg *Message) (string, error)

	// Receive waits up to timeout for a message on queue whose correlation
	// id equals correlationID. A nil message with a nil error means nothing
	// arrived in time.
	Receive(ctx context.Context, queue, correlationID string, timeout time.Duration) (*Message, error)

	// Close releases the session.
	Close() error
}

// Client is a connected transport client. Each client owns at most one
// session for the lifetime of a pooled connection.
type Client interface {
	// OpenSession starts the session used for queue operations.
	OpenSession(ctx context.Context) (Session, error)

	// Close stops and closes the client.
	Close() error
}

// Dialer constructs connected clients for an endpoint.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Client, error)
}

// Factory adapts a function to the Dialer interface.
type Factory func(ctx context.Context, ep Endpoint) (Client, error)

// Dial calls f(ctx, ep).
func (f Factory) Dial(ctx context.Context, ep Endpoint) (Client, error) {
	return f(ctx, ep)
}
