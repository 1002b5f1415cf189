// Package memqueue is an in-process message broker implementing the
// transport contract. It backs the examples and integration tests, and
// supports request/reply handlers, correlation-id receives with timeouts,
// and fault injection.
package memqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-i2p/go-mqpool/transport"
	"github.com/go-i2p/logger"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

var log = logger.GetGoI2PLogger()

var (
	// ErrInjected is returned by operations failed through fault injection.
	ErrInjected = errors.New("memqueue: injected failure")

	// ErrUnauthorized is returned when dialing with wrong credentials.
	ErrUnauthorized = errors.New("memqueue: not authorized")
)

// Handler computes the reply to a request. Returning nil sends no reply.
type Handler func(req *transport.Message) *transport.Message

type route struct {
	replyQueue string
	handler    Handler
}

// Broker holds named queues in memory.
type Broker struct {
	mu       sync.Mutex
	queues   map[string][]*transport.Message
	routes   map[string]route
	notify   chan struct{} // closed and replaced whenever a message is queued
	closed   bool
	username string
	password string

	failDials    int
	failSends    int
	failReceives int

	dials    int
	sessions int
	sent     int
}

// Option configures a Broker.
type Option func(*Broker)

// WithCredentials makes the broker reject clients that do not present
// the given username and password.
func WithCredentials(username, password string) Option {
	return func(b *Broker) {
		b.username = username
		b.password = password
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queues: make(map[string][]*transport.Message),
		routes: make(map[string]route),
		notify: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handle registers h to answer every message sent to requestQueue. Replies
// are placed on replyQueue with their correlation id set to the request id.
func (b *Broker) Handle(requestQueue, replyQueue string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[requestQueue] = route{replyQueue: replyQueue, handler: h}
}

// Echo registers a handler that replies with the request body unchanged.
func (b *Broker) Echo(requestQueue, replyQueue string) {
	b.Handle(requestQueue, replyQueue, func(req *transport.Message) *transport.Message {
		body := append([]byte(nil), req.Body...)
		return &transport.Message{Body: body, Binary: req.Binary}
	})
}

// FailDials makes the next n dials fail.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// FailSends makes the next n sends fail, on any session.
func (b *Broker) FailSends(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSends = n
}

// FailReceives makes the next n receives fail, on any session.
func (b *Broker) FailReceives(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failReceives = n
}

// Depth returns the number of messages waiting on queue.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Stats returns the number of dials, sessions opened and messages sent.
func (b *Broker) Stats() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]int{
		"dials":    b.dials,
		"sessions": b.sessions,
		"sent":     b.sent,
	}
}

// Close shuts the broker down. Waiting receivers are woken and every
// later operation fails with transport.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.wakeLocked()
	log.Debug("memqueue broker closed")
	return nil
}

// Dial implements transport.Dialer.
func (b *Broker) Dial(ctx context.Context, ep transport.Endpoint) (transport.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, transport.ErrClosed
	}
	if b.failDials > 0 {
		b.failDials--
		return nil, oops.
			Code("DIAL_FAILED").
			In("memqueue").
			With("address", ep.Address()).
			Wrapf(ErrInjected, "dial refused")
	}
	if b.username != "" && (ep.Username != b.username || ep.Password != b.password) {
		return nil, oops.
			Code("AUTH_FAILED").
			In("memqueue").
			With("username", ep.Username).
			Wrapf(ErrUnauthorized, "invalid credentials")
	}

	b.dials++
	log.WithFields(logrus.Fields{
		"manager":  ep.Manager,
		"address":  ep.Address(),
		"app_name": ep.AppName,
	}).Debug("memqueue client connected")
	return &client{broker: b}, nil
}

// wakeLocked wakes every waiting receiver (caller must hold lock).
func (b *Broker) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *Broker) enqueueLocked(queue string, msg *transport.Message) {
	b.queues[queue] = append(b.queues[queue], msg)
	b.wakeLocked()
}

func (b *Broker) send(queue string, msg *transport.Message) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", transport.ErrClosed
	}
	if b.failSends > 0 {
		b.failSends--
		b.mu.Unlock()
		return "", oops.
			Code("SEND_FAILED").
			In("memqueue").
			With("queue", queue).
			Wrapf(ErrInjected, "send rejected")
	}

	stored := &transport.Message{
		ID:            "ID:" + ulid.Make().String(),
		CorrelationID: msg.CorrelationID,
		Body:          append([]byte(nil), msg.Body...),
		Binary:        msg.Binary,
	}
	msg.ID = stored.ID
	b.sent++

	r, routed := b.routes[queue]
	if !routed {
		b.enqueueLocked(queue, stored)
	}
	b.mu.Unlock()

	if routed {
		if reply := r.handler(stored); reply != nil {
			reply.CorrelationID = stored.ID
			b.mu.Lock()
			b.enqueueLocked(r.replyQueue, reply)
			b.mu.Unlock()
		}
	}
	return stored.ID, nil
}

// takeLocked removes the first message on queue matching correlationID.
// An empty correlationID matches any message.
func (b *Broker) takeLocked(queue, correlationID string) *transport.Message {
	msgs := b.queues[queue]
	for i, m := range msgs {
		if correlationID == "" || m.CorrelationID == correlationID {
			b.queues[queue] = append(msgs[:i:i], msgs[i+1:]...)
			return m
		}
	}
	return nil
}

func (b *Broker) receive(ctx context.Context, queue, correlationID string, timeout time.Duration) (*transport.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	b.mu.Lock()
	if b.failReceives > 0 {
		b.failReceives--
		b.mu.Unlock()
		return nil, oops.
			Code("RECEIVE_FAILED").
			In("memqueue").
			With("queue", queue).
			Wrapf(ErrInjected, "receive rejected")
	}

	for {
		if b.closed {
			b.mu.Unlock()
			return nil, transport.ErrClosed
		}
		if m := b.takeLocked(queue, correlationID); m != nil {
			b.mu.Unlock()
			return m, nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
		b.mu.Lock()
	}
}

type client struct {
	broker *Broker
	mu     sync.Mutex
	closed bool
}

func (c *client) OpenSession(ctx context.Context) (transport.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}

	c.broker.mu.Lock()
	c.broker.sessions++
	c.broker.mu.Unlock()
	return &session{client: c}, nil
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.closed = true
	return nil
}

func (c *client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type session struct {
	client *client
	mu     sync.Mutex
	closed bool
}

func (s *session) usable() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.client.isClosed() {
		return transport.ErrClosed
	}
	return nil
}

func (s *session) Send(ctx context.Context, queue string, msg *transport.Message) (string, error) {
	if err := s.usable(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.client.broker.send(queue, msg)
}

func (s *session) Receive(ctx context.Context, queue, correlationID string, timeout time.Duration) (*transport.Message, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.client.broker.receive(ctx, queue, correlationID, timeout)
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.closed = true
	return nil
}
