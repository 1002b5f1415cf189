package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-mqpool/codec"
	"github.com/go-i2p/go-mqpool/internal"
	"github.com/go-i2p/go-mqpool/transport"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// PooledConn wraps one transport client and its session. Client and session
// are created together and disposed together.
type PooledConn struct {
	// id is the creation sequence number within the pool
	id uint64

	// config is shared with every connection of the same kind
	config *PoolConfig

	// lastActivity holds unix nanoseconds of the last send or receive
	// attempt; zero means the connection was never used
	lastActivity atomic.Int64

	metrics *internal.ConnectionMetrics

	// mu protects client, session and state
	mu      sync.Mutex
	client  transport.Client
	session transport.Session
	state   internal.ConnState
}

func newPooledConn(id uint64, config *PoolConfig) *PooledConn {
	return &PooledConn{
		id:      id,
		config:  config,
		metrics: internal.NewConnectionMetrics(),
		state:   internal.StateInit,
	}
}

// open dials the client and starts its session.
func (c *PooledConn) open(ctx context.Context, dialer transport.Dialer) error {
	client, err := dialer.Dial(ctx, c.config.Endpoint())
	if err != nil {
		return wrapTransportError(err, "dial", c)
	}

	session, err := client.OpenSession(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			log.WithError(closeErr).WithField("conn_id", c.id).Warn("failed to close client after session error")
		}
		return wrapTransportError(err, "open session", c)
	}

	c.mu.Lock()
	c.client = client
	c.session = session
	c.state = internal.StateOpen
	c.mu.Unlock()

	log.WithFields(logrus.Fields{
		"conn_id": c.id,
		"kind":    c.config.Kind.String(),
		"address": c.config.Endpoint().Address(),
	}).Debug("pooled connection opened")
	return nil
}

// ID returns the creation sequence number of the connection.
func (c *PooledConn) ID() uint64 {
	return c.id
}

// Kind returns the pool kind this connection belongs to.
func (c *PooledConn) Kind() Kind {
	return c.config.Kind
}

// Config returns the shared pool configuration.
func (c *PooledConn) Config() *PoolConfig {
	return c.config
}

// State returns the lifecycle state of the connection.
func (c *PooledConn) State() internal.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metrics returns the traffic counters of the connection.
func (c *PooledConn) Metrics() *internal.ConnectionMetrics {
	return c.metrics
}

// LastActivity returns the time of the last send or receive attempt, or the
// zero time if the connection has never been used.
func (c *PooledConn) LastActivity() time.Time {
	ns := c.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *PooledConn) setLastActivity(t time.Time) {
	if t.IsZero() {
		c.lastActivity.Store(0)
		return
	}
	c.lastActivity.Store(t.UnixNano())
}

func (c *PooledConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Less orders connections by last activity, oldest first. Connections that
// were never used sort before any used connection; ties fall back to the
// creation sequence.
func (c *PooledConn) Less(other *PooledConn) bool {
	return lessActivity(c.lastActivity.Load(), c.id, other.lastActivity.Load(), other.id)
}

func lessActivity(a int64, aSeq uint64, b int64, bSeq uint64) bool {
	if a != b {
		return a < b
	}
	return aSeq < bSeq
}

func (c *PooledConn) currentSession() (transport.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != internal.StateOpen || c.session == nil {
		return nil, oops.
			Code("CONNECTION_DISPOSED").
			In("pool").
			With("conn_id", c.id).
			With("state", c.state.String()).
			Wrapf(ErrDisposed, "connection is not open")
	}
	return c.session, nil
}

// Send transmits message on the configured send queue and returns the
// transport-assigned message id, which the reply carries as its correlation
// id. The body is deflated when outbound compression is enabled.
func (c *PooledConn) Send(ctx context.Context, message string) (string, error) {
	defer c.touch()

	session, err := c.currentSession()
	if err != nil {
		c.metrics.RecordFailure()
		return "", err
	}

	msg, err := c.outbound(message)
	if err != nil {
		c.metrics.RecordFailure()
		return "", err
	}

	id, err := session.Send(ctx, c.config.SendQueue, msg)
	if err != nil {
		c.metrics.RecordFailure()
		log.WithError(err).WithFields(logrus.Fields{
			"conn_id": c.id,
			"kind":    c.config.Kind.String(),
			"queue":   c.config.SendQueue,
		}).Error("failure to send message")
		return "", wrapTransportError(err, "send", c)
	}

	c.metrics.RecordSend(len(msg.Body))
	return id, nil
}

func (c *PooledConn) outbound(message string) (*transport.Message, error) {
	body, err := codec.Encode(c.config.Charset, message)
	if err != nil {
		return nil, err
	}

	if !c.config.CompressOutbound {
		return &transport.Message{Body: body}, nil
	}

	compressed, err := codec.Deflate(body)
	if err != nil {
		return nil, err
	}
	return transport.NewBytesMessage(compressed), nil
}

// Receive waits up to the configured receive timeout for the message whose
// correlation id matches. When nothing arrives it returns ErrNoMessage.
// Bodies are inflated when inbound compression is enabled; a malformed body
// yields ErrDataFormat.
func (c *PooledConn) Receive(ctx context.Context, correlationID string) (string, error) {
	defer c.touch()

	session, err := c.currentSession()
	if err != nil {
		c.metrics.RecordFailure()
		return "", err
	}

	msg, err := session.Receive(ctx, c.config.ReceiveQueue, correlationID, c.config.ReceiveTimeout)
	if err != nil {
		c.metrics.RecordFailure()
		log.WithError(err).WithFields(logrus.Fields{
			"conn_id":        c.id,
			"kind":           c.config.Kind.String(),
			"correlation_id": correlationID,
		}).Error("failure to receive message")
		return "", wrapTransportError(err, "receive", c)
	}

	if msg == nil {
		return "", oops.
			Code("NO_MESSAGE").
			In("pool").
			With("correlation_id", correlationID).
			With("timeout", c.config.ReceiveTimeout.String()).
			Wrapf(ErrNoMessage, "receive timed out")
	}

	text, err := c.inbound(msg)
	if err != nil {
		c.metrics.RecordFailure()
		return "", err
	}

	c.metrics.RecordReceive(len(msg.Body))
	return text, nil
}

func (c *PooledConn) inbound(msg *transport.Message) (string, error) {
	body := msg.Body
	if c.config.CompressInbound {
		inflated, err := codec.Inflate(body)
		if err != nil {
			return "", err
		}
		body = inflated
	}
	return codec.Decode(c.config.Charset, body)
}

// Dispose closes the session and then the client. Each step is attempted
// even if the other fails; failures are logged, not returned. Calling
// Dispose more than once has no further effect.
func (c *PooledConn) Dispose() {
	c.mu.Lock()
	if c.state == internal.StateDisposed {
		c.mu.Unlock()
		return
	}
	session, client := c.session, c.client
	c.session, c.client = nil, nil
	c.state = internal.StateDisposed
	c.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			log.WithError(err).WithField("conn_id", c.id).Error("failed to close session")
		}
	}
	if client != nil {
		if err := client.Close(); err != nil {
			log.WithError(err).WithField("conn_id", c.id).Error("failed to close client")
		}
	}

	log.WithFields(logrus.Fields{
		"conn_id": c.id,
		"kind":    c.config.Kind.String(),
	}).Debug("pooled connection disposed")
}
