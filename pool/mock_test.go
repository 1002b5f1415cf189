package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-i2p/go-mqpool/transport"
)

// mockSession implements transport.Session for testing
type mockSession struct {
	mu       sync.Mutex
	sendErrs []error // consumed one per Send call
	recvErr  error
	closeErr error
	sent     []*transport.Message
	replies  map[string]*transport.Message
	closed   int
	seq      int
}

func newMockSession() *mockSession {
	return &mockSession{replies: make(map[string]*transport.Message)}
}

func (s *mockSession) Send(ctx context.Context, queue string, msg *transport.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	s.seq++
	msg.ID = fmt.Sprintf("ID:%s:%d", queue, s.seq)
	s.sent = append(s.sent, msg)
	return msg.ID, nil
}

func (s *mockSession) Receive(ctx context.Context, queue, correlationID string, timeout time.Duration) (*transport.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recvErr != nil {
		return nil, s.recvErr
	}
	return s.replies[correlationID], nil
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return s.closeErr
}

func (s *mockSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// mockClient implements transport.Client for testing
type mockClient struct {
	mu       sync.Mutex
	session  *mockSession
	openErr  error
	closeErr error
	closed   int
}

func (c *mockClient) OpenSession(ctx context.Context) (transport.Session, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return c.session, nil
}

func (c *mockClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return c.closeErr
}

func (c *mockClient) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// mockDialer implements transport.Dialer for testing
type mockDialer struct {
	mu      sync.Mutex
	dialErr error
	openErr error
	clients []*mockClient
	// prepare customizes each new session before it is handed out
	prepare func(s *mockSession)
}

var errDialRefused = errors.New("connection refused")

func (d *mockDialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dialErr != nil {
		return nil, d.dialErr
	}

	s := newMockSession()
	if d.prepare != nil {
		d.prepare(s)
	}
	c := &mockClient{session: s, openErr: d.openErr}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *mockDialer) setDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *mockDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func testConfig(minSize, maxSize int) *PoolConfig {
	return &PoolConfig{
		Kind:           Read,
		Manager:        "QM1",
		Hostname:       "localhost",
		Channel:        "DEV.APP.SVRCONN",
		Port:           1414,
		AppName:        "mqpool-test",
		SendQueue:      "DEV.QUEUE.REQUEST",
		ReceiveQueue:   "DEV.QUEUE.REPLY",
		ReceiveTimeout: 100 * time.Millisecond,
		MinSize:        minSize,
		MaxSize:        maxSize,
	}
}

// sessionOf returns the mock session behind an open pooled connection.
func sessionOf(c *PooledConn) *mockSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.(*mockSession)
}

func clientOf(c *PooledConn) *mockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	return c.client.(*mockClient)
}
