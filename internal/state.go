package internal

import (
	"sync"
	"time"
)

// ConnState represents the lifecycle state of a pooled connection
type ConnState int

const (
	// StateInit represents a connection that has not been opened yet
	StateInit ConnState = iota
	// StateOpen represents a connection with a live client and session
	StateOpen
	// StateDisposed represents a connection whose transport has been released
	StateDisposed
)

// String returns the string representation of the connection state
func (s ConnState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOpen:
		return "open"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// ConnectionMetrics holds per-connection traffic counters
type ConnectionMetrics struct {
	mu            sync.RWMutex
	Created       time.Time
	Sends         int64
	Receives      int64
	Failures      int64
	BytesSent     int64
	BytesReceived int64
}

// NewConnectionMetrics creates a new ConnectionMetrics instance
func NewConnectionMetrics() *ConnectionMetrics {
	return &ConnectionMetrics{
		Created: time.Now(),
	}
}

// RecordSend counts a successful send of n body bytes
func (m *ConnectionMetrics) RecordSend(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sends++
	m.BytesSent += int64(n)
}

// RecordReceive counts a successful receive of n body bytes
func (m *ConnectionMetrics) RecordReceive(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Receives++
	m.BytesReceived += int64(n)
}

// RecordFailure counts a failed send or receive
func (m *ConnectionMetrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures++
}

// Age returns how long ago the connection was created
func (m *ConnectionMetrics) Age() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.Created)
}

// GetStats returns current connection statistics
func (m *ConnectionMetrics) GetStats() (sends, receives, failures int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Sends, m.Receives, m.Failures
}
