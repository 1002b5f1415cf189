package internal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnStateString(t *testing.T) {
	tests := []struct {
		state    ConnState
		expected string
	}{
		{StateInit, "init"},
		{StateOpen, "open"},
		{StateDisposed, "disposed"},
		{ConnState(42), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.state.String())
	}
}

func TestConnectionMetricsCounters(t *testing.T) {
	m := NewConnectionMetrics()
	assert.False(t, m.Created.IsZero())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordSend(3)
			m.RecordReceive(5)
			m.RecordFailure()
		}()
	}
	wg.Wait()

	sends, receives, failures := m.GetStats()
	assert.Equal(t, int64(10), sends)
	assert.Equal(t, int64(10), receives)
	assert.Equal(t, int64(10), failures)
	assert.Equal(t, int64(30), m.BytesSent)
	assert.Equal(t, int64(50), m.BytesReceived)
}

func TestConnectionMetricsAge(t *testing.T) {
	m := NewConnectionMetrics()
	m.Created = time.Now().Add(-time.Minute)
	assert.GreaterOrEqual(t, m.Age(), time.Minute)
}
