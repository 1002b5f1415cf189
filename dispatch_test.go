package mqpool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-i2p/go-mqpool/internal"
	"github.com/go-i2p/go-mqpool/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_SendRoundTrip(t *testing.T) {
	r := newTestRegistry(t, newEchoBroker(), testConfig())
	d := r.NewDispatcher()
	ctx := context.Background()

	conn, err := r.Acquire(ctx, pool.Read)
	require.NoError(t, err)

	sent, err := d.Send(ctx, "ping", conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sent.Response, "ID:"))
	assert.Same(t, conn, sent.Conn)
	assert.Equal(t, 1, sent.Attempts)
	assert.Equal(t, 0, sent.Replacements)

	got, err := d.Receive(ctx, sent.Response, sent.Conn)
	require.NoError(t, err)
	assert.Equal(t, "ping", got.Response)

	r.Release(got.Conn)
}

func TestDispatch_ReplacesAfterTransportFailures(t *testing.T) {
	b := newEchoBroker()
	r := newTestRegistry(t, b, testConfig())
	d := NewDispatcher(r, 3)
	ctx := context.Background()

	conn, err := r.Acquire(ctx, pool.Write)
	require.NoError(t, err)

	b.FailSends(2)
	res, err := d.Dispatch(ctx, "payload", conn, OpSend)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.Response, "ID:"))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, res.Replacements)
	assert.NotSame(t, conn, res.Conn)
	assert.Equal(t, internal.StateDisposed, conn.State())
	assert.Equal(t, internal.StateOpen, res.Conn.State())

	reply, err := d.Receive(ctx, res.Response, res.Conn)
	require.NoError(t, err)
	assert.Equal(t, "payload", reply.Response)

	r.Release(reply.Conn)
	p, _ := r.Pool(pool.Write)
	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, uint64(2), stats.ReplaceCount)
	assert.LessOrEqual(t, stats.Available, stats.MaxSize)
}

func TestDispatch_RetriesExhausted(t *testing.T) {
	b := newEchoBroker()
	r := newTestRegistry(t, b, testConfig())
	d := NewDispatcher(r, 3)
	ctx := context.Background()

	conn, err := r.Acquire(ctx, pool.Read)
	require.NoError(t, err)

	b.FailSends(10)
	res, err := d.Send(ctx, "payload", conn)
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.True(t, errors.Is(err, pool.ErrTransport))
	assert.Empty(t, res.Response)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, res.Replacements)
	require.NotNil(t, res.Conn)
	assert.Equal(t, internal.StateOpen, res.Conn.State())

	// the live connection is still releasable
	r.Release(res.Conn)
	p, _ := r.Pool(pool.Read)
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestDispatch_AbortsOnNonTransportErrors(t *testing.T) {
	tests := []struct {
		name    string
		kind    pool.Kind
		op      Op
		content string
		setup   func(cfg *Config)
		wantErr error
	}{
		{
			name:    "receive timeout",
			kind:    pool.Read,
			op:      OpReceive,
			content: "ID:unknown",
			wantErr: pool.ErrNoMessage,
		},
		{
			name:    "malformed compressed reply",
			kind:    pool.Write,
			op:      OpSend,
			content: "not deflated",
			setup:   func(cfg *Config) { cfg.Write.CompressInbound = true },
			wantErr: pool.ErrDataFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.setup != nil {
				tt.setup(cfg)
			}
			r := newTestRegistry(t, newEchoBroker(), cfg)
			d := NewDispatcher(r, 3)
			ctx := context.Background()

			conn, err := r.Acquire(ctx, tt.kind)
			require.NoError(t, err)

			content := tt.content
			if tt.op == OpSend {
				// the echoed reply is plain text, which inflate rejects
				sent, err := d.Send(ctx, tt.content, conn)
				require.NoError(t, err)
				content = sent.Response
			}

			res, err := d.Dispatch(ctx, content, conn, OpReceive)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr))
			assert.False(t, errors.Is(err, ErrRetriesExhausted))
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, 0, res.Replacements)
			assert.Same(t, conn, res.Conn)
			assert.Equal(t, internal.StateOpen, conn.State())
			r.Release(res.Conn)
		})
	}
}

func TestDispatch_CancelledContext(t *testing.T) {
	r := newTestRegistry(t, newEchoBroker(), testConfig())
	d := NewDispatcher(r, 3)

	conn, err := r.Acquire(context.Background(), pool.Read)
	require.NoError(t, err)
	defer r.Release(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := d.Send(ctx, "payload", conn)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, res.Attempts)
	assert.Same(t, conn, res.Conn)
}

func TestDispatch_ReplacementFailureFallsBack(t *testing.T) {
	b := newEchoBroker()
	cfg := testConfig()
	r := newTestRegistry(t, b, cfg)
	d := NewDispatcher(r, 3)
	ctx := context.Background()

	// the bulk pool starts empty, so every replacement has to dial
	conn, err := r.Acquire(ctx, pool.Bulk)
	require.NoError(t, err)

	b.FailSends(1)
	b.FailDials(1)
	res, err := d.Send(ctx, "payload", conn)
	require.NoError(t, err)

	// attempt 2 runs on the disposed original and fails, its replacement dials
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, res.Replacements)
	assert.Equal(t, internal.StateOpen, res.Conn.State())
	r.Release(res.Conn)
}

func TestDispatch_Backoff(t *testing.T) {
	b := newEchoBroker()
	r := newTestRegistry(t, b, testConfig())
	d := NewDispatcher(r, 3).WithBackoff(10 * time.Millisecond)
	ctx := context.Background()

	conn, err := r.Acquire(ctx, pool.Read)
	require.NoError(t, err)

	b.FailSends(2)
	start := time.Now()
	res, err := d.Send(ctx, "payload", conn)
	require.NoError(t, err)
	defer r.Release(res.Conn)

	// 10ms then 20ms
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 2, res.Replacements)
}

func TestDispatch_BackoffCancelled(t *testing.T) {
	b := newEchoBroker()
	r := newTestRegistry(t, b, testConfig())
	d := NewDispatcher(r, 3).WithBackoff(time.Minute)

	conn, err := r.Acquire(context.Background(), pool.Read)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	b.FailSends(1)
	res, err := d.Send(ctx, "payload", conn)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, res.Replacements)
	r.Release(res.Conn)
}

func TestDispatch_NilConnection(t *testing.T) {
	d := NewDispatcher(nil, 0)
	assert.Equal(t, DefaultRetries, d.retries)

	_, err := d.Send(context.Background(), "payload", nil)
	assert.Error(t, err)
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "send", OpSend.String())
	assert.Equal(t, "receive", OpReceive.String())
	assert.Equal(t, "unknown", Op(5).String())
}
