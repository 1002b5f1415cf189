package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-i2p/go-mqpool/codec"
	"github.com/samber/oops"
)

// Sentinel errors for pool and connection failures.
// Use errors.Is() to classify errors returned by this package.
var (
	// ErrTransport indicates the underlying transport failed. The connection
	// should be replaced before retrying.
	ErrTransport = errors.New("pool: transport failure")

	// ErrNoMessage indicates that no matching message arrived before the
	// receive timeout elapsed. It is not a transport failure.
	ErrNoMessage = errors.New("pool: no message received before timeout")

	// ErrDataFormat indicates a received payload could not be decompressed.
	ErrDataFormat = codec.ErrDataFormat

	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool: pool is closed")

	// ErrDisposed is returned when using a connection whose transport has
	// already been released.
	ErrDisposed = fmt.Errorf("%w: connection disposed", ErrTransport)
)

// IsTransportError reports whether err should trigger connection replacement.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport)
}

// wrapTransportError marks err as a transport failure unless it is a context
// cancellation, which belongs to the caller rather than the connection.
func wrapTransportError(err error, op string, conn *PooledConn) error {
	b := oops.
		In("pool").
		With("op", op).
		With("conn_id", conn.ID()).
		With("kind", conn.Kind().String())

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return b.Code("OPERATION_CANCELLED").Wrapf(err, "%s cancelled", op)
	}

	return b.
		Code("TRANSPORT_ERROR").
		Wrapf(fmt.Errorf("%w: %w", ErrTransport, err), "%s failed", op)
}
