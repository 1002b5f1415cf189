package mqpool

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/go-i2p/go-mqpool/pool"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// ErrRetriesExhausted is returned when every dispatch attempt failed with a
// transport error.
var ErrRetriesExhausted = errors.New("mqpool: retries exhausted")

// maxRetryDelay caps the exponential backoff between attempts.
const maxRetryDelay = 30 * time.Second

// Op selects the operation a Dispatcher performs.
type Op int

const (
	// OpSend sends the content and returns the transport-assigned id.
	OpSend Op = iota
	// OpReceive treats the content as a correlation id and returns the
	// matching message text.
	OpReceive
)

func (o Op) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// Replacer swaps a failed connection for a fresh one from the same pool.
// Registry and pool.ConnPool both satisfy it.
type Replacer interface {
	Replace(ctx context.Context, conn *pool.PooledConn) (*pool.PooledConn, error)
}

// Result is the outcome of a dispatch. Conn is the live connection the
// caller must release, which differs from the one passed in when a failure
// caused a replacement.
type Result struct {
	Response     string
	Conn         *pool.PooledConn
	Attempts     int
	Replacements int
}

// Dispatcher retries sends and receives, replacing the connection after
// every transport failure. It holds no per-call state and is safe for
// concurrent use.
type Dispatcher struct {
	replacer Replacer
	retries  int
	backoff  time.Duration
}

// NewDispatcher creates a Dispatcher with the given attempt budget. A
// budget below 1 falls back to DefaultRetries.
func NewDispatcher(replacer Replacer, retries int) *Dispatcher {
	if retries < 1 {
		retries = DefaultRetries
	}
	return &Dispatcher{
		replacer: replacer,
		retries:  retries,
	}
}

// NewDispatcher returns a Dispatcher using the registry's retry settings.
func (r *Registry) NewDispatcher() *Dispatcher {
	return NewDispatcher(r, r.config.Retries).WithBackoff(r.config.RetryBackoff)
}

// WithBackoff sets the base delay between attempts. The delay doubles after
// each attempt. Zero retries immediately.
func (d *Dispatcher) WithBackoff(backoff time.Duration) *Dispatcher {
	d.backoff = backoff
	return d
}

// Send dispatches content as a send.
func (d *Dispatcher) Send(ctx context.Context, content string, conn *pool.PooledConn) (Result, error) {
	return d.Dispatch(ctx, content, conn, OpSend)
}

// Receive dispatches a receive for correlationID.
func (d *Dispatcher) Receive(ctx context.Context, correlationID string, conn *pool.PooledConn) (Result, error) {
	return d.Dispatch(ctx, correlationID, conn, OpReceive)
}

// Dispatch performs op on conn. A transport failure replaces the connection
// and tries again until the budget is spent, which yields
// ErrRetriesExhausted. Any other failure, pool.ErrNoMessage and
// pool.ErrDataFormat included, is returned at once. The returned Result
// always carries the connection to release, even on error.
func (d *Dispatcher) Dispatch(ctx context.Context, content string, conn *pool.PooledConn, op Op) (Result, error) {
	res := Result{Conn: conn}
	if conn == nil {
		return res, oops.
			Code("NIL_CONNECTION").
			In("mqpool").
			With("op", op.String()).
			Errorf("cannot dispatch on nil connection")
	}

	var lastErr error
	for res.Attempts < d.retries {
		res.Attempts++

		response, err := d.attempt(ctx, content, res.Conn, op)
		if err == nil {
			res.Response = response
			d.logSuccessAfterRetries(res, op)
			return res, nil
		}
		lastErr = err

		if !d.shouldRetry(err) {
			return res, err
		}
		d.logRetryAttempt(res, op, err)

		next, rerr := d.replacer.Replace(ctx, res.Conn)
		if rerr != nil {
			// Replace hands back the original; retrying on it is pointless
			// once the caller has gone away.
			if ctx.Err() != nil {
				return res, d.wrapRetryError(ctx.Err(), res, op)
			}
			log.WithError(rerr).WithField("conn_id", res.Conn.ID()).Warn("replacement failed, retrying on current connection")
		} else {
			res.Conn = next
			res.Replacements++
		}

		if res.Attempts < d.retries {
			if err := d.waitForRetry(ctx, res.Attempts-1); err != nil {
				return res, d.wrapRetryError(err, res, op)
			}
		}
	}

	return res, d.wrapRetryError(errors.Join(ErrRetriesExhausted, lastErr), res, op)
}

func (d *Dispatcher) attempt(ctx context.Context, content string, conn *pool.PooledConn, op Op) (string, error) {
	switch op {
	case OpSend:
		return conn.Send(ctx, content)
	case OpReceive:
		return conn.Receive(ctx, content)
	default:
		return "", oops.
			Code("UNKNOWN_OP").
			In("mqpool").
			With("op", int(op)).
			Errorf("unknown dispatch operation")
	}
}

// shouldRetry reports whether err warrants a replacement and another attempt.
func (d *Dispatcher) shouldRetry(err error) bool {
	return pool.IsTransportError(err)
}

// waitForRetry sleeps for backoff * 2^attempt, capped at maxRetryDelay.
func (d *Dispatcher) waitForRetry(ctx context.Context, attempt int) error {
	if d.backoff <= 0 {
		return ctx.Err()
	}

	delay := time.Duration(float64(d.backoff) * math.Pow(2, float64(attempt)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	log.WithFields(logrus.Fields{
		"attempt": attempt + 1,
		"delay":   delay,
	}).Debug("waiting before dispatch retry")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) logSuccessAfterRetries(res Result, op Op) {
	if res.Attempts > 1 {
		log.WithFields(logrus.Fields{
			"op":           op.String(),
			"attempts":     res.Attempts,
			"replacements": res.Replacements,
			"conn_id":      res.Conn.ID(),
		}).Info("dispatch succeeded after retries")
	}
}

func (d *Dispatcher) logRetryAttempt(res Result, op Op, lastErr error) {
	log.WithFields(logrus.Fields{
		"op":         op.String(),
		"attempt":    res.Attempts,
		"budget":     d.retries,
		"conn_id":    res.Conn.ID(),
		"kind":       res.Conn.Kind().String(),
		"last_error": lastErr.Error(),
	}).Warn("transport failure, replacing connection")
}

func (d *Dispatcher) wrapRetryError(err error, res Result, op Op) error {
	return oops.
		Code("DISPATCH_FAILED").
		In("mqpool").
		With("op", op.String()).
		With("total_attempts", res.Attempts).
		With("replacements", res.Replacements).
		With("max_retries", d.retries).
		Wrapf(err, "%s failed after %d attempts", op, res.Attempts)
}
