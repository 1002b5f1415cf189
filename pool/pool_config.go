package pool

import (
	"fmt"
	"time"

	"github.com/go-i2p/go-mqpool/codec"
	"github.com/go-i2p/go-mqpool/transport"
	"github.com/samber/oops"
)

// PoolConfig configures one pool kind. It is immutable once loaded and is
// shared by pointer with every connection of that kind.
type PoolConfig struct {
	Kind Kind

	// Manager is the queue manager name
	Manager  string
	Hostname string
	Channel  string
	Port     int

	// Username and Password are optional; an empty username connects
	// without credentials
	Username string
	Password string

	// AppName identifies this client to the queue manager
	AppName string

	SendQueue    string
	ReceiveQueue string

	// ReceiveTimeout bounds how long Receive waits for a correlated message.
	// Zero waits only for messages already queued.
	ReceiveTimeout time.Duration

	CompressInbound  bool // inflate received bodies
	CompressOutbound bool // deflate sent bodies

	// Charset is the text encoding used on the wire. Empty means UTF-8.
	Charset string

	MinSize int // connections primed at start and kept through eviction
	MaxSize int // upper bound on available + in-use connections
}

// Endpoint returns the transport-facing part of the configuration.
func (c *PoolConfig) Endpoint() transport.Endpoint {
	return transport.Endpoint{
		Manager:  c.Manager,
		Hostname: c.Hostname,
		Channel:  c.Channel,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		AppName:  c.AppName,
	}
}

// String renders the configuration without credentials.
func (c *PoolConfig) String() string {
	return fmt.Sprintf("%s pool %s@%s:%d/%s send=%s receive=%s size=%d..%d",
		c.Kind, c.Manager, c.Hostname, c.Port, c.Channel,
		c.SendQueue, c.ReceiveQueue, c.MinSize, c.MaxSize)
}

// Validate checks if the configuration is valid and complete.
func (c *PoolConfig) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"manager", c.Manager},
		{"hostname", c.Hostname},
		{"channel", c.Channel},
		{"send_queue", c.SendQueue},
		{"receive_queue", c.ReceiveQueue},
	}
	for _, r := range required {
		if r.value == "" {
			return c.invalid("MISSING_FIELD", r.field, r.value, "%s is required", r.field)
		}
	}

	if c.Port < 1 || c.Port > 65535 {
		return c.invalid("INVALID_PORT", "port", c.Port, "port must be between 1 and 65535")
	}
	if c.MinSize < 0 {
		return c.invalid("INVALID_POOL_SIZE", "min_size", c.MinSize, "min_size must be non-negative")
	}
	if c.MaxSize < 1 {
		return c.invalid("INVALID_POOL_SIZE", "max_size", c.MaxSize, "max_size must be at least 1")
	}
	if c.MinSize > c.MaxSize {
		return c.invalid("INVALID_POOL_SIZE", "min_size", c.MinSize, "min_size must not exceed max_size %d", c.MaxSize)
	}
	if c.ReceiveTimeout < 0 {
		return c.invalid("INVALID_TIMEOUT", "receive_timeout", c.ReceiveTimeout, "receive timeout must be non-negative")
	}
	if _, err := codec.LookupCharset(c.Charset); err != nil {
		return err
	}

	return nil
}

func (c *PoolConfig) invalid(code, field string, value any, format string, args ...any) error {
	return oops.
		Code(code).
		In("pool").
		With("kind", c.Kind.String()).
		With("field", field).
		With("value", value).
		Errorf(format, args...)
}
