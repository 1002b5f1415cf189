package mqpool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-i2p/go-mqpool/pool"
	"github.com/pelletier/go-toml/v2"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration indicates missing or malformed configuration. It is only
// returned at startup.
var ErrConfiguration = errors.New("mqpool: invalid configuration")

// Default configuration values
const (
	DefaultEvictionPeriod       = 60 * time.Second
	DefaultOverMinimumThreshold = pool.DefaultEvictionThreshold
	DefaultRetries              = 3
	DefaultMinPoolSize          = 10
	DefaultMaxPoolSize          = 100
	DefaultAppName              = "mqpool"
)

// Config holds the configuration of all three pools and the behaviour
// shared between them.
type Config struct {
	Read  pool.PoolConfig
	Write pool.PoolConfig
	Bulk  pool.PoolConfig

	// EvictionPeriod is the interval between eviction cycles
	EvictionPeriod time.Duration

	// OverMinimumThreshold is the number of consecutive eviction cycles a
	// pool must spend above its minimum before it is shrunk
	OverMinimumThreshold int

	// Retries is the dispatch attempt budget
	Retries int

	// RetryBackoff is the base delay between dispatch attempts.
	// Actual delay uses exponential backoff: delay = RetryBackoff * (2^attempt)
	// Default: 0 (retry immediately)
	RetryBackoff time.Duration
}

// poolSection is the on-disk form of one pool's settings.
type poolSection struct {
	Manager          string `toml:"manager" yaml:"manager"`
	Hostname         string `toml:"hostname" yaml:"hostname"`
	Channel          string `toml:"channel" yaml:"channel"`
	Port             int    `toml:"port" yaml:"port"`
	Username         string `toml:"username" yaml:"username"`
	Password         string `toml:"password" yaml:"password"`
	AppName          string `toml:"app_name" yaml:"app_name"`
	SendQueue        string `toml:"send_queue" yaml:"send_queue"`
	ReceiveQueue     string `toml:"receive_queue" yaml:"receive_queue"`
	TimeoutSeconds   int    `toml:"timeout" yaml:"timeout"`
	CompressInbound  bool   `toml:"compress_inbound" yaml:"compress_inbound"`
	CompressOutbound bool   `toml:"compress_outbound" yaml:"compress_outbound"`
	Charset          string `toml:"charset" yaml:"charset"`
	MinPoolSize      int    `toml:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize      int    `toml:"max_pool_size" yaml:"max_pool_size"`
}

// fileConfig is the on-disk form of Config. Durations are plain integers so
// the same file reads identically as TOML or YAML.
type fileConfig struct {
	Read                 poolSection `toml:"read" yaml:"read"`
	Write                poolSection `toml:"write" yaml:"write"`
	Bulk                 poolSection `toml:"bulk" yaml:"bulk"`
	EvictionPeriodMillis int64       `toml:"eviction_period" yaml:"eviction_period"`
	OverMinimumThreshold int         `toml:"over_minimum_threshold" yaml:"over_minimum_threshold"`
	Retries              int         `toml:"retries" yaml:"retries"`
	RetryBackoffMillis   int64       `toml:"retry_backoff" yaml:"retry_backoff"`
}

func defaultSection() poolSection {
	return poolSection{
		AppName:     DefaultAppName,
		MinPoolSize: DefaultMinPoolSize,
		MaxPoolSize: DefaultMaxPoolSize,
	}
}

func defaultFileConfig() *fileConfig {
	return &fileConfig{
		Read:                 defaultSection(),
		Write:                defaultSection(),
		Bulk:                 defaultSection(),
		EvictionPeriodMillis: DefaultEvictionPeriod.Milliseconds(),
		OverMinimumThreshold: DefaultOverMinimumThreshold,
		Retries:              DefaultRetries,
	}
}

func (s poolSection) toPoolConfig(kind pool.Kind) pool.PoolConfig {
	return pool.PoolConfig{
		Kind:             kind,
		Manager:          s.Manager,
		Hostname:         s.Hostname,
		Channel:          s.Channel,
		Port:             s.Port,
		Username:         s.Username,
		Password:         s.Password,
		AppName:          s.AppName,
		SendQueue:        s.SendQueue,
		ReceiveQueue:     s.ReceiveQueue,
		ReceiveTimeout:   time.Duration(s.TimeoutSeconds) * time.Second,
		CompressInbound:  s.CompressInbound,
		CompressOutbound: s.CompressOutbound,
		Charset:          s.Charset,
		MinSize:          s.MinPoolSize,
		MaxSize:          s.MaxPoolSize,
	}
}

func (f *fileConfig) toConfig() *Config {
	return &Config{
		Read:                 f.Read.toPoolConfig(pool.Read),
		Write:                f.Write.toPoolConfig(pool.Write),
		Bulk:                 f.Bulk.toPoolConfig(pool.Bulk),
		EvictionPeriod:       time.Duration(f.EvictionPeriodMillis) * time.Millisecond,
		OverMinimumThreshold: f.OverMinimumThreshold,
		Retries:              f.Retries,
		RetryBackoff:         time.Duration(f.RetryBackoffMillis) * time.Millisecond,
	}
}

// NewConfig creates a Config with default sizing and timing. Connection
// settings for each pool must still be filled in.
func NewConfig() *Config {
	return defaultFileConfig().toConfig()
}

// LoadConfig reads configuration from a TOML (.toml) or YAML (.yaml, .yml)
// file, applies defaults for absent settings and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.
			Code("CONFIG_READ_FAILED").
			In("mqpool").
			With("path", path).
			Wrapf(fmt.Errorf("%w: %w", ErrConfiguration, err), "reading config file")
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return ParseConfig(data, format)
}

// ParseConfig decodes data in the given format ("toml", "yaml" or "yml"),
// applies defaults and validates the result.
func ParseConfig(data []byte, format string) (*Config, error) {
	fc := defaultFileConfig()

	var err error
	switch format {
	case "toml":
		err = toml.Unmarshal(data, fc)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, fc)
	default:
		return nil, oops.
			Code("UNSUPPORTED_CONFIG_FORMAT").
			In("mqpool").
			With("format", format).
			Wrapf(ErrConfiguration, "unsupported config format %q", format)
	}
	if err != nil {
		return nil, oops.
			Code("CONFIG_PARSE_FAILED").
			In("mqpool").
			With("format", format).
			Wrapf(fmt.Errorf("%w: %w", ErrConfiguration, err), "parsing config file")
	}

	cfg := fc.toConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Pool returns the configuration of the given kind.
func (c *Config) Pool(kind pool.Kind) *pool.PoolConfig {
	switch kind {
	case pool.Read:
		return &c.Read
	case pool.Write:
		return &c.Write
	case pool.Bulk:
		return &c.Bulk
	default:
		return nil
	}
}

// WithEvictionPeriod sets the interval between eviction cycles.
func (c *Config) WithEvictionPeriod(period time.Duration) *Config {
	c.EvictionPeriod = period
	return c
}

// WithOverMinimumThreshold sets the number of over-minimum cycles that
// trigger eviction.
func (c *Config) WithOverMinimumThreshold(n int) *Config {
	c.OverMinimumThreshold = n
	return c
}

// WithRetries sets the dispatch attempt budget.
func (c *Config) WithRetries(retries int) *Config {
	c.Retries = retries
	return c
}

// WithRetryBackoff sets the base delay between dispatch attempts.
func (c *Config) WithRetryBackoff(backoff time.Duration) *Config {
	c.RetryBackoff = backoff
	return c
}

// Validate checks if the configuration is valid and complete.
// Returns an error wrapping ErrConfiguration if validation fails.
func (c *Config) Validate() error {
	for _, kind := range pool.Kinds {
		pc := c.Pool(kind)
		if pc.Kind != kind {
			return c.invalid("POOL_KIND_MISMATCH", "kind", pc.Kind.String(), "%s section carries kind %s", kind, pc.Kind)
		}
		if err := pc.Validate(); err != nil {
			return oops.
				Code("INVALID_POOL_CONFIG").
				In("mqpool").
				With("kind", kind.String()).
				Wrapf(fmt.Errorf("%w: %w", ErrConfiguration, err), "invalid %s pool configuration", kind)
		}
	}

	if c.EvictionPeriod <= 0 {
		return c.invalid("INVALID_EVICTION_PERIOD", "eviction_period", c.EvictionPeriod, "eviction period must be positive")
	}
	if c.OverMinimumThreshold < 1 {
		return c.invalid("INVALID_THRESHOLD", "over_minimum_threshold", c.OverMinimumThreshold, "over minimum threshold must be at least 1")
	}
	if c.Retries < 1 {
		return c.invalid("INVALID_RETRY_COUNT", "retries", c.Retries, "retries must be at least 1")
	}
	if c.RetryBackoff < 0 {
		return c.invalid("INVALID_RETRY_BACKOFF", "retry_backoff", c.RetryBackoff, "retry backoff must be non-negative")
	}
	return nil
}

func (c *Config) invalid(code, field string, value any, format string, args ...any) error {
	return oops.
		Code(code).
		In("mqpool").
		With("field", field).
		With("value", value).
		Wrapf(ErrConfiguration, format, args...)
}
