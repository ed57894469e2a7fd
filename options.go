package pgq

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattbonnell/pgq/internal/metrics"
)

const (
	defaultPrefetch             = 10
	defaultConsumerTimeout      = time.Second
	defaultGCInterval           = 5 * time.Minute
	defaultResultTTL            = 24 * time.Hour
	defaultMaxRetries           = 3
	defaultRetryInitialInterval = 100 * time.Millisecond
	defaultJoinInterval         = 100 * time.Millisecond
	defaultChannelExpiry        = 60 * time.Second
	defaultGroupExpiry          = 86400 * time.Second
	defaultChannelCapacity      = 100
	defaultChannelPollInterval  = time.Second
	defaultMaxMessageSize       = 1 << 20
	defaultSweepInterval        = time.Minute
	defaultMinReconnect         = 100 * time.Millisecond
	defaultMaxReconnect         = 10 * time.Second
	defaultConcurrency          = 8
)

// Config holds the tunables shared by every component a Client creates.
type Config struct {
	// Prefetch bounds the number of messages a consumer holds at once.
	Prefetch int
	// ConsumerTimeout bounds how long Consumer.Next waits before returning
	// control to the caller.
	ConsumerTimeout time.Duration
	GCInterval      time.Duration
	// ResultTTL is how long DONE and REJECTED rows are kept.
	ResultTTL time.Duration
	// DeadLetter moves rejected messages to the dead-letter queue.
	DeadLetter bool

	MaxRetries           uint64
	RetryInitialInterval time.Duration
	JoinInterval         time.Duration

	ChannelExpiry       time.Duration
	GroupExpiry         time.Duration
	ChannelCapacity     int
	ChannelPollInterval time.Duration
	MaxMessageSize      int
	SweepInterval       time.Duration

	ListenerMinReconnect time.Duration
	ListenerMaxReconnect time.Duration

	Concurrency int
	Migrate     bool
	Metrics     metrics.Service
}

type Option func(*Config) error

func defaultConfig() Config {
	return Config{
		Prefetch:             defaultPrefetch,
		ConsumerTimeout:      defaultConsumerTimeout,
		GCInterval:           defaultGCInterval,
		ResultTTL:            defaultResultTTL,
		DeadLetter:           true,
		MaxRetries:           defaultMaxRetries,
		RetryInitialInterval: defaultRetryInitialInterval,
		JoinInterval:         defaultJoinInterval,
		ChannelExpiry:        defaultChannelExpiry,
		GroupExpiry:          defaultGroupExpiry,
		ChannelCapacity:      defaultChannelCapacity,
		ChannelPollInterval:  defaultChannelPollInterval,
		MaxMessageSize:       defaultMaxMessageSize,
		SweepInterval:        defaultSweepInterval,
		ListenerMinReconnect: defaultMinReconnect,
		ListenerMaxReconnect: defaultMaxReconnect,
		Concurrency:          defaultConcurrency,
		Migrate:              true,
		Metrics:              metrics.NewNoop(),
	}
}

func newConfig(opts ...Option) (Config, error) {
	cfg := defaultConfig()
	var errs []error
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid options: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func positive(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return nil
}

func WithPrefetch(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("prefetch must be at least 1, got %d", n)
		}
		c.Prefetch = n
		return nil
	}
}

func WithConsumerTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if err := positive("consumer timeout", d); err != nil {
			return err
		}
		c.ConsumerTimeout = d
		return nil
	}
}

func WithGCInterval(d time.Duration) Option {
	return func(c *Config) error {
		if err := positive("gc interval", d); err != nil {
			return err
		}
		c.GCInterval = d
		return nil
	}
}

func WithResultTTL(d time.Duration) Option {
	return func(c *Config) error {
		if err := positive("result ttl", d); err != nil {
			return err
		}
		c.ResultTTL = d
		return nil
	}
}

func WithDeadLetter(enabled bool) Option {
	return func(c *Config) error {
		c.DeadLetter = enabled
		return nil
	}
}

// WithEnqueueRetries configures retries of transient failures when writing
// rows. initial is the first backoff interval.
func WithEnqueueRetries(max uint64, initial time.Duration) Option {
	return func(c *Config) error {
		if err := positive("retry interval", initial); err != nil {
			return err
		}
		c.MaxRetries = max
		c.RetryInitialInterval = initial
		return nil
	}
}

func WithJoinInterval(d time.Duration) Option {
	return func(c *Config) error {
		if err := positive("join interval", d); err != nil {
			return err
		}
		c.JoinInterval = d
		return nil
	}
}

func WithChannelExpiry(d time.Duration) Option {
	return func(c *Config) error {
		if err := positive("channel expiry", d); err != nil {
			return err
		}
		c.ChannelExpiry = d
		return nil
	}
}

func WithGroupExpiry(d time.Duration) Option {
	return func(c *Config) error {
		if err := positive("group expiry", d); err != nil {
			return err
		}
		c.GroupExpiry = d
		return nil
	}
}

func WithChannelCapacity(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("channel capacity must be at least 1, got %d", n)
		}
		c.ChannelCapacity = n
		return nil
	}
}

func WithChannelPollInterval(d time.Duration) Option {
	return func(c *Config) error {
		if err := positive("channel poll interval", d); err != nil {
			return err
		}
		c.ChannelPollInterval = d
		return nil
	}
}

func WithMaxMessageSize(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("max message size must be at least 1, got %d", n)
		}
		c.MaxMessageSize = n
		return nil
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(c *Config) error {
		if err := positive("sweep interval", d); err != nil {
			return err
		}
		c.SweepInterval = d
		return nil
	}
}

func WithListenerReconnect(min, max time.Duration) Option {
	return func(c *Config) error {
		if err := positive("listener min reconnect", min); err != nil {
			return err
		}
		if max < min {
			return fmt.Errorf("listener max reconnect %s is below min %s", max, min)
		}
		c.ListenerMinReconnect = min
		c.ListenerMaxReconnect = max
		return nil
	}
}

// WithConcurrency bounds how many handlers a Worker runs at once.
func WithConcurrency(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("concurrency must be at least 1, got %d", n)
		}
		c.Concurrency = n
		return nil
	}
}

// WithMigrations controls whether NewClient applies schema migrations.
func WithMigrations(enabled bool) Option {
	return func(c *Config) error {
		c.Migrate = enabled
		return nil
	}
}

func WithMetrics(m metrics.Service) Option {
	return func(c *Config) error {
		if m == nil {
			return errors.New("metrics service must not be nil")
		}
		c.Metrics = m
		return nil
	}
}
