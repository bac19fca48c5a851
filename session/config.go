package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/john-rice/tdesktop/logger"
)

// Config represents the tunable parameters of a session Controller.
type Config struct {
	mu sync.RWMutex

	// receivedIDsCapacity bounds the inbound dedup registry.
	// Defaults to DefaultReceivedIDsCapacity.
	receivedIDsCapacity int

	// sendCoalesceDelay is how long a send cycle may wait to coalesce a
	// burst of submissions when the caller gives no wait hint.
	// Defaults to 50 milliseconds.
	sendCoalesceDelay time.Duration

	// ackSendDelay is how long pending acknowledgments may wait before a
	// send cycle must flush them.
	// Defaults to 10 seconds.
	ackSendDelay time.Duration

	// checkInterval is the period of the timeout-checking timer that scans
	// in-flight requests for elapsed wait hints.
	// Defaults to 1 second.
	checkInterval time.Duration

	// requestTimeout is the minimum time an in-flight request may await its
	// acknowledgment before the timeout scan re-sends it. A request's own
	// wait hint extends but never shortens this.
	// Defaults to 10 seconds.
	requestTimeout time.Duration

	// pingInterval is the period of the keepalive ping timer.
	// Defaults to 30 seconds.
	pingInterval time.Duration

	// maxResendAttempts is how many times a request is re-sent on timeout
	// before the session restarts its connection instead.
	// Defaults to 3.
	maxResendAttempts int

	// keyLock, when set, is the endpoint-wide lock shared by all sessions
	// toward the same endpoint, guarding auth key replacement. When nil the
	// controller creates its own.
	keyLock *sync.RWMutex

	// logger provides a logger instance for session events and errors.
	logger logger.Logger
}

// Option customizes a Config.
type Option func(cfg *Config) error

// NewConfig creates a session configuration with default values, then applies
// the provided options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		receivedIDsCapacity: DefaultReceivedIDsCapacity,
		sendCoalesceDelay:   50 * time.Millisecond,
		ackSendDelay:        10 * time.Second,
		checkInterval:       time.Second,
		requestTimeout:      10 * time.Second,
		pingInterval:        30 * time.Second,
		maxResendAttempts:   3,
		logger:              logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// WithReceivedIDsCapacity sets the dedup registry bound.
func WithReceivedIDsCapacity(capacity int) Option {
	return func(cfg *Config) error {
		if capacity <= 0 {
			return fmt.Errorf("received ids capacity should be positive, got %d", capacity)
		}
		cfg.receivedIDsCapacity = capacity
		return nil
	}
}

// WithSendCoalesceDelay sets the default send-coalescing delay.
func WithSendCoalesceDelay(d time.Duration) Option {
	return func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("send coalesce delay should be positive, got %v", d)
		}
		cfg.sendCoalesceDelay = d
		return nil
	}
}

// WithAckSendDelay sets the maximum wait before pending acks are flushed.
func WithAckSendDelay(d time.Duration) Option {
	return func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("ack send delay should be positive, got %v", d)
		}
		cfg.ackSendDelay = d
		return nil
	}
}

// WithCheckInterval sets the period of the timeout-checking timer.
func WithCheckInterval(d time.Duration) Option {
	return func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("check interval should be positive, got %v", d)
		}
		cfg.checkInterval = d
		return nil
	}
}

// WithRequestTimeout sets the minimum in-flight request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("request timeout should be positive, got %v", d)
		}
		cfg.requestTimeout = d
		return nil
	}
}

// WithPingInterval sets the keepalive ping period.
func WithPingInterval(d time.Duration) Option {
	return func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("ping interval should be positive, got %v", d)
		}
		cfg.pingInterval = d
		return nil
	}
}

// WithMaxResendAttempts sets how many timeout-driven re-sends are attempted
// before restarting the connection.
func WithMaxResendAttempts(n int) Option {
	return func(cfg *Config) error {
		if n <= 0 {
			return fmt.Errorf("max resend attempts should be positive, got %d", n)
		}
		cfg.maxResendAttempts = n
		return nil
	}
}

// WithKeyLock shares the endpoint-wide key lock between sessions.
func WithKeyLock(lock *sync.RWMutex) Option {
	return func(cfg *Config) error {
		cfg.keyLock = lock
		return nil
	}
}

// WithLogger sets the logger used by the session.
func WithLogger(l logger.Logger) Option {
	return func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("logger should not be nil")
		}
		cfg.logger = l
		return nil
	}
}

// ReceivedIDsCapacity returns the dedup registry bound.
func (cfg *Config) ReceivedIDsCapacity() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.receivedIDsCapacity
}

// SendCoalesceDelay returns the default send-coalescing delay.
func (cfg *Config) SendCoalesceDelay() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.sendCoalesceDelay
}

// AckSendDelay returns the maximum wait before pending acks are flushed.
func (cfg *Config) AckSendDelay() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.ackSendDelay
}

// CheckInterval returns the period of the timeout-checking timer.
func (cfg *Config) CheckInterval() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.checkInterval
}

// RequestTimeout returns the minimum in-flight request timeout.
func (cfg *Config) RequestTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.requestTimeout
}

// PingInterval returns the keepalive ping period.
func (cfg *Config) PingInterval() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.pingInterval
}

// MaxResendAttempts returns the resend budget before a restart.
func (cfg *Config) MaxResendAttempts() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxResendAttempts
}

// Logger returns the configured logger.
func (cfg *Config) Logger() logger.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.logger
}

// fileConfig is the TOML representation of the session tunables. Durations
// are strings in time.ParseDuration syntax.
type fileConfig struct {
	ReceivedIDsCapacity int    `toml:"received_ids_capacity"`
	SendCoalesceDelay   string `toml:"send_coalesce_delay"`
	AckSendDelay        string `toml:"ack_send_delay"`
	CheckInterval       string `toml:"check_interval"`
	RequestTimeout      string `toml:"request_timeout"`
	PingInterval        string `toml:"ping_interval"`
	MaxResendAttempts   int    `toml:"max_resend_attempts"`
}

// LoadConfig reads session tunables from a TOML file. Omitted fields keep
// their defaults; extra options are applied after the file.
func LoadConfig(path string, opts ...Option) (*Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("decode config file %s: %w", path, err)
	}

	fileOpts := make([]Option, 0, 8)
	if fc.ReceivedIDsCapacity != 0 {
		fileOpts = append(fileOpts, WithReceivedIDsCapacity(fc.ReceivedIDsCapacity))
	}
	if fc.MaxResendAttempts != 0 {
		fileOpts = append(fileOpts, WithMaxResendAttempts(fc.MaxResendAttempts))
	}

	durationOpts := []struct {
		value string
		opt   func(time.Duration) Option
	}{
		{fc.SendCoalesceDelay, WithSendCoalesceDelay},
		{fc.AckSendDelay, WithAckSendDelay},
		{fc.CheckInterval, WithCheckInterval},
		{fc.RequestTimeout, WithRequestTimeout},
		{fc.PingInterval, WithPingInterval},
	}
	for _, d := range durationOpts {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("parse duration %q in %s: %w", d.value, path, err)
		}
		fileOpts = append(fileOpts, d.opt(parsed))
	}

	return NewConfig(append(fileOpts, opts...)...)
}
