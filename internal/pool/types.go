package pool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxConnectionLimit is the maximum allowed connections in a single pool.
const MaxConnectionLimit = 100

var (
	// ErrTimeout is returned when no connection became available within the
	// acquire window.
	ErrTimeout = errors.New("pool: acquire timed out")

	// ErrClosed is returned by Acquire on a closed pool.
	ErrClosed = errors.New("pool: closed")
)

// Factory creates, pings and destroys the connections held by a pool.
type Factory[C any] interface {
	Dial(ctx context.Context) (C, error)
	Ping(ctx context.Context, conn C) error
	Close(conn C) error
}

// State is the lifecycle state of a pooled connection.
type State int

const (
	StateIdle State = iota
	StateInUse
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Config for a Pool.
type Config struct {
	// Name identifies the pool in logs and stats, normally the backend id.
	Name string `yaml:"-"`

	MaxConnections      int           `yaml:"max_connections" default:"10"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout" default:"5s"`
	MaxIdleTime         time.Duration `yaml:"idle_timeout" default:"5m"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" default:"30s"`
	FreshnessThreshold  time.Duration `yaml:"freshness_threshold" default:"1m"`
	PingTimeout         time.Duration `yaml:"ping_timeout" default:"5s"`

	MaxRetries     int           `yaml:"max_retries" default:"2"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"100ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"2s"`
	BackoffFactor  float64       `yaml:"backoff_factor" default:"2.0"`

	// IsBroken reports whether an error returned while using a connection
	// means the connection must not be reused. Used by With.
	IsBroken func(error) bool `yaml:"-"`
}

// DefaultConfig returns a configuration with the default values.
func DefaultConfig() Config {
	return Config{
		MaxConnections:      10,
		AcquireTimeout:      5 * time.Second,
		MaxIdleTime:         5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		FreshnessThreshold:  time.Minute,
		PingTimeout:         5 * time.Second,
		MaxRetries:          2,
		InitialBackoff:      100 * time.Millisecond,
		MaxBackoff:          2 * time.Second,
		BackoffFactor:       2.0,
	}
}

// Validate checks the pool limits.
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if c.MaxConnections > MaxConnectionLimit {
		return fmt.Errorf("max_connections too high (max %d)", MaxConnectionLimit)
	}
	if c.AcquireTimeout <= 0 {
		return errors.New("acquire_timeout must be positive")
	}
	if c.MaxIdleTime <= 0 {
		return errors.New("idle_timeout must be positive")
	}
	if c.HealthCheckInterval < 0 {
		return errors.New("health_check_interval cannot be negative")
	}
	if c.FreshnessThreshold < 0 {
		return errors.New("freshness_threshold cannot be negative")
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries cannot be negative")
	}
	if c.MaxRetries > 0 && c.BackoffFactor < 1.0 {
		return errors.New("backoff_factor must be at least 1.0")
	}
	return nil
}

// Stats holds pool counters.
type Stats struct {
	Name      string        `json:"name"`
	Max       int           `json:"max"`
	InUse     int64         `json:"in_use"`
	Idle      int           `json:"idle"`
	Created   int64         `json:"created"`
	Discarded int64         `json:"discarded"`
	Errors    int64         `json:"errors"`
	Waits     int64         `json:"waits"`
	Timeouts  int64         `json:"timeouts"`
	Uptime    time.Duration `json:"uptime"`
}
