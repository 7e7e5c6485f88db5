// Package ratelimit tracks the provider's per-scope API quota.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Default configuration values for quota tracking.
const (
	DefaultCriticalThreshold = 50              // Below this, callers must wait for reset
	DefaultLowThreshold      = 500             // Below this, callers are throttled
	DefaultMaxWait           = 5 * time.Minute // Hard cap for a single WaitIfNeeded
	DefaultLimit             = 5000            // Assumed quota before the first observation
	DefaultResetBuffer       = time.Second     // Slack added after the reported reset time
)

// Config holds quota tracking configuration.
type Config struct {
	// CriticalThreshold: remaining below this is critical. Default: 50
	CriticalThreshold int

	// LowThreshold: remaining below this is low. Default: 500
	LowThreshold int

	// MaxWait bounds how long WaitIfNeeded blocks. Default: 5m
	MaxWait time.Duration

	// DefaultLimit is reported for scopes without an observation. Default: 5000
	DefaultLimit int

	// ResetBuffer is added to the reset time when waiting. Default: 1s
	ResetBuffer time.Duration
}

// NewConfig creates a Config with default values.
func NewConfig() *Config {
	return &Config{
		CriticalThreshold: DefaultCriticalThreshold,
		LowThreshold:      DefaultLowThreshold,
		MaxWait:           DefaultMaxWait,
		DefaultLimit:      DefaultLimit,
		ResetBuffer:       DefaultResetBuffer,
	}
}

// Validate checks that thresholds are ordered and positive.
func (c *Config) Validate() error {
	if c.CriticalThreshold < 0 {
		return errors.New("critical threshold cannot be negative")
	}
	if c.LowThreshold < c.CriticalThreshold {
		return fmt.Errorf("low threshold (%d) cannot be below critical threshold (%d)", c.LowThreshold, c.CriticalThreshold)
	}
	if c.MaxWait <= 0 {
		return errors.New("max wait must be positive")
	}
	if c.DefaultLimit <= 0 {
		return errors.New("default limit must be positive")
	}
	if c.ResetBuffer < 0 {
		return errors.New("reset buffer cannot be negative")
	}
	return nil
}

// String returns a string representation of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf("RateLimitConfig{Critical: %d, Low: %d, MaxWait: %v, DefaultLimit: %d}",
		c.CriticalThreshold, c.LowThreshold, c.MaxWait, c.DefaultLimit)
}
