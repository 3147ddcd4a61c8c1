package retry

import (
	"errors"
	"fmt"
	"time"
)

// Config configures the retry service.
type Config struct {
	// MaxAttempts is the total number of deliveries (including the first)
	// before a pair is dead-lettered.
	// Default: 5
	MaxAttempts int

	// Backoff computes the wait between attempts.
	Backoff Backoff

	// SweepInterval is how often due records are checked.
	// Default: 250ms
	SweepInterval time.Duration

	// BatchSize limits records handled per sweep.
	// Default: 100
	BatchSize int

	// RatePerSecond throttles re-dispatches across all records.
	// Default: 0 (unlimited)
	RatePerSecond float64

	// DeadLetterPermanent sends failures categorized as permanent straight
	// to the dead-letter store instead of retrying them.
	// Default: true
	DeadLetterPermanent bool

	// PoisonThreshold dead-letters a failure on sight once the same payload
	// has failed in this many distinct events.
	// Default: 0 (disabled)
	PoisonThreshold int

	// PoisonWindow bounds how long failures of one payload are counted
	// together.
	// Default: 1h
	PoisonWindow time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         5,
		Backoff:             DefaultBackoff,
		SweepInterval:       250 * time.Millisecond,
		BatchSize:           100,
		DeadLetterPermanent: true,
		PoisonWindow:        DefaultPoisonWindow,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize))
	}
	if c.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("rate per second must not be negative, got %v", c.RatePerSecond))
	}
	if c.PoisonThreshold < 0 {
		errs = append(errs, fmt.Errorf("poison threshold must not be negative, got %d", c.PoisonThreshold))
	}
	if c.PoisonWindow < 0 {
		errs = append(errs, fmt.Errorf("poison window must not be negative, got %s", c.PoisonWindow))
	}
	if err := c.Backoff.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
