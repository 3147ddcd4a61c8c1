package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/publisher"
	"github.com/randalmurphal/eventcore/pkg/eventcore/retry"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Environment variables that override file settings.
const (
	EnvStorageDriver = "EVENTCORE_STORAGE_DRIVER"
	EnvStoragePath   = "EVENTCORE_STORAGE_PATH"
)

// StorageSettings selects where retry records and dead letters live.
type StorageSettings struct {
	// Driver is DriverMemory or DriverSQLite.
	Driver string

	// Path is the SQLite database file, shared by both stores.
	Path string

	// DeadLetterMaxSize bounds the in-memory dead-letter store. 0 is unbounded.
	DeadLetterMaxSize int
}

// BusSettings configures handler invocation.
type BusSettings struct {
	// HandlerTimeout bounds each handler invocation. 0 disables it.
	HandlerTimeout time.Duration
}

// Settings is the typed configuration of an engine.
type Settings struct {
	Retry     retry.Config
	Publisher publisher.Config
	Storage   StorageSettings
	Bus       BusSettings
}

// Default returns settings for an in-memory engine.
func Default() Settings {
	return Settings{
		Retry:     retry.DefaultConfig(),
		Publisher: publisher.DefaultConfig(),
		Storage: StorageSettings{
			Driver: DriverMemory,
			Path:   "eventcore.db",
		},
	}
}

// FromConfig reads settings from a document, falling back to Default for
// anything missing:
//
//	retry:
//	  max_attempts: 5
//	  backoff: {initial: 100ms, max: 30s, factor: 2}
//	  sweep_interval: 250ms
//	  batch_size: 100
//	  rate_per_second: 0
//	  dead_letter_permanent: true
//	  poison_threshold: 0
//	  poison_window: 1h
//	publisher: {workers: 4, queue_size: 256, parallelism: 8}
//	storage: {driver: sqlite, path: ./data/eventcore.db}
//	bus: {handler_timeout: 5s}
func FromConfig(c Config) Settings {
	s := Default()

	r := c.Sub("retry")
	s.Retry.MaxAttempts = r.Int("max_attempts", s.Retry.MaxAttempts)
	s.Retry.SweepInterval = r.Duration("sweep_interval", s.Retry.SweepInterval)
	s.Retry.BatchSize = r.Int("batch_size", s.Retry.BatchSize)
	s.Retry.RatePerSecond = r.Float("rate_per_second", s.Retry.RatePerSecond)
	s.Retry.DeadLetterPermanent = r.Bool("dead_letter_permanent", s.Retry.DeadLetterPermanent)
	s.Retry.PoisonThreshold = r.Int("poison_threshold", s.Retry.PoisonThreshold)
	s.Retry.PoisonWindow = r.Duration("poison_window", s.Retry.PoisonWindow)

	b := r.Sub("backoff")
	s.Retry.Backoff.Initial = b.Duration("initial", s.Retry.Backoff.Initial)
	s.Retry.Backoff.Max = b.Duration("max", s.Retry.Backoff.Max)
	s.Retry.Backoff.Factor = b.Float("factor", s.Retry.Backoff.Factor)

	p := c.Sub("publisher")
	s.Publisher.Workers = p.Int("workers", s.Publisher.Workers)
	s.Publisher.QueueSize = p.Int("queue_size", s.Publisher.QueueSize)
	s.Publisher.Parallelism = p.Int("parallelism", s.Publisher.Parallelism)

	st := c.Sub("storage")
	s.Storage.Driver = strings.ToLower(st.String("driver", s.Storage.Driver))
	s.Storage.Path = st.String("path", s.Storage.Path)
	s.Storage.DeadLetterMaxSize = st.Int("dead_letter_max_size", s.Storage.DeadLetterMaxSize)

	s.Bus.HandlerTimeout = c.Duration("bus.handler_timeout", s.Bus.HandlerTimeout)
	return s
}

// ApplyEnv overrides storage settings from the environment. lookup is
// usually os.LookupEnv.
func (s Settings) ApplyEnv(lookup func(string) (string, bool)) Settings {
	if v, ok := lookup(EnvStorageDriver); ok && v != "" {
		s.Storage.Driver = strings.ToLower(v)
	}
	if v, ok := lookup(EnvStoragePath); ok && v != "" {
		s.Storage.Path = v
	}
	return s
}

// Validate reports every configuration error at once.
func (s Settings) Validate() error {
	var errs []error
	if err := s.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if s.Publisher.Workers < 0 || s.Publisher.QueueSize < 0 || s.Publisher.Parallelism < 0 {
		errs = append(errs, errors.New("publisher: workers, queue size and parallelism must not be negative"))
	}
	switch s.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(s.Storage.Path) == "" {
			errs = append(errs, errors.New("storage: sqlite driver requires a path"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", s.Storage.Driver))
	}
	if s.Storage.DeadLetterMaxSize < 0 {
		errs = append(errs, errors.New("storage: dead-letter max size must not be negative"))
	}
	if s.Bus.HandlerTimeout < 0 {
		errs = append(errs, errors.New("bus: handler timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// LoadFile reads settings from a YAML or JSON file, applies environment
// overrides and validates the result.
func LoadFile(path string) (Settings, error) {
	c, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	s := FromConfig(c).ApplyEnv(os.LookupEnv)
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return s, nil
}
