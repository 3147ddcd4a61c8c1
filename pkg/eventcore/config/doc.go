/*
Package config loads eventcore settings from YAML or JSON.

# Documents

Config wraps a decoded document and extracts typed values with defaults.
Keys may be dotted paths into nested sections:

	cfg, err := config.FromFile("eventcore.yaml")
	attempts := cfg.Int("retry.max_attempts", 5)
	backoff := cfg.Sub("retry").Sub("backoff")
	initial := backoff.Duration("initial", 100*time.Millisecond)

Durations accept Go duration strings ("250ms", "30s"); bare numbers are
milliseconds. A missing key or a value of the wrong type yields the
default.

# Settings

Settings is the typed form consumed by the engine. LoadFile reads a file,
fills in defaults, applies the EVENTCORE_STORAGE_DRIVER and
EVENTCORE_STORAGE_PATH overrides and validates:

	settings, err := config.LoadFile("eventcore.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	eng, err := engine.New(settings)

Config values are read-only and safe for concurrent use.
*/
package config
