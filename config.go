package envelopefs

import (
	"errors"

	"go.uber.org/zap"
)

// Config contains optional settings shared by all envelope adapters
type Config struct {
	// Logger receives lifecycle and verification events. Key material is
	// never logged. Defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics records opens, bytes and cipher rebuilds. Optional.
	Metrics *Metrics

	// SkipThreshold is the forward distance in bytes a cipher cursor
	// discards keystream for before rebuilding the cipher instead
	SkipThreshold int64

	// Name labels the envelope in errors and logs
	Name string

	// Parallel controls parallel processing of large reads and writes
	Parallel ParallelConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Logger:        zap.NewNop(),
		SkipThreshold: DefaultSkipThreshold,
		Parallel:      DefaultParallelConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if c.SkipThreshold < 0 {
		return &ValidationError{
			Field:   "skip_threshold",
			Value:   c.SkipThreshold,
			Message: "skip threshold cannot be negative",
		}
	}
	if c.SkipThreshold > 1<<20 {
		return &ValidationError{
			Field:   "skip_threshold",
			Value:   c.SkipThreshold,
			Message: "skip threshold must not exceed 1 MiB",
		}
	}
	if err := c.Parallel.Validate(); err != nil {
		return err
	}
	return nil
}

// resolveConfig returns a validated copy of c with defaults filled in.
// A nil config yields DefaultConfig().
func resolveConfig(c *Config) (*Config, error) {
	if c == nil {
		return DefaultConfig(), nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	out := *c
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return &out, nil
}
