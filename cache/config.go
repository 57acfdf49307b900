package cache

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
)

// Config exposes the Manager construction options.
type Config struct {
	// Policies are the per-entity default policies, registered at
	// construction. Entity types without one resolve to DefaultPolicy.
	Policies []Policy

	// InFlightMaxAge arms the stampede guard watchdog: an in-flight fetch
	// older than this is forcibly cleared so later callers start a fresh
	// one. Zero disables the watchdog.
	InFlightMaxAge time.Duration

	// KeyCodec canonicalizes identifiers. Default: NewDefaultKeyCodec.
	KeyCodec KeyCodec

	// Codec serializes values and entry envelopes. Default: msgpack.
	Codec Codec

	// Logger receives the swallowed-failure log lines. Default: no-op.
	Logger *zap.Logger

	// Clock and Rand exist so tests can pin time and refresh probability.
	// Defaults: time.Now and math/rand/v2.
	Clock func() time.Time
	Rand  func() float64
}

// DefaultConfig returns a Config suitable for most deployments: msgpack
// serialization, a 30 second in-flight watchdog, and no pre-registered
// policies.
func DefaultConfig() Config {
	return Config{
		InFlightMaxAge: 30 * time.Second,
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.InFlightMaxAge, validation.By(nonNegativeDuration)),
	); err != nil {
		return err
	}
	for _, p := range c.Policies {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
