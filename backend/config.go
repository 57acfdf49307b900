package backend

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/goliatone/go-entity-cache/cache"
)

// Backend kinds selectable through Config.
const (
	KindMemory   = "memory"
	KindRedis    = "redis"
	KindFailover = "failover"
)

// Config selects and configures a backend. It is shaped for loading from a
// viper-managed config file:
//
//	cache:
//	  kind: failover
//	  max_entries: 50000
//	  redis:
//	    address: localhost:6379
type Config struct {
	// Kind is one of memory, redis, or failover (redis primary, memory
	// fallback).
	Kind string `mapstructure:"kind"`

	// MaxEntries bounds the memory backend (used by kind memory and as the
	// failover fallback). Zero selects DefaultMaxEntries.
	MaxEntries int `mapstructure:"max_entries"`

	Redis    RedisConfig    `mapstructure:"redis"`
	Failover FailoverConfig `mapstructure:"failover"`
}

// DefaultConfig returns the zero-dependency default: a bounded in-memory
// backend.
func DefaultConfig() Config {
	return Config{Kind: KindMemory, MaxEntries: DefaultMaxEntries}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Kind, validation.Required, validation.In(KindMemory, KindRedis, KindFailover)),
		validation.Field(&c.MaxEntries, validation.Min(0)),
	)
}

// FromViper loads a Config from the given viper key, applying defaults for
// unset fields.
func FromViper(v *viper.Viper, key string) (Config, error) {
	cfg := DefaultConfig()
	if err := v.UnmarshalKey(key, &cfg); err != nil {
		return Config{}, fmt.Errorf("backend: loading config %q: %w", key, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// New builds the backend cfg describes.
func New(cfg Config, logger *zap.Logger) (cache.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case KindMemory:
		return NewMemory(cfg.MaxEntries)

	case KindRedis:
		return NewRedis(cfg.Redis)

	case KindFailover:
		primary, err := NewRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		fallback, err := NewMemory(cfg.MaxEntries)
		if err != nil {
			return nil, err
		}
		return NewFailover(primary, fallback, cfg.Failover, logger), nil

	default:
		return nil, fmt.Errorf("backend: unsupported kind %q", cfg.Kind)
	}
}
