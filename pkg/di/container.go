// Package di wires the cache backend and manager together for applications
// that prefer a single composition point over hand assembly.
package di

import (
	"context"

	"go.uber.org/zap"

	"github.com/goliatone/go-entity-cache/backend"
	"github.com/goliatone/go-entity-cache/cache"
	"github.com/goliatone/go-entity-cache/servicecache"
)

// Config aggregates the backend selection and the manager configuration.
type Config struct {
	Backend backend.Config
	Cache   cache.Config
}

// DefaultConfig returns an in-memory backend with default manager settings.
func DefaultConfig() Config {
	return Config{
		Backend: backend.DefaultConfig(),
		Cache:   cache.DefaultConfig(),
	}
}

// Container holds the singleton cache components an application shares.
// Build one per process (or one per test) and inject it.
type Container struct {
	backend cache.Backend
	manager *cache.Manager
	logger  *zap.Logger
	config  Config
}

// NewContainer builds the backend described by cfg.Backend and a Manager on
// top of it. A nil logger selects zap.NewNop.
func NewContainer(cfg Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Cache.Logger == nil {
		cfg.Cache.Logger = logger
	}

	be, err := backend.New(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}
	manager, err := cache.New(be, cfg.Cache)
	if err != nil {
		return nil, err
	}

	return &Container{
		backend: be,
		manager: manager,
		logger:  logger,
		config:  cfg,
	}, nil
}

// NewContainerWithDefaults is the convenience constructor for typical use:
// in-memory backend, default manager settings, no logging.
func NewContainerWithDefaults() (*Container, error) {
	return NewContainer(DefaultConfig(), nil)
}

// Manager returns the shared cache manager.
func (c *Container) Manager() *cache.Manager {
	return c.manager
}

// Backend returns the underlying backend, for advanced use and shutdown
// hooks.
func (c *Container) Backend() cache.Backend {
	return c.backend
}

// Logger returns the logger the container was built with.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Config returns a copy of the configuration used by this container.
func (c *Container) Config() Config {
	return c.config
}

// Close releases backend resources when the backend holds any (e.g. a Redis
// connection pool).
func (c *Container) Close() error {
	if closer, ok := c.backend.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// NewBinding creates a servicecache.Binding on the container's manager.
// Since Go methods cannot have type parameters, this is a package-level
// function: NewBinding[string, User](container, "user", svc.ByID).
func NewBinding[A any, T any](c *Container, entityType string, fn func(ctx context.Context, arg A) (T, error), opts ...cache.Option) *servicecache.Binding[A, T] {
	return servicecache.Bind(c.manager, entityType, fn, opts...)
}
