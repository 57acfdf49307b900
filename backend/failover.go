package backend

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/goliatone/go-entity-cache/cache"
)

// Failover routes cache operations to a primary Backend and switches to a
// fallback while a circuit breaker on the primary is open. It exists for the
// deployment case where the shared store becomes unreachable for an
// extended period: reads and writes degrade to the (typically in-memory)
// fallback instead of paying a connection timeout per request.
//
// Entries written to the fallback while the breaker is open simply age out
// after the primary recovers; the two stores are never reconciled.
type Failover struct {
	primary  cache.Backend
	fallback cache.Backend
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// FailoverConfig tunes the circuit breaker.
type FailoverConfig struct {
	// ConsecutiveFailures opens the breaker once this many primary
	// operations fail in a row. Default 5.
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`

	// OpenTimeout is how long the breaker stays open before probing the
	// primary again. Default 30s.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// NewFailover composes primary and fallback behind a circuit breaker.
func NewFailover(primary, fallback cache.Backend, cfg FailoverConfig, logger *zap.Logger) *Failover {
	if logger == nil {
		logger = zap.NewNop()
	}
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	f := &Failover{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cache-backend",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("cache backend breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return f
}

// Get reads from the primary, or from the fallback while the breaker is
// open. A cache.ErrNotFound from the primary is a normal outcome and never
// counts as a breaker failure.
func (f *Failover) Get(ctx context.Context, key string) ([]byte, error) {
	notFound := false
	res, err := f.breaker.Execute(func() (any, error) {
		data, gerr := f.primary.Get(ctx, key)
		if errors.Is(gerr, cache.ErrNotFound) {
			notFound = true
			return nil, nil
		}
		return data, gerr
	})
	if err != nil {
		if f.breakerOpen(err) {
			return f.fallback.Get(ctx, key)
		}
		return nil, err
	}
	if notFound {
		return nil, cache.ErrNotFound
	}
	return res.([]byte), nil
}

// Set writes to the primary, or to the fallback while the breaker is open.
func (f *Failover) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := f.breaker.Execute(func() (any, error) {
		return nil, f.primary.Set(ctx, key, value, ttl)
	})
	if f.breakerOpen(err) {
		return f.fallback.Set(ctx, key, value, ttl)
	}
	return err
}

// Delete removes key from both stores so a failover window cannot resurrect
// an invalidated entry.
func (f *Failover) Delete(ctx context.Context, key string) error {
	fberr := f.fallback.Delete(ctx, key)
	_, err := f.breaker.Execute(func() (any, error) {
		return nil, f.primary.Delete(ctx, key)
	})
	if f.breakerOpen(err) {
		return fberr
	}
	return err
}

// ScanKeys enumerates keys on the active store. Returns
// cache.ErrScanUnsupported when that store cannot scan.
func (f *Failover) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	scanner, ok := f.primary.(cache.PatternScanner)
	if !ok {
		return nil, cache.ErrScanUnsupported
	}
	res, err := f.breaker.Execute(func() (any, error) {
		return scanner.ScanKeys(ctx, pattern)
	})
	if err != nil {
		if f.breakerOpen(err) {
			if scanner, ok := f.fallback.(cache.PatternScanner); ok {
				return scanner.ScanKeys(ctx, pattern)
			}
			return nil, cache.ErrScanUnsupported
		}
		return nil, err
	}
	keys, _ := res.([]string)
	return keys, nil
}

// breakerOpen reports whether err means the breaker rejected the call
// without reaching the primary.
func (f *Failover) breakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

var (
	_ cache.Backend        = (*Failover)(nil)
	_ cache.PatternScanner = (*Failover)(nil)
)
