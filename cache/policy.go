package cache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/puzpuzpuz/xsync/v3"
)

// Policy describes how entries of one entity type are cached. A Policy is
// immutable once resolved; per-call overrides produce a new resolved
// instance rather than mutating a registered one.
type Policy struct {
	// EntityType tags the data this policy governs, e.g. "post" or "user".
	EntityType string

	// TTL is how long entries live after being stored.
	TTL time.Duration

	// StampedeProtected routes reads through the stampede guard:
	// single-flight misses plus probabilistic early refresh.
	StampedeProtected bool

	// EarlyRefreshWindow is the span before expiry during which reads may
	// trigger a background refresh. Zero disables early refresh.
	EarlyRefreshWindow time.Duration

	// RefreshProbability is the flat per-access chance, in [0,1], of
	// triggering a background refresh while inside the window. It is not
	// scaled by proximity to expiry; a fixed chance keeps refresh behavior
	// deterministic enough to test.
	RefreshProbability float64
}

// DefaultPolicy is applied to entity types without a registered policy:
// short TTL, no stampede protection.
func DefaultPolicy(entityType string) Policy {
	return Policy{
		EntityType: entityType,
		TTL:        60 * time.Second,
	}
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.EntityType, validation.Required),
		validation.Field(&p.TTL, validation.By(positiveDuration)),
		validation.Field(&p.EarlyRefreshWindow, validation.By(nonNegativeDuration)),
		validation.Field(&p.RefreshProbability, validation.Min(0.0), validation.Max(1.0)),
	)
	if err != nil {
		return err
	}
	if p.EarlyRefreshWindow >= p.TTL && p.EarlyRefreshWindow > 0 {
		return errors.New("EarlyRefreshWindow: must be shorter than TTL")
	}
	return nil
}

func positiveDuration(value any) error {
	d, _ := value.(time.Duration)
	if d <= 0 {
		return errors.New("must be a positive duration")
	}
	return nil
}

func nonNegativeDuration(value any) error {
	d, _ := value.(time.Duration)
	if d < 0 {
		return errors.New("must be a non-negative duration")
	}
	return nil
}

// Option overrides one field of the resolved policy for a single call.
type Option func(*overrides)

// overrides holds per-call policy overrides. Unset fields fall through to
// the registered (or default) policy.
type overrides struct {
	ttl                *time.Duration
	stampedeProtected  *bool
	earlyRefreshWindow *time.Duration
	refreshProbability *float64
}

// WithTTL overrides the entry TTL for this call.
func WithTTL(ttl time.Duration) Option {
	return func(o *overrides) { o.ttl = &ttl }
}

// WithStampedeProtection toggles single-flight coordination and early
// refresh for this call.
func WithStampedeProtection(enabled bool) Option {
	return func(o *overrides) { o.stampedeProtected = &enabled }
}

// WithEarlyRefreshWindow overrides the early refresh window for this call.
func WithEarlyRefreshWindow(window time.Duration) Option {
	return func(o *overrides) { o.earlyRefreshWindow = &window }
}

// WithRefreshProbability overrides the per-access refresh chance for this
// call.
func WithRefreshProbability(p float64) Option {
	return func(o *overrides) { o.refreshProbability = &p }
}

// signature renders the override set deterministically so resolved policies
// can be memoized per (entityType, override-set) pair.
func (o overrides) signature() string {
	if o.ttl == nil && o.stampedeProtected == nil && o.earlyRefreshWindow == nil && o.refreshProbability == nil {
		return ""
	}
	var b strings.Builder
	if o.ttl != nil {
		fmt.Fprintf(&b, "ttl=%d;", *o.ttl)
	}
	if o.stampedeProtected != nil {
		fmt.Fprintf(&b, "sp=%t;", *o.stampedeProtected)
	}
	if o.earlyRefreshWindow != nil {
		fmt.Fprintf(&b, "win=%d;", *o.earlyRefreshWindow)
	}
	if o.refreshProbability != nil {
		b.WriteString("p=" + strconv.FormatFloat(*o.refreshProbability, 'g', -1, 64) + ";")
	}
	return b.String()
}

func (o overrides) apply(p Policy) Policy {
	if o.ttl != nil {
		p.TTL = *o.ttl
	}
	if o.stampedeProtected != nil {
		p.StampedeProtected = *o.stampedeProtected
	}
	if o.earlyRefreshWindow != nil {
		p.EarlyRefreshWindow = *o.earlyRefreshWindow
	}
	if o.refreshProbability != nil {
		p.RefreshProbability = *o.refreshProbability
	}
	return p
}

// PolicyRegistry resolves the effective Policy for an entity type plus an
// optional per-call override set, memoizing each distinct combination so
// repeated calls return the same instance.
type PolicyRegistry struct {
	defaults *xsync.MapOf[string, Policy]
	resolved *xsync.MapOf[string, *Policy]
}

// NewPolicyRegistry creates an empty registry. Entity types without a
// registered policy resolve to DefaultPolicy.
func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{
		defaults: xsync.NewMapOf[string, Policy](),
		resolved: xsync.NewMapOf[string, *Policy](),
	}
}

// Register installs the default policy for p.EntityType. Registering after
// the first Resolve for that entity type only affects combinations not yet
// memoized, so policies should be registered at construction time.
func (r *PolicyRegistry) Register(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("cache: invalid policy for %q: %w", p.EntityType, err)
	}
	r.defaults.Store(Namespace(p.EntityType), p)
	return nil
}

// Resolve returns the effective policy for entityType with opts applied.
// Identical (entityType, override-set) pairs return the same *Policy.
func (r *PolicyRegistry) Resolve(entityType string, opts ...Option) *Policy {
	var o overrides
	for _, opt := range opts {
		opt(&o)
	}

	ns := Namespace(entityType)
	sig := ns + "\x00" + o.signature()
	p, _ := r.resolved.LoadOrCompute(sig, func() *Policy {
		base, ok := r.defaults.Load(ns)
		if !ok {
			base = DefaultPolicy(entityType)
		}
		merged := o.apply(base)
		merged.EntityType = entityType
		return &merged
	})
	return p
}
