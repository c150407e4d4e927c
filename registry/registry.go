// Package registry implements the concurrency-safe agent catalogue. It maps
// agent-type keys to either singleton instances (shared, read-only across
// runs) or factory closures producing one fresh instance per ExecutionContext,
// and tracks registration metrics plus per-key factory health.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentrelay/agentrelay/core"
	"github.com/agentrelay/agentrelay/logging"
)

var (
	// ErrNotFound is returned when no entry (or no factory, for
	// CreateInstance) is registered under the requested key.
	ErrNotFound = errors.New("agent not found")

	// ErrDuplicateKey is returned by Register/RegisterFactory when the key
	// already exists and replacement was not requested.
	ErrDuplicateKey = errors.New("key already registered")
)

// FactoryError wraps a failure (error return or panic) of a registered
// factory closure.
type FactoryError struct {
	Key string
	Err error
}

func (e *FactoryError) Error() string {
	return fmt.Sprintf("registry: factory for %q failed: %v", e.Key, e.Err)
}

func (e *FactoryError) Unwrap() error { return e.Err }

// Factory produces a new agent instance scoped to one ExecutionContext.
// Factories must be idempotent with respect to side effects outside the
// returned instance: calling one twice may only differ in the instances it
// returns.
type Factory func(ec *core.ExecutionContext) (core.Agent, error)

// DefaultUnhealthyThreshold is the number of consecutive factory failures
// after which ValidateHealth reports a key as unhealthy.
const DefaultUnhealthyThreshold = 3

type entry struct {
	instance    core.Agent
	factory     Factory
	tags        map[string]struct{}
	category    string
	description string

	// consecutive factory failures; reset on every successful creation
	failures int
}

// Options configures a Registry.
type Options struct {
	// UnhealthyThreshold sets the consecutive-failure count at which a
	// factory key is reported unhealthy. Defaults to DefaultUnhealthyThreshold.
	UnhealthyThreshold int

	// Logger receives registration and health diagnostics.
	Logger logging.Logger
}

// Registry is a thread-safe catalogue of named agents. The zero value is not
// usable; construct with New. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// successful registrations since construction (health metric); replaced
	// entries count once per successful call.
	registrations int

	unhealthyThreshold int
	logger             logging.Logger
}

// New constructs an empty Registry with optional overrides.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{
		UnhealthyThreshold: DefaultUnhealthyThreshold,
		Logger:             logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.UnhealthyThreshold < 1 {
		opts.UnhealthyThreshold = DefaultUnhealthyThreshold
	}

	return &Registry{
		entries:            make(map[string]*entry),
		unhealthyThreshold: opts.UnhealthyThreshold,
		logger:             opts.Logger,
	}
}

type registerOptions struct {
	tags        []string
	category    string
	description string
	replace     bool
}

// RegisterOption customizes a single Register/RegisterFactory call.
type RegisterOption func(*registerOptions)

// WithTags attaches tags used by ListByTag.
func WithTags(tags ...string) RegisterOption {
	return func(o *registerOptions) { o.tags = append(o.tags, tags...) }
}

// WithCategory sets a category label reported in Metrics.
func WithCategory(category string) RegisterOption {
	return func(o *registerOptions) { o.category = category }
}

// WithDescription sets a human-readable description for the entry.
func WithDescription(desc string) RegisterOption {
	return func(o *registerOptions) { o.description = desc }
}

// WithReplace allows the call to atomically replace an existing entry
// instead of failing with ErrDuplicateKey.
func WithReplace() RegisterOption {
	return func(o *registerOptions) { o.replace = true }
}

// Register installs a singleton agent under key. Singleton entries are
// read-shared by every run that resolves them and must therefore be
// side-effect-free across calls or internally synchronized.
func (r *Registry) Register(key string, agent core.Agent, opts ...RegisterOption) error {
	if agent == nil {
		return fmt.Errorf("registry: nil agent for key %q", key)
	}
	return r.install(key, &entry{instance: agent}, opts)
}

// RegisterFactory installs a per-context factory under key. Every
// CreateInstance call invokes the factory with the run's ExecutionContext and
// returns the fresh instance.
func (r *Registry) RegisterFactory(key string, factory Factory, opts ...RegisterOption) error {
	if factory == nil {
		return fmt.Errorf("registry: nil factory for key %q", key)
	}
	return r.install(key, &entry{factory: factory}, opts)
}

func (r *Registry) install(key string, e *entry, opts []RegisterOption) error {
	if key == "" {
		return fmt.Errorf("registry: empty key")
	}

	var ro registerOptions
	for _, fn := range opts {
		fn(&ro)
	}

	e.category = ro.category
	e.description = ro.description
	e.tags = make(map[string]struct{}, len(ro.tags))
	for _, tag := range ro.tags {
		e.tags[tag] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists && !ro.replace {
		return fmt.Errorf("registry: %q: %w", key, ErrDuplicateKey)
	}

	r.entries[key] = e
	r.registrations++

	r.logger.Debug("agent registered", "key", key, "category", e.category)

	return nil
}

// Get returns the singleton registered under key. It fails with ErrNotFound
// when the key is absent or holds a factory instead of a singleton.
func (r *Registry) Get(key string) (core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key]
	if !ok || e.instance == nil {
		return nil, fmt.Errorf("registry: %q: %w", key, ErrNotFound)
	}

	return e.instance, nil
}

// Has reports whether any entry (singleton or factory) exists under key.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// CreateInstance invokes the factory registered under key with the given
// ExecutionContext and returns the new instance. The returned agent is never
// shared with another context. Factory errors and panics are wrapped in
// *FactoryError and counted against the key's health.
func (r *Registry) CreateInstance(key string, ec *core.ExecutionContext) (core.Agent, error) {
	r.mu.RLock()
	e, ok := r.entries[key]
	var factory Factory
	if ok {
		factory = e.factory
	}
	r.mu.RUnlock()

	if !ok || factory == nil {
		return nil, fmt.Errorf("registry: no factory for %q: %w", key, ErrNotFound)
	}

	agent, err := invokeFactory(factory, ec)

	r.mu.Lock()
	// The entry may have been replaced while the factory ran; only adjust
	// health for the entry still installed under the key.
	if cur, still := r.entries[key]; still && cur == e {
		if err != nil {
			cur.failures++
		} else {
			cur.failures = 0
		}
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("agent factory failed", "key", key, "error", err.Error())
		return nil, &FactoryError{Key: key, Err: err}
	}

	return agent, nil
}

// invokeFactory isolates the factory call so a panicking factory surfaces as
// an error instead of tearing down the calling run.
func invokeFactory(factory Factory, ec *core.ExecutionContext) (agent core.Agent, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			agent, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()

	agent, err = factory(ec)
	if err == nil && agent == nil {
		err = errors.New("factory returned nil agent")
	}
	return agent, err
}

// ListByTag returns the sorted keys of all entries carrying tag.
func (r *Registry) ListByTag(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for key, e := range r.entries {
		if _, ok := e.tags[tag]; ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Keys returns all registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Describe returns the description registered for key, or "".
func (r *Registry) Describe(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[key]; ok {
		return e.description
	}
	return ""
}

// Metrics is a point-in-time snapshot of registry health counters.
type Metrics struct {
	Total                   int            `json:"total"`
	SuccessfulRegistrations int            `json:"successful_registrations"`
	CategoryDistribution    map[string]int `json:"category_distribution"`
}

// Metrics returns registration counters and the category distribution of the
// currently installed entries.
func (r *Registry) Metrics() Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := Metrics{
		Total:                   len(r.entries),
		SuccessfulRegistrations: r.registrations,
		CategoryDistribution:    make(map[string]int),
	}
	for _, e := range r.entries {
		if e.category != "" {
			m.CategoryDistribution[e.category]++
		}
	}
	return m
}

// Health reports the outcome of a ValidateHealth check.
type Health struct {
	Healthy       bool     `json:"healthy"`
	UnhealthyKeys []string `json:"unhealthy_keys,omitempty"`
}

// ValidateHealth reports unhealthy when any registered factory has failed at
// least the configured threshold of consecutive times. A successful creation
// resets the key's count.
func (r *Registry) ValidateHealth() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := Health{Healthy: true}
	for key, e := range r.entries {
		if e.factory != nil && e.failures >= r.unhealthyThreshold {
			h.Healthy = false
			h.UnhealthyKeys = append(h.UnhealthyKeys, key)
		}
	}
	sort.Strings(h.UnhealthyKeys)
	return h
}
