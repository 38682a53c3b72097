// Package opcache keeps one operation transcript per (kind, instance) pair
// alive independently of the observers that read it.
//
// Entries are created lazily on first Subscribe or Track and are removed
// only by Reset (when nobody observes them) or Close. There is no expiry: a
// progress view may be reopened at any time while the operation runs.
package opcache

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/labring/lima-bridge/pkg/events"
	"github.com/labring/lima-bridge/pkg/oplog"
)

// Invalidator is a cached resource-list view refreshed after a successful
// operation.
type Invalidator interface {
	Invalidate()
}

// Option configures a Cache.
type Option func(*Cache)

// WithInvalidator sets the resource-list view to invalidate on success.
func WithInvalidator(inv Invalidator) Option {
	return func(c *Cache) {
		c.invalidator = inv
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Cache is a process-wide store of operation states keyed by oplog.Key. It
// performs no merging itself; every mutation goes through the entry's
// aggregator.
type Cache struct {
	bus         events.Subscriber
	invalidator Invalidator
	logger      *slog.Logger

	mutex   sync.Mutex
	entries map[oplog.Key]*entry
}

type entry struct {
	agg  *oplog.Aggregator
	refs int
	// headless keeps the aggregator attached with no observers until the
	// operation reaches a terminal state.
	headless bool
}

// New creates a cache reading from bus.
func New(bus events.Subscriber, opts ...Option) *Cache {
	c := &Cache{
		bus:     bus,
		logger:  slog.Default(),
		entries: make(map[oplog.Key]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the current state for key, or the initial state if no entry
// exists.
func (c *Cache) Get(key oplog.Key) oplog.State {
	c.mutex.Lock()
	e, exists := c.entries[key]
	c.mutex.Unlock()

	if !exists {
		return oplog.InitialState()
	}
	return e.agg.State()
}

// Subscribe registers an observer on key. The first observer attaches the
// aggregator to the transport; later observers reuse that subscription and
// only add their onSuccess listener, which may be nil.
func (c *Cache) Subscribe(key oplog.Key, onSuccess oplog.Listener) (*Observer, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	c.mutex.Lock()
	e := c.entryLocked(key)
	e.refs++
	refs := e.refs

	// Watch and listener go in before Attach so the first folded event
	// reaches this observer.
	obs := &Observer{
		cache: c,
		key:   key,
		agg:   e.agg,
	}
	obs.updates, obs.cancelWatch = e.agg.Watch()
	if onSuccess != nil {
		obs.removeListener = e.agg.AddListener(onSuccess)
	}
	e.agg.Attach(c.bus)
	c.mutex.Unlock()

	c.logger.Debug("Observer subscribed",
		slog.String("operation", key.String()),
		slog.Int("observers", refs),
	)
	return obs, nil
}

// Track attaches the aggregator for key without an observer. It stays
// attached until the operation is terminal, so events emitted right after a
// trigger are folded even if no view is open yet.
func (c *Cache) Track(key oplog.Key) error {
	if err := validateKey(key); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	e := c.entryLocked(key)
	e.headless = true
	e.agg.Attach(c.bus)
	return nil
}

// Reset returns key to the initial state. An entry nobody observes is
// dropped entirely.
func (c *Cache) Reset(key oplog.Key) {
	c.mutex.Lock()
	e, exists := c.entries[key]
	if !exists {
		c.mutex.Unlock()
		return
	}

	wait := func() {}
	if e.refs == 0 {
		delete(c.entries, key)
		wait = e.agg.Detach()
	} else {
		e.headless = false
		e.agg.Reset()
	}
	c.mutex.Unlock()
	wait()

	c.logger.Info("Operation reset", slog.String("operation", key.String()))
}

// Keys lists every key with an entry.
func (c *Cache) Keys() []oplog.Key {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	keys := make([]oplog.Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Attached reports whether key currently holds transport subscriptions.
func (c *Cache) Attached(key oplog.Key) bool {
	c.mutex.Lock()
	e, exists := c.entries[key]
	c.mutex.Unlock()
	return exists && e.agg.Attached()
}

// Close detaches every aggregator and drops all entries.
func (c *Cache) Close() {
	c.mutex.Lock()
	waits := make([]func(), 0, len(c.entries))
	for key, e := range c.entries {
		waits = append(waits, e.agg.Detach())
		delete(c.entries, key)
	}
	c.mutex.Unlock()

	for _, wait := range waits {
		wait()
	}
}

func (c *Cache) entryLocked(key oplog.Key) *entry {
	if e, exists := c.entries[key]; exists {
		return e
	}
	e := &entry{
		agg: oplog.NewAggregator(key,
			oplog.WithInvalidator(c.invalidate),
			oplog.WithTerminalHook(c.onTerminal),
			oplog.WithLogger(c.logger),
		),
	}
	c.entries[key] = e
	return e
}

func (c *Cache) invalidate() {
	if c.invalidator != nil {
		c.invalidator.Invalidate()
	}
}

// onTerminal runs on the delivering goroutine, which must not wait for its
// own subscription, so the settle happens asynchronously.
func (c *Cache) onTerminal(key oplog.Key) {
	go c.settle(key)
}

// settle detaches an aggregator that nobody observes any more.
func (c *Cache) settle(key oplog.Key) {
	c.mutex.Lock()
	e, exists := c.entries[key]
	if !exists || e.refs > 0 {
		c.mutex.Unlock()
		return
	}
	state := e.agg.State()
	if !state.Terminal() && e.headless {
		c.mutex.Unlock()
		return
	}
	e.headless = false
	wait := e.agg.Detach()
	c.mutex.Unlock()
	wait()
}

func (c *Cache) release(o *Observer) {
	c.mutex.Lock()
	e, exists := c.entries[o.key]
	if !exists || e.agg != o.agg {
		c.mutex.Unlock()
		return
	}
	e.refs--

	wait := func() {}
	if e.refs == 0 && !e.headless {
		// In-flight operations keep folding with no observer; pristine and
		// finished ones let go of the transport.
		if e.agg.Pristine() || e.agg.State().Terminal() {
			wait = e.agg.Detach()
		} else {
			e.headless = true
		}
	}
	c.mutex.Unlock()
	wait()
}

func validateKey(key oplog.Key) error {
	if !key.Kind.Valid() {
		return fmt.Errorf("invalid operation kind: %q", key.Kind)
	}
	if key.Resource == "" {
		return fmt.Errorf("resource name is required")
	}
	return nil
}

// Observer is one reader of a cache entry.
type Observer struct {
	cache          *Cache
	key            oplog.Key
	agg            *oplog.Aggregator
	updates        <-chan struct{}
	cancelWatch    func()
	removeListener func()
	once           sync.Once
}

// Key returns the observed operation.
func (o *Observer) Key() oplog.Key {
	return o.key
}

// State returns the current state of the observed entry.
func (o *Observer) State() oplog.State {
	return o.cache.Get(o.key)
}

// Updates receives a coalesced signal after each state change.
func (o *Observer) Updates() <-chan struct{} {
	return o.updates
}

// Close unregisters the observer. It never clears the entry's state. Close
// must not be called from inside an onSuccess listener.
func (o *Observer) Close() {
	o.once.Do(func() {
		o.cancelWatch()
		if o.removeListener != nil {
			o.removeListener()
		}
		o.cache.release(o)
	})
}
