package oplog

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/labring/lima-bridge/pkg/events"
	"github.com/labring/lima-bridge/pkg/logbuffer"
)

// Listener is invoked once when the operation succeeds.
type Listener func(State)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithInvalidator sets the hook called on success to refresh any cached
// resource-list view.
func WithInvalidator(invalidate func()) Option {
	return func(a *Aggregator) {
		a.invalidate = invalidate
	}
}

// WithTerminalHook sets a hook called once each time the state becomes
// terminal. It runs on the delivering goroutine and must not block.
func WithTerminalHook(hook func(Key)) Option {
	return func(a *Aggregator) {
		a.onTerminal = hook
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// Aggregator materializes the State of one operation by folding its
// lifecycle events. Fold is the single update point for that state.
type Aggregator struct {
	key        Key
	logger     *slog.Logger
	invalidate func()
	onTerminal func(Key)

	mutex     sync.Mutex
	stdout    logbuffer.Buffer
	stderr    logbuffer.Buffer
	errors    logbuffer.Buffer
	loading   bool
	succeeded bool
	folded    bool
	listeners map[uint64]Listener
	watchers  map[uint64]chan struct{}
	nextID    uint64

	subMux sync.Mutex
	subs   []*events.Subscription
}

// NewAggregator creates a detached aggregator for key.
func NewAggregator(key Key, opts ...Option) *Aggregator {
	a := &Aggregator{
		key:       key,
		logger:    slog.Default(),
		listeners: make(map[uint64]Listener),
		watchers:  make(map[uint64]chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Key returns the operation this aggregator folds.
func (a *Aggregator) Key() Key {
	return a.key
}

// Attach subscribes to the operation's topics. Calling it while attached is
// a no-op, so each topic has at most one subscription per aggregator.
func (a *Aggregator) Attach(bus events.Subscriber) {
	a.subMux.Lock()
	defer a.subMux.Unlock()

	if len(a.subs) > 0 {
		return
	}
	for _, suffix := range events.Suffixes {
		topic := events.Topic(string(a.key.Kind), suffix)
		a.subs = append(a.subs, bus.Subscribe(topic, a.Fold))
	}
	a.logger.Debug("Aggregator attached", slog.String("operation", a.key.String()))
}

// Attached reports whether transport subscriptions are live.
func (a *Aggregator) Attached() bool {
	a.subMux.Lock()
	defer a.subMux.Unlock()
	return len(a.subs) > 0
}

// Detach drops the transport subscriptions. The returned function blocks
// until in-flight deliveries have returned; call it after releasing any
// lock a listener might take.
func (a *Aggregator) Detach() (wait func()) {
	a.subMux.Lock()
	subs := a.subs
	a.subs = nil
	a.subMux.Unlock()

	if len(subs) > 0 {
		a.logger.Debug("Aggregator detached", slog.String("operation", a.key.String()))
	}
	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

// Fold applies one transport event. Events for other resources and
// malformed payloads are dropped; nothing here returns an error.
func (a *Aggregator) Fold(ev events.Event) {
	kind, suffix, ok := events.SplitTopic(ev.Topic)
	if !ok || Kind(kind) != a.key.Kind {
		return
	}

	var payload Payload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		a.logger.Warn("Dropping undecodable event",
			slog.String("topic", ev.Topic),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := payload.Validate(); err != nil {
		a.logger.Warn("Dropping malformed event",
			slog.String("topic", ev.Topic),
			slog.String("error", err.Error()),
		)
		return
	}
	if *payload.InstanceName != a.key.Resource {
		return
	}

	entry := payload.Entry()

	a.mutex.Lock()
	wasTerminal := a.terminalLocked()
	changed, succeeded := a.applyLocked(suffix, entry)
	if !changed {
		a.mutex.Unlock()
		return
	}
	a.folded = true
	becameTerminal := !wasTerminal && a.terminalLocked()
	snapshot := a.snapshotLocked()
	var listeners []Listener
	if succeeded {
		listeners = make([]Listener, 0, len(a.listeners))
		for _, l := range a.listeners {
			listeners = append(listeners, l)
		}
	}
	a.notifyLocked()
	a.mutex.Unlock()

	if succeeded {
		a.logger.Info("Operation succeeded", slog.String("operation", a.key.String()))
		if a.invalidate != nil {
			a.invalidate()
		}
		for _, l := range listeners {
			l(snapshot)
		}
	}
	if becameTerminal && a.onTerminal != nil {
		a.onTerminal(a.key)
	}
}

// applyLocked mutates the buffers for one event and reports whether anything
// changed and whether this event is the success transition.
func (a *Aggregator) applyLocked(suffix string, entry logbuffer.Entry) (changed, succeeded bool) {
	switch suffix {
	case events.SuffixStarted:
		// A succeeded operation only restarts through Reset.
		if a.succeeded {
			a.logger.Debug("Ignoring start of succeeded operation", slog.String("operation", a.key.String()))
			return false, false
		}
		// Redelivery of the start already folded.
		if a.stdout.Contains(entry.ID) {
			return false, false
		}
		if a.errors.Len() > 0 {
			a.logger.Info("Operation restarted after failure", slog.String("operation", a.key.String()))
		}
		a.stdout.Reset()
		a.stderr.Reset()
		a.errors.Reset()
		a.stdout.Insert(entry)
		a.loading = true
		return true, false
	case events.SuffixStdout:
		return a.stdout.Insert(entry), false
	case events.SuffixStderr:
		return a.stderr.Insert(entry), false
	case events.SuffixError:
		inserted := a.errors.Insert(entry)
		changed = inserted || a.loading
		a.loading = false
		return changed, false
	case events.SuffixSuccess:
		if a.succeeded {
			return false, false
		}
		a.loading = false
		a.succeeded = true
		return true, true
	default:
		return false, false
	}
}

func (a *Aggregator) terminalLocked() bool {
	return a.succeeded || a.errors.Len() > 0
}

func (a *Aggregator) snapshotLocked() State {
	s := State{
		Stdout:    a.stdout.Entries(),
		Stderr:    a.stderr.Entries(),
		Error:     a.errors.Entries(),
		IsLoading: a.loading,
	}
	if a.succeeded {
		success := true
		s.IsSuccess = &success
	}
	return s
}

func (a *Aggregator) notifyLocked() {
	for _, ch := range a.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// State returns a snapshot of the current state.
func (a *Aggregator) State() State {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.snapshotLocked()
}

// Pristine reports whether no event has been folded since creation or the
// last Reset.
func (a *Aggregator) Pristine() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return !a.folded
}

// Reset returns the state to InitialState. Listeners and watchers stay
// registered.
func (a *Aggregator) Reset() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.stdout.Reset()
	a.stderr.Reset()
	a.errors.Reset()
	a.loading = false
	a.succeeded = false
	a.folded = false
	a.notifyLocked()
}

// AddListener registers a success listener and returns its remover.
func (a *Aggregator) AddListener(l Listener) (remove func()) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.nextID++
	id := a.nextID
	a.listeners[id] = l
	return func() {
		a.mutex.Lock()
		delete(a.listeners, id)
		a.mutex.Unlock()
	}
}

// Watch returns a channel that receives a coalesced signal after each state
// change, and a function that stops the watch.
func (a *Aggregator) Watch() (<-chan struct{}, func()) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.nextID++
	id := a.nextID
	ch := make(chan struct{}, 1)
	a.watchers[id] = ch
	return ch, func() {
		a.mutex.Lock()
		delete(a.watchers, id)
		a.mutex.Unlock()
	}
}
