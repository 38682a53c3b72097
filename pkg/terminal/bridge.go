package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle of a Bridge.
type State int

const (
	StateUnattached State = iota
	StateSpawning
	StateAttached
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateSpawning:
		return "spawning"
	case StateAttached:
		return "attached"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const resizeTimeout = 5 * time.Second

// Option configures a Bridge.
type Option func(*Bridge)

// WithCoordinator routes geometry changes through a shared coordinator.
func WithCoordinator(c *ResizeCoordinator) Option {
	return func(b *Bridge) {
		b.coordinator = c
	}
}

// WithInitialSize sets the geometry passed to Spawn.
func WithInitialSize(size Size) Option {
	return func(b *Bridge) {
		b.size = size
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// Bridge owns one channel between a Widget and a backend pseudo-terminal.
type Bridge struct {
	backend     Backend
	widget      Widget
	coordinator *ResizeCoordinator
	logger      *slog.Logger

	mutex     sync.Mutex
	state     State
	sessionID string
	channel   Channel
	// generation invalidates sinks of previous channels.
	generation uint64
	size       Size
	sentSize   Size

	writeMux sync.Mutex
}

// NewBridge creates an unattached bridge.
func NewBridge(backend Backend, widget Widget, opts ...Option) *Bridge {
	b := &Bridge{
		backend: backend,
		widget:  widget,
		logger:  slog.Default(),
		state:   StateUnattached,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// SessionID returns the backend session handle, empty if none.
func (b *Bridge) SessionID() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.sessionID
}

// Spawn asks the backend for a new pseudo-terminal running command and
// attaches to it. A failure is written into the widget as plain text and
// leaves the bridge unattached; the error is also returned.
func (b *Bridge) Spawn(ctx context.Context, command string, args []string, cwd string) (string, error) {
	b.mutex.Lock()
	switch b.state {
	case StateClosed:
		b.mutex.Unlock()
		return "", ErrClosed
	case StateSpawning, StateAttached:
		b.mutex.Unlock()
		return "", ErrBusy
	}
	b.state = StateSpawning
	size := b.size
	b.mutex.Unlock()

	sessionID, err := b.backend.SpawnPTY(ctx, SpawnRequest{
		Command: command,
		Args:    args,
		Cwd:     cwd,
		Rows:    size.Rows,
		Cols:    size.Cols,
	})
	if err != nil {
		b.mutex.Lock()
		closed := b.state == StateClosed
		if b.state == StateSpawning {
			b.state = StateUnattached
		}
		b.mutex.Unlock()

		b.logger.Error("Failed to spawn pty", slog.String("command", command), slog.String("error", err.Error()))
		if closed {
			return "", err
		}
		b.writeLine(fmt.Sprintf("Failed to start %s: %v", command, err))
		return "", err
	}

	b.mutex.Lock()
	if b.state == StateClosed {
		// Close ran before the id was known; the process is ours to end.
		b.mutex.Unlock()
		if err := b.backend.ClosePTY(ctx, sessionID); err != nil {
			b.logger.Warn("Failed to close orphaned pty", slog.String("session", sessionID), slog.String("error", err.Error()))
		}
		return "", ErrClosed
	}
	b.sessionID = sessionID
	b.sentSize = size
	b.mutex.Unlock()

	if err := b.attach(ctx, sessionID, true); err != nil {
		if errors.Is(err, ErrClosed) {
			return sessionID, err
		}
		b.writeLine(fmt.Sprintf("Failed to attach to session %s: %v", sessionID, err))
		return sessionID, err
	}
	return sessionID, nil
}

// Attach binds the bridge to an existing session handed over by another
// component. No process is spawned.
func (b *Bridge) Attach(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	b.mutex.Lock()
	switch b.state {
	case StateClosed:
		b.mutex.Unlock()
		return ErrClosed
	case StateSpawning, StateAttached:
		b.mutex.Unlock()
		return ErrBusy
	}
	b.state = StateSpawning
	b.sessionID = sessionID
	b.sentSize = Size{}
	b.mutex.Unlock()

	return b.attach(ctx, sessionID, false)
}

func (b *Bridge) attach(ctx context.Context, sessionID string, spawned bool) error {
	b.mutex.Lock()
	b.generation++
	gen := b.generation
	b.mutex.Unlock()

	channel, err := b.backend.AttachPTY(ctx, sessionID, func(data []byte) {
		b.deliver(gen, data)
	})
	if err != nil {
		b.mutex.Lock()
		if b.state == StateSpawning {
			b.state = StateUnattached
		}
		b.mutex.Unlock()
		b.logger.Error("Failed to attach pty", slog.String("session", sessionID), slog.String("error", err.Error()))
		return err
	}

	b.mutex.Lock()
	if b.state != StateSpawning || b.generation != gen {
		// Closed or detached while the attach was in flight.
		b.mutex.Unlock()
		_ = channel.Close()
		return ErrClosed
	}
	b.state = StateAttached
	b.channel = channel
	b.mutex.Unlock()

	if b.coordinator != nil {
		b.coordinator.register(b)
	}
	b.logger.Info("Terminal attached", slog.String("session", sessionID), slog.Bool("spawned", spawned))

	// Bring a handed-over session to this widget's geometry.
	b.flushGeometry()
	return nil
}

func (b *Bridge) deliver(gen uint64, data []byte) {
	b.mutex.Lock()
	current := b.generation == gen && b.state != StateClosed
	b.mutex.Unlock()
	if !current {
		return
	}

	b.writeMux.Lock()
	defer b.writeMux.Unlock()
	if _, err := b.widget.Write(data); err != nil {
		b.logger.Warn("Failed to write to terminal widget", slog.String("error", err.Error()))
	}
}

func (b *Bridge) writeLine(line string) {
	b.writeMux.Lock()
	defer b.writeMux.Unlock()
	_, _ = fmt.Fprintf(b.widget, "\r\n%s\r\n", line)
}

// Input forwards keystrokes or pasted text to the session. Input that
// arrives before a session id is known is dropped.
func (b *Bridge) Input(ctx context.Context, data []byte) error {
	b.mutex.Lock()
	state := b.state
	sessionID := b.sessionID
	b.mutex.Unlock()

	if state == StateClosed {
		return ErrClosed
	}
	if sessionID == "" {
		b.logger.Debug("Dropping input before session is assigned", slog.Int("bytes", len(data)))
		return nil
	}
	return b.backend.WritePTY(ctx, sessionID, data)
}

// Fit records a new widget geometry. Without a coordinator the resize is
// sent immediately; with one it is sent when the coordinator flushes.
func (b *Bridge) Fit(rows, cols uint16) {
	b.mutex.Lock()
	b.size = Size{Rows: rows, Cols: cols}
	b.mutex.Unlock()

	if b.coordinator != nil {
		b.coordinator.request(b)
		return
	}
	b.flushGeometry()
}

// flushGeometry sends the latest geometry if it differs from what the
// backend already has.
func (b *Bridge) flushGeometry() {
	b.mutex.Lock()
	if b.state != StateAttached || b.size.IsZero() || b.size == b.sentSize {
		b.mutex.Unlock()
		return
	}
	sessionID := b.sessionID
	size := b.size
	b.sentSize = size
	b.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), resizeTimeout)
	defer cancel()
	if err := b.backend.ResizePTY(ctx, sessionID, size); err != nil {
		b.logger.Warn("Failed to resize pty",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
		b.mutex.Lock()
		if b.sentSize == size {
			b.sentSize = Size{}
		}
		b.mutex.Unlock()
	}
}

// Detach drops the local channel and leaves the backend session running so
// another bridge can attach to it. It returns the handed-off session id.
func (b *Bridge) Detach() string {
	b.mutex.Lock()
	if b.state == StateClosed {
		b.mutex.Unlock()
		return ""
	}
	sessionID := b.sessionID
	channel := b.channel
	b.channel = nil
	b.sessionID = ""
	b.generation++
	b.state = StateUnattached
	b.mutex.Unlock()

	if b.coordinator != nil {
		b.coordinator.unregister(b)
	}
	if channel != nil {
		_ = channel.Close()
	}
	return sessionID
}

// Close tears the session down: the channel is closed and the backend is
// asked to terminate the process. The bridge cannot be reused.
func (b *Bridge) Close(ctx context.Context) error {
	b.mutex.Lock()
	if b.state == StateClosed {
		b.mutex.Unlock()
		return nil
	}
	sessionID := b.sessionID
	channel := b.channel
	b.channel = nil
	b.generation++
	b.state = StateClosed
	b.mutex.Unlock()

	if b.coordinator != nil {
		b.coordinator.unregister(b)
	}
	if channel != nil {
		_ = channel.Close()
	}
	if sessionID == "" {
		return nil
	}
	if err := b.backend.ClosePTY(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to close session %s: %w", sessionID, err)
	}
	b.logger.Info("Terminal closed", slog.String("session", sessionID))
	return nil
}
