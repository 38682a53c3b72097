package pty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/labring/lima-bridge/pkg/terminal"
	"github.com/labring/lima-bridge/pkg/utils"
)

const (
	DefaultShell       = "/bin/bash"
	DefaultBacklogSize = 64 * 1024

	defaultRows = 24
	defaultCols = 80
	readSize    = 4096
)

// ErrSessionNotFound is returned for an unknown or exited session id.
var ErrSessionNotFound = errors.New("pty session not found")

// SessionInfo describes a live session.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	Command   string    `json:"command"`
	Args      []string  `json:"args,omitempty"`
	Cwd       string    `json:"cwd"`
	PID       int       `json:"pid"`
	Rows      uint16    `json:"rows"`
	Cols      uint16    `json:"cols"`
	Attached  bool      `json:"attached"`
	CreatedAt time.Time `json:"createdAt"`
}

// Host owns the operating-system pseudo-terminals. It satisfies
// terminal.Backend so a Bridge can drive it in-process.
type Host struct {
	shell       string
	backlogSize int

	mutex    sync.RWMutex
	sessions map[string]*session
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithShell sets the command used when a spawn request names none.
func WithShell(shell string) HostOption {
	return func(h *Host) {
		if shell != "" {
			h.shell = shell
		}
	}
}

// WithBacklogSize bounds the output kept while no channel is attached.
func WithBacklogSize(size int) HostOption {
	return func(h *Host) {
		if size > 0 {
			h.backlogSize = size
		}
	}
}

// NewHost creates an empty host.
func NewHost(opts ...HostOption) *Host {
	h := &Host{
		shell:       DefaultShell,
		backlogSize: DefaultBacklogSize,
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type session struct {
	id        string
	command   string
	args      []string
	cwd       string
	createdAt time.Time
	cmd       *exec.Cmd
	master    *os.File

	mutex   sync.Mutex
	size    terminal.Size
	backlog *backlog
	channel *Channel
	pumped  chan struct{}
	done    chan struct{}
}

// SpawnPTY starts req.Command on a new pseudo-terminal. Output is kept in
// the backlog until a channel attaches.
func (h *Host) SpawnPTY(_ context.Context, req terminal.SpawnRequest) (string, error) {
	command := req.Command
	if command == "" {
		command = h.shell
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	size := terminal.Size{Rows: req.Rows, Cols: req.Cols}
	if size.IsZero() {
		size = terminal.Size{Rows: defaultRows, Cols: defaultCols}
	}

	master, slavePath, err := openDevice()
	if err != nil {
		return "", err
	}
	if err := setWindowSize(master, size.Rows, size.Cols); err != nil {
		master.Close()
		return "", fmt.Errorf("set window size: %w", err)
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return "", fmt.Errorf("open %s: %w", slavePath, err)
	}

	cmd := exec.Command(command, req.Args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = sessionAttr()

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return "", fmt.Errorf("start %s: %w", command, err)
	}
	// The child holds its own copies on fds 0-2.
	slave.Close()

	s := &session{
		id:        utils.NewNanoID(),
		command:   command,
		args:      req.Args,
		cwd:       cwd,
		createdAt: time.Now(),
		cmd:       cmd,
		master:    master,
		size:      size,
		backlog:   newBacklog(h.backlogSize),
		pumped:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	h.mutex.Lock()
	h.sessions[s.id] = s
	h.mutex.Unlock()

	go h.pump(s)
	go h.wait(s)

	slog.Info("PTY session spawned",
		slog.String("session", s.id),
		slog.String("command", command),
		slog.Int("pid", cmd.Process.Pid),
	)
	return s.id, nil
}

// AttachPTY binds a new channel to the session. A previous channel is
// closed: only one channel owns a session at a time.
func (h *Host) AttachPTY(_ context.Context, sessionID string, sink func([]byte)) (terminal.Channel, error) {
	return h.Attach(sessionID, sink)
}

// Attach is AttachPTY returning the concrete channel.
func (h *Host) Attach(sessionID string, sink func([]byte)) (*Channel, error) {
	s, err := h.get(sessionID)
	if err != nil {
		return nil, err
	}

	ch := newChannel(sink, s.release)

	s.mutex.Lock()
	select {
	case <-s.done:
		s.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	default:
	}
	previous := s.channel
	// Flush under the session lock so the pump cannot overtake the backlog.
	if pending := s.backlog.drain(); len(pending) > 0 {
		ch.deliver(pending)
	}
	s.channel = ch
	s.mutex.Unlock()

	if previous != nil {
		_ = previous.Close()
		slog.Info("PTY channel handed off", slog.String("session", sessionID))
	}
	return ch, nil
}

// WritePTY writes input to the session.
func (h *Host) WritePTY(_ context.Context, sessionID string, data []byte) error {
	s, err := h.get(sessionID)
	if err != nil {
		return err
	}
	if _, err := s.master.Write(data); err != nil {
		return fmt.Errorf("write to session %s: %w", sessionID, err)
	}
	return nil
}

// ResizePTY applies a new geometry.
func (h *Host) ResizePTY(_ context.Context, sessionID string, size terminal.Size) error {
	if size.IsZero() {
		return fmt.Errorf("invalid size %dx%d", size.Rows, size.Cols)
	}
	s, err := h.get(sessionID)
	if err != nil {
		return err
	}
	if err := setWindowSize(s.master, size.Rows, size.Cols); err != nil {
		return fmt.Errorf("resize session %s: %w", sessionID, err)
	}

	s.mutex.Lock()
	s.size = size
	s.mutex.Unlock()

	slog.Debug("PTY resized",
		slog.String("session", sessionID),
		slog.Int("rows", int(size.Rows)),
		slog.Int("cols", int(size.Cols)),
	)
	return nil
}

// ClosePTY terminates the session's process and releases it.
func (h *Host) ClosePTY(_ context.Context, sessionID string) error {
	s, err := h.get(sessionID)
	if err != nil {
		return err
	}

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGHUP)
	}

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		_ = s.cmd.Process.Kill()
		<-s.done
	}
	return nil
}

// List returns every live session.
func (h *Host) List() []SessionInfo {
	h.mutex.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mutex.RUnlock()

	result := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		s.mutex.Lock()
		result = append(result, SessionInfo{
			SessionID: s.id,
			Command:   s.command,
			Args:      s.args,
			Cwd:       s.cwd,
			PID:       s.cmd.Process.Pid,
			Rows:      s.size.Rows,
			Cols:      s.size.Cols,
			Attached:  s.channel != nil,
			CreatedAt: s.createdAt,
		})
		s.mutex.Unlock()
	}
	return result
}

// Shutdown closes every session.
func (h *Host) Shutdown(ctx context.Context) {
	h.mutex.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mutex.RUnlock()

	for _, id := range ids {
		_ = h.ClosePTY(ctx, id)
	}
}

func (h *Host) get(sessionID string) (*session, error) {
	h.mutex.RLock()
	s, exists := h.sessions[sessionID]
	h.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// pump copies master output to the attached channel, or into the backlog
// while none is attached.
func (h *Host) pump(s *session) {
	defer close(s.pumped)

	buf := make([]byte, readSize)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.mutex.Lock()
			ch := s.channel
			if ch == nil {
				s.backlog.write(chunk)
			}
			s.mutex.Unlock()

			if ch != nil {
				s.forward(ch, chunk)
			}
		}
		if err != nil {
			// EIO once the slave side is gone.
			return
		}
	}
}

func (h *Host) wait(s *session) {
	err := s.cmd.Wait()

	// Let the pump drain what the process wrote before exiting. A
	// background child may keep the slave open, so do not wait forever.
	select {
	case <-s.pumped:
	case <-time.After(time.Second):
	}

	h.mutex.Lock()
	delete(h.sessions, s.id)
	h.mutex.Unlock()

	s.mutex.Lock()
	ch := s.channel
	s.channel = nil
	close(s.done)
	s.mutex.Unlock()

	s.master.Close()
	if ch != nil {
		_ = ch.Close()
	}

	if err != nil {
		slog.Info("PTY session exited", slog.String("session", s.id), slog.String("error", err.Error()))
		return
	}
	slog.Info("PTY session exited", slog.String("session", s.id))
}

// forward delivers chunk to ch, the channel seen under the session lock.
// If ch was closed in the meantime the chunk goes to its replacement, or to
// the backlog when there is none.
func (s *session) forward(ch *Channel, chunk []byte) {
	for !ch.deliver(chunk) {
		s.mutex.Lock()
		next := s.channel
		if next == nil || next == ch {
			s.backlog.write(chunk)
			s.mutex.Unlock()
			return
		}
		s.mutex.Unlock()
		ch = next
	}
}

// release detaches ch if it is still the session's channel, so later
// output goes to the backlog.
func (s *session) release(ch *Channel) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.channel == ch {
		s.channel = nil
	}
}

// Channel is one attached output stream of a session.
type Channel struct {
	sink       func([]byte)
	onClose    func(*Channel)
	deliverMux sync.Mutex
	closed     bool
	done       chan struct{}
	once       sync.Once
}

func newChannel(sink func([]byte), onClose func(*Channel)) *Channel {
	return &Channel{
		sink:    sink,
		onClose: onClose,
		done:    make(chan struct{}),
	}
}

// deliver reports false if the channel was already closed.
func (c *Channel) deliver(data []byte) bool {
	c.deliverMux.Lock()
	defer c.deliverMux.Unlock()
	if c.closed {
		return false
	}
	c.sink(data)
	return true
}

// Done is closed when the channel stops delivering, whether by Close, a
// hand-off or the process exiting.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close stops delivery. It waits for an in-flight delivery to finish.
func (c *Channel) Close() error {
	c.once.Do(func() {
		c.deliverMux.Lock()
		c.closed = true
		c.deliverMux.Unlock()
		close(c.done)
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return nil
}

// backlog keeps the most recent bytes up to limit.
type backlog struct {
	data  []byte
	limit int
}

func newBacklog(limit int) *backlog {
	return &backlog{limit: limit}
}

func (b *backlog) write(p []byte) {
	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		b.data = append(b.data[:0:0], b.data[over:]...)
	}
}

func (b *backlog) drain() []byte {
	data := b.data
	b.data = nil
	return data
}
