// Package lima runs limactl lifecycle operations and publishes their
// progress as operation events.
package lima

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labring/lima-bridge/pkg/events"
	"github.com/labring/lima-bridge/pkg/oplog"
)

const (
	DefaultLimactl  = "limactl"
	DefaultTemplate = "template://default"

	maxLineLength = 1024 * 1024
)

var (
	// ErrOperationRunning rejects a trigger for a key that is already running.
	ErrOperationRunning = errors.New("operation already running")
	// ErrInvalidName rejects instance names limactl would not accept.
	ErrInvalidName = errors.New("invalid instance name")

	namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
)

// CommandFactory builds the process for a limactl invocation.
type CommandFactory func(ctx context.Context, name string, args ...string) *exec.Cmd

var defaultCommandFactory CommandFactory = exec.CommandContext

// Option configures a Service.
type Option func(*Service)

// WithLimactl sets the limactl binary path.
func WithLimactl(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.limactl = path
		}
	}
}

// WithTemplate sets the template passed to create.
func WithTemplate(template string) Option {
	return func(s *Service) {
		if template != "" {
			s.template = template
		}
	}
}

// WithCommandFactory replaces exec.CommandContext.
func WithCommandFactory(factory CommandFactory) Option {
	return func(s *Service) {
		s.newCommand = factory
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Service starts limactl operations and publishes started, stdout, stderr,
// error and success events for each.
type Service struct {
	publisher  events.Publisher
	limactl    string
	template   string
	newCommand CommandFactory
	logger     *slog.Logger

	mutex   sync.Mutex
	running map[oplog.Key]*operation
	wg      sync.WaitGroup
}

type operation struct {
	key     oplog.Key
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	startAt time.Time
}

// RunningOperation describes an in-flight operation.
type RunningOperation struct {
	Kind     oplog.Kind `json:"kind"`
	Instance string     `json:"instance"`
	PID      int        `json:"pid"`
	StartAt  time.Time  `json:"startAt"`
}

// NewService creates a Service publishing to publisher.
func NewService(publisher events.Publisher, opts ...Option) *Service {
	s := &Service{
		publisher:  publisher,
		limactl:    DefaultLimactl,
		template:   DefaultTemplate,
		newCommand: defaultCommandFactory,
		logger:     slog.Default(),
		running:    make(map[oplog.Key]*operation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateName reports whether name is an acceptable instance name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Args returns the limactl arguments for kind on instance name.
func (s *Service) Args(kind oplog.Kind, name string) ([]string, error) {
	switch kind {
	case oplog.KindCreate:
		return []string{"create", "--name=" + name, "--tty=false", s.template}, nil
	case oplog.KindStart:
		return []string{"start", "--tty=false", name}, nil
	case oplog.KindStop:
		return []string{"stop", name}, nil
	case oplog.KindDelete:
		return []string{"delete", name}, nil
	default:
		return nil, fmt.Errorf("invalid operation kind: %q", kind)
	}
}

// Trigger starts kind on instance name. It fails synchronously when the
// process cannot start or the same operation is already running; all later
// outcomes are reported through events.
func (s *Service) Trigger(ctx context.Context, kind oplog.Kind, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	args, err := s.Args(kind, name)
	if err != nil {
		return err
	}
	key := oplog.Key{Kind: kind, Resource: name}

	s.mutex.Lock()
	if _, exists := s.running[key]; exists {
		s.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrOperationRunning, key)
	}

	// The operation outlives the triggering request.
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := s.newCommand(opCtx, s.limactl, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		s.mutex.Unlock()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		s.mutex.Unlock()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		s.mutex.Unlock()
		return fmt.Errorf("failed to start %s: %w", s.limactl, err)
	}

	op := &operation{
		key:     key,
		cmd:     cmd,
		cancel:  cancel,
		startAt: time.Now(),
	}
	s.running[key] = op
	s.wg.Add(1)
	s.mutex.Unlock()

	s.logger.Info("Operation started",
		slog.String("operation", key.String()),
		slog.Int("pid", cmd.Process.Pid),
	)
	// Output is only read by run, so started is always delivered first.
	s.emit(key, events.SuffixStarted, startedMessage(kind, name))

	go s.run(op, stdout, stderr)
	return nil
}

// Running lists in-flight operations.
func (s *Service) Running() []RunningOperation {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	result := make([]RunningOperation, 0, len(s.running))
	for _, op := range s.running {
		result = append(result, RunningOperation{
			Kind:     op.key.Kind,
			Instance: op.key.Resource,
			PID:      op.cmd.Process.Pid,
			StartAt:  op.startAt,
		})
	}
	return result
}

// IsRunning reports whether key is in flight.
func (s *Service) IsRunning(key oplog.Key) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, exists := s.running[key]
	return exists
}

// Shutdown kills every running operation and waits for their goroutines,
// or until ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	for _, op := range s.running {
		op.cancel()
	}
	s.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run(op *operation, stdout, stderr io.Reader) {
	defer s.wg.Done()
	defer op.cancel()

	var streams sync.WaitGroup
	streams.Add(2)
	go s.collect(&streams, op.key, events.SuffixStdout, stdout)
	go s.collect(&streams, op.key, events.SuffixStderr, stderr)
	// Wait must follow the pipe reads.
	streams.Wait()

	waitErr := op.cmd.Wait()

	s.mutex.Lock()
	delete(s.running, op.key)
	s.mutex.Unlock()

	duration := time.Since(op.startAt)
	if waitErr != nil {
		s.logger.Warn("Operation failed",
			slog.String("operation", op.key.String()),
			slog.String("error", waitErr.Error()),
			slog.Duration("duration", duration),
		)
		s.emit(op.key, events.SuffixError, fmt.Sprintf("%s failed: %v", op.key.Kind, waitErr))
		return
	}

	s.logger.Info("Operation completed",
		slog.String("operation", op.key.String()),
		slog.Duration("duration", duration),
	)
	s.emit(op.key, events.SuffixSuccess, successMessage(op.key.Kind, op.key.Resource))
}

func (s *Service) collect(wg *sync.WaitGroup, key oplog.Key, suffix string, r io.Reader) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for scanner.Scan() {
		s.emit(key, suffix, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("Failed to read operation output",
			slog.String("operation", key.String()),
			slog.String("stream", suffix),
			slog.String("error", err.Error()),
		)
		// Drain so the process is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *Service) emit(key oplog.Key, suffix, message string) {
	payload := oplog.NewPayload(key.Resource, uuid.NewString(), message, time.Now().UTC().Format(time.RFC3339))
	topic := events.Topic(string(key.Kind), suffix)
	if err := s.publisher.Publish(topic, payload); err != nil {
		s.logger.Error("Failed to publish operation event",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
	}
}

func startedMessage(kind oplog.Kind, name string) string {
	switch kind {
	case oplog.KindCreate:
		return fmt.Sprintf("Creating instance %s", name)
	case oplog.KindStart:
		return fmt.Sprintf("Starting instance %s", name)
	case oplog.KindStop:
		return fmt.Sprintf("Stopping instance %s", name)
	default:
		return fmt.Sprintf("Deleting instance %s", name)
	}
}

func successMessage(kind oplog.Kind, name string) string {
	switch kind {
	case oplog.KindCreate:
		return fmt.Sprintf("Instance %s created", name)
	case oplog.KindStart:
		return fmt.Sprintf("Instance %s started", name)
	case oplog.KindStop:
		return fmt.Sprintf("Instance %s stopped", name)
	default:
		return fmt.Sprintf("Instance %s deleted", name)
	}
}
