package lima

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labring/lima-bridge/pkg/events"
	"github.com/labring/lima-bridge/pkg/oplog"
)

type recorded struct {
	suffix  string
	payload oplog.Payload
}

type recorder struct {
	mutex  sync.Mutex
	events []recorded
}

func (r *recorder) handler(suffix string) events.Handler {
	return func(ev events.Event) {
		var p oplog.Payload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		r.mutex.Lock()
		r.events = append(r.events, recorded{suffix: suffix, payload: p})
		r.mutex.Unlock()
	}
}

func (r *recorder) snapshot() []recorded {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]recorded(nil), r.events...)
}

func (r *recorder) terminal() bool {
	for _, ev := range r.snapshot() {
		if ev.suffix == events.SuffixSuccess || ev.suffix == events.SuffixError {
			return true
		}
	}
	return false
}

func listen(t *testing.T, bus *events.Bus, kind oplog.Kind) *recorder {
	t.Helper()
	rec := &recorder{}
	for _, suffix := range events.Suffixes {
		sub := bus.Subscribe(events.Topic(string(kind), suffix), rec.handler(suffix))
		t.Cleanup(sub.Unsubscribe)
	}
	return rec
}

// scriptFactory runs script with sh instead of limactl and records the
// arguments limactl would have received.
func scriptFactory(script string, got *[]string) CommandFactory {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if got != nil {
			*got = append([]string{name}, args...)
		}
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestService_Args(t *testing.T) {
	s := NewService(events.NewBus(), WithTemplate("template://docker"))

	tests := []struct {
		kind oplog.Kind
		want []string
	}{
		{oplog.KindCreate, []string{"create", "--name=vm1", "--tty=false", "template://docker"}},
		{oplog.KindStart, []string{"start", "--tty=false", "vm1"}},
		{oplog.KindStop, []string{"stop", "vm1"}},
		{oplog.KindDelete, []string{"delete", "vm1"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			args, err := s.Args(tt.kind, "vm1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, args)
		})
	}

	_, err := s.Args("restart", "vm1")
	assert.Error(t, err)
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("default"))
	assert.NoError(t, ValidateName("vm-1.test_a"))
	assert.ErrorIs(t, ValidateName(""), ErrInvalidName)
	assert.ErrorIs(t, ValidateName("-vm"), ErrInvalidName)
	assert.ErrorIs(t, ValidateName("vm/../etc"), ErrInvalidName)
}

func TestService_TriggerSuccess(t *testing.T) {
	bus := events.NewBus()
	rec := listen(t, bus, oplog.KindCreate)

	var args []string
	s := NewService(bus,
		WithLimactl("/usr/local/bin/limactl"),
		WithCommandFactory(scriptFactory(`echo "Downloading image..."; echo "warn" >&2; echo "Booting"`, &args)),
	)

	require.NoError(t, s.Trigger(context.Background(), oplog.KindCreate, "vm1"))
	assert.Eventually(t, rec.terminal, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "/usr/local/bin/limactl", args[0])
	assert.Equal(t, "--name=vm1", args[2])

	got := rec.snapshot()
	require.NotEmpty(t, got)
	assert.Equal(t, events.SuffixStarted, got[0].suffix)
	assert.Equal(t, "Creating instance vm1", *got[0].payload.Message)
	assert.Equal(t, events.SuffixSuccess, got[len(got)-1].suffix)

	var stdout, stderr []string
	ids := make(map[string]struct{})
	for _, ev := range got {
		require.NoError(t, ev.payload.Validate())
		assert.Equal(t, "vm1", *ev.payload.InstanceName)
		ids[*ev.payload.MessageID] = struct{}{}
		_, err := time.Parse(time.RFC3339, ev.payload.Timestamp)
		assert.NoError(t, err)

		switch ev.suffix {
		case events.SuffixStdout:
			stdout = append(stdout, *ev.payload.Message)
		case events.SuffixStderr:
			stderr = append(stderr, *ev.payload.Message)
		}
	}
	assert.Equal(t, []string{"Downloading image...", "Booting"}, stdout)
	assert.Equal(t, []string{"warn"}, stderr)
	assert.Len(t, ids, len(got), "message ids are unique")

	assert.Eventually(t, func() bool { return !s.IsRunning(oplog.Key{Kind: oplog.KindCreate, Resource: "vm1"}) },
		time.Second, 10*time.Millisecond)
}

func TestService_TriggerFailure(t *testing.T) {
	bus := events.NewBus()
	rec := listen(t, bus, oplog.KindStart)
	s := NewService(bus, WithCommandFactory(scriptFactory(`echo "disk error" >&2; exit 3`, nil)))

	require.NoError(t, s.Trigger(context.Background(), oplog.KindStart, "vm1"))
	assert.Eventually(t, rec.terminal, 5*time.Second, 10*time.Millisecond)

	got := rec.snapshot()
	last := got[len(got)-1]
	assert.Equal(t, events.SuffixError, last.suffix)
	assert.True(t, strings.Contains(*last.payload.Message, "exit status 3"))
	for _, ev := range got {
		assert.NotEqual(t, events.SuffixSuccess, ev.suffix)
	}
}

func TestService_TriggerRejectsDuplicate(t *testing.T) {
	bus := events.NewBus()
	s := NewService(bus, WithCommandFactory(scriptFactory(`exec sleep 10`, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	require.NoError(t, s.Trigger(context.Background(), oplog.KindStop, "vm1"))
	err := s.Trigger(context.Background(), oplog.KindStop, "vm1")
	assert.ErrorIs(t, err, ErrOperationRunning)

	// A different kind on the same instance is a different operation.
	require.NoError(t, s.Trigger(context.Background(), oplog.KindDelete, "vm1"))
	assert.Len(t, s.Running(), 2)
}

func TestService_TriggerStartFailure(t *testing.T) {
	bus := events.NewBus()
	rec := listen(t, bus, oplog.KindCreate)
	s := NewService(bus, WithLimactl("/nonexistent/limactl"))

	err := s.Trigger(context.Background(), oplog.KindCreate, "vm1")
	require.Error(t, err)
	assert.Empty(t, rec.snapshot(), "synchronous rejection emits nothing")
	assert.False(t, s.IsRunning(oplog.Key{Kind: oplog.KindCreate, Resource: "vm1"}))
}

func TestService_TriggerInvalidInput(t *testing.T) {
	s := NewService(events.NewBus())
	assert.ErrorIs(t, s.Trigger(context.Background(), oplog.KindCreate, "../x"), ErrInvalidName)
	assert.Error(t, s.Trigger(context.Background(), "restart", "vm1"))
}

func TestService_OperationOutlivesRequest(t *testing.T) {
	bus := events.NewBus()
	rec := listen(t, bus, oplog.KindStop)
	s := NewService(bus, WithCommandFactory(scriptFactory(`sleep 0.1; echo done`, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Trigger(ctx, oplog.KindStop, "vm1"))
	cancel()

	assert.Eventually(t, rec.terminal, 5*time.Second, 10*time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, events.SuffixSuccess, got[len(got)-1].suffix)
}

func TestService_Shutdown(t *testing.T) {
	bus := events.NewBus()
	rec := listen(t, bus, oplog.KindStart)
	s := NewService(bus, WithCommandFactory(scriptFactory(`exec sleep 30`, nil)))

	require.NoError(t, s.Trigger(context.Background(), oplog.KindStart, "vm1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Empty(t, s.Running())
	got := rec.snapshot()
	assert.Equal(t, events.SuffixError, got[len(got)-1].suffix)
}
