package instance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labring/lima-bridge/pkg/common"
	"github.com/labring/lima-bridge/pkg/events"
	"github.com/labring/lima-bridge/pkg/lima"
	"github.com/labring/lima-bridge/pkg/opcache"
	"github.com/labring/lima-bridge/pkg/oplog"
	"github.com/labring/lima-bridge/pkg/router"
)

// fakeOperator emits a scripted event sequence synchronously on Trigger.
type fakeOperator struct {
	bus     *events.Bus
	mutex   sync.Mutex
	err     error
	script  []string
	running []lima.RunningOperation
	calls   int
}

func (f *fakeOperator) Trigger(_ context.Context, kind oplog.Kind, name string) error {
	f.mutex.Lock()
	f.calls++
	err := f.err
	script := f.script
	f.mutex.Unlock()

	if err != nil {
		return err
	}
	for _, suffix := range script {
		payload := oplog.NewPayload(name, uuid.NewString(), "line for "+suffix, time.Now().UTC().Format(time.RFC3339))
		if err := f.bus.Publish(events.Topic(string(kind), suffix), payload); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeOperator) Running() []lima.RunningOperation {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.running
}

type fakeLister struct {
	instances []lima.Instance
}

func (f *fakeLister) Instances(context.Context) ([]lima.Instance, time.Time) {
	return f.instances, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

type testEnv struct {
	router   *router.Router
	operator *fakeOperator
	cache    *opcache.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bus := events.NewBus()
	cache := opcache.New(bus)
	t.Cleanup(cache.Close)

	operator := &fakeOperator{bus: bus}
	lister := &fakeLister{instances: []lima.Instance{{Name: "default", Status: "Running"}}}
	h := NewInstanceHandler(operator, cache, lister)

	r := router.NewRouter()
	r.Register("GET", "/api/v1/instances", h.ListInstances)
	r.Register("POST", "/api/v1/instances/:name/:kind", h.TriggerOperation)
	r.Register("GET", "/api/v1/operations", h.ListOperations)
	r.Register("GET", "/api/v1/operations/:kind/:name", h.GetOperation)
	r.Register("POST", "/api/v1/operations/:kind/:name/reset", h.ResetOperation)

	return &testEnv{router: r, operator: operator, cache: cache}
}

func do[T any](t *testing.T, env *testEnv, method, path string) common.Response[T] {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp common.Response[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestInstanceHandler_TriggerAndGet(t *testing.T) {
	env := newTestEnv(t)
	env.operator.script = []string{events.SuffixStarted, events.SuffixStdout, events.SuffixSuccess}

	resp := do[TriggerResponse](t, env, "POST", "/api/v1/instances/vm1/create")
	require.Equal(t, common.StatusSuccess, resp.Status)
	assert.Equal(t, "create/vm1", resp.Data.Operation)

	op := do[OperationResponse](t, env, "GET", "/api/v1/operations/create/vm1")
	require.Equal(t, common.StatusSuccess, op.Status)
	assert.True(t, op.Data.State.Succeeded())
	assert.False(t, op.Data.State.IsLoading)
	require.Len(t, op.Data.State.Stdout, 2)
	assert.Equal(t, "line for stdout", op.Data.State.Stdout[1].Message)
}

func TestInstanceHandler_TriggerTracksWithoutObserver(t *testing.T) {
	env := newTestEnv(t)
	env.operator.script = []string{events.SuffixStarted, events.SuffixStdout}

	do[TriggerResponse](t, env, "POST", "/api/v1/instances/vm1/start")

	key := oplog.Key{Kind: oplog.KindStart, Resource: "vm1"}
	assert.True(t, env.cache.Attached(key))
	assert.True(t, env.cache.Get(key).IsLoading)

	list := do[OperationsResponse](t, env, "GET", "/api/v1/operations")
	require.Len(t, list.Data.Tracked, 1)
	assert.Equal(t, "vm1", list.Data.Tracked[0].Instance)
	assert.True(t, list.Data.Tracked[0].IsLoading)
}

func TestInstanceHandler_RetryAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	env.operator.script = []string{events.SuffixStarted, events.SuffixError}

	do[TriggerResponse](t, env, "POST", "/api/v1/instances/vm1/create")
	op := do[OperationResponse](t, env, "GET", "/api/v1/operations/create/vm1")
	require.True(t, op.Data.State.Failed())

	env.operator.script = []string{events.SuffixStarted, events.SuffixStdout}
	do[TriggerResponse](t, env, "POST", "/api/v1/instances/vm1/create")

	op = do[OperationResponse](t, env, "GET", "/api/v1/operations/create/vm1")
	assert.Empty(t, op.Data.State.Error)
	assert.True(t, op.Data.State.IsLoading)
	assert.Len(t, op.Data.State.Stdout, 2)
}

func TestInstanceHandler_TriggerErrors(t *testing.T) {
	env := newTestEnv(t)

	env.operator.err = lima.ErrOperationRunning
	resp := do[struct{}](t, env, "POST", "/api/v1/instances/vm1/stop")
	assert.Equal(t, common.StatusConflict, resp.Status)

	env.operator.err = errors.New("exec: limactl not found")
	resp = do[struct{}](t, env, "POST", "/api/v1/instances/vm2/stop")
	assert.Equal(t, common.StatusOperationError, resp.Status)
	assert.Contains(t, resp.Message, "limactl not found")
	assert.NotContains(t, env.cache.Keys(), oplog.Key{Kind: oplog.KindStop, Resource: "vm2"})

	resp = do[struct{}](t, env, "POST", "/api/v1/instances/vm1/restart")
	assert.Equal(t, common.StatusValidationError, resp.Status)

	resp = do[struct{}](t, env, "POST", "/api/v1/instances/-bad/start")
	assert.Equal(t, common.StatusValidationError, resp.Status)
}

func TestInstanceHandler_Reset(t *testing.T) {
	env := newTestEnv(t)
	env.operator.script = []string{events.SuffixStarted, events.SuffixError}
	do[TriggerResponse](t, env, "POST", "/api/v1/instances/vm1/delete")

	resp := do[OperationResponse](t, env, "POST", "/api/v1/operations/delete/vm1/reset")
	require.Equal(t, common.StatusSuccess, resp.Status)
	assert.Equal(t, oplog.InitialState(), resp.Data.State)
}

func TestInstanceHandler_ListInstances(t *testing.T) {
	env := newTestEnv(t)

	resp := do[InstancesResponse](t, env, "GET", "/api/v1/instances")
	require.Equal(t, common.StatusSuccess, resp.Status)
	assert.Equal(t, 1, resp.Data.Count)
	assert.Equal(t, "default", resp.Data.Instances[0].Name)
	assert.Equal(t, "2026-01-02T03:04:05Z", resp.Data.LastUpdated)
}

func TestInstanceHandler_GetRunning(t *testing.T) {
	env := newTestEnv(t)
	env.operator.running = []lima.RunningOperation{{Kind: oplog.KindCreate, Instance: "vm1", PID: 42}}

	op := do[OperationResponse](t, env, "GET", "/api/v1/operations/create/vm1")
	assert.True(t, op.Data.Running)

	op = do[OperationResponse](t, env, "GET", "/api/v1/operations/start/vm1")
	assert.False(t, op.Data.Running)
}
