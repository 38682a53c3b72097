package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labring/lima-bridge/pkg/common"
	"github.com/labring/lima-bridge/pkg/events"
	"github.com/labring/lima-bridge/pkg/handlers/instance"
	"github.com/labring/lima-bridge/pkg/handlers/pty"
	"github.com/labring/lima-bridge/pkg/handlers/websocket"
	"github.com/labring/lima-bridge/pkg/lima"
	"github.com/labring/lima-bridge/pkg/middleware"
	"github.com/labring/lima-bridge/pkg/opcache"
	"github.com/labring/lima-bridge/pkg/oplog"
	"github.com/labring/lima-bridge/pkg/router"
	"github.com/labring/lima-bridge/pkg/terminal"
)

const testToken = "client-test-token"

// scriptedOperator publishes a fixed suffix sequence for every trigger.
type scriptedOperator struct {
	bus    *events.Bus
	mutex  sync.Mutex
	err    error
	script []string
}

func (o *scriptedOperator) Trigger(_ context.Context, kind oplog.Kind, name string) error {
	o.mutex.Lock()
	err, script := o.err, o.script
	o.mutex.Unlock()
	if err != nil {
		return err
	}
	for _, suffix := range script {
		payload := oplog.NewPayload(name, uuid.NewString(), "output for "+suffix, time.Now().UTC().Format(time.RFC3339))
		if err := o.bus.Publish(events.Topic(string(kind), suffix), payload); err != nil {
			return err
		}
	}
	return nil
}

func (o *scriptedOperator) Running() []lima.RunningOperation { return nil }

type staticLister struct{}

func (staticLister) Instances(context.Context) ([]lima.Instance, time.Time) {
	return []lima.Instance{{Name: "default", Status: "Stopped", CPUs: 4}}, time.Now()
}

type testServer struct {
	url      string
	operator *scriptedOperator
	host     *pty.Host
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	bus := events.NewBus()
	cache := opcache.New(bus)
	t.Cleanup(cache.Close)

	operator := &scriptedOperator{bus: bus}
	instances := instance.NewInstanceHandler(operator, cache, staticLister{})
	ws := websocket.NewWebSocketHandler(bus, nil)
	t.Cleanup(ws.Stop)
	host := pty.NewHost(pty.WithShell("/bin/sh"))
	t.Cleanup(func() { host.Shutdown(context.Background()) })
	ptys := pty.NewPTYHandler(host)

	chain := middleware.Chain(middleware.Recovery(), middleware.TokenAuth(testToken, nil))
	r := router.NewRouter()
	for _, route := range []struct {
		method, pattern string
		fn              http.HandlerFunc
	}{
		{"GET", "/api/v1/instances", instances.ListInstances},
		{"POST", "/api/v1/instances/:name/:kind", instances.TriggerOperation},
		{"GET", "/api/v1/operations", instances.ListOperations},
		{"GET", "/api/v1/operations/:kind/:name", instances.GetOperation},
		{"POST", "/api/v1/operations/:kind/:name/reset", instances.ResetOperation},
		{"GET", "/api/v1/pty", ptys.List},
		{"POST", "/api/v1/pty/spawn", ptys.Spawn},
		{"POST", "/api/v1/pty/:id/write", ptys.Write},
		{"POST", "/api/v1/pty/:id/resize", ptys.Resize},
		{"POST", "/api/v1/pty/:id/close", ptys.Close},
		{"GET", "/api/v1/pty/:id/attach", ptys.Attach},
		{"GET", "/ws", ws.HandleWebSocket},
	} {
		r.Register(route.method, route.pattern, chain(route.fn).ServeHTTP)
	}

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return &testServer{url: server.URL, operator: operator, host: host}
}

func TestClient_TriggerAndOperation(t *testing.T) {
	srv := newTestServer(t)
	srv.operator.script = []string{events.SuffixStarted, events.SuffixStdout, events.SuffixSuccess}
	c := New(srv.url, testToken)
	ctx := context.Background()

	resp, err := c.TriggerOperation(ctx, oplog.KindCreate, "vm1")
	require.NoError(t, err)
	assert.Equal(t, "create/vm1", resp.Operation)

	key := oplog.Key{Kind: oplog.KindCreate, Resource: "vm1"}
	op, err := c.Operation(ctx, key)
	require.NoError(t, err)
	assert.True(t, op.State.Succeeded())
	assert.Len(t, op.State.Stdout, 2)

	list, err := c.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, list.Tracked, 1)
	assert.Equal(t, "vm1", list.Tracked[0].Instance)

	op, err = c.ResetOperation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, oplog.InitialState(), op.State)
}

func TestClient_EnvelopeErrors(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.url, testToken)
	ctx := context.Background()

	srv.operator.err = lima.ErrOperationRunning
	_, err := c.TriggerOperation(ctx, oplog.KindStart, "vm1")
	require.Error(t, err)
	assert.True(t, IsStatus(err, common.StatusConflict))

	_, err = c.TriggerOperation(ctx, oplog.Kind("restart"), "vm1")
	assert.True(t, IsStatus(err, common.StatusValidationError))
}

func TestClient_Unauthorized(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.url, "wrong")

	_, err := c.ListInstances(context.Background())
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusUnauthorized, reqErr.StatusCode)
	assert.Equal(t, "Unauthorized", reqErr.Message)

	_, err = c.Events(context.Background())
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusUnauthorized, reqErr.StatusCode)
}

func TestClient_ListInstances(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.url, testToken)

	resp, err := c.ListInstances(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "default", resp.Instances[0].Name)
	assert.Equal(t, 4, resp.Instances[0].CPUs)
}

func TestEventStream_FeedsLocalCache(t *testing.T) {
	srv := newTestServer(t)
	srv.operator.script = []string{events.SuffixStarted, events.SuffixStdout, events.SuffixStderr, events.SuffixSuccess}
	c := New(srv.url, testToken)
	ctx := context.Background()

	stream, err := c.Events(ctx)
	require.NoError(t, err)
	defer stream.Close()

	cache := opcache.New(stream.Bus())
	defer cache.Close()

	key := oplog.Key{Kind: oplog.KindStart, Resource: "vm1"}
	succeeded := make(chan oplog.State, 1)
	obs, err := cache.Subscribe(key, func(s oplog.State) { succeeded <- s })
	require.NoError(t, err)
	defer obs.Close()

	require.NoError(t, stream.SubscribeOperation(ctx, oplog.KindStart))
	_, err = c.TriggerOperation(ctx, oplog.KindStart, "vm1")
	require.NoError(t, err)

	select {
	case state := <-succeeded:
		assert.Len(t, state.Stdout, 2)
		assert.Len(t, state.Stderr, 1)
		assert.False(t, state.IsLoading)
	case <-time.After(3 * time.Second):
		t.Fatal("success listener not called")
	}
}

func TestEventStream_SubscribeRejected(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.url, testToken)

	stream, err := c.Events(context.Background())
	require.NoError(t, err)

	err = stream.Subscribe(context.Background(), "not-a-lifecycle-topic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUBSCRIBE_FAILED")

	require.NoError(t, stream.Subscribe(context.Background(), events.Topic("stop", events.SuffixError)))
	require.NoError(t, stream.Unsubscribe(context.Background(), events.Topic("stop", events.SuffixError)))

	require.NoError(t, stream.Close())
	assert.ErrorIs(t, stream.Err(), ErrStreamClosed)
	assert.ErrorIs(t, stream.Subscribe(context.Background(), events.Topic("stop", "")), ErrStreamClosed)
}

type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) contains(s string) func() bool {
	return func() bool {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		return strings.Contains(b.buf.String(), s)
	}
}

func TestClient_DrivesBridge(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.url, testToken)
	ctx := context.Background()

	// Skip where the sandbox has no pseudo-terminals.
	trial, err := srv.host.SpawnPTY(ctx, terminal.SpawnRequest{Command: "/bin/true"})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	_ = srv.host.ClosePTY(ctx, trial)

	widget := &syncBuffer{}
	bridge := terminal.NewBridge(c, widget)

	id, err := bridge.Spawn(ctx, "/bin/sh", []string{"-c", "echo ready; exec cat"}, "")
	require.NoError(t, err)
	assert.Eventually(t, widget.contains("ready"), 3*time.Second, 10*time.Millisecond)

	require.NoError(t, bridge.Input(ctx, []byte("over the wire\n")))
	assert.Eventually(t, widget.contains("over the wire"), 3*time.Second, 10*time.Millisecond)

	bridge.Fit(40, 120)
	assert.Eventually(t, func() bool {
		list, err := c.ListPTY(ctx)
		if err != nil || list.Count != 1 {
			return false
		}
		return list.Sessions[0].Rows == 40 && list.Sessions[0].Cols == 120
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, bridge.Close(ctx))
	assert.Eventually(t, func() bool {
		list, err := c.ListPTY(ctx)
		return err == nil && list.Count == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, id)
}

func TestClient_WritePTYWithoutAttachment(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.url, testToken)

	err := c.WritePTY(context.Background(), "missing", []byte("x"))
	assert.True(t, IsStatus(err, common.StatusNotFound))

	_, err = c.AttachPTY(context.Background(), "missing", func([]byte) {})
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
	assert.Contains(t, reqErr.Message, "Session not found")
}

func TestWSURL(t *testing.T) {
	for base, want := range map[string]string{
		"http://127.0.0.1:9757": "ws://127.0.0.1:9757/ws",
		"https://bridge.local/": "wss://bridge.local/ws",
		"ws://127.0.0.1:9757":   "ws://127.0.0.1:9757/ws",
	} {
		got, err := New(base, "").wsURL("/ws")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := New("ftp://host", "").wsURL("/ws")
	assert.Error(t, err)
}
