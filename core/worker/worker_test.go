package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/evergreen-oss/osrfgo/core/addr"
	"github.com/evergreen-oss/osrfgo/core/bus"
	"github.com/evergreen-oss/osrfgo/core/config"
	"github.com/evergreen-oss/osrfgo/core/message"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

const testDomain = "example.org"
const testService = "opensrf.test"

type testApp struct {
	starts, ends, keepalives, idleWakes int
	apiErrors                           []error
}

func (a *testApp) Methods() []MethodDef {
	return []MethodDef{
		{
			Name: "echo", MinParams: 1, MaxParams: 1,
			Handle: func(ctx *Context, params []json.RawMessage) error {
				return ctx.RespondRaw(params[0])
			},
		},
		{
			Name: "whoami", MinParams: 0, MaxParams: 0, StatefulOnly: true,
			Handle: func(ctx *Context, params []json.RawMessage) error {
				return ctx.Respond(ctx.Stateful())
			},
		},
	}
}

func (a *testApp) AbsorbEnv() error        { return nil }
func (a *testApp) WorkerStart() error      { return nil }
func (a *testApp) StartSession(bool) error { a.starts++; return nil }
func (a *testApp) EndSession() error       { a.ends++; return nil }
func (a *testApp) KeepaliveTimeout()       { a.keepalives++ }
func (a *testApp) WorkerEnd() error        { return nil }
func (a *testApp) WorkerIdleWake(bool)     { a.idleWakes++ }
func (a *testApp) APICallError(_ string, err error) {
	a.apiErrors = append(a.apiErrors, err)
}

func newTestWorker(t *testing.T, keepalive int) (*Worker, *bus.Bus, *miniredis.Miniredis, *testApp) {
	t.Helper()
	mr := miniredis.RunT(t)

	svcAddr := addr.ServiceAddress(testDomain, testService)
	shared, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, svcAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shared.Close() })

	privAddr := addr.NewClient(testDomain, "worker")
	private, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, privAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = private.Close() })

	app := &testApp{}
	w := New(shared, private, app, keepalive, 0)

	clientAddr := addr.NewClient(testDomain, "client")
	client, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, clientAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return w, client, mr, app
}

func TestStatelessRequestRoundTrip(t *testing.T) {
	w, client, _, app := newTestWorker(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	defer cancel()

	tm := message.NewTransportMessage(
		w.shared.Address().String(), client.Address().String(), "thread-1", "",
		message.NewRequest(1, "echo", []json.RawMessage{json.RawMessage(`"hi"`)}, ""),
	)
	require.NoError(t, client.Send(tm))

	reply, err := client.Recv(context.Background(), 5, "thread-1")
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Len(t, reply.Body, 1)
	require.Equal(t, message.StatusOk, reply.Body[0].ResultStatus)
	require.JSONEq(t, `"hi"`, string(reply.Body[0].Content))

	done, err := client.Recv(context.Background(), 5, "thread-1")
	require.NoError(t, err)
	require.Equal(t, message.StatusComplete, done.Body[0].StatusCode)

	require.Equal(t, 1, app.starts)
	require.Equal(t, 1, app.ends)
}

func TestStatefulOnlyRejectedWithoutConnect(t *testing.T) {
	w, client, _, _ := newTestWorker(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	defer cancel()

	tm := message.NewTransportMessage(
		w.shared.Address().String(), client.Address().String(), "thread-1", "",
		message.NewRequest(1, "whoami", nil, ""),
	)
	require.NoError(t, client.Send(tm))

	reply, err := client.Recv(context.Background(), 5, "thread-1")
	require.NoError(t, err)
	require.Equal(t, message.StatusForbidden, reply.Body[0].StatusCode)
}

func TestUnknownMethod(t *testing.T) {
	w, client, _, app := newTestWorker(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	defer cancel()

	tm := message.NewTransportMessage(
		w.shared.Address().String(), client.Address().String(), "thread-1", "",
		message.NewRequest(1, "nope", nil, ""),
	)
	require.NoError(t, client.Send(tm))

	reply, err := client.Recv(context.Background(), 5, "thread-1")
	require.NoError(t, err)
	require.Equal(t, message.StatusNotFound, reply.Body[0].StatusCode)
	require.Len(t, app.apiErrors, 1)
}

func TestArityValidation(t *testing.T) {
	w, client, _, _ := newTestWorker(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	defer cancel()

	tm := message.NewTransportMessage(
		w.shared.Address().String(), client.Address().String(), "thread-1", "",
		message.NewRequest(1, "echo", nil, ""),
	)
	require.NoError(t, client.Send(tm))

	reply, err := client.Recv(context.Background(), 5, "thread-1")
	require.NoError(t, err)
	require.Equal(t, message.StatusBadRequest, reply.Body[0].StatusCode)
}

func TestConnectStickinessAndStatefulMethod(t *testing.T) {
	w, client, _, app := newTestWorker(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	defer cancel()

	connect := message.NewTransportMessage(
		w.shared.Address().String(), client.Address().String(), "thread-1", "",
		message.NewConnect(0, ""),
	)
	require.NoError(t, client.Send(connect))

	ack, err := client.Recv(context.Background(), 5, "thread-1")
	require.NoError(t, err)
	require.Equal(t, message.StatusOk, ack.Body[0].StatusCode)
	workerAddr := ack.From

	req := message.NewTransportMessage(
		workerAddr, client.Address().String(), "thread-1", "",
		message.NewRequest(1, "whoami", nil, ""),
	)
	require.NoError(t, client.Send(req))

	reply, err := client.Recv(context.Background(), 5, "thread-1")
	require.NoError(t, err)
	require.Equal(t, message.StatusOk, reply.Body[0].ResultStatus)
	require.JSONEq(t, `true`, string(reply.Body[0].Content))

	require.Equal(t, 1, app.starts)
}

func TestKeepaliveTimeoutEndsSession(t *testing.T) {
	w, client, _, app := newTestWorker(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	defer cancel()

	connect := message.NewTransportMessage(
		w.shared.Address().String(), client.Address().String(), "thread-1", "",
		message.NewConnect(0, ""),
	)
	require.NoError(t, client.Send(connect))

	_, err := client.Recv(context.Background(), 5, "thread-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return app.ends == 1
	}, 3*time.Second, 50*time.Millisecond)
	require.Equal(t, 1, app.keepalives)
}
