package ws

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
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testDomain = "example.org"
const testService = "opensrf.test"

// fakeConn is an in-memory conn double: inbound frames are fed through
// in, outbound writes land on out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, websocket.ErrCloseSent
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, websocket.ErrCloseSent
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil // drop pings in tests
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func newTestSession(t *testing.T, mr *miniredis.Miniredis) (*Session, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	s, err := NewSession(fc, config.BusConfig{Address: mr.Addr()}, testDomain, 0)
	require.NoError(t, err)
	return s, fc
}

func TestDispatchRoutesToServiceQueueThenFollowsStickiness(t *testing.T) {
	mr := miniredis.RunT(t)
	s, fc := newTestSession(t, mr)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	env := envelope{
		Service: testService, Thread: "t-1",
		OsrfMsg: []message.Message{message.NewConnect(0, "")},
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	fc.in <- data

	svcAddr := addr.ServiceAddress(testDomain, testService)
	workerBus, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, svcAddr)
	require.NoError(t, err)
	defer func() { _ = workerBus.Close() }()

	tm, err := workerBus.Recv(context.Background(), 5, "")
	require.NoError(t, err)
	require.NotNil(t, tm)
	require.Equal(t, "t-1", tm.Thread)

	workerAddr := addr.NewClient(testDomain, "worker")
	privBus, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, workerAddr)
	require.NoError(t, err)
	defer func() { _ = privBus.Close() }()

	ack := message.NewTransportMessage(
		tm.From, workerAddr.String(), "t-1", "",
		message.NewStatus(0, message.StatusOk, "OK", ""),
	)
	require.NoError(t, privBus.Send(ack))

	select {
	case out := <-fc.out:
		var gotEnv envelope
		require.NoError(t, json.Unmarshal(out, &gotEnv))
		require.Equal(t, "t-1", gotEnv.Thread)
		require.Equal(t, message.StatusOk, gotEnv.OsrfMsg[0].StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
	}

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.peers["t-1"]
		return ok
	}, time.Second, 10*time.Millisecond)

	req := envelope{Thread: "t-1", OsrfMsg: []message.Message{message.NewRequest(1, "whoami", nil, "")}}
	reqData, err := json.Marshal(req)
	require.NoError(t, err)
	fc.in <- reqData

	tm2, err := privBus.Recv(context.Background(), 5, "t-1")
	require.NoError(t, err)
	require.NotNil(t, tm2)
	require.Equal(t, workerAddr.String(), tm2.To)
}

// TestOutboundFrameUsesOxrfXidAndTransportError exercises the
// on-the-wire oxrf_xid key (a verbatim typo) and the transport_error
// flag set on a terminal-error reply.
func TestOutboundFrameUsesOxrfXidAndTransportError(t *testing.T) {
	mr := miniredis.RunT(t)
	s, fc := newTestSession(t, mr)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	// A single Message (not wrapped in an array) must be accepted as a
	// convenience.
	raw := []byte(`{"thread":"t-err","service":"` + testService + `","osrf_msg":{"type":"CONNECT","thread_trace":0}}`)
	fc.in <- raw

	svcAddr := addr.ServiceAddress(testDomain, testService)
	workerBus, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, svcAddr)
	require.NoError(t, err)
	defer func() { _ = workerBus.Close() }()

	tm, err := workerBus.Recv(context.Background(), 5, "")
	require.NoError(t, err)
	require.NotNil(t, tm)
	require.Len(t, tm.Body, 1)
	require.Equal(t, message.TypeConnect, tm.Body[0].Type)

	reply := message.NewTransportMessage(
		tm.From, svcAddr.String(), "t-err", "trace-xyz",
		message.NewStatus(0, message.StatusBadRequest, "bad request", ""),
	)
	require.NoError(t, workerBus.Send(reply))

	select {
	case out := <-fc.out:
		var raw map[string]any
		require.NoError(t, json.Unmarshal(out, &raw))
		require.Equal(t, "trace-xyz", raw["oxrf_xid"])
		require.NotContains(t, raw, "log_xid")
		require.Equal(t, true, raw["transport_error"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
	}
}

// TestBacklogOverflowDropsFrameButKeepsReading covers: once the
// backlog is full, the overflowing frame is dropped but readLoop keeps
// running rather than tearing down the connection.
func TestBacklogOverflowDropsFrameButKeepsReading(t *testing.T) {
	mr := miniredis.RunT(t)
	s, fc := newTestSession(t, mr)

	backlog := make(chan envelope, MaxBacklogSize)
	done := make(chan struct{})
	go func() { s.readLoop(backlog); close(done) }()

	frame, err := json.Marshal(envelope{Service: testService, Thread: "filler"})
	require.NoError(t, err)
	for i := 0; i < MaxBacklogSize; i++ {
		fc.in <- frame
	}
	require.Eventually(t, func() bool {
		return len(backlog) == MaxBacklogSize
	}, time.Second, 10*time.Millisecond, "expected backlog to fill")

	// The 1001st frame overflows the full backlog; readLoop must drop it
	// and keep going rather than closing the connection.
	overflow, err := json.Marshal(envelope{Service: testService, Thread: "overflow"})
	require.NoError(t, err)
	fc.in <- overflow

	select {
	case <-done:
		t.Fatal("readLoop exited on backlog overflow, expected it to keep reading")
	case <-time.After(100 * time.Millisecond):
	}

	require.Equal(t, MaxBacklogSize, len(backlog), "overflowing frame must not have been enqueued")

	fc.Close()
	<-done
}

// TestClientDisconnectEvictsPeerCache covers: the session-to-peer
// cache is cleared on a Disconnect sent by the client, not only on a
// terminal error reply.
func TestClientDisconnectEvictsPeerCache(t *testing.T) {
	mr := miniredis.RunT(t)
	s, fc := newTestSession(t, mr)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	s.mu.Lock()
	s.peers["t-disc"] = addr.NewClient(testDomain, "worker")
	s.mu.Unlock()

	svcAddr := addr.ServiceAddress(testDomain, testService)
	workerBus, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, svcAddr)
	require.NoError(t, err)
	defer func() { _ = workerBus.Close() }()

	env := envelope{Thread: "t-disc", Service: testService, OsrfMsg: []message.Message{message.NewDisconnect(1, "")}}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	fc.in <- data

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.peers["t-disc"]
		return !ok
	}, time.Second, 10*time.Millisecond, "expected peer cache entry to be evicted on client Disconnect")
}

// TestOversizedFrameDropped covers the MAX_MESSAGE_SIZE policy: a
// frame at or above 10 MiB is dropped, never forwarded.
func TestOversizedFrameDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	s, fc := newTestSession(t, mr)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	fc.in <- make([]byte, MaxMessageSize)

	select {
	case <-fc.out:
		t.Fatal("expected oversized frame to be dropped, not forwarded")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestThreadExceedingMaxSizeDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	s, fc := newTestSession(t, mr)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	longThread := make([]byte, MaxThreadSize+1)
	for i := range longThread {
		longThread[i] = 'a'
	}
	env := envelope{Service: testService, Thread: string(longThread)}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	fc.in <- data

	select {
	case <-fc.out:
		t.Fatal("expected oversized thread frame to be dropped, not forwarded")
	case <-time.After(200 * time.Millisecond):
	}
}
