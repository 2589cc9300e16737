package echo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/evergreen-oss/osrfgo/core/addr"
	"github.com/evergreen-oss/osrfgo/core/bus"
	"github.com/evergreen-oss/osrfgo/core/config"
	"github.com/evergreen-oss/osrfgo/core/message"
	"github.com/evergreen-oss/osrfgo/core/worker"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestEchoMethodReturnsEachParam(t *testing.T) {
	mr := miniredis.RunT(t)
	domain := "example.org"

	svcAddr := addr.ServiceAddress(domain, ServiceName)
	shared, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, svcAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shared.Close() })

	private, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, addr.NewClient(domain, "w"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = private.Close() })

	w := worker.New(shared, private, New(config.ServiceConfig{}), 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	client, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, addr.NewClient(domain, "c"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	tm := message.NewTransportMessage(
		svcAddr.String(), client.Address().String(), "thread-1", "",
		message.NewRequest(1, "echo", []json.RawMessage{json.RawMessage(`"a"`), json.RawMessage(`"b"`)}, ""),
	)
	require.NoError(t, client.Send(tm))

	first, err := client.Recv(context.Background(), 5, "thread-1")
	require.NoError(t, err)
	require.JSONEq(t, `"a"`, string(first.Body[0].Content))

	second, err := client.Recv(context.Background(), 5, "thread-1")
	require.NoError(t, err)
	require.JSONEq(t, `"b"`, string(second.Body[0].Content))

	done, err := client.Recv(context.Background(), 5, "thread-1")
	require.NoError(t, err)
	require.Equal(t, message.StatusComplete, done.Body[0].StatusCode)
}

func TestPingMethod(t *testing.T) {
	mr := miniredis.RunT(t)
	domain := "example.org"

	svcAddr := addr.ServiceAddress(domain, ServiceName)
	shared, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, svcAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shared.Close() })

	private, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, addr.NewClient(domain, "w"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = private.Close() })

	w := worker.New(shared, private, New(config.ServiceConfig{}), 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	client, err := bus.NewBus(config.BusConfig{Address: mr.Addr()}, addr.NewClient(domain, "c"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	tm := message.NewTransportMessage(
		svcAddr.String(), client.Address().String(), "thread-1", "",
		message.NewRequest(1, "ping", nil, ""),
	)
	require.NoError(t, client.Send(tm))

	reply, err := client.Recv(context.Background(), 5, "thread-1")
	require.NoError(t, err)
	require.JSONEq(t, `"pong"`, string(reply.Body[0].Content))
}
