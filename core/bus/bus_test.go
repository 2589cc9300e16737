package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/evergreen-oss/osrfgo/core/addr"
	"github.com/evergreen-oss/osrfgo/core/config"
	"github.com/evergreen-oss/osrfgo/core/message"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, self addr.Address) (*Bus, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	b, err := NewBus(config.BusConfig{Address: mr.Addr()}, self)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return b, mr
}

func TestSendRecvRoundTrip(t *testing.T) {
	self := addr.NewClient("example.org", "test")
	b, _ := newTestBus(t, self)

	tm := message.NewTransportMessage(
		self.String(), "example.org:service:svc", "thread-1", "",
		message.NewResult(1, message.StatusOk, json.RawMessage(`"Hello"`), ""),
	)

	require.NoError(t, b.Send(tm))

	got, err := b.Recv(context.Background(), 5, "")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "thread-1", got.Thread)
}

func TestRecvTimesOut(t *testing.T) {
	self := addr.NewClient("example.org", "test")
	b, _ := newTestBus(t, self)

	got, err := b.Recv(context.Background(), 1, "")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRecvNonBlockingEmpty(t *testing.T) {
	self := addr.NewClient("example.org", "test")
	b, _ := newTestBus(t, self)

	got, err := b.Recv(context.Background(), 0, "")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRecvThreadFilterBuffersOthers(t *testing.T) {
	self := addr.NewClient("example.org", "test")
	b, _ := newTestBus(t, self)

	for _, thread := range []string{"t-a", "t-b"} {
		tm := message.NewTransportMessage(
			self.String(), "example.org:service:svc", thread, "",
			message.NewStatus(1, message.StatusComplete, "", ""),
		)
		require.NoError(t, b.Send(tm))
	}

	got, err := b.Recv(context.Background(), 2, "t-b")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "t-b", got.Thread)

	// t-a was popped off the queue while scanning for t-b; it must be
	// replayed from the in-process buffer, not lost.
	got, err = b.Recv(context.Background(), 2, "t-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "t-a", got.Thread)
}

func TestSendToExplicitQueue(t *testing.T) {
	self := addr.NewClient("example.org", "test")
	b, _ := newTestBus(t, self)

	router := addr.RouterAddress("example.org")
	tm := message.NewTransportMessage(
		"example.org:service:svc", self.String(), "thread-1", "",
		message.NewConnect(1, ""),
	)

	require.NoError(t, b.SendTo(tm, router))

	n, err := b.LLen(context.Background(), router.String())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestAdminOps(t *testing.T) {
	self := addr.NewClient("example.org", "test")
	b, _ := newTestBus(t, self)
	ctx := context.Background()

	tm := message.NewTransportMessage(
		self.String(), "x", "thread-1", "",
		message.NewConnect(1, ""),
	)
	require.NoError(t, b.Send(tm))

	keys, err := b.Keys(ctx, self.Domain()+":*")
	require.NoError(t, err)
	require.Contains(t, keys, self.String())

	ttl, err := b.TTL(ctx, self.String())
	require.NoError(t, err)
	require.Equal(t, -1, int(ttl.Seconds()))

	require.NoError(t, b.SetKeyTimeout(ctx, self.String(), 30))
	ttl, err = b.TTL(ctx, self.String())
	require.NoError(t, err)
	require.True(t, ttl.Seconds() > 0)

	vals, err := b.LRange(ctx, self.String(), 0, 0)
	require.NoError(t, err)
	require.Len(t, vals, 1)
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	self := addr.NewClient("example.org", "test")
	b, _ := newTestBus(t, self)

	err := b.Send(message.TransportMessage{To: self.String(), From: "x"})
	require.Error(t, err)
}
