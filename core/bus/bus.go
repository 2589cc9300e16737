// Package bus implements the reliable, addressable asynchronous message
// transport over a shared Redis-style list broker.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/evergreen-oss/osrfgo/core/addr"
	"github.com/evergreen-oss/osrfgo/core/config"
	"github.com/evergreen-oss/osrfgo/core/message"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Bus is a point-to-point transport bound to one owner address. Bus
// handles are not thread-shareable: each worker or gateway task owns
// exactly one.
type Bus struct {
	client *redis.Client
	self   addr.Address

	mu      sync.Mutex
	pending map[string][]message.TransportMessage // thread -> buffered deliveries
	closed  bool
}

// NewBus dials the broker described by cfg and binds the resulting
// connection to self, the address this Bus will Recv on.
func NewBus(cfg config.BusConfig, self addr.Address) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, wrapIO("connect", err)
	}

	log.WithFields(log.Fields{"address": cfg.Address, "self": self.String()}).
		Info("bus connected to broker")

	return &Bus{
		client:  client,
		self:    self,
		pending: make(map[string][]message.TransportMessage),
	}, nil
}

// Address returns the address this Bus receives on.
func (b *Bus) Address() addr.Address { return b.self }

// Close releases the underlying broker connection. Any message still in
// flight on the broker is lost.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.client.Close()
}

// Send serializes tm and pushes it to the queue named tm.To.
func (b *Bus) Send(tm message.TransportMessage) error {
	return b.send(tm, tm.To)
}

// SendTo serializes tm and pushes it to an explicitly named queue,
// bypassing tm.To. The session and gateway send paths use Send instead.
func (b *Bus) SendTo(tm message.TransportMessage, queue addr.Address) error {
	return b.send(tm, queue.String())
}

func (b *Bus) send(tm message.TransportMessage, queue string) error {
	if err := tm.Validate(); err != nil {
		return err
	}

	data, err := tm.Marshal()
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"to":     queue,
		"from":   tm.From,
		"thread": tm.Thread,
	}).Debug("bus send")

	if err := b.client.RPush(context.Background(), queue, data).Err(); err != nil {
		return wrapIO("send", err)
	}
	return nil
}

// Recv blocks up to timeoutSecs for the next TransportMessage addressed
// to this Bus's owner. -1 blocks indefinitely, 0 is non-blocking. When
// thread is non-empty, Recv only returns a message belonging to that
// thread, buffering any others it pops along the way for a later Recv
// call on that thread.
func (b *Bus) Recv(ctx context.Context, timeoutSecs int, thread string) (*message.TransportMessage, error) {
	if thread != "" {
		if tm, ok := b.takeBuffered(thread); ok {
			return &tm, nil
		}
	}

	// Non-blocking: a single immediate attempt, never looping.
	if timeoutSecs == 0 {
		tm, err := b.popOnce(ctx, -1)
		if err != nil || tm == nil {
			return nil, err
		}
		if thread == "" || tm.Thread == thread {
			return tm, nil
		}
		b.bufferMessage(*tm)
		return nil, nil
	}

	var deadline time.Time
	if timeoutSecs > 0 {
		deadline = time.Now().Add(time.Duration(timeoutSecs) * time.Second)
	}

	for {
		wait := time.Duration(0) // 0 == block forever, for timeoutSecs == -1
		if timeoutSecs > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, nil
			}
		}

		tm, err := b.popOnce(ctx, wait)
		if err != nil {
			return nil, err
		}
		if tm == nil {
			return nil, nil // timed out
		}
		if thread == "" || tm.Thread == thread {
			return tm, nil
		}

		log.WithFields(log.Fields{"thread": tm.Thread, "want": thread}).
			Trace("bus buffering out-of-thread message")
		b.bufferMessage(*tm)
	}
}

// popOnce pops the next message from the owner's queue. wait is the
// BLPOP timeout; a zero wait means block forever. Pass wait < 0 to
// force a non-blocking LPOP.
func (b *Bus) popOnce(ctx context.Context, wait time.Duration) (*message.TransportMessage, error) {
	queue := b.self.String()

	if wait < 0 {
		res, err := b.client.LPop(ctx, queue).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, wrapIO("recv", err)
		}
		tm, err := message.Unmarshal([]byte(res))
		if err != nil {
			return nil, err
		}
		return &tm, nil
	}

	res, err := b.client.BLPop(ctx, wait, queue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapIO("recv", err)
	}
	if len(res) != 2 {
		return nil, nil
	}
	tm, err := message.Unmarshal([]byte(res[1]))
	if err != nil {
		return nil, err
	}
	return &tm, nil
}

func (b *Bus) bufferMessage(tm message.TransportMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[tm.Thread] = append(b.pending[tm.Thread], tm)
}

func (b *Bus) takeBuffered(thread string) (message.TransportMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.pending[thread]
	if len(queue) == 0 {
		return message.TransportMessage{}, false
	}
	tm := queue[0]
	b.pending[thread] = queue[1:]
	if len(b.pending[thread]) == 0 {
		delete(b.pending, thread)
	}
	return tm, true
}

// Keys lists broker keys matching glob, used only by the bus-watch tool.
func (b *Bus) Keys(ctx context.Context, glob string) ([]string, error) {
	keys, err := b.client.Keys(ctx, glob).Result()
	if err != nil {
		return nil, wrapIO("keys", err)
	}
	return keys, nil
}

// LLen returns the length of queue.
func (b *Bus) LLen(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, wrapIO("llen", err)
	}
	return n, nil
}

// LRange returns queue elements in [start, stop].
func (b *Bus) LRange(ctx context.Context, queue string, start, stop int64) ([]string, error) {
	vals, err := b.client.LRange(ctx, queue, start, stop).Result()
	if err != nil {
		return nil, wrapIO("lrange", err)
	}
	return vals, nil
}

// TTL returns the remaining time-to-live of queue, or -1 if it has none
// and exists, per Redis TTL semantics.
func (b *Bus) TTL(ctx context.Context, queue string) (time.Duration, error) {
	ttl, err := b.client.TTL(ctx, queue).Result()
	if err != nil {
		return 0, wrapIO("ttl", err)
	}
	if ttl < 0 {
		// The client reports the -1/-2 sentinels as bare nanoseconds;
		// scale them to seconds like every other TTL value.
		return ttl * time.Second, nil
	}
	return ttl, nil
}

// SetKeyTimeout sets queue to expire after d, used by the bus-watch tool
// to garbage-collect stalled listener queues.
func (b *Bus) SetKeyTimeout(ctx context.Context, queue string, d time.Duration) error {
	if err := b.client.Expire(ctx, queue, d).Err(); err != nil {
		return wrapIO("set_key_timeout", err)
	}
	return nil
}
