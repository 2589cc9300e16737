// Package session implements the request/response client layer above
// core/bus: Client multiplexes many concurrent Sessions, and each
// Session multiplexes many concurrent requests, over one Bus connection.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/evergreen-oss/osrfgo/core/addr"
	"github.com/evergreen-oss/osrfgo/core/bus"
	"github.com/evergreen-oss/osrfgo/core/message"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// pumpSlice bounds how long any one caller can hold the receive turn
// before yielding, so a caller blocked on an empty mailbox cannot starve
// siblings waiting on the same Bus connection.
const pumpSlice = 1 * time.Second

// Client owns one Bus connection and the Sessions multiplexed over it.
type Client struct {
	b       *bus.Bus
	domain  string
	ingress string

	recvMu sync.Mutex // serializes the one allowed concurrent Bus.Recv

	mu       sync.Mutex
	sessions map[string]*Session // by thread
	closed   bool
}

// NewClient wraps an already-connected Bus. ingress tags every outgoing
// TransportMessage's osrf_xid.
func NewClient(b *bus.Bus, domain, ingress string) *Client {
	return &Client{
		b:        b,
		domain:   domain,
		ingress:  ingress,
		sessions: make(map[string]*Session),
	}
}

// Session creates a new, unconnected conversation with service. Cheap:
// it only allocates local state.
func (c *Client) Session(service string) *Session {
	s := &Session{
		client:  c,
		thread:  uuid.NewString(),
		service: service,
		peer:    addr.ServiceAddress(c.domain, service),
		pending: make(map[int]*pendingRequest),
	}

	c.mu.Lock()
	c.sessions[s.thread] = s
	c.mu.Unlock()

	return s
}

// Close releases the underlying Bus connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.b.Close()
}

func (c *Client) forget(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s.thread)
	c.mu.Unlock()
}

func (c *Client) send(tm message.TransportMessage) error {
	return c.b.Send(tm)
}

// recvFor blocks until p has a value ready, reaches a terminal state, or
// timeoutSecs elapses, pumping the shared Bus connection as needed and
// dispatching whatever arrives to the right Session/request along the
// way.
func (c *Client) recvFor(p *pendingRequest, timeoutSecs int) (json.RawMessage, bool, error) {
	if reply, ok, done, err := p.take(); ok {
		return reply, true, nil
	} else if done {
		return nil, false, err
	}

	var deadline time.Time
	bounded := timeoutSecs > 0
	if bounded {
		deadline = time.Now().Add(time.Duration(timeoutSecs) * time.Second)
	}

	for {
		c.pumpOnce(timeoutSecs, deadline, bounded)

		reply, ok, done, err := p.take()
		if ok {
			return reply, true, nil
		}
		if done {
			return nil, false, err
		}
		if timeoutSecs == 0 {
			return nil, false, nil
		}
		if bounded && !time.Now().Before(deadline) {
			return nil, false, nil
		}
	}
}

// pumpOnce acquires the single receive turn and performs one bounded
// Bus.Recv, dispatching the result if any arrived. Safe to call from
// many goroutines: each either pumps or waits briefly for its turn.
func (c *Client) pumpOnce(timeoutSecs int, deadline time.Time, bounded bool) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	wait := pumpSlice
	switch {
	case timeoutSecs == 0:
		wait = 0
	case bounded:
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if remaining < wait {
			wait = remaining
		}
	}

	secs := int(wait / time.Second)
	if wait > 0 && secs == 0 {
		secs = 1
	}

	tm, err := c.b.Recv(context.Background(), secs, "")
	if err != nil {
		log.WithError(err).Warn("session: bus recv error")
		return
	}
	if tm == nil {
		return
	}
	c.dispatch(*tm)
}

func (c *Client) dispatch(tm message.TransportMessage) {
	c.mu.Lock()
	s := c.sessions[tm.Thread]
	c.mu.Unlock()

	if s == nil {
		log.WithField("thread", tm.Thread).Debug("session: reply for unknown thread dropped")
		return
	}
	s.dispatch(tm)
}
