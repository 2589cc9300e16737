package session

import (
	"encoding/json"
	"sync"

	"github.com/evergreen-oss/osrfgo/core/addr"
	"github.com/evergreen-oss/osrfgo/core/message"
)

// connectTrace is the reserved thread_trace used for the Connect
// handshake, which precedes any numbered Request.
const connectTrace = 0

// Session is one conversation thread with a service: a stable thread id,
// optional peer-address stickiness to the worker that accepted Connect,
// and the set of requests currently in flight on it.
type Session struct {
	client  *Client
	thread  string
	service string

	mu      sync.Mutex
	peer    addr.Address // current route: service queue until stickied
	nextTrc int
	pending map[int]*pendingRequest
}

// Thread returns this session's conversation id.
func (s *Session) Thread() string { return s.thread }

// Connect sends a Connect message and waits up to timeoutSecs for the
// worker's Ok status. Idempotent: calling Connect again while already
// stickied to a peer is a no-op success.
func (s *Session) Connect(timeoutSecs int) error {
	s.mu.Lock()
	already := !s.peer.IsZero() && s.peer.Kind() != addr.KindService
	s.mu.Unlock()
	if already {
		return nil
	}

	p := s.register(connectTrace)
	defer s.unregister(connectTrace)

	if err := s.sendBody(message.NewConnect(connectTrace, s.client.ingress)); err != nil {
		return err
	}

	_, _, err := s.client.recvFor(p, timeoutSecs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	connected := !s.peer.IsZero() && s.peer.Kind() != addr.KindService
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return nil
}

// Disconnect tells the peer this session is done and drops stickiness.
// Idempotent; safe to call on a session that never connected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	stickied := s.peer.Kind() != addr.KindService
	peer := s.peer
	s.peer = addr.ServiceAddress(s.client.domain, s.service)
	s.mu.Unlock()

	s.client.forget(s)
	if !stickied {
		return nil
	}

	tm := message.NewTransportMessage(
		peer.String(), addr.NewClient(s.client.domain, s.service).String(),
		s.thread, s.client.ingress, message.NewDisconnect(connectTrace, s.client.ingress),
	)
	return s.client.send(tm)
}

// Request sends method(params) as a new numbered Request and returns a
// handle for streaming back its results.
func (s *Session) Request(method string, params []json.RawMessage) (*RequestHandle, error) {
	s.mu.Lock()
	s.nextTrc++
	trc := s.nextTrc
	s.mu.Unlock()

	p := s.register(trc)

	if err := s.sendBody(message.NewRequest(trc, method, params, s.client.ingress)); err != nil {
		s.unregister(trc)
		return nil, err
	}

	return &RequestHandle{session: s, threadTrace: trc, pending: p}, nil
}

// SendRecvOne is the common-case convenience call: connect if needed,
// issue method(params), and collect every result value up to the
// request's terminal status within timeoutSecs.
func (s *Session) SendRecvOne(method string, params []json.RawMessage, timeoutSecs int) ([]json.RawMessage, error) {
	if err := s.Connect(timeoutSecs); err != nil {
		return nil, err
	}

	h, err := s.Request(method, params)
	if err != nil {
		return nil, err
	}
	defer s.unregister(h.threadTrace)

	var out []json.RawMessage
	for {
		reply, ok, err := h.Recv(timeoutSecs)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, reply)
	}
}

func (s *Session) register(trc int) *pendingRequest {
	p := newPendingRequest(trc)
	s.mu.Lock()
	s.pending[trc] = p
	s.mu.Unlock()
	return p
}

func (s *Session) unregister(trc int) {
	s.mu.Lock()
	delete(s.pending, trc)
	s.mu.Unlock()
}

func (s *Session) sendBody(m message.Message) error {
	s.mu.Lock()
	to := s.peer
	s.mu.Unlock()

	tm := message.NewTransportMessage(
		to.String(), s.client.b.Address().String(),
		s.thread, s.client.ingress, m,
	)
	return s.client.send(tm)
}

// dispatch routes one delivered TransportMessage's body messages to
// their matching pending requests, and applies peer-address stickiness
// on the first Ok status.
func (s *Session) dispatch(tm message.TransportMessage) {
	s.applyStickiness(tm)

	for _, m := range tm.Body {
		s.mu.Lock()
		p := s.pending[m.ThreadTrace]
		s.mu.Unlock()
		if p == nil {
			continue
		}
		_ = p.deliver(m)
	}
}

func (s *Session) applyStickiness(tm message.TransportMessage) {
	for _, m := range tm.Body {
		if m.Type != message.TypeStatus {
			continue
		}
		if m.StatusCode == message.StatusOk {
			if from, err := addr.Parse(tm.From); err == nil {
				s.mu.Lock()
				s.peer = from
				s.mu.Unlock()
			}
		} else if m.StatusCode.IsTerminalError() {
			s.mu.Lock()
			s.peer = addr.ServiceAddress(s.client.domain, s.service)
			s.mu.Unlock()
		}
	}
}
