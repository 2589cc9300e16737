// Package ws implements the WebSocket-to-bus translating gateway: one
// connection carries many concurrent osrf conversations, each its own
// thread, multiplexed over one Bus connection, modeled closely on the
// original three-task design (reader/dispatcher, bus receiver, writer
// serialized behind one mutex).
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/evergreen-oss/osrfgo/core/addr"
	"github.com/evergreen-oss/osrfgo/core/bus"
	"github.com/evergreen-oss/osrfgo/core/config"
	"github.com/evergreen-oss/osrfgo/core/message"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Limits bounds one WebSocket session's concurrency, matching the
// original implementation's fixed constants.
const (
	MaxActiveRequests = 8
	MaxBacklogSize    = 1000
	MaxThreadSize     = message.MaxThreadSize
	MaxMessageSize    = 10 * 1024 * 1024
)

// conn is the subset of *websocket.Conn this package depends on, so
// tests can substitute an in-memory double.
type conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one browser WebSocket connection multiplexing many
// conversations over one Bus connection.
type Session struct {
	conn   conn
	b      *bus.Bus
	domain string

	writeMu sync.Mutex

	mu        sync.Mutex
	peers     map[string]addr.Address // thread -> stickied worker, once Connect'd/Ok'd
	inFlight  int                     // reqs_in_flight — a global counter, not per-thread
	maxActive int                     // OSRF_WS_MAX_PARALLEL, defaults to MaxActiveRequests

	freed chan struct{} // doorbell: signaled whenever inFlight may have decreased
}

// NewSession wraps an already-upgraded WebSocket connection. busCfg
// dials this session's own dedicated Bus connection, bound to a fresh
// client address. maxActive caps concurrent in-flight requests
// (OSRF_WS_MAX_PARALLEL); 0 uses MaxActiveRequests.
func NewSession(c conn, busCfg config.BusConfig, domain string, maxActive int) (*Session, error) {
	self := addr.NewClient(domain, "ws-gateway")
	b, err := bus.NewBus(busCfg, self)
	if err != nil {
		return nil, err
	}
	if maxActive <= 0 {
		maxActive = MaxActiveRequests
	}

	return &Session{
		conn:      c,
		b:         b,
		domain:    domain,
		peers:     make(map[string]addr.Address),
		freed:     make(chan struct{}, 1),
		maxActive: maxActive,
	}, nil
}

// Run drives the session until the connection closes or ctx is
// canceled. It blocks until both the reader and the bus-receiver loop
// have exited.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = s.b.Close() }()
	defer func() { _ = s.conn.Close() }()

	backlog := make(chan envelope, MaxBacklogSize)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer cancel()
		s.readLoop(backlog)
	}()

	go func() {
		defer wg.Done()
		s.busRecvLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		s.pingLoop(ctx)
	}()

	s.dispatchLoop(ctx, backlog)
	wg.Wait()
}

// readLoop is the inbound task: decode one JSON envelope per WebSocket
// text frame and hand it to the dispatcher via backlog. A frame arriving
// while the backlog is full is dropped on its own; the connection itself
// stays open — only the offending frame is lost.
func (s *Session) readLoop(backlog chan<- envelope) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			close(backlog)
			return
		}
		if len(data) >= MaxMessageSize {
			log.Error("ws gateway: frame exceeds MaxMessageSize, dropping")
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.WithError(err).Warn("ws gateway: malformed inbound frame")
			continue
		}
		if len(env.Thread) > MaxThreadSize {
			log.Warn("ws gateway: thread id exceeds MaxThreadSize, dropping frame")
			continue
		}

		select {
		case backlog <- env:
		default:
			log.Warn("ws gateway: backlog full, dropping frame")
		}
	}
}

// dispatchLoop is the main task: while reqs_in_flight is below
// MaxActiveRequests, dequeue and relay the next backlogged frame;
// otherwise the frame is left sitting in the channel — enqueued, not
// sent — until a slot frees. Only MaxBacklogSize (enforced in readLoop)
// ever causes an outright drop.
func (s *Session) dispatchLoop(ctx context.Context, backlog <-chan envelope) {
	for {
		if !s.awaitSlot(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case env, ok := <-backlog:
			if !ok {
				return
			}
			s.dispatch(env)
		}
	}
}

// awaitSlot blocks until reqs_in_flight < MaxActiveRequests, or ctx is
// canceled (in which case it returns false).
func (s *Session) awaitSlot(ctx context.Context) bool {
	for {
		s.mu.Lock()
		room := s.inFlight < s.maxActive
		s.mu.Unlock()
		if room {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.freed:
		}
	}
}

func (s *Session) signalFreed() {
	select {
	case s.freed <- struct{}{}:
	default:
	}
}

// countOutbound reports how many of msgs are Connect or Request
// sub-messages — each one increments reqs_in_flight.
func countOutbound(msgs []message.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Type == message.TypeConnect || m.Type == message.TypeRequest {
			n++
		}
	}
	return n
}

func (s *Session) dispatch(env envelope) {
	n := countOutbound(env.OsrfMsg)

	s.mu.Lock()
	to, stickied := s.peers[env.Thread]
	s.inFlight += n
	s.mu.Unlock()

	if !stickied {
		to = addr.ServiceAddress(s.domain, env.Service)
	}

	tm := message.NewTransportMessage(to.String(), s.b.Address().String(), env.Thread, env.LogXid, env.OsrfMsg...)
	if err := s.b.Send(tm); err != nil {
		log.WithError(err).Warn("ws gateway: bus send failed")
		s.releaseInFlight(n)
		s.evictPeer(env.Thread)
		return
	}

	// The session-to-peer cache is cleared on Disconnect from the
	// client, not just on a terminal reply.
	if hasDisconnect(env.OsrfMsg) {
		s.evictPeer(env.Thread)
	}
}

func hasDisconnect(msgs []message.Message) bool {
	for _, m := range msgs {
		if m.Type == message.TypeDisconnect {
			return true
		}
	}
	return false
}

// releaseInFlight decrements reqs_in_flight by n, guarded at zero: the
// counter is never tracked per-thread to compensate for a misbehaving
// service, just clamped so a spurious extra decrement cannot underflow
// it.
func (s *Session) releaseInFlight(n int) {
	s.mu.Lock()
	for i := 0; i < n; i++ {
		if s.inFlight > 0 {
			s.inFlight--
		}
	}
	s.mu.Unlock()
	s.signalFreed()
}

func (s *Session) evictPeer(thread string) {
	s.mu.Lock()
	delete(s.peers, thread)
	s.mu.Unlock()
}

// busRecvLoop is the outbound task: a dedicated receiver pulling every
// reply addressed to this connection's Bus address (no thread filter —
// many threads are in flight at once) and forwarding each to the
// browser, updating peer stickiness and active-request bookkeeping
// along the way.
func (s *Session) busRecvLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		tm, err := s.b.Recv(ctx, 1, "")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("ws gateway: bus recv error")
			continue
		}
		if tm == nil {
			continue
		}

		s.applyStickiness(*tm)
		s.applyInFlightDecrements(*tm)

		isTerminal := terminal(*tm)
		out := outboundEnvelope{
			OxrfXid:        tm.OsrfXid,
			Thread:         tm.Thread,
			OsrfMsg:        tm.Body,
			TransportError: isTerminal && hasError(*tm),
		}
		data, err := json.Marshal(out)
		if err != nil {
			log.WithError(err).Warn("ws gateway: failed to encode outbound frame")
			continue
		}

		if err := s.writeText(data); err != nil {
			log.WithError(err).Warn("ws gateway: write failed, closing session")
			return
		}

		if isTerminal {
			s.evictPeer(tm.Thread)
		}
	}
}

// applyInFlightDecrements implements the reqs_in_flight decrement
// rule: each inbound Status(Ok), Status(Complete), or terminal-error
// Status decrements the counter by one, guarded at zero.
func (s *Session) applyInFlightDecrements(tm message.TransportMessage) {
	n := 0
	for _, m := range tm.Body {
		if m.Type != message.TypeStatus {
			continue
		}
		if m.StatusCode == message.StatusOk || m.StatusCode == message.StatusComplete || m.StatusCode.IsTerminalError() {
			n++
		}
	}
	if n > 0 {
		s.releaseInFlight(n)
	}
}

func (s *Session) applyStickiness(tm message.TransportMessage) {
	for _, m := range tm.Body {
		if m.Type != message.TypeStatus || m.StatusCode != message.StatusOk {
			continue
		}
		if from, err := addr.Parse(tm.From); err == nil {
			s.mu.Lock()
			s.peers[tm.Thread] = from
			s.mu.Unlock()
		}
	}
}

func terminal(tm message.TransportMessage) bool {
	for _, m := range tm.Body {
		if m.Type == message.TypeStatus && (m.StatusCode == message.StatusComplete || m.StatusCode.IsTerminalError()) {
			return true
		}
	}
	return false
}

// hasError reports whether any sub-message of tm carried a terminal
// error status, for the transport_error flag.
func hasError(tm message.TransportMessage) bool {
	for _, m := range tm.Body {
		if m.Type == message.TypeStatus && m.StatusCode.IsTerminalError() {
			return true
		}
	}
	return false
}

func (s *Session) writeText(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// pingInterval bounds how often Session sends a WebSocket ping to keep
// intermediate proxies from closing an otherwise idle connection.
const pingInterval = 30 * time.Second

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
