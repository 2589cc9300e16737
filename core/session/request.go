package session

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/evergreen-oss/osrfgo/core/message"
)

// pendingRequest tracks one outstanding thread_trace within a Session:
// the reassembled partial-result buffer, the queue of complete result
// values ready for delivery, and the terminal outcome once it arrives.
type pendingRequest struct {
	mu sync.Mutex

	threadTrace int
	ready       chan struct{} // signaled whenever replies/done changes

	replies []json.RawMessage
	partial strings.Builder
	inPartial bool

	done bool
	err  error
}

func newPendingRequest(threadTrace int) *pendingRequest {
	return &pendingRequest{
		threadTrace: threadTrace,
		ready:       make(chan struct{}, 1),
	}
}

func (p *pendingRequest) notify() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// deliver folds one body message addressed to this request into its
// state. Partial chunks accumulate in the string builder; a
// PartialComplete re-parses the whole buffer as a single JSON value and
// enqueues it as one result.
func (p *pendingRequest) deliver(m message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return ErrProtocolViolation
	}

	switch m.Type {
	case message.TypeResult:
		switch m.ResultStatus {
		case message.StatusPartial:
			p.inPartial = true
			var chunk string
			if err := json.Unmarshal(m.Content, &chunk); err != nil {
				return ErrProtocolViolation
			}
			p.partial.WriteString(chunk)
		case message.StatusPartialComplete:
			var chunk string
			if len(m.Content) > 0 {
				if err := json.Unmarshal(m.Content, &chunk); err != nil {
					return ErrProtocolViolation
				}
			}
			p.partial.WriteString(chunk)
			var full json.RawMessage
			if err := json.Unmarshal([]byte(p.partial.String()), &full); err != nil {
				return ErrProtocolViolation
			}
			p.partial.Reset()
			p.inPartial = false
			p.replies = append(p.replies, full)
		default:
			// Any other Result status clears a partial buffer left over
			// from a prior chunk sequence rather than carrying it forward
			// into whatever arrives next.
			p.partial.Reset()
			p.inPartial = false
			p.replies = append(p.replies, m.Content)
		}
	case message.TypeStatus:
		if m.StatusCode.IsTerminalError() {
			p.done = true
			p.err = &RemoteError{Code: m.StatusCode, Text: m.StatusText}
		} else if m.StatusCode == message.StatusComplete {
			p.done = true
		} else if m.StatusCode == message.StatusOk && p.threadTrace == connectTrace {
			// The Ok answering a Connect ends that handshake.
			p.done = true
		}
		// StatusOk / StatusContinue / StatusAccepted carry no payload.
	}

	p.notify()
	return nil
}

// take pops the next ready reply, if any. ok is false when nothing is
// queued yet; done reports whether the request has already reached its
// terminal status with nothing left to deliver.
func (p *pendingRequest) take() (reply json.RawMessage, ok bool, done bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.replies) > 0 {
		reply = p.replies[0]
		p.replies = p.replies[1:]
		return reply, true, false, nil
	}
	return nil, false, p.done, p.err
}

// RequestHandle is the caller's handle on one outstanding request within
// a Session, returned by Session.Request.
type RequestHandle struct {
	session     *Session
	threadTrace int
	pending     *pendingRequest
}

// Recv blocks up to timeoutSecs for the next reassembled result value.
// ok is false once the request has reached a terminal status with no
// further values queued. -1 blocks indefinitely, 0 polls once.
func (h *RequestHandle) Recv(timeoutSecs int) (json.RawMessage, bool, error) {
	return h.session.client.recvFor(h.pending, timeoutSecs)
}

// ThreadTrace identifies this request within its Session.
func (h *RequestHandle) ThreadTrace() int { return h.threadTrace }

// RemoteError wraps a terminal non-OK Status from the remote service.
type RemoteError struct {
	Code message.Status
	Text string
}

func (e *RemoteError) Error() string {
	return "session: remote error " + e.Code.String() + ": " + e.Text
}

func (e *RemoteError) Unwrap() error { return ErrRemote }
