package session

import "errors"

// Sentinel errors for the session/request layer.
var (
	// ErrNotConnected is returned by Connect when no Ok status arrives
	// before the timeout.
	ErrNotConnected = errors.New("session: not connected")
	// ErrProtocolViolation covers malformed or out-of-sequence messages:
	// delivery to an already-complete request.
	ErrProtocolViolation = errors.New("session: protocol violation")
	// ErrRemote wraps a terminal Status(code >= BadRequest) from the
	// remote service.
	ErrRemote = errors.New("session: remote error")
	// ErrClosed names a call made after Client.Close. Client and Session
	// methods do not check for it: after Close, sends fail with the Bus's
	// broker error and receives find nothing until their timeout.
	ErrClosed = errors.New("session: client closed")
)
