package worker

import "encoding/json"

// Handler implements one registered method. It streams results through
// ctx.Respond and either returns nil (Worker sends StatusComplete) or an
// error (Worker sends StatusInternalError), unless the handler already
// sent its own terminal status via ctx.Complete/ctx.Fail.
type Handler func(ctx *Context, params []json.RawMessage) error

// MethodDef describes one callable method and its calling convention.
type MethodDef struct {
	Name string

	// MinParams/MaxParams bound the accepted parameter count. MaxParams
	// of -1 means unbounded.
	MinParams int
	MaxParams int

	// StatefulOnly methods may only run within a Connect'd session.
	StatefulOnly bool

	Handle Handler
}

// Application is the service implementation hosted by a Worker. Its
// lifecycle hooks bracket the process (AbsorbEnv/WorkerStart/WorkerEnd)
// and each conversation (StartSession/EndSession):
//
//	AbsorbEnv → WorkerStart → (StartSession → handle requests → EndSession)* → WorkerEnd
type Application interface {
	// Methods returns the method registry this Application exposes.
	Methods() []MethodDef

	// AbsorbEnv runs once, before WorkerStart, giving the Application a
	// chance to pick up per-worker environment/configuration state that
	// isn't shared with its siblings.
	AbsorbEnv() error

	// WorkerStart runs once before the first session, after AbsorbEnv.
	WorkerStart() error

	// StartSession runs at the beginning of each conversation. stateful
	// is true when the conversation began with Connect.
	StartSession(stateful bool) error

	// EndSession runs when a conversation ends, whether via Disconnect,
	// keepalive timeout, or immediately after a one-shot stateless
	// request.
	EndSession() error

	// KeepaliveTimeout runs when a connected session has been idle
	// longer than the configured keepalive, immediately before the
	// Worker ends the session and calls EndSession.
	KeepaliveTimeout()

	// WorkerEnd runs once when the worker is shutting down.
	WorkerEnd() error

	// WorkerIdleWake runs when the worker wakes from its poll for a
	// reason other than incoming work, shutdown, or keepalive —
	// currently unused by this Worker's single-queue poll loop, but
	// part of the contract so a future multi-source poll can invoke it
	// without an interface break.
	WorkerIdleWake(connected bool)

	// APICallError runs when a method handler returns an error (or the
	// method/arity lookup itself fails) for call, before the Worker
	// sends the corresponding error Status to the caller.
	APICallError(call string, err error)
}
