package worker

import (
	"encoding/json"

	"github.com/evergreen-oss/osrfgo/core/bus"
	"github.com/evergreen-oss/osrfgo/core/message"
)

// Context is the per-Request handle a MethodDef's Handle func uses to
// stream results back to the caller.
type Context struct {
	b           *bus.Bus
	self        string
	to          string
	thread      string
	threadTrace int
	stateful    bool

	terminal bool
}

// Stateful reports whether this Request arrived on a connected session,
// i.e. whether a StatefulOnly method may run.
func (c *Context) Stateful() bool { return c.stateful }

// Respond marshals value to JSON and sends it as a Result with
// StatusOk. May be called more than once for a multi-value reply.
func (c *Context) Respond(value any) error {
	content, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.RespondRaw(content)
}

// RespondRaw sends content as-is as a Result with StatusOk.
func (c *Context) RespondRaw(content json.RawMessage) error {
	return c.send(message.NewResult(c.threadTrace, message.StatusOk, content, ""))
}

// Complete sends the terminal StatusComplete for this request. Calling
// it is optional: Worker sends it automatically if the Handle func
// returns without having sent a terminal status itself.
func (c *Context) Complete() error {
	c.terminal = true
	return c.send(message.NewStatus(c.threadTrace, message.StatusComplete, "", ""))
}

// Fail sends a terminal error status, ending the request with a
// specific code instead of the generic InternalError Worker would send
// for a returned error.
func (c *Context) Fail(code message.Status, text string) error {
	c.terminal = true
	return c.send(message.NewStatus(c.threadTrace, code, text, ""))
}

func (c *Context) send(m message.Message) error {
	tm := message.NewTransportMessage(c.to, c.self, c.thread, "", m)
	return c.b.Send(tm)
}
