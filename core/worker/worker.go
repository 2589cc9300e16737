// Package worker implements the per-process service-hosting side of the
// bus: absorbing Connect/Request/Disconnect traffic for one Application
// and driving its session lifecycle.
package worker

import (
	"context"
	"fmt"

	"github.com/evergreen-oss/osrfgo/core/bus"
	"github.com/evergreen-oss/osrfgo/core/message"

	log "github.com/sirupsen/logrus"
)

// DefaultKeepaliveSeconds bounds how long a Worker waits on its private
// address for the next Request in a connected session before treating it
// as abandoned.
const DefaultKeepaliveSeconds = 60

// pollSeconds bounds how long Worker blocks on its shared queue between
// checks of the caller's context, so Run returns promptly on shutdown.
const pollSeconds = 2

// Worker processes bus traffic for one Application, one conversation at
// a time. Running several Workers concurrently (via core/mptc) is how a
// service scales out; a single Worker never runs two conversations at
// once, matching the teacher's single-threaded worker model.
type Worker struct {
	shared  *bus.Bus // bound to the service's well-known, load-balanced queue
	private *bus.Bus // bound to this worker's unique address, used once stickied
	app     Application
	methods map[string]MethodDef

	keepaliveSeconds int
	maxRequests      int
	handled          int

	connected bool
	thread    string
	client    string
	stateful  bool
}

// New builds a Worker. shared must be bound to the service's
// addr.ServiceAddress queue; private must be bound to a unique
// addr.NewClient-style address reserved for this worker alone.
// maxRequests, if positive, makes Run return cleanly after that many
// requests have been handled, so a core/mptc Pool can recycle the
// worker with a fresh one — the same bounded-lifetime pattern the
// teacher's process-pool services use.
func New(shared, private *bus.Bus, app Application, keepaliveSeconds, maxRequests int) *Worker {
	if keepaliveSeconds <= 0 {
		keepaliveSeconds = DefaultKeepaliveSeconds
	}

	methods := make(map[string]MethodDef)
	for _, m := range app.Methods() {
		methods[m.Name] = m
	}

	return &Worker{
		shared:           shared,
		private:          private,
		app:              app,
		methods:          methods,
		keepaliveSeconds: keepaliveSeconds,
		maxRequests:      maxRequests,
	}
}

// Run absorbs bus traffic until ctx is canceled or, when maxRequests is
// positive, until that many requests have been handled outside a
// connected session. Receive errors, including those from a closed Bus,
// are logged and the loop keeps polling. It calls WorkerStart once
// before the loop and WorkerEnd once after, per the Application
// lifecycle.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.app.AbsorbEnv(); err != nil {
		return fmt.Errorf("worker: AbsorbEnv: %w", err)
	}
	if err := w.app.WorkerStart(); err != nil {
		return fmt.Errorf("worker: WorkerStart: %w", err)
	}
	defer func() {
		if w.connected {
			w.endSession()
		}
		if err := w.app.WorkerEnd(); err != nil {
			log.WithError(err).Warn("worker: WorkerEnd failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var (
			tm  *message.TransportMessage
			err error
		)

		if w.connected {
			tm, err = w.private.Recv(ctx, w.keepaliveSeconds, w.thread)
			if err == nil && tm == nil {
				log.WithField("thread", w.thread).Debug("worker: keepalive expired, ending session")
				w.app.KeepaliveTimeout()
				w.endSession()
				continue
			}
		} else {
			tm, err = w.shared.Recv(ctx, pollSeconds, "")
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("worker: recv error")
			continue
		}
		if tm == nil {
			continue
		}

		w.handle(*tm)

		if w.maxRequests > 0 && w.handled >= w.maxRequests && !w.connected {
			log.WithField("handled", w.handled).Debug("worker: max requests reached, recycling")
			return nil
		}
	}
}

func (w *Worker) handle(tm message.TransportMessage) {
	for _, m := range tm.Body {
		switch m.Type {
		case message.TypeConnect:
			w.beginSession(tm)
		case message.TypeRequest:
			w.handleRequest(tm, m)
		case message.TypeDisconnect:
			w.endSession()
		default:
			log.WithField("type", m.Type).Debug("worker: ignoring message type")
		}
	}
}

func (w *Worker) beginSession(tm message.TransportMessage) {
	w.connected = true
	w.thread = tm.Thread
	w.client = tm.From
	w.stateful = true

	if err := w.app.StartSession(true); err != nil {
		log.WithError(err).Warn("worker: StartSession failed")
	}

	ack := message.NewTransportMessage(
		tm.From, w.private.Address().String(), tm.Thread, "",
		message.NewStatus(0, message.StatusOk, "OK", ""),
	)
	if err := w.private.Send(ack); err != nil {
		log.WithError(err).Warn("worker: failed to ack Connect")
	}
}

func (w *Worker) endSession() {
	if !w.connected {
		return
	}
	if err := w.app.EndSession(); err != nil {
		log.WithError(err).Warn("worker: EndSession failed")
	}
	w.connected = false
	w.thread = ""
	w.client = ""
	w.stateful = false
}

func (w *Worker) handleRequest(tm message.TransportMessage, m message.Message) {
	w.handled++
	stateful := w.connected
	client := tm.From
	replyBus := w.shared
	self := w.shared.Address().String()
	if w.connected {
		client = w.client
		replyBus = w.private
		self = w.private.Address().String()
	} else {
		if err := w.app.StartSession(false); err != nil {
			log.WithError(err).Warn("worker: StartSession failed")
		}
		defer w.app.EndSession() //nolint:errcheck
	}

	ctx := &Context{
		b: replyBus, self: self, to: client,
		thread: tm.Thread, threadTrace: m.ThreadTrace, stateful: stateful,
	}

	def, ok := w.methods[m.Method]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownMethod, m.Method)
		w.app.APICallError(m.Method, err)
		_ = ctx.Fail(message.StatusNotFound, err.Error())
		return
	}
	if def.StatefulOnly && !stateful {
		err := fmt.Errorf("%w: %s", ErrStatefulOnly, m.Method)
		w.app.APICallError(m.Method, err)
		_ = ctx.Fail(message.StatusForbidden, err.Error())
		return
	}
	if len(m.Params) < def.MinParams || (def.MaxParams >= 0 && len(m.Params) > def.MaxParams) {
		err := fmt.Errorf("%w: %s wants %d-%d params, got %d", ErrArity, m.Method, def.MinParams, def.MaxParams, len(m.Params))
		w.app.APICallError(m.Method, err)
		_ = ctx.Fail(message.StatusBadRequest, err.Error())
		return
	}

	if err := def.Handle(ctx, m.Params); err != nil {
		w.app.APICallError(m.Method, err)
		if !ctx.terminal {
			_ = ctx.Fail(message.StatusInternalError, err.Error())
		}
		return
	}
	if !ctx.terminal {
		_ = ctx.Complete()
	}
}
