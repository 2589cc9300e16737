// Package echo hosts a minimal Application that exercises a worker and
// the gateways end-to-end: it echoes its parameters back, and exposes
// a stateful "time" method to exercise session stickiness.
package echo

import (
	"encoding/json"
	"time"

	"github.com/evergreen-oss/osrfgo/core/config"
	"github.com/evergreen-oss/osrfgo/core/worker"

	log "github.com/sirupsen/logrus"
)

// ServiceName is this service's well-known bus name.
const ServiceName = "opensrf.system.echo"

// App implements worker.Application.
type App struct {
	svc      config.ServiceConfig
	sessions int
}

// New returns a fresh echo App. svc identifies this service instance
// for logging; a zero value defaults to ServiceName.
func New(svc config.ServiceConfig) *App {
	if svc.ID == "" {
		svc.ID = ServiceName
	}
	return &App{svc: svc}
}

// Methods implements worker.Application.
func (a *App) Methods() []worker.MethodDef {
	return []worker.MethodDef{
		{
			Name: "echo", MinParams: 0, MaxParams: -1,
			Handle: func(ctx *worker.Context, params []json.RawMessage) error {
				for _, p := range params {
					if err := ctx.RespondRaw(p); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name: "time", MinParams: 0, MaxParams: 0, StatefulOnly: true,
			Handle: func(ctx *worker.Context, params []json.RawMessage) error {
				return ctx.Respond(time.Now().UTC().Format(time.RFC3339))
			},
		},
		{
			Name: "ping", MinParams: 0, MaxParams: 0,
			Handle: func(ctx *worker.Context, params []json.RawMessage) error {
				return ctx.Respond("pong")
			},
		},
	}
}

// AbsorbEnv implements worker.Application. The echo service has no
// per-worker environment state beyond the ServiceConfig it was built
// with, so this is a no-op.
func (a *App) AbsorbEnv() error { return nil }

// WorkerStart implements worker.Application.
func (a *App) WorkerStart() error {
	log.WithField("service", a.svc.ID).Info("echo service worker starting")
	return nil
}

// StartSession implements worker.Application.
func (a *App) StartSession(stateful bool) error {
	a.sessions++
	return nil
}

// EndSession implements worker.Application.
func (a *App) EndSession() error { return nil }

// KeepaliveTimeout implements worker.Application.
func (a *App) KeepaliveTimeout() {
	log.WithField("service", a.svc.ID).Debug("echo service session keepalive expired")
}

// WorkerEnd implements worker.Application.
func (a *App) WorkerEnd() error {
	log.WithField("sessions", a.sessions).Info("echo service worker stopping")
	return nil
}

// WorkerIdleWake implements worker.Application.
func (a *App) WorkerIdleWake(connected bool) {}

// APICallError implements worker.Application.
func (a *App) APICallError(call string, err error) {
	log.WithFields(log.Fields{"service": a.svc.ID, "method": call}).WithError(err).
		Warn("echo service api call error")
}
