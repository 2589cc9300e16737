// Package mptc implements a generic, supervised worker pool: a minimum
// number of long-running workers kept alive at all times, growable up
// to a maximum via Grow, each restarted (with panic recovery) if it
// exits unexpectedly, and shut down with a bounded grace period.
package mptc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// RequestStream is one long-running unit of work a Pool supervises.
// Run should block until ctx is canceled or the stream has nothing more
// to do (e.g. a core/worker.Worker hitting its request-recycle limit),
// returning nil in either case; a non-nil error is logged and the
// stream is restarted.
type RequestStream interface {
	Run(ctx context.Context) error
}

// Factory builds a fresh RequestStream instance, e.g. a new
// core/worker.Worker bound to its own private Bus address.
type Factory func() (RequestStream, error)

// restartBackoff bounds how fast a crash-looping stream is restarted.
const restartBackoff = 500 * time.Millisecond

// Pool supervises a pool of RequestStream instances between Min and Max
// in count, recovering from panics and restarting crashed workers.
type Pool struct {
	name    string
	factory Factory
	min     int
	max     int
	grace   time.Duration

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup

	activeGauge prometheus.Gauge
	busyGauge   prometheus.Gauge
}

// Config bounds a Pool's size and shutdown behavior.
type Config struct {
	Name         string
	MinWorkers   int
	MaxWorkers   int
	ShutdownGrace time.Duration
}

// NewPool builds a Pool. Workers are not started until Start is called.
func NewPool(cfg Config, factory Factory) *Pool {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	return &Pool{
		name:    cfg.Name,
		factory: factory,
		min:     cfg.MinWorkers,
		max:     cfg.MaxWorkers,
		grace:   cfg.ShutdownGrace,
		activeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mptc_pool_active_workers",
			Help:        "Number of workers currently running in the pool.",
			ConstLabels: prometheus.Labels{"pool": cfg.Name},
		}),
		busyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mptc_pool_restart_total",
			Help:        "Number of worker restarts in the pool.",
			ConstLabels: prometheus.Labels{"pool": cfg.Name},
		}),
	}
}

// Collectors returns this Pool's prometheus metrics for registration.
func (p *Pool) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.activeGauge, p.busyGauge}
}

// Start launches MinWorkers supervised streams under ctx. The pool does
// not grow itself in response to load; Start only ever brings it up to
// MinWorkers, and reaching MaxWorkers requires an explicit Grow call
// from the caller.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.min; i++ {
		p.spawn(ctx)
	}
}

// Grow adds n additional supervised streams, never exceeding MaxWorkers.
// Returns the number actually added. Nothing in this package calls Grow
// automatically; callers needing worker count to track a load signal
// must invoke it themselves.
func (p *Pool) Grow(ctx context.Context, n int) int {
	p.mu.Lock()
	room := p.max - len(p.cancels)
	p.mu.Unlock()
	if n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		p.spawn(ctx)
	}
	return n
}

// Size returns the current supervised worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

func (p *Pool) spawn(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)

	p.mu.Lock()
	p.cancels = append(p.cancels, cancel)
	p.mu.Unlock()

	p.activeGauge.Inc()
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.activeGauge.Dec()
		p.supervise(ctx)
	}()
}

// supervise runs one stream slot, restarting it (with backoff and panic
// recovery) until ctx is canceled.
func (p *Pool) supervise(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := p.runOnce(ctx); err != nil {
			log.WithFields(log.Fields{"pool": p.name, "error": err}).
				Warn("mptc: worker exited with error, restarting")
			p.busyGauge.Inc()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartBackoff):
		}
	}
}

func (p *Pool) runOnce(ctx context.Context) (err error) {
	stream, err := p.factory()
	if err != nil {
		return fmt.Errorf("mptc: factory: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mptc: worker panic: %v", r)
		}
	}()

	return stream.Run(ctx)
}

// Shutdown cancels every supervised stream and waits up to the Pool's
// configured grace period for them to exit. Streams still running past
// the grace period are abandoned: Shutdown returns without waiting for
// them, and the caller's process may proceed to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = nil
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.grace):
		log.WithFields(log.Fields{"pool": p.name, "grace": p.grace}).
			Warn("mptc: shutdown grace period exceeded, abandoning remaining workers")
	}
}
