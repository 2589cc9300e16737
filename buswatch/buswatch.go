// Package buswatch implements a periodic sweep over the broker's
// address queues, logging occupancy and expiring stale ones, as a
// lightweight standalone diagnostic/GC tool.
package buswatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/evergreen-oss/osrfgo/core/bus"
	"github.com/evergreen-oss/osrfgo/core/config"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Watcher periodically inspects every queue key under a domain glob.
type Watcher struct {
	b    *bus.Bus
	glob string
	wait time.Duration
	ttl  time.Duration

	queuesSwept  prometheus.Counter
	queueBacklog *prometheus.GaugeVec
}

// New builds a Watcher. glob is typically "<domain>:*"; wait is the
// interval between sweeps; ttl is the expiry set on each visited key
// that has no expiry yet.
func New(b *bus.Bus, glob string, wait, ttl time.Duration) *Watcher {
	if wait <= 0 {
		wait = config.DefaultBuswatchWait
	}
	if ttl <= 0 {
		ttl = config.DefaultBuswatchTTL
	}
	return &Watcher{
		b:    b,
		glob: glob,
		wait: wait,
		ttl:  ttl,
		queuesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "osrf_buswatch_queues_swept_total",
			Help: "Number of queue keys visited across all sweeps.",
		}),
		queueBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "osrf_buswatch_queue_backlog",
			Help: "Backlog length observed for a queue on its last sweep.",
		}, []string{"queue"}),
	}
}

// Collectors exposes the watcher's metrics for registration with a
// prometheus.Registerer.
func (w *Watcher) Collectors() []prometheus.Collector {
	return []prometheus.Collector{w.queuesSwept, w.queueBacklog}
}

// Run sweeps every wait interval until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.wait)
	defer ticker.Stop()

	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// queueStat is one key's entry in a sweep's aggregated log line, in
// the `{time, stats:{<key>:{count, ttl, next_value?}}}` shape.
type queueStat struct {
	Count     int64           `json:"count"`
	TTL       int64           `json:"ttl"`
	NextValue json.RawMessage `json:"next_value,omitempty"`
}

// sweep lists every matching key, sets an expiry on any that has none
// (ttl == -1 — a key that already has a TTL is left alone), and emits
// one aggregated JSON line for the whole tick.
func (w *Watcher) sweep(ctx context.Context) {
	keys, err := w.b.Keys(ctx, w.glob)
	if err != nil {
		log.WithError(err).Warn("buswatch: failed to list keys")
		return
	}

	stats := make(map[string]queueStat, len(keys))

	for _, key := range keys {
		n, err := w.b.LLen(ctx, key)
		if err != nil {
			log.WithError(err).WithField("queue", key).Warn("buswatch: failed to measure queue")
			continue
		}

		ttl, err := w.b.TTL(ctx, key)
		if err != nil {
			log.WithError(err).WithField("queue", key).Warn("buswatch: failed to read ttl")
			continue
		}

		if ttl < 0 {
			if err := w.b.SetKeyTimeout(ctx, key, w.ttl); err != nil {
				log.WithError(err).WithField("queue", key).Warn("buswatch: failed to set expiry")
				continue
			}
		}

		stat := queueStat{Count: n, TTL: int64(ttl.Seconds())}
		if n > 0 {
			if head, err := w.b.LRange(ctx, key, 0, 0); err == nil && len(head) > 0 {
				stat.NextValue = json.RawMessage(head[0])
			}
		}
		stats[key] = stat

		w.queuesSwept.Inc()
		w.queueBacklog.WithLabelValues(key).Set(float64(n))
	}

	log.WithFields(log.Fields{"stats": stats}).Info("buswatch: sweep complete")
}
