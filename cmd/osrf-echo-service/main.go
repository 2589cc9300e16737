// Command osrf-echo-service hosts the echo Application behind a
// supervised worker pool, exercising the full worker/bus/mptc stack
// end-to-end.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evergreen-oss/osrfgo/core/addr"
	"github.com/evergreen-oss/osrfgo/core/bus"
	"github.com/evergreen-oss/osrfgo/core/config"
	"github.com/evergreen-oss/osrfgo/core/log"
	"github.com/evergreen-oss/osrfgo/core/mptc"
	"github.com/evergreen-oss/osrfgo/core/util"
	"github.com/evergreen-oss/osrfgo/core/worker"
	"github.com/evergreen-oss/osrfgo/service/echo"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "osrf-echo-service",
		Short: "Host the echo service behind a supervised worker pool",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "", "path to a gateway config file")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("osrf-echo-service: fatal error")
	}
}

func run(*cobra.Command, []string) error {
	defaults := config.GatewayConfig{
		Port:        config.DefaultMetricsPort,
		MinWorkers:  2,
		MaxWorkers:  8,
		MaxRequests: 0,
		Bus: config.BusConfig{
			Address: util.Getenv("OSRF_BUS_ADDRESS", "127.0.0.1:6379"),
			Domain:  util.Getenv("OSRF_DOMAIN", "private.localhost"),
		},
	}

	cfg, err := config.Load("OSRF_ECHO_SERVICE", configFile, defaults)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log.Initialize(cfg.Log)

	shared, err := bus.NewBus(cfg.Bus, addr.ServiceAddress(cfg.Bus.Domain, echo.ServiceName))
	if err != nil {
		return fmt.Errorf("connecting shared bus: %w", err)
	}
	defer func() { _ = shared.Close() }()

	factory := func() (mptc.RequestStream, error) {
		private, err := bus.NewBus(cfg.Bus, addr.NewClient(cfg.Bus.Domain, echo.ServiceName))
		if err != nil {
			return nil, err
		}
		app := echo.New(config.ServiceConfig{ID: echo.ServiceName})
		return workerStream{w: worker.New(shared, private, app, 0, cfg.MaxRequests), b: private}, nil
	}

	pool := mptc.NewPool(mptc.Config{
		Name:          echo.ServiceName,
		MinWorkers:    cfg.MinWorkers,
		MaxWorkers:    cfg.MaxWorkers,
		ShutdownGrace: 30 * time.Second,
	}, factory)

	registry := prometheus.NewRegistry()
	for _, c := range pool.Collectors() {
		_ = registry.Register(c)
	}
	go serveMetrics(registry, cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logrus.Info("osrf-echo-service: shutting down")
	cancel()
	pool.Shutdown()
	return nil
}

func serveMetrics(reg *prometheus.Registry, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Warn("osrf-echo-service: metrics server stopped")
	}
}

// workerStream adapts *worker.Worker (and its private Bus, which must
// be closed when the worker is recycled) to mptc.RequestStream.
type workerStream struct {
	w *worker.Worker
	b *bus.Bus
}

func (s workerStream) Run(ctx context.Context) error {
	defer func() { _ = s.b.Close() }()
	return s.w.Run(ctx)
}
