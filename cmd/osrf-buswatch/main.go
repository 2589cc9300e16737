// Command osrf-buswatch periodically sweeps the bus's address queues
// for occupancy and staleness.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/evergreen-oss/osrfgo/buswatch"
	"github.com/evergreen-oss/osrfgo/core/addr"
	"github.com/evergreen-oss/osrfgo/core/bus"
	"github.com/evergreen-oss/osrfgo/core/config"
	"github.com/evergreen-oss/osrfgo/core/log"
	"github.com/evergreen-oss/osrfgo/core/util"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "osrf-buswatch",
		Short: "Sweep bus address queues for occupancy and staleness",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "", "path to a gateway config file")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("osrf-buswatch: fatal error")
	}
}

func run(*cobra.Command, []string) error {
	defaults := config.GatewayConfig{
		Port: config.DefaultMetricsPort,
		Bus: config.BusConfig{
			Address: util.Getenv("OSRF_BUS_ADDRESS", "127.0.0.1:6379"),
			Domain:  util.Getenv("OSRF_DOMAIN", "private.localhost"),
		},
	}

	cfg, err := config.Load("OSRF_BUSWATCH", configFile, defaults)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log.Initialize(cfg.Log)

	self := addr.NewClient(cfg.Bus.Domain, "buswatch")
	b, err := bus.NewBus(cfg.Bus, self)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer func() { _ = b.Close() }()

	w := buswatch.New(b, cfg.Bus.Domain+":*", config.DefaultBuswatchWait, config.DefaultBuswatchTTL)

	registry := prometheus.NewRegistry()
	for _, c := range w.Collectors() {
		_ = registry.Register(c)
	}
	go serveMetrics(registry, cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("osrf-buswatch: shutting down")
		cancel()
	}()

	return w.Run(ctx)
}

func serveMetrics(reg *prometheus.Registry, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Warn("osrf-buswatch: metrics server stopped")
	}
}
