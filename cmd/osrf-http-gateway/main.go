// Command osrf-http-gateway serves the HTTP-to-bus translating gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evergreen-oss/osrfgo/core/config"
	"github.com/evergreen-oss/osrfgo/core/log"
	"github.com/evergreen-oss/osrfgo/core/util"
	"github.com/evergreen-oss/osrfgo/idl"

	gatewayhttp "github.com/evergreen-oss/osrfgo/gateway/http"

	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "osrf-http-gateway",
		Short: "Translate HTTP requests onto the osrf bus",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "", "path to a gateway config file")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("osrf-http-gateway: fatal error")
	}
}

func run(*cobra.Command, []string) error {
	defaults := config.GatewayConfig{
		Address: util.Getenv("EG_HTTP_GATEWAY_ADDRESS", "0.0.0.0"),
		Port:    config.DefaultHTTPPort,
		Bus: config.BusConfig{
			Address: util.Getenv("OSRF_BUS_ADDRESS", "127.0.0.1:6379"),
			Domain:  util.Getenv("OSRF_DOMAIN", "private.localhost"),
		},
	}

	// Env vars: EG_HTTP_GATEWAY_ADDRESS/PORT/MAX_WORKERS/MIN_WORKERS/MAX_REQUESTS.
	cfg, err := config.Load("EG_HTTP_GATEWAY", configFile, defaults)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log.Initialize(cfg.Log)

	gw := gatewayhttp.New(cfg, idl.Passthrough{})
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler: gw.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", srv.Addr).Info("osrf-http-gateway: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logrus.Info("osrf-http-gateway: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
