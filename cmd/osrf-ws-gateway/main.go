// Command osrf-ws-gateway serves the WebSocket-to-bus translating
// gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/evergreen-oss/osrfgo/core/config"
	"github.com/evergreen-oss/osrfgo/core/log"
	"github.com/evergreen-oss/osrfgo/core/util"
	"github.com/evergreen-oss/osrfgo/gateway/ws"

	"github.com/gorilla/websocket"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "osrf-ws-gateway",
		Short: "Translate WebSocket connections onto the osrf bus",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "", "path to a gateway config file")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("osrf-ws-gateway: fatal error")
	}
}

func run(*cobra.Command, []string) error {
	defaults := config.GatewayConfig{
		Address:     util.Getenv("OSRF_WS_ADDRESS", "0.0.0.0"),
		Port:        config.DefaultWSPort,
		MaxClients:  config.DefaultMaxWSClients,
		MaxParallel: config.DefaultMaxParallel,
		Bus: config.BusConfig{
			Address: util.Getenv("OSRF_BUS_ADDRESS", "127.0.0.1:6379"),
			Domain:  util.Getenv("OSRF_DOMAIN", "private.localhost"),
		},
	}

	// Env vars: OSRF_WS_ADDRESS/OSRF_WS_PORT/OSRF_WS_MAX_CLIENTS/OSRF_WS_MAX_PARALLEL.
	cfg, err := config.Load("OSRF_WS", configFile, defaults)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log.Initialize(cfg.Log)

	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = config.DefaultMaxWSClients
	}

	var clients int64
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/osrf-websocket-translator", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&clients, 1) > int64(maxClients) {
			atomic.AddInt64(&clients, -1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		defer atomic.AddInt64(&clients, -1)

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).Warn("osrf-ws-gateway: upgrade failed")
			return
		}

		sess, err := ws.NewSession(c, cfg.Bus, cfg.Bus.Domain, cfg.MaxParallel)
		if err != nil {
			logrus.WithError(err).Warn("osrf-ws-gateway: failed to open bus connection")
			_ = c.Close()
			return
		}
		sess.Run(r.Context())
	})

	srv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Address, cfg.Port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", srv.Addr).Info("osrf-ws-gateway: listening")
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
		logrus.Info("osrf-ws-gateway: shutting down")
		return srv.Shutdown(context.Background())
	}
}
