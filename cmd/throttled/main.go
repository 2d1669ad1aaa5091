// Command throttled runs the governor headless: the intercept engine plus
// the HTTP control API and Prometheus metrics, for driving from scripts or a
// remote UI.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarwanHany97/NetThrottle/internal/api"
	"github.com/MarwanHany97/NetThrottle/internal/capture"
	"github.com/MarwanHany97/NetThrottle/internal/engine"
	"github.com/MarwanHany97/NetThrottle/internal/logging"
)

func main() {
	logger := logging.Configure(logging.FromEnv())

	listen := os.Getenv("NETTHROTTLE_LISTEN")
	if listen == "" {
		listen = "127.0.0.1:8484"
	}

	eng := engine.New(engine.Options{
		Capture: capture.Config{Interface: os.Getenv("NETTHROTTLE_IFACE")},
	})
	if err := eng.Start(); err != nil {
		logger.Error("netthrottle: start failed", "err", err)
		os.Exit(startExitCode(err))
	}

	srv := api.New(eng, logger, listen)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("netthrottle: shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("netthrottle: API server failed", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("netthrottle: API shutdown", "err", err)
	}
	eng.Stop()
}

func startExitCode(err error) int {
	switch {
	case errors.Is(err, capture.ErrAccessDenied):
		slog.Error("netthrottle: run with elevated privileges (root or CAP_NET_ADMIN)")
		return 2
	case errors.Is(err, capture.ErrNotSupported):
		return 3
	default:
		return 1
	}
}
