// factcheckd is the live fact-check pipeline server: it ingests a
// broadcast stream, detects checkable claims, researches them against
// evidence providers, and gates every verdict behind human approval.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/activity"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/api"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/approval"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/config"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/events"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/metrics"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/outputs"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/runner"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/store"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/version"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using existing environment")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting factcheckd", "version", version.Full(), "port", cfg.HTTPPort)

	ctx := context.Background()

	sink, err := activity.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to open activity log", "error", err)
		os.Exit(1)
	}
	if sink != nil {
		slog.Info("Activity log connected")
	}

	bus := events.NewBus()
	claims := store.New(bus)
	packages := outputs.NewPackageService()
	render := outputs.NewRenderClient(cfg.RenderEndpoint, cfg.RenderTimeout, cfg.RenderMaxAttempts)
	orch := approval.New(claims, packages, render)

	deps := runner.NewProductionDeps(cfg, bus, claims, packages, render, sink)
	controller := runner.New(cfg, deps)

	// Forward every bus event into the durable activity log.
	forwarderDone := startActivityForwarder(bus, sink)

	server := api.NewServer(cfg, controller, claims, orch, bus)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(":" + cfg.HTTPPort)
	}()
	slog.Info("HTTP server listening", "addr", ":"+cfg.HTTPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
		}
	}

	if err := controller.Stop(); err == nil {
		// Give the supervisor a moment to emit pipeline.stopped.
		time.Sleep(500 * time.Millisecond)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}

	forwarderDone()
	sink.Close()
	slog.Info("Shutdown complete")
}

// startActivityForwarder subscribes to the bus and records every event
// in the activity log. Returns a stop function.
func startActivityForwarder(bus *events.Bus, sink *activity.Sink) func() {
	sub, _ := bus.Subscribe(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-sub.Done:
				return
			case evt := <-sub.C:
				metrics.EventsBroadcast.Inc()
				sink.Record(activity.KindEvent, evt.RunID, evt)
			}
		}
	}()
	return func() {
		bus.Unsubscribe(sub.ID)
		<-done
	}
}
