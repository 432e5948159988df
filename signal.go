package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Control signals understood by `sync --watch`.
const (
	nudgeSignal  = syscall.SIGUSR1 // run a sync cycle now
	reloadSignal = syscall.SIGHUP  // re-read the config file
)

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. The first signal lets the runner finish the
// in-flight submission; the second is for when something hangs.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

// handleControlSignals calls onNudge for each SIGUSR1 and onReload for each
// SIGHUP until ctx is canceled.
func handleControlSignals(ctx context.Context, logger *slog.Logger, onNudge, onReload func()) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, nudgeSignal, reloadSignal)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			logger.Debug("control signal received", slog.String("signal", sig.String()))

			if sig == reloadSignal {
				onReload()
				continue
			}

			onNudge()
		}
	}
}
