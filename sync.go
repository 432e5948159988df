package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stridekit/fitsync/internal/config"
	"github.com/stridekit/fitsync/internal/notify"
	"github.com/stridekit/fitsync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send queued changes and pull remote settings",
		Long: `Run one sync cycle: drain the queue of unsynced changes in order, then
pull the server's settings and merge them with local edits.

With --watch, keep running: cycles run on a timer, when a backed-off change
becomes due, when the server announces a change over the notification
socket, and when 'fitsync nudge' is run. Only one watcher may run per data
directory. If a watcher is already running, a plain 'sync' nudges it instead
of draining the queue from a second process.`,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "keep syncing until interrupted")

	return cmd
}

// cycleOutput is the JSON schema for `sync --json`.
type cycleOutput struct {
	Reason     string `json:"reason"`
	UserID     string `json:"user_id,omitempty"`
	CycleID    string `json:"cycle_id,omitempty"`
	Applied    int    `json:"applied"`
	Rejected   int    `json:"rejected"`
	Retrying   int    `json:"retrying"`
	Parked     int    `json:"parked"`
	Dropped    int    `json:"dropped"`
	StoppedBy  string `json:"stopped_by,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func newCycleOutput(res *sync.CycleResult) cycleOutput {
	out := cycleOutput{Reason: res.Reason, UserID: res.UserID}

	if r := res.Report; r != nil {
		out.CycleID = r.CycleID
		out.Applied = r.Applied
		out.Rejected = r.Rejected
		out.Retrying = r.Retrying
		out.Parked = r.Parked
		out.Dropped = r.Dropped
		out.DurationMS = r.Duration.Milliseconds()

		if r.StoppedBy != sync.OutcomeApplied {
			out.StoppedBy = r.StoppedBy.String()
		}
	}

	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	return out
}

func runSync(cmd *cobra.Command, _ []string) error {
	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		return runWatch(cmd)
	}

	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	if pid, err := signalWatcher(cc.Cfg.PIDFilePath(), nudgeSignal); err == nil {
		cc.Statusf("Nudged running watcher (PID %d).\n", pid)
		return nil
	}

	a, _, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.Runner.RunOnce(ctx, sync.TriggerManual)
	if res.UserID == "" && res.Err == nil {
		return errNotSignedIn
	}

	if cc.Flags.JSON {
		if err := writeJSON(cmd.OutOrStdout(), newCycleOutput(res)); err != nil {
			return err
		}
	} else {
		printCycle(cc, res)
	}

	return res.Err
}

func printCycle(cc *CLIContext, res *sync.CycleResult) {
	r := res.Report
	if r == nil {
		return
	}

	cc.Statusf("Sent %d change(s)", r.Applied)

	if r.Rejected > 0 {
		cc.Statusf(", %d rejected", r.Rejected)
	}

	if r.Dropped > 0 {
		cc.Statusf(", %d dropped", r.Dropped)
	}

	if r.Retrying > 0 {
		cc.Statusf(", %d will retry", r.Retrying)
	}

	if r.Parked > 0 {
		cc.Statusf(", %d parked (run 'fitsync queue retry')", r.Parked)
	}

	cc.Statusf(".\n")
}

// syncAfterEdit pushes an edit right away: it nudges a running watcher, or
// runs one cycle in this process. Failures are reported but not returned
// because the edit is already queued.
func syncAfterEdit(ctx context.Context, a *App, cc *CLIContext) {
	if _, err := signalWatcher(a.Cfg.PIDFilePath(), nudgeSignal); err == nil {
		cc.Statusf("Handed off to the running watcher.\n")
		return
	}

	res := a.Runner.RunOnce(ctx, sync.TriggerManual)
	if res.Err != nil {
		cc.Statusf("Sync failed, change stays queued: %v\n", res.Err)
		return
	}

	if res.Report != nil && res.Report.Applied > 0 {
		cc.Statusf("Synced.\n")
	}
}

// watchSession is the state of one `sync --watch` process.
type watchSession struct {
	app       *App
	holder    *config.Holder
	overrides config.CLIOverrides
	logger    *slog.Logger
}

func runWatch(cmd *cobra.Command) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	ctx := shutdownContext(cmd.Context(), logger)

	cleanup, err := writePIDFile(cc.Cfg.PIDFilePath())
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := newApp(ctx, cc.Cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	w := &watchSession{
		app:       a,
		holder:    config.NewHolder(cc.Cfg, cc.Cfg.ConfigPath),
		overrides: cc.Overrides,
		logger:    logger,
	}

	a.Sessions.OnLogout(func(userID string, forced bool) {
		if forced {
			logger.Warn("signed out by the server, sync paused until the next login",
				slog.String("user_id", userID))
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Runner.Run(gctx) })

	g.Go(func() error {
		return handleControlSignals(gctx, logger,
			func() { a.Runner.Trigger(sync.TriggerForeground) },
			w.reload,
		)
	})

	g.Go(func() error { return w.watchConfig(gctx) })

	if cc.Cfg.Websocket {
		g.Go(func() error { return w.listen(gctx) })
	}

	cc.Statusf("Watching for changes (PID %d). Press Ctrl-C to stop.\n", os.Getpid())

	return g.Wait()
}

// watchConfig reloads on config file changes. A missing config directory
// disables watching without stopping the watcher.
func (w *watchSession) watchConfig(ctx context.Context) error {
	path := w.holder.Path()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		w.logger.Debug("config directory missing, not watching config",
			slog.String("path", path))

		return nil
	}

	if err := config.Watch(ctx, path, w.logger, w.reload); err != nil {
		w.logger.Warn("config watch disabled", slog.String("error", err.Error()))
	}

	return nil
}

// listen keeps the notification socket open while a user is signed in.
// Listener failures are logged and retried after the poll interval; the
// timer-driven runner keeps syncing in the meantime.
func (w *watchSession) listen(ctx context.Context) error {
	cfg := w.holder.Config()

	url := cfg.NotifyURL
	if url == "" {
		var err error
		if url, err = notify.EventsURL(cfg.APIURL); err != nil {
			w.logger.Warn("notifications disabled", slog.String("error", err.Error()))
			return nil
		}
	}

	l := notify.NewListener(notify.ListenerConfig{
		URL:     url,
		Tokens:  w.app.Tokens,
		UserID:  w.userID,
		Trigger: w.app.Runner.Trigger,
		Logger:  w.logger,
	})

	for {
		if w.userID() != "" {
			err := l.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}

			w.logger.Warn("notification listener stopped", slog.String("error", errString(err)))
		}

		if err := sleepCtx(ctx, w.holder.Config().PollInterval); err != nil {
			return nil
		}
	}
}

func (w *watchSession) userID() string {
	sess, err := w.app.Sessions.Current(context.Background())
	if err != nil {
		return ""
	}

	return sess.UserID
}

// reload re-resolves the config after the file changed or on SIGHUP. Only
// the poll interval applies live; other changes are logged as needing a
// restart. An invalid file keeps the running config.
func (w *watchSession) reload() {
	next, err := config.Resolve(config.ReadEnvOverrides(), w.overrides)
	if err != nil {
		w.logger.Warn("config reload failed, keeping current config",
			slog.String("error", err.Error()))

		return
	}

	prev := w.holder.Config()
	w.holder.Update(next)

	if next.PollInterval != prev.PollInterval {
		w.app.Runner.SetPollInterval(next.PollInterval)
		w.logger.Info("poll interval updated", slog.Duration("poll_interval", next.PollInterval))
	}

	if keys := restartKeys(prev, next); len(keys) > 0 {
		w.logger.Warn("config changes take effect after restart", slog.Any("keys", keys))
	}

	config.WarnIneffective(next, w.logger)
}

// restartKeys lists config keys whose change needs a watcher restart.
func restartKeys(prev, next *config.Resolved) []string {
	var keys []string

	check := func(key string, changed bool) {
		if changed {
			keys = append(keys, key)
		}
	}

	check("api_url", prev.APIURL != next.APIURL)
	check("notify_url", prev.NotifyURL != next.NotifyURL)
	check("request_timeout", prev.RequestTimeout != next.RequestTimeout)
	check("websocket", prev.Websocket != next.Websocket)
	check("base_backoff", prev.BaseBackoff != next.BaseBackoff)
	check("max_backoff", prev.MaxBackoff != next.MaxBackoff)
	check("max_attempts", prev.MaxAttempts != next.MaxAttempts)
	check("exhaustion_policy", prev.ExhaustionPolicy != next.ExhaustionPolicy)
	check("batch_size", prev.BatchSize != next.BatchSize)
	check("data_dir", prev.DataDir != next.DataDir)
	check("log_level", prev.LogLevel != next.LogLevel)
	check("log_format", prev.LogFormat != next.LogFormat)

	return keys
}

func newNudgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nudge",
		Short: "Ask the running 'sync --watch' to sync now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			sig, what := nudgeSignal, "sync"
			if reload, _ := cmd.Flags().GetBool("reload"); reload {
				sig, what = reloadSignal, "config reload"
			}

			pid, err := signalWatcher(cc.Cfg.PIDFilePath(), sig)
			if err != nil {
				return err
			}

			cc.Statusf("Requested %s from watcher (PID %d).\n", what, pid)

			return nil
		},
	}

	cmd.Flags().Bool("reload", false, "re-read the config file instead of syncing")

	return cmd
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
