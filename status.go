package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, queue, and background sync status",
		Long: `Display the signed-in user, token state, the unsynced change queue, and
whether a 'sync --watch' process is running for this data directory.`,
		RunE: runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	APIURL     string       `json:"api_url"`
	DataDir    string       `json:"data_dir"`
	SignedIn   bool         `json:"signed_in"`
	UserID     string       `json:"user_id,omitempty"`
	TokenState string       `json:"token_state"`
	Queue      *statusQueue `json:"queue,omitempty"`
	Watcher    statusWatch  `json:"watcher"`
}

type statusQueue struct {
	Pending     int        `json:"pending"`
	Parked      int        `json:"parked"`
	Due         int        `json:"due"`
	Oldest      *time.Time `json:"oldest,omitempty"`
	NextDue     *time.Time `json:"next_due,omitempty"`
	Diagnostics int        `json:"diagnostics"`
}

type statusWatch struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, cc, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()

	out := statusOutput{
		APIURL:  cc.Cfg.APIURL,
		DataDir: cc.Cfg.DataDir,
	}

	if proc, werr := watcherProcess(cc.Cfg.PIDFilePath()); werr == nil {
		out.Watcher = statusWatch{Running: true, PID: proc.Pid}
	} else if !errors.Is(werr, errNoWatcher) {
		cc.Logger.Warn("checking watcher", slog.String("error", werr.Error()))
	}

	out.TokenState, _, err = tokenState(ctx, a.Creds, now)
	if err != nil {
		return err
	}

	user, err := a.currentUser(ctx)
	switch {
	case errors.Is(err, errNotSignedIn):
	case err != nil:
		return err
	default:
		out.SignedIn = true
		out.UserID = user

		if out.Queue, err = queueStatus(cmd, a, user, now); err != nil {
			return err
		}
	}

	if cc.Flags.JSON {
		return writeJSON(cmd.OutOrStdout(), out)
	}

	printStatus(cmd, out, now)

	return nil
}

func queueStatus(cmd *cobra.Command, a *App, user string, now time.Time) (*statusQueue, error) {
	ctx := cmd.Context()

	stats, err := a.Queue.Stats(ctx, user, now)
	if err != nil {
		return nil, err
	}

	diags, err := a.Queue.DiagnosticCount(ctx, user)
	if err != nil {
		return nil, err
	}

	q := &statusQueue{
		Pending:     stats.Pending,
		Parked:      stats.Parked,
		Due:         stats.Due,
		Diagnostics: diags,
	}

	if !stats.Oldest.IsZero() {
		q.Oldest = &stats.Oldest
	}

	if !stats.NextDue.IsZero() {
		q.NextDue = &stats.NextDue
	}

	return q, nil
}

func printStatus(cmd *cobra.Command, out statusOutput, now time.Time) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Server:    %s\n", out.APIURL)
	fmt.Fprintf(w, "Data dir:  %s\n", out.DataDir)

	if !out.SignedIn {
		fmt.Fprintln(w, "Session:   signed out")
	} else {
		fmt.Fprintf(w, "Session:   %s (token %s)\n", out.UserID, out.TokenState)
	}

	if out.Watcher.Running {
		fmt.Fprintf(w, "Watcher:   running (PID %d)\n", out.Watcher.PID)
	} else {
		fmt.Fprintln(w, "Watcher:   not running")
	}

	q := out.Queue
	if q == nil {
		return
	}

	fmt.Fprintf(w, "Queue:     %d pending, %d due, %d parked\n", q.Pending, q.Due, q.Parked)

	if q.Oldest != nil {
		fmt.Fprintf(w, "Oldest:    queued %s\n", formatUntil(*q.Oldest, now))
	}

	if q.NextDue != nil {
		fmt.Fprintf(w, "Next try:  %s\n", formatUntil(*q.NextDue, now))
	}

	if q.Diagnostics > 0 {
		fmt.Fprintf(w, "Discarded: %d (see 'fitsync queue diagnostics')\n", q.Diagnostics)
	}
}
