package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/stridekit/fitsync/internal/queue"
)

// defaultDiagnosticsLimit caps `queue diagnostics` output.
const defaultDiagnosticsLimit = 20

// Queue item states for display.
const (
	itemStateParked  = "parked"
	itemStateWaiting = "waiting"
	itemStateReady   = "ready"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage unsynced changes",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueRetryCmd())
	cmd.AddCommand(newQueueDiagnosticsCmd())

	return cmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued changes in the order they will be sent",
		RunE:  runQueueList,
	}
}

// queueItemOutput is the JSON schema for one `queue list --json` entry.
type queueItemOutput struct {
	ID            int64          `json:"id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id,omitempty"`
	Action        string         `json:"action"`
	Payload       map[string]any `json:"payload"`
	CreatedAt     time.Time      `json:"created_at"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	LastError     string         `json:"last_error,omitempty"`
	State         string         `json:"state"`
}

func itemState(it queue.Item, now time.Time) string {
	switch {
	case it.Parked:
		return itemStateParked
	case it.NextAttemptAt.After(now):
		return itemStateWaiting
	default:
		return itemStateReady
	}
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, cc, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	user, err := a.currentUser(ctx)
	if err != nil {
		return err
	}

	items, err := a.Queue.List(ctx, user)
	if err != nil {
		return err
	}

	now := time.Now()

	if cc.Flags.JSON {
		out := make([]queueItemOutput, 0, len(items))
		for _, it := range items {
			out = append(out, queueItemOutput{
				ID:            it.ID,
				EntityType:    it.EntityType,
				EntityID:      it.EntityID,
				Action:        string(it.Action),
				Payload:       it.Payload,
				CreatedAt:     it.CreatedAt,
				Attempts:      it.Attempts,
				NextAttemptAt: it.NextAttemptAt,
				LastError:     it.LastError,
				State:         itemState(it, now),
			})
		}

		return writeJSON(cmd.OutOrStdout(), out)
	}

	if len(items) == 0 {
		cc.Statusf("Nothing queued.\n")
		return nil
	}

	rows := make([][]string, 0, len(items))
	for _, it := range items {
		next := "-"
		if !it.Parked {
			next = formatUntil(it.NextAttemptAt, now)
		}

		rows = append(rows, []string{
			strconv.FormatInt(it.ID, 10),
			it.EntityType,
			string(it.Action),
			strconv.Itoa(it.Attempts),
			itemState(it, now),
			next,
			truncate(it.LastError, 60),
		})
	}

	printTable(cmd.OutOrStdout(),
		[]string{"ID", "ENTITY", "ACTION", "ATTEMPTS", "STATE", "NEXT", "LAST ERROR"}, rows)

	return nil
}

func newQueueRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-arm parked changes and make every change due now",
		Long: `Clear the backoff schedule of every queued change and un-park changes
that ran out of attempts, then run one sync cycle unless --offline is given.`,
		RunE: runQueueRetry,
	}

	cmd.Flags().Bool("offline", false, "re-arm without attempting a sync")

	return cmd
}

func runQueueRetry(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, cc, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	user, err := a.currentUser(ctx)
	if err != nil {
		return err
	}

	n, err := a.Queue.Rearm(ctx, user)
	if err != nil {
		return err
	}

	cc.Statusf("Re-armed %d change(s).\n", n)

	if n == 0 {
		return nil
	}

	if offline, _ := cmd.Flags().GetBool("offline"); !offline {
		syncAfterEdit(ctx, a, cc)
	}

	return nil
}

func newQueueDiagnosticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Show changes the server rejected or that ran out of attempts",
		RunE:  runQueueDiagnostics,
	}

	cmd.Flags().Int("limit", defaultDiagnosticsLimit, "maximum number of records to show")

	return cmd
}

// diagnosticOutput is the JSON schema for one `queue diagnostics --json` entry.
type diagnosticOutput struct {
	ID         string         `json:"id"`
	ItemID     int64          `json:"item_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload"`
	Kind       string         `json:"kind"`
	Reason     string         `json:"reason"`
	Attempts   int            `json:"attempts"`
	RecordedAt time.Time      `json:"recorded_at"`
}

func runQueueDiagnostics(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	limit, _ := cmd.Flags().GetInt("limit")

	a, cc, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	user, err := a.currentUser(ctx)
	if err != nil {
		return err
	}

	diags, err := a.Queue.Diagnostics(ctx, user, limit)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := make([]diagnosticOutput, 0, len(diags))
		for _, d := range diags {
			out = append(out, diagnosticOutput{
				ID:         d.ID,
				ItemID:     d.ItemID,
				EntityType: d.EntityType,
				EntityID:   d.EntityID,
				Action:     string(d.Action),
				Payload:    d.Payload,
				Kind:       string(d.Kind),
				Reason:     d.Reason,
				Attempts:   d.Attempts,
				RecordedAt: d.RecordedAt,
			})
		}

		return writeJSON(cmd.OutOrStdout(), out)
	}

	if len(diags) == 0 {
		cc.Statusf("No discarded changes.\n")
		return nil
	}

	rows := make([][]string, 0, len(diags))
	for _, d := range diags {
		rows = append(rows, []string{
			formatTime(d.RecordedAt),
			d.EntityType,
			string(d.Action),
			string(d.Kind),
			strconv.Itoa(d.Attempts),
			truncate(d.Reason, 60),
		})
	}

	printTable(cmd.OutOrStdout(),
		[]string{"WHEN", "ENTITY", "ACTION", "KIND", "ATTEMPTS", "REASON"}, rows)

	return nil
}
