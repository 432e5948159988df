package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stridekit/fitsync/internal/queue"
	"github.com/stridekit/fitsync/internal/settings"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or edit your settings",
	}

	cmd.AddCommand(newSettingsShowCmd())
	cmd.AddCommand(newSettingsSetCmd())

	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the local settings record",
		Long: `Display the local settings record, including edits that have not been
synced yet. Fields with queued edits are marked with '*'.`,
		RunE: runSettingsShow,
	}
}

// settingsOutput is the JSON schema for `settings show --json`.
type settingsOutput struct {
	OwnerID             string    `json:"owner_id"`
	CalorieMode         string    `json:"calorie_mode"`
	StepGoal            int       `json:"step_goal"`
	CalorieGoalOverride *int      `json:"calorie_goal_override"`
	TargetWeightKg      *float64  `json:"target_weight_kg"`
	RemindersEnabled    bool      `json:"reminders_enabled"`
	UpdatedAt           time.Time `json:"updated_at"`
	Pending             []string  `json:"pending_fields,omitempty"`
}

func newSettingsOutput(rec settings.Record) settingsOutput {
	return settingsOutput{
		OwnerID:             rec.OwnerID,
		CalorieMode:         string(rec.CalorieMode),
		StepGoal:            rec.StepGoal,
		CalorieGoalOverride: rec.CalorieGoalOverride,
		TargetWeightKg:      rec.TargetWeightKg,
		RemindersEnabled:    rec.RemindersEnabled,
		UpdatedAt:           rec.UpdatedAt,
	}
}

func runSettingsShow(cmd *cobra.Command, _ []string) error {
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

	rec, err := a.SettingsRepo.GetOrDefault(ctx, user)
	if err != nil {
		return err
	}

	pending, err := a.Queue.PendingFields(ctx, user, queue.EntitySettings, "", 0)
	if err != nil {
		return err
	}

	out := newSettingsOutput(rec)

	for _, f := range settings.Fields {
		if pending[f] {
			out.Pending = append(out.Pending, f)
		}
	}

	if cc.Flags.JSON {
		return writeJSON(cmd.OutOrStdout(), out)
	}

	rows := make([][]string, 0, len(settings.Fields))
	for _, f := range settings.Fields {
		mark := ""
		if pending[f] {
			mark = "*"
		}

		rows = append(rows, []string{f, settingValue(rec, f), mark})
	}

	printTable(cmd.OutOrStdout(), []string{"FIELD", "VALUE", "PENDING"}, rows)

	return nil
}

// settingValue renders one field of rec for display.
func settingValue(rec settings.Record, field string) string {
	switch field {
	case settings.FieldCalorieMode:
		return string(rec.CalorieMode)
	case settings.FieldStepGoal:
		return formatCount(rec.StepGoal)
	case settings.FieldCalorieGoalOverride:
		if rec.CalorieGoalOverride == nil {
			return "none"
		}

		return formatCount(*rec.CalorieGoalOverride)
	case settings.FieldTargetWeightKg:
		if rec.TargetWeightKg == nil {
			return "none"
		}

		return strconv.FormatFloat(*rec.TargetWeightKg, 'f', -1, 64) + " kg"
	case settings.FieldRemindersEnabled:
		return strconv.FormatBool(rec.RemindersEnabled)
	default:
		return ""
	}
}

func newSettingsSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <field=value>...",
		Short: "Edit settings locally and queue the change for sync",
		Long: `Edit one or more settings fields. The edit is saved locally and queued
first, then one sync cycle is attempted unless --offline is given. A failed
sync leaves the change queued for the next cycle.

Fields: calorie_mode (maintain|lose|gain), step_goal, calorie_goal_override,
target_weight_kg, reminders_enabled. Use "none" to clear an optional field.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSettingsSet,
	}

	cmd.Flags().Bool("offline", false, "queue the change without attempting a sync")

	return cmd
}

// parsePatch turns field=value arguments into a settings patch.
func parsePatch(args []string) (settings.Patch, error) {
	patch := settings.Patch{}

	for _, arg := range args {
		field, raw, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid argument %q: expected field=value", arg)
		}

		v, err := settings.ParseValue(field, raw)
		if err != nil {
			return nil, err
		}

		patch[field] = v
	}

	return patch, nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	patch, err := parsePatch(args)
	if err != nil {
		return err
	}

	a, cc, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	user, err := a.currentUser(ctx)
	if err != nil {
		return err
	}

	rec, err := a.Settings.Update(ctx, user, patch)
	if err != nil {
		return err
	}

	cc.Statusf("Saved %s locally.\n", strings.Join(patch.Keys(), ", "))

	if offline, _ := cmd.Flags().GetBool("offline"); !offline {
		syncAfterEdit(ctx, a, cc)
	}

	if cc.Flags.JSON {
		return writeJSON(cmd.OutOrStdout(), newSettingsOutput(*rec))
	}

	return nil
}
