package api

import (
	"context"
	"net/http"
	"time"
)

const settingsPath = "/v1/settings"

// Settings is the wire representation of a user's settings record. The
// server assigns UpdatedAt on every accepted write.
type Settings struct {
	OwnerID             string    `json:"owner_id"`
	CalorieMode         string    `json:"calorie_mode"`
	StepGoal            int       `json:"step_goal"`
	CalorieGoalOverride *int      `json:"calorie_goal_override"`
	TargetWeightKg      *float64  `json:"target_weight_kg"`
	RemindersEnabled    bool      `json:"reminders_enabled"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// GetSettings fetches the authenticated user's remote settings.
func (c *Client) GetSettings(ctx context.Context) (*Settings, error) {
	var s Settings
	if err := c.doJSON(ctx, http.MethodGet, settingsPath, nil, &s); err != nil {
		return nil, err
	}

	return &s, nil
}
