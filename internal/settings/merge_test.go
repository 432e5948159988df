package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(n int64) time.Time {
	return time.Unix(n, 0)
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestMerge_RemoteNewerKeepsPendingLocalFields(t *testing.T) {
	t.Parallel()

	local := Record{
		OwnerID:     "u1",
		CalorieMode: CalorieMaintain,
		StepGoal:    12000, // edited offline, still queued
		UpdatedAt:   at(100),
	}

	remote := Record{
		OwnerID:             "u1",
		CalorieMode:         CalorieLose,
		StepGoal:            8000,
		CalorieGoalOverride: intPtr(1700),
		RemindersEnabled:    true,
		UpdatedAt:           at(200),
	}

	got := Merge(local, remote, map[string]bool{FieldStepGoal: true})

	assert.Equal(t, 12000, got.StepGoal, "pending field keeps local value")
	assert.Equal(t, CalorieLose, got.CalorieMode)
	require.NotNil(t, got.CalorieGoalOverride)
	assert.Equal(t, 1700, *got.CalorieGoalOverride)
	assert.True(t, got.RemindersEnabled)
	assert.Equal(t, at(200), got.UpdatedAt)
}

func TestMerge_LocalNewerWins(t *testing.T) {
	t.Parallel()

	local := Record{OwnerID: "u1", CalorieMode: CalorieGain, StepGoal: 5000, UpdatedAt: at(300)}
	remote := Record{OwnerID: "u1", CalorieMode: CalorieLose, StepGoal: 9000, UpdatedAt: at(200)}

	assert.True(t, Merge(local, remote, nil).Equal(local))
}

func TestMerge_EqualTimestampsKeepLocal(t *testing.T) {
	t.Parallel()

	local := Record{OwnerID: "u1", CalorieMode: CalorieGain, StepGoal: 5000, UpdatedAt: at(200)}
	remote := Record{OwnerID: "u1", CalorieMode: CalorieLose, StepGoal: 9000, UpdatedAt: at(200)}

	assert.True(t, Merge(local, remote, nil).Equal(local))
}

func TestMerge_Idempotent(t *testing.T) {
	t.Parallel()

	locals := []Record{
		{OwnerID: "u1", CalorieMode: CalorieMaintain, StepGoal: 1, UpdatedAt: at(100)},
		{OwnerID: "u1", CalorieMode: CalorieGain, StepGoal: 2, TargetWeightKg: floatPtr(70), UpdatedAt: at(250)},
		{OwnerID: "u1", CalorieMode: CalorieLose, StepGoal: 3, RemindersEnabled: true, UpdatedAt: at(200)},
	}

	remote := Record{
		OwnerID:        "u1",
		CalorieMode:    CalorieLose,
		StepGoal:       8000,
		TargetWeightKg: floatPtr(65.5),
		UpdatedAt:      at(200),
	}

	pendings := []map[string]bool{
		nil,
		{FieldStepGoal: true},
		{FieldTargetWeightKg: true, FieldCalorieMode: true},
	}

	for _, local := range locals {
		for _, pending := range pendings {
			once := Merge(local, remote, pending)
			twice := Merge(once, remote, pending)

			assert.True(t, once.Equal(twice), "local=%+v pending=%v", local, pending)
			assert.False(t, once.UpdatedAt.Before(remote.UpdatedAt), "merged record is never older than remote")
		}
	}
}

func TestOverlay_KeepsServerTimestamp(t *testing.T) {
	t.Parallel()

	local := Record{OwnerID: "u1", StepGoal: 1, CalorieMode: CalorieGain, UpdatedAt: at(500)}
	server := Record{OwnerID: "u1", StepGoal: 2, CalorieMode: CalorieMaintain, UpdatedAt: at(400)}

	got := overlay(server, local, map[string]bool{FieldCalorieMode: true})
	assert.Equal(t, 2, got.StepGoal)
	assert.Equal(t, CalorieGain, got.CalorieMode)
	assert.Equal(t, at(400), got.UpdatedAt, "a device clock ahead of the server does not win")
}
