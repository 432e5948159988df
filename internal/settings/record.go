// Package settings owns the user's settings record: local storage, local
// edits that are queued for sync, and reconciliation with the server copy.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/stridekit/fitsync/internal/api"
)

// CalorieMode is the user's calorie goal direction.
type CalorieMode string

const (
	CalorieMaintain CalorieMode = "maintain"
	CalorieLose     CalorieMode = "lose"
	CalorieGain     CalorieMode = "gain"
)

// Field names, shared by queue payloads and the wire format.
const (
	FieldCalorieMode         = "calorie_mode"
	FieldStepGoal            = "step_goal"
	FieldCalorieGoalOverride = "calorie_goal_override"
	FieldTargetWeightKg      = "target_weight_kg"
	FieldRemindersEnabled    = "reminders_enabled"
)

// Fields lists every mergeable field.
var Fields = []string{
	FieldCalorieMode,
	FieldStepGoal,
	FieldCalorieGoalOverride,
	FieldTargetWeightKg,
	FieldRemindersEnabled,
}

// DefaultStepGoal is the step goal of a fresh record.
const DefaultStepGoal = 10000

// Record is one user's settings.
type Record struct {
	OwnerID             string      `validate:"required"`
	CalorieMode         CalorieMode `validate:"oneof=maintain lose gain"`
	StepGoal            int         `validate:"gte=0,lte=100000"`
	CalorieGoalOverride *int        `validate:"omitempty,gte=800,lte=10000"`
	TargetWeightKg      *float64    `validate:"omitempty,gt=20,lt=500"`
	RemindersEnabled    bool
	UpdatedAt           time.Time
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the record a user starts with before any sync.
func Default(ownerID string) Record {
	return Record{
		OwnerID:     ownerID,
		CalorieMode: CalorieMaintain,
		StepGoal:    DefaultStepGoal,
	}
}

// Validate checks field ranges.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("settings: invalid %s: failed %q (value %v)", fieldName(fe.Field()), fe.Tag(), fe.Value())
		}

		return fmt.Errorf("settings: %w", err)
	}

	return nil
}

// fieldName maps a struct field to its wire name for error messages.
func fieldName(structField string) string {
	switch structField {
	case "OwnerID":
		return "owner_id"
	case "CalorieMode":
		return FieldCalorieMode
	case "StepGoal":
		return FieldStepGoal
	case "CalorieGoalOverride":
		return FieldCalorieGoalOverride
	case "TargetWeightKg":
		return FieldTargetWeightKg
	default:
		return strings.ToLower(structField)
	}
}

// FromWire converts the server representation.
func FromWire(s *api.Settings) Record {
	return Record{
		OwnerID:             s.OwnerID,
		CalorieMode:         CalorieMode(s.CalorieMode),
		StepGoal:            s.StepGoal,
		CalorieGoalOverride: s.CalorieGoalOverride,
		TargetWeightKg:      s.TargetWeightKg,
		RemindersEnabled:    s.RemindersEnabled,
		UpdatedAt:           s.UpdatedAt,
	}
}

// Equal reports whether two records hold the same values.
func (r Record) Equal(o Record) bool {
	return r.OwnerID == o.OwnerID &&
		r.CalorieMode == o.CalorieMode &&
		r.StepGoal == o.StepGoal &&
		equalPtr(r.CalorieGoalOverride, o.CalorieGoalOverride) &&
		equalPtr(r.TargetWeightKg, o.TargetWeightKg) &&
		r.RemindersEnabled == o.RemindersEnabled &&
		r.UpdatedAt.Equal(o.UpdatedAt)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

// copyField sets field on dst from src.
func copyField(dst *Record, src Record, field string) {
	switch field {
	case FieldCalorieMode:
		dst.CalorieMode = src.CalorieMode
	case FieldStepGoal:
		dst.StepGoal = src.StepGoal
	case FieldCalorieGoalOverride:
		dst.CalorieGoalOverride = src.CalorieGoalOverride
	case FieldTargetWeightKg:
		dst.TargetWeightKg = src.TargetWeightKg
	case FieldRemindersEnabled:
		dst.RemindersEnabled = src.RemindersEnabled
	}
}

// Patch is a partial update keyed by field name. A nil value clears an
// optional field.
type Patch map[string]any

// Keys returns the patch's field names in sorted order.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Apply sets the patched fields on r. Values may be Go numbers or the
// float64 produced by JSON decoding.
func (r *Record) Apply(p Patch) error {
	for _, k := range p.Keys() {
		if err := r.applyField(k, p[k]); err != nil {
			return err
		}
	}

	return nil
}

func (r *Record) applyField(field string, v any) error {
	switch field {
	case FieldCalorieMode:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("settings: %s must be a string", field)
		}

		r.CalorieMode = CalorieMode(s)
	case FieldStepGoal:
		n, err := toInt(field, v)
		if err != nil {
			return err
		}

		r.StepGoal = n
	case FieldCalorieGoalOverride:
		if v == nil {
			r.CalorieGoalOverride = nil
			return nil
		}

		n, err := toInt(field, v)
		if err != nil {
			return err
		}

		r.CalorieGoalOverride = &n
	case FieldTargetWeightKg:
		if v == nil {
			r.TargetWeightKg = nil
			return nil
		}

		f, err := toFloat(field, v)
		if err != nil {
			return err
		}

		r.TargetWeightKg = &f
	case FieldRemindersEnabled:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("settings: %s must be a boolean", field)
		}

		r.RemindersEnabled = b
	default:
		return fmt.Errorf("settings: unknown field %q", field)
	}

	return nil
}

func toInt(field string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("settings: %s must be a whole number", field)
		}

		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("settings: %s: %w", field, err)
		}

		return int(i), nil
	default:
		return 0, fmt.Errorf("settings: %s must be a number", field)
	}
}

func toFloat(field string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("settings: %s: %w", field, err)
		}

		return f, nil
	default:
		return 0, fmt.Errorf("settings: %s must be a number", field)
	}
}

// ParseValue converts a command-line value for field into a patch value.
// "none" clears optional fields.
func ParseValue(field, raw string) (any, error) {
	raw = strings.TrimSpace(raw)

	switch field {
	case FieldCalorieMode:
		return strings.ToLower(raw), nil
	case FieldStepGoal:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("settings: %s must be a whole number: %w", field, err)
		}

		return n, nil
	case FieldCalorieGoalOverride:
		if raw == "none" || raw == "" {
			return nil, nil
		}

		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("settings: %s must be a whole number or none: %w", field, err)
		}

		return n, nil
	case FieldTargetWeightKg:
		if raw == "none" || raw == "" {
			return nil, nil
		}

		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("settings: %s must be a number or none: %w", field, err)
		}

		return f, nil
	case FieldRemindersEnabled:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("settings: %s must be true or false: %w", field, err)
		}

		return b, nil
	default:
		return nil, fmt.Errorf("settings: unknown field %q (known: %s)", field, strings.Join(Fields, ", "))
	}
}
