// Package config holds the persisted firing recipe and control constants,
// their validation, and the stores that keep them across restarts.
package config

import (
	"errors"
	"fmt"
	"math"

	"github.com/sweeney/kiln-controller/internal/logic"
)

// ErrOutOfRange matches every RangeError.
var ErrOutOfRange = errors.New("value out of range")

// RangeError reports an edit outside its permitted range.
type RangeError struct {
	Field string
	Value float64
	Min   float64
	Max   float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: %g out of range [%g, %g]", e.Field, e.Value, e.Min, e.Max)
}

// Is makes errors.Is(err, ErrOutOfRange) hold.
func (e *RangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// Settings is everything the config store persists.
type Settings struct {
	Program  logic.FiringProgram   `yaml:"program" json:"program"`
	Tunables logic.ControlTunables `yaml:"tunables" json:"tunables"`
}

// DefaultProgram is a bisque firing for a medium kiln.
func DefaultProgram() logic.FiringProgram {
	return logic.FiringProgram{
		Phases: [3]logic.Step{
			{RateDegPerHour: 50, TargetDeg: 100, HoldMinutes: 5},
			{RateDegPerHour: 250, TargetDeg: 570, HoldMinutes: 15},
			{RateDegPerHour: 200, TargetDeg: 1100, HoldMinutes: 20},
		},
		Cooldown: logic.Cooldown{RateDegPerHour: 150, TargetDeg: 200},
	}
}

// DefaultTunables returns the control constants used when none are stored.
func DefaultTunables() logic.ControlTunables {
	return logic.ControlTunables{
		PWMPeriodMillis:      1000,
		Kp:                   2.0,
		Ki:                   0.5,
		MaxDeltaDeg:          5,
		MaxRatePercent:       10,
		SensorTimeoutSeconds: 120,
		MaxTempDeg:           1300,
	}
}

// Default returns the settings used when nothing is stored.
func Default() Settings {
	return Settings{
		Program:  DefaultProgram(),
		Tunables: DefaultTunables(),
	}
}

// ensureDefaults fills tunables a stored file left out. Kp and Ki may
// legitimately be zero and are left alone.
func (s *Settings) ensureDefaults() {
	def := DefaultTunables()
	t := &s.Tunables
	if t.PWMPeriodMillis == 0 {
		t.PWMPeriodMillis = def.PWMPeriodMillis
	}
	if t.MaxDeltaDeg == 0 {
		t.MaxDeltaDeg = def.MaxDeltaDeg
	}
	if t.MaxRatePercent == 0 {
		t.MaxRatePercent = def.MaxRatePercent
	}
	if t.SensorTimeoutSeconds == 0 {
		t.SensorTimeoutSeconds = def.SensorTimeoutSeconds
	}
	if t.MaxTempDeg == 0 {
		t.MaxTempDeg = def.MaxTempDeg
	}
}

func checkRange(field string, v, min, max float64) error {
	if math.IsNaN(v) || v < min || v > max {
		return &RangeError{Field: field, Value: v, Min: min, Max: max}
	}
	return nil
}

// ValidateProgram checks every field of p against the editor ranges.
func ValidateProgram(p logic.FiringProgram) error {
	for i, s := range p.Phases {
		prefix := fmt.Sprintf("phase %d ", i+1)
		if err := checkRange(prefix+"rate", s.RateDegPerHour, 1, 1000); err != nil {
			return err
		}
		if err := checkRange(prefix+"target", s.TargetDeg, 0, 1500); err != nil {
			return err
		}
		if err := checkRange(prefix+"hold", float64(s.HoldMinutes), 0, 999); err != nil {
			return err
		}
	}
	if err := checkRange("cooldown rate", p.Cooldown.RateDegPerHour, 1, 1000); err != nil {
		return err
	}
	return checkRange("cooldown target", p.Cooldown.TargetDeg, 0, 1000)
}

// ValidateTunables checks every control constant against its range.
func ValidateTunables(t logic.ControlTunables) error {
	checks := []struct {
		field    string
		v        float64
		min, max float64
	}{
		{"pwm period", float64(t.PWMPeriodMillis), 100, 60000},
		{"kp", t.Kp, 0, 100},
		{"ki", t.Ki, 0, 10},
		{"max delta", t.MaxDeltaDeg, 0.5, 100},
		{"max rate", t.MaxRatePercent, 0.1, 100},
		{"sensor timeout", float64(t.SensorTimeoutSeconds), 5, 3600},
		{"max temp", t.MaxTempDeg, 100, 1500},
	}
	for _, c := range checks {
		if err := checkRange(c.field, c.v, c.min, c.max); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCeiling rejects program targets above the over-temperature
// limit of t.
func ValidateCeiling(p logic.FiringProgram, t logic.ControlTunables) error {
	for i, s := range p.Phases {
		if err := checkRange(fmt.Sprintf("phase %d target", i+1), s.TargetDeg, 0, t.MaxTempDeg); err != nil {
			return err
		}
	}
	return checkRange("cooldown target", p.Cooldown.TargetDeg, 0, t.MaxTempDeg)
}

// Validate checks the whole settings value.
func (s Settings) Validate() error {
	if err := ValidateProgram(s.Program); err != nil {
		return fmt.Errorf("program: %w", err)
	}
	if err := ValidateTunables(s.Tunables); err != nil {
		return fmt.Errorf("tunables: %w", err)
	}
	if err := ValidateCeiling(s.Program, s.Tunables); err != nil {
		return fmt.Errorf("program above max temp: %w", err)
	}
	return nil
}
