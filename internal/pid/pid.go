// Package pid turns a temperature setpoint and a measurement into a heater
// power percentage. It is pure: time is always passed in by the caller.
package pid

import (
	"math"
	"time"
)

const (
	// DefaultInterval is the recompute cadence of the regulator.
	DefaultInterval = time.Second
	// DefaultMaxRate is the largest output change, in percent, per computation.
	DefaultMaxRate = 10.0

	// maxDtFactor bounds the measured dt to [Interval, maxDtFactor*Interval];
	// anything outside is replaced by Interval.
	maxDtFactor = 5

	outputMin = 0.0
	outputMax = 100.0
)

// Config holds the regulator gains and limits.
type Config struct {
	Kp       float64
	Ki       float64
	Interval time.Duration
	MaxRate  float64 // percent per computation
}

// Terms are the contributions of the last computation, for diagnostics.
type Terms struct {
	P      float64
	I      float64
	Error  float64
	Output float64
}

// Regulator is a PI controller with clamped anti-windup and an output rate
// limit. The zero value is not usable; call New.
type Regulator struct {
	cfg Config

	integral   float64
	lastError  float64
	lastOutput float64
	lastUpdate time.Time
	active     bool

	p, i float64
}

// New creates a regulator. Zero Interval and MaxRate fall back to defaults.
func New(cfg Config) *Regulator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = DefaultMaxRate
	}
	return &Regulator{cfg: cfg}
}

// SetGains replaces Kp and Ki. The accumulator is re-bounded immediately so
// the integral term stays within the output ceiling.
func (r *Regulator) SetGains(kp, ki float64) {
	r.cfg.Kp = kp
	r.cfg.Ki = ki
	r.integral = r.boundIntegral(r.integral)
}

// SetMaxRate sets the per-computation output change limit.
func (r *Regulator) SetMaxRate(rate float64) {
	if rate > 0 {
		r.cfg.MaxRate = rate
	}
}

// Config returns the current configuration.
func (r *Regulator) Config() Config {
	return r.cfg
}

// Reset clears all regulator state. The next enabled call computes
// immediately.
func (r *Regulator) Reset() {
	r.integral = 0
	r.lastError = 0
	r.lastOutput = 0
	r.lastUpdate = time.Time{}
	r.active = false
	r.p = 0
	r.i = 0
}

// Regulate returns the heater power in [0,100].
//
// When disabled it resets and returns 0. When enabled it recomputes at most
// once per Interval and otherwise returns the previous output unchanged.
func (r *Regulator) Regulate(current, target float64, enabled bool, now time.Time) float64 {
	if !enabled {
		r.Reset()
		return 0
	}

	if r.active && now.Sub(r.lastUpdate) < r.cfg.Interval {
		return r.lastOutput
	}

	dt := r.cfg.Interval
	if r.active {
		elapsed := now.Sub(r.lastUpdate)
		if elapsed >= r.cfg.Interval && elapsed <= maxDtFactor*r.cfg.Interval {
			dt = elapsed
		}
	}
	r.active = true
	r.lastUpdate = now

	err := target - current
	if math.IsNaN(err) || math.IsInf(err, 0) {
		return r.lastOutput
	}

	p := r.cfg.Kp * err

	// Freeze the accumulator while the output is pinned in the direction
	// the error pushes.
	saturatedHigh := r.lastOutput >= outputMax && err > 0
	saturatedLow := r.lastOutput <= outputMin && err < 0
	if !saturatedHigh && !saturatedLow {
		r.integral = r.boundIntegral(r.integral + err*dt.Seconds())
	}
	i := r.cfg.Ki * r.integral

	out := p + i
	delta := out - r.lastOutput
	if delta > r.cfg.MaxRate {
		delta = r.cfg.MaxRate
	} else if delta < -r.cfg.MaxRate {
		delta = -r.cfg.MaxRate
	}
	out = clamp(r.lastOutput+delta, outputMin, outputMax)

	r.p = p
	r.i = i
	r.lastError = err
	r.lastOutput = out
	return out
}

// boundIntegral keeps Ki*integral within [-outputMax, outputMax].
func (r *Regulator) boundIntegral(v float64) float64 {
	if r.cfg.Ki <= 0 {
		return 0
	}
	limit := outputMax / r.cfg.Ki
	return clamp(v, -limit, limit)
}

// Output returns the last computed power.
func (r *Regulator) Output() float64 {
	return r.lastOutput
}

// Integral returns the raw accumulator value.
func (r *Regulator) Integral() float64 {
	return r.integral
}

// LastUpdate returns the time of the last computation, zero if none.
func (r *Regulator) LastUpdate() time.Time {
	return r.lastUpdate
}

// Terms returns the contributions of the last computation.
func (r *Regulator) Terms() Terms {
	return Terms{
		P:      r.p,
		I:      r.i,
		Error:  r.lastError,
		Output: r.lastOutput,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
