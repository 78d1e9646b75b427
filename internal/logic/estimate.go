package logic

import (
	"math"
	"time"
)

// EstimateRemaining returns the expected time to the end of the firing:
// the rest of the active ramp measured from the current reading, the rest
// of the active hold, then every later ramp and hold and the cooldown.
// It returns 0 when no firing is running.
func EstimateRemaining(p FiringProgram, run RunState, temp float64, now time.Time) time.Duration {
	if run.State != StateOn {
		return 0
	}

	if run.Phase == PhaseCooldown {
		return rampTime(temp-p.Cooldown.TargetDeg, p.Cooldown.RateDegPerHour)
	}

	idx := -1
	for i, ph := range heatingPhases {
		if ph == run.Phase {
			idx = i
		}
	}
	if idx < 0 {
		return 0
	}

	var total time.Duration
	step := p.Phases[idx]
	toGo := step.TargetDeg - temp
	if step.TargetDeg < run.BaselineTemp {
		toGo = -toGo
	}
	total += rampTime(toGo, step.RateDegPerHour)

	if run.PlateauReached {
		if left := step.Hold() - now.Sub(run.PlateauStartTime); left > 0 {
			total += left
		}
	} else {
		total += step.Hold()
	}

	prev := step.TargetDeg
	for _, s := range p.Phases[idx+1:] {
		total += rampTime(math.Abs(s.TargetDeg-prev), s.RateDegPerHour)
		total += s.Hold()
		prev = s.TargetDeg
	}
	return total + rampTime(prev-p.Cooldown.TargetDeg, p.Cooldown.RateDegPerHour)
}

// rampTime is the time to cover delta degrees at rate degrees per hour.
// Non-positive deltas take no time.
func rampTime(delta, rate float64) time.Duration {
	if delta <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(delta / rate * float64(time.Hour))
}
