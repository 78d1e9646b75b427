package logic

import (
	"testing"
	"time"
)

func assertDuration(t *testing.T, name string, got, want time.Duration) {
	t.Helper()
	if diff := got - want; diff > time.Second || diff < -time.Second {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func TestEstimateRemainingOff(t *testing.T) {
	run := RunState{State: StateOff, Phase: PhaseNone}
	if got := EstimateRemaining(testProgram(), run, 20, t0); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}

func TestEstimateRemainingFromStart(t *testing.T) {
	run := RunState{State: StateOn, Phase: PhaseP1, BaselineTemp: 20, PhaseStartTime: t0}
	// P1 ramp 24m + hold 10m, P2 ramp 12m + hold 5m, P3 ramp 10m + hold 0,
	// cooldown 60m.
	want := 121 * time.Minute
	assertDuration(t, "from start", EstimateRemaining(testProgram(), run, 20, t0), want)
}

func TestEstimateRemainingDuringHold(t *testing.T) {
	run := RunState{
		State:            StateOn,
		Phase:            PhaseP2,
		BaselineTemp:     60,
		PlateauReached:   true,
		PlateauStartTime: t0,
	}
	// 3m hold left, P3 ramp 10m, cooldown 60m.
	got := EstimateRemaining(testProgram(), run, 100, t0.Add(2*time.Minute))
	assertDuration(t, "during P2 hold", got, 73*time.Minute)
}

func TestEstimateRemainingHoldOverrun(t *testing.T) {
	run := RunState{
		State:            StateOn,
		Phase:            PhaseP2,
		BaselineTemp:     60,
		PlateauReached:   true,
		PlateauStartTime: t0,
	}
	got := EstimateRemaining(testProgram(), run, 100, t0.Add(time.Hour))
	assertDuration(t, "hold overrun", got, 70*time.Minute)
}

func TestEstimateRemainingCooldown(t *testing.T) {
	run := RunState{State: StateOn, Phase: PhaseCooldown, BaselineTemp: 150}
	assertDuration(t, "cooldown", EstimateRemaining(testProgram(), run, 120, t0), 42*time.Minute)
	assertDuration(t, "cooldown done", EstimateRemaining(testProgram(), run, 40, t0), 0)
}

func TestEstimateRemainingDescendingPhase(t *testing.T) {
	run := RunState{State: StateOn, Phase: PhaseP1, BaselineTemp: 120}
	// 40 degrees down to 60 at 100/h is 24m, plus hold 10m and the rest (87m).
	got := EstimateRemaining(testProgram(), run, 100, t0)
	assertDuration(t, "descending", got, 121*time.Minute)
}
