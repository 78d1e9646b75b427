package pwm

import (
	"errors"
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type recordingRelay struct {
	writes []bool
	err    error
}

func (r *recordingRelay) SetState(on bool) error {
	if r.err != nil {
		return r.err
	}
	r.writes = append(r.writes, on)
	return nil
}

// onTicks counts ticks in the relay-on state over one period sampled every step.
func onTicks(d *Driver, start time.Time, period, step time.Duration, power float64) int {
	n := 0
	for off := time.Duration(0); off < period; off += step {
		if d.Tick(start.Add(off), power) {
			n++
		}
	}
	return n
}

func TestDutyCycleMatchesPower(t *testing.T) {
	tests := []struct {
		power float64
		want  int // ticks on out of 100
	}{
		{0, 0},
		{1, 1},
		{25, 25},
		{50, 50},
		{73, 73},
		{99, 99},
		{100, 100},
	}
	for _, tt := range tests {
		d := New(&recordingRelay{}, time.Second)
		got := onTicks(d, t0, time.Second, 10*time.Millisecond, tt.power)
		if got != tt.want {
			t.Errorf("power %v: on ticks got %d, want %d", tt.power, got, tt.want)
		}
	}
}

func TestZeroPowerNeverSwitchesOn(t *testing.T) {
	relay := &recordingRelay{}
	d := New(relay, time.Second)
	for i := 0; i < 300; i++ {
		if d.Tick(t0.Add(time.Duration(i)*10*time.Millisecond), 0) {
			t.Fatalf("tick %d: relay on at zero power", i)
		}
	}
	for _, w := range relay.writes {
		if w {
			t.Fatal("relay was written on at zero power")
		}
	}
}

func TestFullPowerNeverSwitchesOff(t *testing.T) {
	relay := &recordingRelay{}
	d := New(relay, time.Second)
	for i := 0; i < 300; i++ {
		if !d.Tick(t0.Add(time.Duration(i)*10*time.Millisecond), 100) {
			t.Fatalf("tick %d: relay off at full power", i)
		}
	}
	if len(relay.writes) != 1 {
		t.Errorf("writes: got %d, want 1", len(relay.writes))
	}
}

func TestNegativeAndNaNPowerAreOff(t *testing.T) {
	d := New(&recordingRelay{}, time.Second)
	if d.Tick(t0, -5) {
		t.Error("negative power: relay on")
	}
	if d.Tick(t0.Add(time.Millisecond), math.NaN()) {
		t.Error("NaN power: relay on")
	}
}

func TestWritesOnlyOnTransitions(t *testing.T) {
	relay := &recordingRelay{}
	d := New(relay, time.Second)
	for cycle := 0; cycle < 3; cycle++ {
		start := t0.Add(time.Duration(cycle) * time.Second)
		onTicks(d, start, time.Second, 10*time.Millisecond, 40)
	}
	// Each cycle: on at the start, off at 400ms.
	want := []bool{true, false, true, false, true, false}
	if len(relay.writes) != len(want) {
		t.Fatalf("writes: got %v, want %v", relay.writes, want)
	}
	for i := range want {
		if relay.writes[i] != want[i] {
			t.Errorf("write %d: got %v, want %v", i, relay.writes[i], want[i])
		}
	}
}

func TestPeriodChangeAppliesAtBoundary(t *testing.T) {
	d := New(&recordingRelay{}, time.Second)
	d.Tick(t0, 50)

	d.SetPeriod(2 * time.Second)
	if d.Period() != time.Second {
		t.Errorf("period mid-cycle: got %v, want 1s", d.Period())
	}
	// 600ms into the first 1s cycle at 50%: off.
	if d.Tick(t0.Add(600*time.Millisecond), 50) {
		t.Error("relay on at 600ms of 1s cycle at 50%")
	}

	// Boundary at 1s: the 2s period applies.
	d.Tick(t0.Add(time.Second), 50)
	if d.Period() != 2*time.Second {
		t.Errorf("period after boundary: got %v, want 2s", d.Period())
	}
	if !d.Tick(t0.Add(1900*time.Millisecond), 50) {
		t.Error("relay off at 900ms of 2s cycle at 50%")
	}
	if d.Tick(t0.Add(2100*time.Millisecond), 50) {
		t.Error("relay on at 1100ms of 2s cycle at 50%")
	}
}

func TestSetPeriodBeforeStartAppliesImmediately(t *testing.T) {
	d := New(nil, time.Second)
	d.SetPeriod(5 * time.Second)
	if d.Period() != 5*time.Second {
		t.Errorf("period: got %v, want 5s", d.Period())
	}
	d.SetPeriod(0)
	if d.Period() != 5*time.Second {
		t.Errorf("zero period accepted: got %v", d.Period())
	}
}

func TestClockStepBackwardStartsNewCycle(t *testing.T) {
	d := New(&recordingRelay{}, time.Second)
	d.Tick(t0, 50)
	d.Tick(t0.Add(700*time.Millisecond), 50)
	if !d.Tick(t0.Add(-time.Minute), 50) {
		t.Error("expected new cycle (relay on) after clock stepped backward")
	}
}

func TestRelayErrorRetriedNextTick(t *testing.T) {
	relay := &recordingRelay{err: errors.New("bus error")}
	d := New(relay, time.Second)

	d.Tick(t0, 100)
	if len(relay.writes) != 0 {
		t.Fatalf("writes recorded despite error: %v", relay.writes)
	}

	relay.err = nil
	d.Tick(t0.Add(10*time.Millisecond), 100)
	if len(relay.writes) != 1 || !relay.writes[0] {
		t.Errorf("writes after recovery: got %v, want [true]", relay.writes)
	}
}

func TestForceOff(t *testing.T) {
	relay := &recordingRelay{}
	d := New(relay, time.Second)
	d.Tick(t0, 100)

	if err := d.ForceOff(); err != nil {
		t.Fatalf("ForceOff: %v", err)
	}
	if d.On() {
		t.Error("On() true after ForceOff")
	}
	if last := relay.writes[len(relay.writes)-1]; last {
		t.Error("last write was on after ForceOff")
	}

	// Next tick starts a fresh cycle.
	if !d.Tick(t0.Add(300*time.Millisecond), 50) {
		t.Error("expected on at start of fresh cycle")
	}
}

func TestForceOffReturnsRelayError(t *testing.T) {
	relay := &recordingRelay{err: errors.New("bus error")}
	d := New(relay, time.Second)
	if err := d.ForceOff(); err == nil {
		t.Error("expected error from ForceOff")
	}
}
