package logic

import (
	"math"
	"time"

	"github.com/sweeney/kiln-controller/internal/pid"
)

// Readings outside this window are treated as sensor faults.
const (
	MinPlausibleTemp = -100.0
	MaxPlausibleTemp = 1500.0
)

// Plausible reports whether a reading can be trusted.
func Plausible(temp float64) bool {
	return !math.IsNaN(temp) && temp >= MinPlausibleTemp && temp <= MaxPlausibleTemp
}

// Controller runs the firing program. It owns the PID regulator and all run
// state. Not safe for concurrent use; the control loop owns it.
type Controller struct {
	program  FiringProgram
	tunables ControlTunables
	pid      *pid.Regulator

	run      RunState
	lastTemp float64
	haveTemp bool
	power    float64

	// Events raised by commands, delivered with the next Tick.
	pending []Event
}

// NewController creates a controller in the OFF state.
func NewController(program FiringProgram, tunables ControlTunables) *Controller {
	return &Controller{
		program:  program,
		tunables: tunables,
		pid: pid.New(pid.Config{
			Kp:      tunables.Kp,
			Ki:      tunables.Ki,
			MaxRate: tunables.MaxRatePercent,
		}),
		run: RunState{State: StateOff, Phase: PhaseNone},
	}
}

// Start begins a firing at in.Time. The reading in in is the ambient
// baseline the first ramp starts from.
func (c *Controller) Start(in Input) error {
	switch c.run.State {
	case StateOn:
		return ErrAlreadyRunning
	case StateSettings:
		return ErrSettingsOpen
	}
	if in.Fault || !Plausible(in.Temp) {
		return ErrSensorFault
	}

	c.pid.Reset()
	c.power = 0
	c.lastTemp = in.Temp
	c.haveTemp = true
	c.run = RunState{
		State:          StateOn,
		Phase:          PhaseP1,
		RunStartTime:   in.Time,
		PhaseStartTime: in.Time,
		BaselineTemp:   in.Temp,
		TargetTemp:     c.clampTarget(in.Temp),
	}
	c.pending = append(c.pending, c.event(in.Time, EventStart, ""))
	return nil
}

// Stop ends a running firing. While not running it leaves the program state
// alone and acknowledges a latched fault. It reports whether a run was
// stopped.
func (c *Controller) Stop(now time.Time) bool {
	if c.run.State != StateOn {
		c.run.Fault = ""
		return false
	}
	c.pending = append(c.pending, c.event(now, EventStop, ""))
	c.toOff()
	return true
}

// EnterSettings opens the settings overlay. It has no regulation effect.
func (c *Controller) EnterSettings() error {
	if c.run.State == StateOn {
		return ErrRunning
	}
	c.run.State = StateSettings
	return nil
}

// ExitSettings closes the settings overlay.
func (c *Controller) ExitSettings() error {
	if c.run.State == StateOn {
		return ErrRunning
	}
	c.run.State = StateOff
	return nil
}

// SetProgram replaces the firing recipe. Callers validate it first.
func (c *Controller) SetProgram(p FiringProgram) error {
	if c.run.State == StateOn {
		return ErrRunning
	}
	c.program = p
	return nil
}

// SetTunables replaces the control constants. They apply from the next Tick.
func (c *Controller) SetTunables(t ControlTunables) {
	c.tunables = t
	c.pid.SetGains(t.Kp, t.Ki)
	c.pid.SetMaxRate(t.MaxRatePercent)
}

// Tick advances the state machine for one loop iteration.
func (c *Controller) Tick(in Input) Output {
	now := in.Time
	events := c.pending
	c.pending = nil

	fresh := !in.Fault && Plausible(in.Temp)
	events = c.trackSensor(now, in.Temp, fresh, events)

	if c.run.State != StateOn {
		c.power = c.pid.Regulate(c.lastTemp, 0, false, now)
		return Output{Events: events}
	}

	if c.run.TempFailActive && now.Sub(c.run.TempFailStartTime) >= c.tunables.SensorTimeout() {
		return c.abort(now, ErrSensorTimeout, events)
	}
	if fresh && c.tunables.MaxTempDeg > 0 && in.Temp > c.tunables.MaxTempDeg {
		return c.abort(now, ErrOverTemperature, events)
	}

	if c.run.Phase == PhaseCooldown {
		if fresh && in.Temp <= c.program.Cooldown.TargetDeg {
			events = append(events, c.event(now, EventComplete, ""))
			c.toOff()
			return Output{Events: events}
		}
		c.run.TargetTemp = c.clampTarget(ramp(c.run.BaselineTemp, c.program.Cooldown.TargetDeg,
			c.program.Cooldown.RateDegPerHour, now.Sub(c.run.PhaseStartTime)))
	} else {
		events = c.tickHeating(now, in.Temp, fresh, events)
	}

	prev := c.pid.LastUpdate()
	c.power = c.pid.Regulate(c.lastTemp, c.run.TargetTemp, true, now)
	return Output{
		Target:  c.run.TargetTemp,
		Enabled: true,
		Power:   c.power,
		Terms:   c.pid.Terms(),
		Stepped: !c.pid.LastUpdate().Equal(prev),
		Events:  events,
	}
}

// tickHeating handles ramp, plateau and hold of P1..P3.
func (c *Controller) tickHeating(now time.Time, temp float64, fresh bool, events []Event) []Event {
	idx := c.phaseIndex()
	step := c.program.Phases[idx]

	if !c.run.PlateauReached {
		c.run.TargetTemp = c.clampTarget(ramp(c.run.BaselineTemp, step.TargetDeg,
			step.RateDegPerHour, now.Sub(c.run.PhaseStartTime)))
		if fresh && reached(temp, c.run.BaselineTemp, step.TargetDeg, c.tunables.MaxDeltaDeg) {
			c.run.PlateauReached = true
			c.run.PlateauStartTime = now
			events = append(events, c.event(now, EventPlateau, ""))
		}
	}
	if !c.run.PlateauReached {
		return events
	}

	c.run.TargetTemp = c.clampTarget(step.TargetDeg)
	if now.Sub(c.run.PlateauStartTime) < step.Hold() {
		return events
	}

	next := PhaseCooldown
	if idx+1 < len(heatingPhases) {
		next = heatingPhases[idx+1]
	}
	c.run.Phase = next
	c.run.PhaseStartTime = now
	c.run.PlateauReached = false
	c.run.PlateauStartTime = time.Time{}
	c.run.BaselineTemp = step.TargetDeg
	c.run.TargetTemp = c.clampTarget(step.TargetDeg)
	return append(events, c.event(now, EventPhase, ""))
}

// trackSensor maintains the sticky fault flag and the last valid reading.
func (c *Controller) trackSensor(now time.Time, temp float64, fresh bool, events []Event) []Event {
	if fresh {
		if c.run.TempFailActive {
			c.run.TempFailActive = false
			c.run.TempFailStartTime = time.Time{}
			events = append(events, c.event(now, EventSensorOK, ""))
		}
		c.lastTemp = temp
		c.haveTemp = true
		return events
	}
	if !c.run.TempFailActive {
		c.run.TempFailActive = true
		c.run.TempFailStartTime = now
		events = append(events, c.event(now, EventSensorFault, ErrSensorFault.Error()))
	}
	return events
}

func (c *Controller) abort(now time.Time, reason error, events []Event) Output {
	events = append(events, c.event(now, EventAbort, reason.Error()))
	c.toOff()
	c.run.Fault = reason.Error()
	return Output{Events: events}
}

// toOff returns to OFF, keeping sensor fault tracking and the latched fault.
func (c *Controller) toOff() {
	c.pid.Reset()
	c.power = 0
	c.run = RunState{
		State:             StateOff,
		Phase:             PhaseNone,
		TempFailActive:    c.run.TempFailActive,
		TempFailStartTime: c.run.TempFailStartTime,
		Fault:             c.run.Fault,
	}
}

func (c *Controller) phaseIndex() int {
	for i, p := range heatingPhases {
		if p == c.run.Phase {
			return i
		}
	}
	return 0
}

func (c *Controller) clampTarget(t float64) float64 {
	max := c.program.MaxTarget()
	if t > max {
		t = max
	}
	if t < 0 {
		t = 0
	}
	return t
}

func (c *Controller) event(now time.Time, typ EventType, reason string) Event {
	return Event{
		Timestamp: now,
		Type:      typ,
		Phase:     c.run.Phase,
		Target:    c.run.TargetTemp,
		Temp:      c.lastTemp,
		Reason:    reason,
	}
}

// ramp returns the setpoint elapsed into a linear ramp from baseline toward
// target at rate degrees per hour, never overshooting target.
func ramp(baseline, target, rate float64, elapsed time.Duration) float64 {
	if rate <= 0 {
		return target
	}
	if elapsed < 0 {
		return baseline
	}
	delta := rate * elapsed.Hours()
	if target >= baseline {
		return math.Min(baseline+delta, target)
	}
	return math.Max(baseline-delta, target)
}

// reached reports whether temp is within maxDelta of target or past it in
// the direction of the ramp.
func reached(temp, baseline, target, maxDelta float64) bool {
	if target >= baseline {
		return temp >= target-maxDelta
	}
	return temp <= target+maxDelta
}

// State returns a copy of the run state.
func (c *Controller) State() RunState {
	return c.run
}

// Power returns the last power computed, in percent.
func (c *Controller) Power() float64 {
	return c.power
}

// Terms returns the regulator diagnostics.
func (c *Controller) Terms() pid.Terms {
	return c.pid.Terms()
}

// Program returns the active firing recipe.
func (c *Controller) Program() FiringProgram {
	return c.program
}

// Tunables returns the active control constants.
func (c *Controller) Tunables() ControlTunables {
	return c.tunables
}

// LastTemp returns the last valid reading and whether there has been one.
func (c *Controller) LastTemp() (float64, bool) {
	return c.lastTemp, c.haveTemp
}
