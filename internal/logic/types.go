// Package logic contains the firing program state machine.
// This package has NO I/O (no GPIO, sensor, MQTT or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"time"

	"github.com/sweeney/kiln-controller/internal/pid"
)

// ProgramState is the top-level controller mode.
type ProgramState string

const (
	StateOff      ProgramState = "OFF"
	StateOn       ProgramState = "ON"
	StateSettings ProgramState = "SETTINGS"
)

// Phase is the active segment of a firing.
type Phase string

const (
	PhaseNone     Phase = "NONE"
	PhaseP1       Phase = "P1"
	PhaseP2       Phase = "P2"
	PhaseP3       Phase = "P3"
	PhaseCooldown Phase = "COOLDOWN"
)

// heatingPhases lists the ramp-and-hold phases in order.
var heatingPhases = [3]Phase{PhaseP1, PhaseP2, PhaseP3}

// Step is one ramp-and-hold segment.
type Step struct {
	RateDegPerHour float64 `yaml:"rate" json:"rate"`
	TargetDeg      float64 `yaml:"target" json:"target"`
	HoldMinutes    int     `yaml:"hold" json:"hold"`
}

// Hold returns the hold duration.
func (s Step) Hold() time.Duration {
	return time.Duration(s.HoldMinutes) * time.Minute
}

// Cooldown is the controlled descent after the last hold.
type Cooldown struct {
	RateDegPerHour float64 `yaml:"rate" json:"rate"`
	TargetDeg      float64 `yaml:"target" json:"target"`
}

// FiringProgram is the persisted recipe.
type FiringProgram struct {
	Phases   [3]Step  `yaml:"phases" json:"phases"`
	Cooldown Cooldown `yaml:"cooldown" json:"cooldown"`
}

// MaxTarget returns the highest temperature the program asks for.
func (p FiringProgram) MaxTarget() float64 {
	max := p.Cooldown.TargetDeg
	for _, s := range p.Phases {
		if s.TargetDeg > max {
			max = s.TargetDeg
		}
	}
	return max
}

// ControlTunables are the regulator constants. Changes apply live.
type ControlTunables struct {
	PWMPeriodMillis      int     `yaml:"pwm_period_ms" json:"pwm_period_ms"`
	Kp                   float64 `yaml:"kp" json:"kp"`
	Ki                   float64 `yaml:"ki" json:"ki"`
	MaxDeltaDeg          float64 `yaml:"max_delta" json:"max_delta"`
	MaxRatePercent       float64 `yaml:"max_rate" json:"max_rate"`
	SensorTimeoutSeconds int     `yaml:"sensor_timeout_s" json:"sensor_timeout_s"`
	MaxTempDeg           float64 `yaml:"max_temp" json:"max_temp"`
}

// PWMPeriod returns the PWM cycle length.
func (t ControlTunables) PWMPeriod() time.Duration {
	return time.Duration(t.PWMPeriodMillis) * time.Millisecond
}

// SensorTimeout returns how long a sensor fault may persist before the run
// is aborted.
func (t ControlTunables) SensorTimeout() time.Duration {
	return time.Duration(t.SensorTimeoutSeconds) * time.Second
}

// RunState is the state of the controller. It is reset on return to OFF
// except for the sensor fault tracking and the latched Fault.
type RunState struct {
	State            ProgramState `json:"state"`
	Phase            Phase        `json:"phase"`
	RunStartTime     time.Time    `json:"run_start"`
	PhaseStartTime   time.Time    `json:"phase_start"`
	PlateauReached   bool         `json:"plateau_reached"`
	PlateauStartTime time.Time    `json:"plateau_start"`
	BaselineTemp     float64      `json:"baseline"`
	TargetTemp       float64      `json:"target"`

	TempFailActive    bool      `json:"temp_fail_active"`
	TempFailStartTime time.Time `json:"temp_fail_start"`

	// Fault is the reason the last run was aborted, empty if none.
	Fault string `json:"fault,omitempty"`
}

// Input is one loop sample.
type Input struct {
	Time  time.Time
	Temp  float64
	Fault bool // adapter reports the reading as invalid
}

// Output is the result of one Tick.
type Output struct {
	Target  float64
	Enabled bool
	Power   float64
	Terms   pid.Terms
	Stepped bool // the regulator recomputed on this tick
	Events  []Event
}

// EventType names something the outside world may want to hear about.
type EventType string

const (
	EventStart       EventType = "START"
	EventPhase       EventType = "PHASE"
	EventPlateau     EventType = "PLATEAU"
	EventComplete    EventType = "COMPLETE"
	EventStop        EventType = "STOP"
	EventAbort       EventType = "ABORT"
	EventSensorFault EventType = "SENSOR_FAULT"
	EventSensorOK    EventType = "SENSOR_OK"
)

// Event is a state transition to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Phase     Phase
	Target    float64
	Temp      float64
	Reason    string
}
