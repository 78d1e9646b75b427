package status

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sweeney/kiln-controller/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	State         string       `json:"state"`
	Phase         string       `json:"phase"`
	Temperature   *float64     `json:"temperature"`
	Target        float64      `json:"target"`
	Power         float64      `json:"power"`
	Relay         bool         `json:"relay"`
	Sensor        SensorJSON   `json:"sensor"`
	Run           RunJSON      `json:"run"`
	PID           PIDJSON      `json:"pid"`
	Fault         string       `json:"fault,omitempty"`
	SavePending   bool         `json:"save_pending"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Program       ProgramJSON  `json:"program"`
	Tunables      TunablesJSON `json:"tunables"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Host          *HostJSON    `json:"host,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// SensorJSON reports thermocouple health.
type SensorJSON struct {
	Fault           bool   `json:"fault"`
	Error           string `json:"error,omitempty"`
	FailActive      bool   `json:"fail_active"`
	FailSinceSecond int64  `json:"fail_seconds,omitempty"`
}

// RunJSON reports the timing of the current run.
type RunJSON struct {
	StartTime        string  `json:"start_time,omitempty"`
	PhaseStartTime   string  `json:"phase_start_time,omitempty"`
	ElapsedSeconds   int64   `json:"elapsed_seconds"`
	Baseline         float64 `json:"baseline"`
	PlateauReached   bool    `json:"plateau_reached"`
	HoldSeconds      int64   `json:"hold_seconds"`
	RemainingSeconds int64   `json:"remaining_seconds"`
}

// PIDJSON reports the regulator terms of the last cadence step.
type PIDJSON struct {
	P      float64 `json:"p"`
	I      float64 `json:"i"`
	Error  float64 `json:"error"`
	Output float64 `json:"output"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// StepJSON is one heating phase of the program.
type StepJSON struct {
	Rate   float64 `json:"rate"`
	Target float64 `json:"target"`
	Hold   int     `json:"hold"`
}

// CooldownJSON is the controlled cooldown of the program.
type CooldownJSON struct {
	Rate   float64 `json:"rate"`
	Target float64 `json:"target"`
}

// ProgramJSON is the JSON representation of the firing program.
type ProgramJSON struct {
	Phases   []StepJSON   `json:"phases"`
	Cooldown CooldownJSON `json:"cooldown"`
}

// TunablesJSON is the JSON representation of the control tunables.
type TunablesJSON struct {
	PWMPeriodMs    int     `json:"pwm_period_ms"`
	Kp             float64 `json:"kp"`
	Ki             float64 `json:"ki"`
	MaxDelta       float64 `json:"max_delta"`
	MaxRate        float64 `json:"max_rate"`
	SensorTimeoutS int     `json:"sensor_timeout_s"`
	MaxTemp        float64 `json:"max_temp"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// HostJSON is the JSON representation of host health.
type HostJSON struct {
	Hostname       string  `json:"hostname"`
	Load1          float64 `json:"load1"`
	Load5          float64 `json:"load5"`
	Load15         float64 `json:"load15"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	CPUPercent     float64 `json:"cpu_percent"`
	ProcRSS        uint64  `json:"process_rss_bytes"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs      int64  `json:"poll_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPPort    string `json:"http_port"`
	Sensor      string `json:"sensor"`
	Store       string `json:"store"`
	RelayPin    int    `json:"relay_pin"`
}

// HistoryJSON is the envelope for the history endpoint.
type HistoryJSON struct {
	History HistoryInner `json:"history"`
}

// HistoryInner holds the recorded samples in degrees, oldest first.
type HistoryInner struct {
	IntervalSeconds int64         `json:"interval_seconds"`
	Samples         []HistoryItem `json:"samples"`
}

// HistoryItem is one recorded sample.
type HistoryItem struct {
	Seconds uint32  `json:"t"`
	Target  float64 `json:"target"`
	Read    float64 `json:"read"`
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildProgram(p logic.FiringProgram) ProgramJSON {
	out := ProgramJSON{
		Phases:   make([]StepJSON, 0, len(p.Phases)),
		Cooldown: CooldownJSON{Rate: p.Cooldown.RateDegPerHour, Target: p.Cooldown.TargetDeg},
	}
	for _, s := range p.Phases {
		out.Phases = append(out.Phases, StepJSON{Rate: s.RateDegPerHour, Target: s.TargetDeg, Hold: s.HoldMinutes})
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	run := snap.Run
	state := string(run.State)
	if state == "" {
		state = string(logic.StateOff)
	}
	phase := string(run.Phase)
	if phase == "" {
		phase = string(logic.PhaseNone)
	}

	inner := StatusInner{
		State:       state,
		Phase:       phase,
		Target:      round1(run.TargetTemp),
		Power:       round1(snap.Power),
		Relay:       snap.RelayOn,
		Fault:       run.Fault,
		SavePending: snap.SavePending,
		Sensor: SensorJSON{
			Fault:      snap.SensorFault,
			Error:      snap.SensorError,
			FailActive: run.TempFailActive,
		},
		Run: RunJSON{
			StartTime:        formatTime(run.RunStartTime),
			PhaseStartTime:   formatTime(run.PhaseStartTime),
			Baseline:         round1(run.BaselineTemp),
			PlateauReached:   run.PlateauReached,
			RemainingSeconds: int64(snap.Remaining.Truncate(time.Second).Seconds()),
		},
		PID: PIDJSON{
			P:      snap.Terms.P,
			I:      snap.Terms.I,
			Error:  snap.Terms.Error,
			Output: snap.Terms.Output,
		},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Program:       buildProgram(snap.Program),
		Tunables: TunablesJSON{
			PWMPeriodMs:    snap.Tunables.PWMPeriodMillis,
			Kp:             snap.Tunables.Kp,
			Ki:             snap.Tunables.Ki,
			MaxDelta:       snap.Tunables.MaxDeltaDeg,
			MaxRate:        snap.Tunables.MaxRatePercent,
			SensorTimeoutS: snap.Tunables.SensorTimeoutSeconds,
			MaxTemp:        snap.Tunables.MaxTempDeg,
		},
		Config: ConfigJSON{
			PollMs:      snap.Config.PollMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
			Sensor:      snap.Config.Sensor,
			Store:       snap.Config.Store,
			RelayPin:    snap.Config.RelayPin,
		},
	}
	if snap.TempValid {
		t := round1(snap.Temp)
		inner.Temperature = &t
	}
	if run.TempFailActive && !run.TempFailStartTime.IsZero() {
		inner.Sensor.FailSinceSecond = int64(snap.Now.Sub(run.TempFailStartTime).Truncate(time.Second).Seconds())
	}
	if run.State == logic.StateOn {
		inner.Run.ElapsedSeconds = int64(snap.Now.Sub(run.RunStartTime).Truncate(time.Second).Seconds())
		if run.PlateauReached {
			inner.Run.HoldSeconds = int64(snap.Now.Sub(run.PlateauStartTime).Truncate(time.Second).Seconds())
		}
	}
	return inner
}

func buildExtras(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	if snap.Host != nil {
		inner.Host = &HostJSON{
			Hostname:       snap.Host.Hostname,
			Load1:          snap.Host.Load1,
			Load5:          snap.Host.Load5,
			Load15:         snap.Host.Load15,
			MemUsedPercent: round1(snap.Host.MemUsedPercent),
			CPUPercent:     round1(snap.Host.CPUPercent),
			ProcRSS:        snap.Host.ProcRSS,
			UptimeSeconds:  int64(snap.Host.Uptime.Seconds()),
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildExtras(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildExtras(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}

// FormatHistoryJSON returns the recorded samples in degrees.
func FormatHistoryJSON(snap Snapshot) []byte {
	inner := HistoryInner{
		IntervalSeconds: int64(snap.HistoryStep.Seconds()),
		Samples:         make([]HistoryItem, 0, len(snap.History)),
	}
	for _, s := range snap.History {
		inner.Samples = append(inner.Samples, HistoryItem{
			Seconds: s.TimestampSeconds,
			Target:  s.TargetDeg(),
			Read:    s.ReadDeg(),
		})
	}
	data, _ := json.Marshal(HistoryJSON{History: inner})
	return data
}
