// Package status provides a thread-safe status tracker for the kiln controller.
// It is written by the control loop and read by HTTP handlers, the websocket
// stream and the metrics exporter.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/kiln-controller/internal/history"
	"github.com/sweeney/kiln-controller/internal/logic"
	"github.com/sweeney/kiln-controller/internal/pid"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// HostInfo is a sample of host health.
type HostInfo struct {
	Hostname       string
	Load1          float64
	Load5          float64
	Load15         float64
	MemUsedPercent float64
	CPUPercent     float64
	ProcRSS        uint64 // controller process resident memory, bytes
	Uptime         time.Duration
}

// Config contains daemon configuration for display.
type Config struct {
	PollMs      int64
	HeartbeatMs int64
	Broker      string
	HTTPPort    string
	Sensor      string
	Store       string
	RelayPin    int
}

// Control is the part of the snapshot owned by the control loop.
type Control struct {
	Run         logic.RunState
	Temp        float64
	TempValid   bool // false until the first plausible reading
	SensorFault bool
	SensorError string
	Power       float64
	RelayOn     bool
	Terms       pid.Terms
	Remaining   time.Duration
	Program     logic.FiringProgram
	Tunables    logic.ControlTunables
	History     []history.Sample
	HistoryStep time.Duration
	SavePending bool
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Control
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Host          *HostInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	subs map[chan struct{}]struct{}
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		subs: make(map[chan struct{}]struct{}),
	}
}

// Update replaces the control loop's part of the snapshot and wakes
// subscribers. Called from runLoop on every tick.
func (t *Tracker) Update(c Control) {
	t.mu.Lock()
	c.History = append([]history.Sample(nil), c.History...)
	t.snap.Control = c
	for ch := range t.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// SetHost sets the latest host health sample.
func (t *Tracker) SetHost(info *HostInfo) {
	t.mu.Lock()
	t.snap.Host = info
	t.mu.Unlock()
}

// Subscribe returns a channel that receives a value after each Update.
// Notifications coalesce: a slow reader sees at most one pending wakeup.
// The returned function unsubscribes.
func (t *Tracker) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	return ch, func() {
		t.mu.Lock()
		delete(t.subs, ch)
		t.mu.Unlock()
	}
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
