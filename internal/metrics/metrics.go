// Package metrics exports controller state in the Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/kiln-controller/internal/logic"
	"github.com/sweeney/kiln-controller/internal/status"
)

const namespace = "kiln"

var (
	states = []logic.ProgramState{logic.StateOff, logic.StateOn, logic.StateSettings}
	phases = []logic.Phase{logic.PhaseNone, logic.PhaseP1, logic.PhaseP2, logic.PhaseP3, logic.PhaseCooldown}
)

// Metrics holds the controller's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	temp        prometheus.Gauge
	target      prometheus.Gauge
	power       prometheus.Gauge
	relay       prometheus.Gauge
	sensorFault prometheus.Gauge
	remaining   prometheus.Gauge
	mqtt        prometheus.Gauge
	state       *prometheus.GaugeVec
	phase       *prometheus.GaugeVec
	pid         *prometheus.GaugeVec
	events      *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	m := &Metrics{
		reg:         prometheus.NewRegistry(),
		temp:        gauge("temperature_celsius", "Last valid thermocouple reading."),
		target:      gauge("target_celsius", "Current setpoint."),
		power:       gauge("power_percent", "Regulator output."),
		relay:       gauge("relay_on", "1 while the heating element is energized."),
		sensorFault: gauge("sensor_fault", "1 while the thermocouple reports a fault."),
		remaining:   gauge("remaining_seconds", "Estimated time to the end of the firing."),
		mqtt:        gauge("mqtt_connected", "1 while the broker connection is up."),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "state", Help: "1 for the current program state.",
		}, []string{"state"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "phase", Help: "1 for the current firing phase.",
		}, []string{"phase"}),
		pid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pid_term", Help: "Regulator terms of the last step.",
		}, []string{"term"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total", Help: "Firing events by type.",
		}, []string{"type"}),
	}
	m.reg.MustRegister(
		m.temp, m.target, m.power, m.relay, m.sensorFault, m.remaining, m.mqtt,
		m.state, m.phase, m.pid, m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Observe copies a status snapshot into the gauges.
func (m *Metrics) Observe(snap status.Snapshot) {
	if snap.TempValid {
		m.temp.Set(snap.Temp)
	}
	m.target.Set(snap.Run.TargetTemp)
	m.power.Set(snap.Power)
	m.relay.Set(boolGauge(snap.RelayOn))
	m.sensorFault.Set(boolGauge(snap.SensorFault))
	m.remaining.Set(snap.Remaining.Seconds())
	m.mqtt.Set(boolGauge(snap.MQTTConnected))

	for _, s := range states {
		m.state.WithLabelValues(string(s)).Set(boolGauge(s == snap.Run.State))
	}
	for _, p := range phases {
		m.phase.WithLabelValues(string(p)).Set(boolGauge(p == snap.Run.Phase))
	}
	m.pid.WithLabelValues("p").Set(snap.Terms.P)
	m.pid.WithLabelValues("i").Set(snap.Terms.I)
	m.pid.WithLabelValues("error").Set(snap.Terms.Error)
}

// CountEvent increments the counter for one published event.
func (m *Metrics) CountEvent(t logic.EventType) {
	m.events.WithLabelValues(string(t)).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
