package sensor

import (
	"math"
	"sync"
	"time"
)

// SimConfig holds the thermal model of a simulated kiln.
type SimConfig struct {
	ThermalMass float64       // J per degree
	HeaterWatts float64       // element power when the relay is on
	LossCoeff   float64       // W per degree above ambient
	Ambient     float64       // degrees
	Lag         time.Duration // thermocouple time constant
}

// DefaultSimConfig is a medium electric kiln.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		ThermalMass: 50000,
		HeaterWatts: 3000,
		LossCoeff:   15,
		Ambient:     20,
		Lag:         2 * time.Second,
	}
}

// simStep bounds the integration step.
const simStep = 100 * time.Millisecond

// Simulator is a kiln model. It is both the temperature source and the
// heating element: wire it as the sensor and as the relay.
type Simulator struct {
	mu  sync.Mutex
	cfg SimConfig
	now func() time.Time

	temp    float64 // chamber
	reading float64 // lagged thermocouple
	on      bool
	last    time.Time
}

// NewSimulator creates a kiln at ambient temperature.
func NewSimulator(cfg SimConfig, now func() time.Time) *Simulator {
	if now == nil {
		now = time.Now
	}
	return &Simulator{
		cfg:     cfg,
		now:     now,
		temp:    cfg.Ambient,
		reading: cfg.Ambient,
	}
}

// SetState switches the element. The model is advanced to the current
// time first so the previous state is accounted for.
func (s *Simulator) SetState(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(s.now())
	s.on = on
	return nil
}

// Read advances the model and returns the thermocouple value.
func (s *Simulator) Read() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.advance(now)
	return Reading{Celsius: s.reading, Time: now}
}

// Temperature returns the chamber temperature without thermocouple lag.
func (s *Simulator) Temperature() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temp
}

// Close is a no-op.
func (s *Simulator) Close() error {
	return nil
}

func (s *Simulator) advance(now time.Time) {
	if s.last.IsZero() || now.Before(s.last) {
		s.last = now
		return
	}
	for s.last.Before(now) {
		dt := now.Sub(s.last)
		if dt > simStep {
			dt = simStep
		}
		s.step(dt.Seconds())
		s.last = s.last.Add(dt)
	}
}

func (s *Simulator) step(dt float64) {
	heat := 0.0
	if s.on {
		heat = s.cfg.HeaterWatts
	}

	diff := s.temp - s.cfg.Ambient
	loss := s.cfg.LossCoeff * diff
	if s.temp > 500 {
		// Radiation grows with T^4 and dominates at firing temperatures.
		factor := math.Pow((s.temp+273.15)/773.15, 4)
		loss += s.cfg.LossCoeff * diff * factor * 0.1
	}

	if s.cfg.ThermalMass > 0 {
		s.temp += (heat - loss) * dt / s.cfg.ThermalMass
	}
	if s.temp < s.cfg.Ambient {
		s.temp = s.cfg.Ambient
	}

	if s.cfg.Lag <= 0 {
		s.reading = s.temp
		return
	}
	alpha := 1 - math.Exp(-dt/s.cfg.Lag.Seconds())
	s.reading += (s.temp - s.reading) * alpha
}
