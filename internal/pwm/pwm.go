// Package pwm drives a slow on/off relay so that its average on-time over a
// fixed period matches a power percentage.
package pwm

import (
	"log"
	"math"
	"time"
)

// DefaultPeriod is the PWM cycle length.
const DefaultPeriod = time.Second

// Relay is the switched output, typically the heating element contactor.
type Relay interface {
	SetState(on bool) error
}

// Driver converts a power percentage into relay on/off transitions.
// Call Tick frequently relative to the period; resolution is the tick spacing.
type Driver struct {
	relay   Relay
	period  time.Duration
	pending time.Duration

	cycleStart time.Time
	started    bool

	on     bool // desired state computed by the last Tick
	driven bool // relay confirmed in state `on`
}

// New creates a driver. A non-positive period falls back to DefaultPeriod.
// The relay is not touched until the first Tick.
func New(relay Relay, period time.Duration) *Driver {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Driver{relay: relay, period: period}
}

// SetPeriod changes the cycle length. The new value takes effect at the
// next cycle boundary so the current cycle is never stretched or cut.
func (d *Driver) SetPeriod(period time.Duration) {
	if period <= 0 {
		return
	}
	if !d.started {
		d.period = period
		d.pending = 0
		return
	}
	if period == d.period {
		d.pending = 0
		return
	}
	d.pending = period
}

// Period returns the cycle length currently in force.
func (d *Driver) Period() time.Duration {
	return d.period
}

// Tick updates the relay for the given instant and power. It returns the
// state the relay should be in. Relay errors are logged and the write is
// retried on the next Tick.
func (d *Driver) Tick(now time.Time, power float64) bool {
	elapsed := now.Sub(d.cycleStart)
	if !d.started || elapsed >= d.period || elapsed < 0 {
		if d.pending > 0 {
			d.period = d.pending
			d.pending = 0
		}
		d.cycleStart = now
		d.started = true
		elapsed = 0
	}

	want := d.desired(elapsed, power)
	if want != d.on || !d.driven {
		d.on = want
		d.driven = d.write(want)
	}
	return want
}

func (d *Driver) desired(elapsed time.Duration, power float64) bool {
	switch {
	case math.IsNaN(power) || power <= 0:
		return false
	case power >= 100:
		return true
	}
	onTime := time.Duration(float64(d.period) * power / 100)
	return elapsed < onTime
}

func (d *Driver) write(on bool) bool {
	if d.relay == nil {
		return true
	}
	if err := d.relay.SetState(on); err != nil {
		log.Printf("pwm: relay write failed (on=%v): %v", on, err)
		return false
	}
	return true
}

// ForceOff switches the relay off immediately, outside the cycle logic.
// The next Tick starts a fresh cycle.
func (d *Driver) ForceOff() error {
	d.on = false
	d.started = false
	if d.relay == nil {
		d.driven = true
		return nil
	}
	if err := d.relay.SetState(false); err != nil {
		d.driven = false
		return err
	}
	d.driven = true
	return nil
}

// On reports the state computed by the last Tick.
func (d *Driver) On() bool {
	return d.on
}
