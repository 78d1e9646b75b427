// Package sensor provides thermocouple readings with hardware abstraction.
// Adapters acquire in their own goroutine and serve Read from a cache, so
// the control loop never blocks on I/O.
package sensor

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoReading is reported until the adapter has produced a first sample.
	ErrNoReading = errors.New("no reading yet")
	// ErrStale is reported when the last sample is older than the adapter's
	// max age.
	ErrStale = errors.New("reading stale")
	// ErrThermocouple is reported when the converter flags an open or
	// shorted probe.
	ErrThermocouple = errors.New("thermocouple fault")
)

// Reading is one temperature sample.
type Reading struct {
	Celsius float64
	Fault   bool
	Err     error // reason when Fault is set
	Time    time.Time
}

// Reader provides the latest temperature.
type Reader interface {
	// Read returns the cached reading. It never blocks on I/O.
	Read() Reading

	// Close stops acquisition and releases the device.
	Close() error
}

// cache holds the latest sample. A fault stays until a valid sample
// replaces it.
type cache struct {
	mu     sync.Mutex
	last   Reading
	have   bool
	maxAge time.Duration
	now    func() time.Time
}

func newCache(maxAge time.Duration, now func() time.Time) *cache {
	if now == nil {
		now = time.Now
	}
	return &cache{maxAge: maxAge, now: now}
}

func (c *cache) store(r Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Time.IsZero() {
		r.Time = c.now()
	}
	c.last = r
	c.have = true
}

func (c *cache) fail(err error) {
	c.store(Reading{Fault: true, Err: err})
}

func (c *cache) load() Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.have {
		return Reading{Fault: true, Err: ErrNoReading, Time: now}
	}
	r := c.last
	if !r.Fault && c.maxAge > 0 && now.Sub(r.Time) > c.maxAge {
		return Reading{Celsius: r.Celsius, Fault: true, Err: ErrStale, Time: r.Time}
	}
	return r
}
