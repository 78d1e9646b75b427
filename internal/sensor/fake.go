package sensor

import (
	"errors"
	"sync"
	"time"
)

// FakeSensor is a test double that returns scripted readings.
type FakeSensor struct {
	mu sync.Mutex

	// Readings contains the scripted values. Each call to Read consumes the
	// next one; the last repeats once exhausted.
	Readings []Reading
	index    int

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeSensor creates a FakeSensor returning the given temperatures.
func NewFakeSensor(temps ...float64) *FakeSensor {
	f := &FakeSensor{}
	for _, t := range temps {
		f.Readings = append(f.Readings, Reading{Celsius: t})
	}
	return f
}

// Read returns the next scripted reading.
func (f *FakeSensor) Read() Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Readings) == 0 {
		return Reading{Fault: true, Err: errors.New("no readings configured"), Time: time.Now()}
	}
	r := f.Readings[f.index]
	if f.index < len(f.Readings)-1 {
		f.index++
	}
	return r
}

// Set replaces the script with a single repeating reading.
func (f *FakeSensor) Set(r Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Readings = []Reading{r}
	f.index = 0
}

// Close marks the sensor as closed.
func (f *FakeSensor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
