package config

import (
	"fmt"
	"log"
	"time"
)

// DefaultMinInterval bounds how often the store is written.
const DefaultMinInterval = 10 * time.Second

// Saver rate-limits writes to a Store. Requests inside the interval are
// coalesced; only the latest value is written when the interval has passed.
// Not safe for concurrent use; the control loop owns it.
type Saver struct {
	store       Store
	minInterval time.Duration

	lastWrite time.Time
	written   bool
	pending   *Settings
}

// NewSaver wraps store. A non-positive interval falls back to the default.
func NewSaver(store Store, minInterval time.Duration) *Saver {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Saver{store: store, minInterval: minInterval}
}

// Request asks for s to be persisted. It reports whether the write happened
// now; otherwise the value is kept pending and replaces any earlier pending
// value.
func (sv *Saver) Request(now time.Time, s Settings) (bool, error) {
	sv.pending = &s
	if !sv.due(now) {
		return false, nil
	}
	return true, sv.write(now)
}

// Flush writes the pending value if the interval has passed. It reports
// whether a write was attempted.
func (sv *Saver) Flush(now time.Time) (bool, error) {
	if sv.pending == nil || !sv.due(now) {
		return false, nil
	}
	return true, sv.write(now)
}

// Close writes any pending value regardless of the interval.
func (sv *Saver) Close(now time.Time) error {
	if sv.pending == nil {
		return nil
	}
	return sv.write(now)
}

// Pending reports whether a value is waiting to be written.
func (sv *Saver) Pending() bool {
	return sv.pending != nil
}

func (sv *Saver) due(now time.Time) bool {
	return !sv.written || now.Sub(sv.lastWrite) >= sv.minInterval || now.Before(sv.lastWrite)
}

// write stores the pending value. On failure the value stays pending and is
// retried after the next interval.
func (sv *Saver) write(now time.Time) error {
	sv.lastWrite = now
	sv.written = true
	if err := sv.store.Save(*sv.pending); err != nil {
		log.Printf("config: save failed: %v", err)
		return fmt.Errorf("save settings: %w", err)
	}
	sv.pending = nil
	return nil
}
