// Package history keeps a fixed number of recent (time, setpoint, reading)
// samples of the running firing for the status graph.
package history

import (
	"math"
	"time"
)

const (
	// DefaultCapacity is the number of graph points kept.
	DefaultCapacity = 64
	// DefaultInterval is the sampling cadence.
	DefaultInterval = 30 * time.Second
)

// Sample is one graph point. Temperatures are tenths of a degree; the
// timestamp is seconds since the run started.
type Sample struct {
	TimestampSeconds uint32 `json:"t"`
	Target           int16  `json:"target"`
	Read             int16  `json:"read"`
}

// TargetDeg returns the setpoint in degrees.
func (s Sample) TargetDeg() float64 { return float64(s.Target) / 10 }

// ReadDeg returns the reading in degrees.
func (s Sample) ReadDeg() float64 { return float64(s.Read) / 10 }

// EncodeTemp converts degrees to tenths, rounded and saturated to int16.
// NaN encodes as zero.
func EncodeTemp(deg float64) int16 {
	if math.IsNaN(deg) {
		return 0
	}
	v := math.Round(deg * 10)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Recorder is a ring buffer sampled at a fixed cadence.
// Not safe for concurrent use; the control loop owns it.
type Recorder struct {
	buf      []Sample
	head     int // next write position
	count    int
	interval time.Duration

	start    time.Time
	last     time.Time
	recorded bool
}

// New creates a recorder. Non-positive arguments fall back to the defaults.
func New(capacity int, interval time.Duration) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Recorder{
		buf:      make([]Sample, capacity),
		interval: interval,
	}
}

// Reset empties the buffer and makes start the zero of the timestamps.
func (r *Recorder) Reset(start time.Time) {
	r.head = 0
	r.count = 0
	r.start = start
	r.last = time.Time{}
	r.recorded = false
}

// Record appends a sample if the sampling interval has elapsed since the
// previous one. The first call after Reset always records. It reports
// whether a sample was stored.
func (r *Recorder) Record(now time.Time, target, read float64) bool {
	if r.recorded && now.Sub(r.last) < r.interval {
		return false
	}
	if r.start.IsZero() {
		r.start = now
	}

	secs := now.Sub(r.start).Seconds()
	if secs < 0 {
		secs = 0
	}
	if secs > math.MaxUint32 {
		secs = math.MaxUint32
	}

	r.buf[r.head] = Sample{
		TimestampSeconds: uint32(secs),
		Target:           EncodeTemp(target),
		Read:             EncodeTemp(read),
	}
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.last = now
	r.recorded = true
	return true
}

// Len returns the number of stored samples.
func (r *Recorder) Len() int {
	return r.count
}

// Cap returns the buffer capacity.
func (r *Recorder) Cap() int {
	return len(r.buf)
}

// Samples returns a copy of the stored samples, oldest first.
func (r *Recorder) Samples() []Sample {
	out := make([]Sample, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}
