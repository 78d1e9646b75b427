package mqtt

import (
	"github.com/sweeney/kiln-controller/internal/logic"
)

// FakePublisher keeps everything the control loop would have sent to the
// broker in memory. It is not safe for concurrent use.
type FakePublisher struct {
	// Firing events in publish order, with the kiln payload each produced.
	Events   []logic.Event
	Payloads [][]byte

	// One entry per regulator step.
	Telemetry []Telemetry

	// Daemon lifecycle messages (STARTUP, HEARTBEAT, SHUTDOWN...).
	SystemEvents   []SystemEvent
	SystemPayloads [][]byte

	// Returned by the matching method instead of recording.
	PublishError       error
	TelemetryError     error
	PublishSystemError error

	Closed    bool
	Connected bool // reported by IsConnected
}

// NewFakePublisher returns an empty, disconnected FakePublisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish keeps the event and its formatted payload.
func (f *FakePublisher) Publish(event logic.Event) error {
	if f.PublishError != nil {
		return f.PublishError
	}

	f.Events = append(f.Events, event)

	payload, err := FormatPayload(event)
	if err != nil {
		return err
	}
	f.Payloads = append(f.Payloads, payload)

	return nil
}

func (f *FakePublisher) PublishTelemetry(t Telemetry) error {
	if f.TelemetryError != nil {
		return f.TelemetryError
	}
	f.Telemetry = append(f.Telemetry, t)
	return nil
}

// PublishSystem keeps the lifecycle message and its payload.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	f.SystemEvents = append(f.SystemEvents, event)

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemPayloads = append(f.SystemPayloads, payload)

	return nil
}

func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}

func (f *FakePublisher) IsConnected() bool {
	return f.Connected
}

// EventTypes lists the firing event types seen so far.
func (f *FakePublisher) EventTypes() []logic.EventType {
	out := make([]logic.EventType, 0, len(f.Events))
	for _, e := range f.Events {
		out = append(out, e.Type)
	}
	return out
}

// Reset forgets everything sent and clears injected errors.
func (f *FakePublisher) Reset() {
	f.Events = nil
	f.Payloads = nil
	f.Telemetry = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.PublishError = nil
	f.TelemetryError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
