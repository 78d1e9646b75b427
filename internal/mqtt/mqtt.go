// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sweeney/kiln-controller/internal/logic"
)

// Topic is the MQTT topic for firing events.
const Topic = "kiln/controller/events"

// TopicTelemetry is the MQTT topic for per-step regulator telemetry.
const TopicTelemetry = "kiln/controller/telemetry"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "kiln/controller/system"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a firing event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishTelemetry sends one regulator step.
	PublishTelemetry(t Telemetry) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Telemetry is one regulator step: the reading, the setpoint and the terms
// that produced the power.
type Telemetry struct {
	Timestamp time.Time
	Temp      float64
	Target    float64
	P         float64
	I         float64
	D         float64
	Power     float64
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Kiln KilnPayload `json:"kiln"`
}

// KilnPayload contains the firing event details.
type KilnPayload struct {
	Timestamp   string  `json:"timestamp"`
	Event       string  `json:"event"`
	Phase       string  `json:"phase"`
	Target      float64 `json:"target"`
	Temperature float64 `json:"temperature"`
	Reason      string  `json:"reason,omitempty"`
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// FormatPayload creates the JSON payload for a firing event.
func FormatPayload(event logic.Event) ([]byte, error) {
	payload := Payload{
		Kiln: KilnPayload{
			Timestamp:   event.Timestamp.UTC().Format(time.RFC3339),
			Event:       string(event.Type),
			Phase:       string(event.Phase),
			Target:      round1(event.Target),
			Temperature: round1(event.Temp),
			Reason:      event.Reason,
		},
	}
	return json.Marshal(payload)
}

// TelemetryPayload is the MQTT message payload for telemetry.
type TelemetryPayload struct {
	Telemetry TelemetryInner `json:"telemetry"`
}

// TelemetryInner contains one regulator step.
type TelemetryInner struct {
	Timestamp   string  `json:"timestamp"`
	Temperature float64 `json:"temperature"`
	Target      float64 `json:"target"`
	P           float64 `json:"p"`
	I           float64 `json:"i"`
	D           float64 `json:"d"`
	Power       float64 `json:"power"`
}

// FormatTelemetry creates the JSON payload for a telemetry step.
func FormatTelemetry(t Telemetry) ([]byte, error) {
	payload := TelemetryPayload{
		Telemetry: TelemetryInner{
			Timestamp:   t.Timestamp.UTC().Format(time.RFC3339),
			Temperature: round1(t.Temp),
			Target:      round1(t.Target),
			P:           t.P,
			I:           t.I,
			D:           t.D,
			Power:       round1(t.Power),
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp,omitempty"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Event:  event.Event,
			Reason: event.Reason,
		},
	}
	if !event.Timestamp.IsZero() {
		payload.System.Timestamp = event.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(payload)
}
