// Package gpio drives the heating element relay with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Relay switches the heating element contactor.
type Relay interface {
	// SetState energises (true) or releases (false) the relay.
	SetState(on bool) error

	// Close releases the relay, leaving the element off.
	Close() error
}

// DefaultPin is the relay output line (BCM numbering).
const DefaultPin = 17
