//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealRelay drives a relay from a Linux GPIO character device line.
type RealRelay struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
	pin  int

	activeLow bool
}

// NewRealRelay requests pin as an output, initially off. Set activeLow for
// relay boards that energise on a low level.
func NewRealRelay(pin int, activeLow bool) (*RealRelay, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	line, err := chip.RequestLine(pin, opts...)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request relay pin %d: %w", pin, err)
	}

	return &RealRelay{chip: chip, line: line, pin: pin, activeLow: activeLow}, nil
}

// releaseBias is the pull that holds a released line at the relay's off
// level.
func releaseBias(activeLow bool) gpiocdev.LineBias {
	if activeLow {
		return gpiocdev.WithPullUp
	}
	return gpiocdev.WithPullDown
}

// SetState sets the logical relay state. Active-low inversion is handled by
// the kernel.
func (r *RealRelay) SetState(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := r.line.SetValue(v); err != nil {
		return fmt.Errorf("set relay pin %d: %w", r.pin, err)
	}
	return nil
}

// Close switches the relay off and returns the line to an input pulled
// towards the off level: down for normal boards, up for active-low ones.
func (r *RealRelay) Close() error {
	var errs []error

	if r.line != nil {
		if err := r.line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("switch relay off: %w", err))
		}
		if err := r.line.Reconfigure(gpiocdev.AsInput, releaseBias(r.activeLow)); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure relay pin: %w", err))
		}
		if err := r.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay pin: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
