//go:build linux

package gpio

import (
	"testing"

	"github.com/warthog618/go-gpiocdev"
)

func TestReleaseBias(t *testing.T) {
	if got := releaseBias(false); got != gpiocdev.WithPullDown {
		t.Errorf("active-high: got %v, want pull-down", got)
	}
	if got := releaseBias(true); got != gpiocdev.WithPullUp {
		t.Errorf("active-low: got %v, want pull-up", got)
	}
}
