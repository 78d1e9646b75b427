package gpio

import "sync"

// FakeRelay is a test double that records every state written.
type FakeRelay struct {
	mu sync.Mutex

	// States holds every successful SetState value in order.
	States []bool

	// On is the current state.
	On bool

	// Closed tracks if Close was called.
	Closed bool

	// SetError, if set, will be returned by SetState.
	SetError error
}

// NewFakeRelay creates a FakeRelay in the off state.
func NewFakeRelay() *FakeRelay {
	return &FakeRelay{}
}

// SetState records the new state.
func (f *FakeRelay) SetState(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	f.States = append(f.States, on)
	f.On = on
	return nil
}

// IsOn returns the current state.
func (f *FakeRelay) IsOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.On
}

// Writes returns a copy of the recorded states.
func (f *FakeRelay) Writes() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.States))
	copy(out, f.States)
	return out
}

// SetErr sets the error returned by subsequent SetState calls.
func (f *FakeRelay) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetError = err
}

// Close switches the relay off and marks it closed.
func (f *FakeRelay) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.On = false
	f.Closed = true
	return nil
}
