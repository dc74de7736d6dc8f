package timer

import "sync/atomic"

// Terminator guards the end-of-session action so it runs exactly once, no
// matter how many ticks or callers race to end the session.
type Terminator struct {
	fired atomic.Bool
}

// Do runs fn if this is the first call and reports whether it did.
func (t *Terminator) Do(fn func()) bool {
	if !t.fired.CompareAndSwap(false, true) {
		return false
	}
	fn()
	return true
}

func (t *Terminator) Fired() bool {
	return t.fired.Load()
}
