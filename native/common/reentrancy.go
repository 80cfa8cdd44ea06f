package common

import (
	"errors"
	"sync/atomic"
)

// ErrReentrantCall is returned when a guarded entry point is invoked while a
// previous invocation on the same guard has not yet returned.
var ErrReentrantCall = errors.New("reentrant call")

// ReentrancyGuard is a non-blocking mutual-exclusion flag. A second Enter
// while the flag is held fails instead of waiting.
type ReentrancyGuard struct {
	entered atomic.Bool
}

// Enter acquires the flag. Callers must invoke the returned release function
// on every return path, typically via defer.
func (g *ReentrancyGuard) Enter() (func(), error) {
	if !g.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	return func() { g.entered.Store(false) }, nil
}

// Entered reports whether the flag is currently held.
func (g *ReentrancyGuard) Entered() bool {
	return g.entered.Load()
}
