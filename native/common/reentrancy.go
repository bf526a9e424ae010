package common

import (
	"fmt"
	"sync"
)

// ErrReentrantCall is returned when an entry point is invoked while the same
// ledger is already mid-call.
var ErrReentrantCall = NewError(ClassMisuse, "reentrant call")

// ReentrancyGuard is an explicit busy flag owned by a single ledger. Enter sets
// the flag and returns the function that clears it; callers defer the release
// so the flag is cleared on every exit path, including panics.
type ReentrancyGuard struct {
	name string
	mu   sync.Mutex
	busy bool
}

func NewReentrancyGuard(name string) *ReentrancyGuard {
	return &ReentrancyGuard{name: name}
}

func (g *ReentrancyGuard) Enter() (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return nil, fmt.Errorf("%s: %w", g.name, ErrReentrantCall)
	}
	g.busy = true
	return g.release, nil
}

func (g *ReentrancyGuard) release() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}

// Busy reports whether the guarded ledger is currently executing.
func (g *ReentrancyGuard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}
