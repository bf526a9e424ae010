package common

import (
	"errors"
	"strings"
	"sync"
)

var ErrModulePaused = NewError(ClassCapability, "module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseTable is an in-memory PauseView toggled by the guardian.
type PauseTable struct {
	mu     sync.RWMutex
	paused map[string]bool
}

func NewPauseTable() *PauseTable {
	return &PauseTable{paused: make(map[string]bool)}
}

func (t *PauseTable) IsPaused(module string) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.paused[strings.ToLower(strings.TrimSpace(module))]
}

// SetPaused flips the pause flag for a module. Empty module names are rejected.
func (t *PauseTable) SetPaused(module string, paused bool) error {
	key := strings.ToLower(strings.TrimSpace(module))
	if key == "" {
		return errors.New("pause: module name required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if paused {
		t.paused[key] = true
	} else {
		delete(t.paused, key)
	}
	return nil
}
