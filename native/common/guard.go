package common

import (
	"errors"
	"sync/atomic"
)

// ErrPaused is returned by every mutating operation while the orchestrator is
// paused.
var ErrPaused = errors.New("module paused")

type PauseView interface {
	IsPaused() bool
}

func Guard(p PauseView) error {
	if p == nil {
		return nil
	}
	if p.IsPaused() {
		return ErrPaused
	}
	return nil
}

// PauseSwitch is a concurrency-safe PauseView toggled by admin operations.
type PauseSwitch struct {
	paused atomic.Bool
}

func (s *PauseSwitch) IsPaused() bool {
	if s == nil {
		return false
	}
	return s.paused.Load()
}

// Set flips the switch and reports whether the state changed.
func (s *PauseSwitch) Set(paused bool) bool {
	return s.paused.Swap(paused) != paused
}
