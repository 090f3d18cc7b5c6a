// Package olm wraps the opaque cryptographic session objects used by the
// rest of the module. Sessions are owned by an Arena and referenced by a
// generation-indexed Ref, so a released session can never be touched again
// through a stale reference.
package olm

import (
	"errors"
	"sync"
)

var (
	// ErrReleased is returned when a Ref points at a slot whose session has
	// already been released, or when a session is released twice.
	ErrReleased = errors.New("olm: session already released")

	// ErrInvalidSession is returned when a session's identifier cannot be
	// derived from its underlying state.
	ErrInvalidSession = errors.New("olm: invalid session state")
)

// Handle is an opaque cryptographic object owned by an Arena.
type Handle interface {
	// Release frees the underlying state. Callers go through
	// Arena.Release; they must not call this directly.
	Release()
}

// Ref identifies a Handle inside an Arena. The zero Ref is never valid.
type Ref struct {
	index int
	gen   uint64
}

type slot struct {
	gen    uint64
	handle Handle // nil when the slot is free
}

// Arena owns opaque session handles. Each Attach returns a Ref carrying the
// slot's generation; Release bumps the generation so stale Refs fail with
// ErrReleased instead of touching freed state.
type Arena struct {
	mu    sync.Mutex
	slots []slot
	free  []int
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Attach takes ownership of h and returns a Ref for it.
func (a *Arena) Attach(h Handle) Ref {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx int
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = len(a.slots) - 1
	}
	a.slots[idx].gen++
	a.slots[idx].handle = h
	return Ref{index: idx, gen: a.slots[idx].gen}
}

// Get returns the handle for ref, or ErrReleased if it was released.
func (a *Arena) Get(ref Ref) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ref.index < 0 || ref.index >= len(a.slots) {
		return nil, ErrReleased
	}
	s := a.slots[ref.index]
	if s.handle == nil || s.gen != ref.gen {
		return nil, ErrReleased
	}
	return s.handle, nil
}

// Release frees the handle behind ref. Releasing the same ref twice returns
// ErrReleased on the second call; the underlying Release runs exactly once.
func (a *Arena) Release(ref Ref) error {
	a.mu.Lock()
	if ref.index < 0 || ref.index >= len(a.slots) {
		a.mu.Unlock()
		return ErrReleased
	}
	s := &a.slots[ref.index]
	if s.handle == nil || s.gen != ref.gen {
		a.mu.Unlock()
		return ErrReleased
	}
	h := s.handle
	s.handle = nil
	s.gen++
	a.free = append(a.free, ref.index)
	a.mu.Unlock()

	h.Release()
	return nil
}

// Close releases every live handle. The arena must not be used afterwards.
func (a *Arena) Close() {
	a.mu.Lock()
	live := make([]Handle, 0, len(a.slots))
	for i := range a.slots {
		if a.slots[i].handle != nil {
			live = append(live, a.slots[i].handle)
			a.slots[i].handle = nil
			a.slots[i].gen++
		}
	}
	a.slots = nil
	a.free = nil
	a.mu.Unlock()

	for _, h := range live {
		h.Release()
	}
}
