// Package gls provides goroutine-local storage for the handful of "current
// X" pointers the async runtime needs to make available to arbitrarily deep
// call stacks without threading them through every function signature:
// the current fiber, the current scheduler, and the current scheduler's
// dispatch fiber (SPEC_FULL.md §9, "Thread-local 'current' pointers").
//
// Go has no native thread-local storage and no library in the retrieval
// pack offers goroutine-local storage (the one candidate, goroutineid, is
// an empty stub in the pack with no usable implementation to ground this
// on), so this is built on the standard library: each goroutine's identity
// is read out of its own stack trace header, the same trick used by most
// goroutine-local-storage shims in the wild.
package gls

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// ID returns a numeric identifier for the calling goroutine. It is only
// meaningful as a map key within this process and must never be persisted
// or compared across processes.
func ID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	// "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	if bytes.HasPrefix(b, []byte(prefix)) {
		b = b[len(prefix):]
		if sp := bytes.IndexByte(b, ' '); sp >= 0 {
			if id, err := strconv.ParseInt(string(b[:sp]), 10, 64); err == nil {
				return id
			}
		}
	}
	return -1
}

type slot struct {
	fiber       any
	scheduler   any
	dispatch    any
	hookEnabled bool
}

var (
	mu   sync.Mutex
	data = make(map[int64]*slot)
)

// get returns (creating if necessary) the slot for the calling goroutine.
// Callers must hold mu.
func get() *slot {
	id := ID()
	s, ok := data[id]
	if !ok {
		s = &slot{}
		data[id] = s
	}
	return s
}

// Forget releases the goroutine-local slot for the calling goroutine. Worker
// loops call this on exit so the map does not grow without bound.
func Forget() {
	id := ID()
	mu.Lock()
	delete(data, id)
	mu.Unlock()
}

// CurrentFiber returns the fiber bound to the calling goroutine, or nil.
func CurrentFiber() any {
	mu.Lock()
	defer mu.Unlock()
	return get().fiber
}

// SetCurrentFiber rebinds the calling goroutine's current fiber.
func SetCurrentFiber(f any) {
	mu.Lock()
	defer mu.Unlock()
	get().fiber = f
}

// CurrentScheduler returns the scheduler owning the calling goroutine's
// worker loop, or nil if the goroutine is not a scheduler worker.
func CurrentScheduler() any {
	mu.Lock()
	defer mu.Unlock()
	return get().scheduler
}

// SetCurrentScheduler rebinds the calling goroutine's current scheduler.
func SetCurrentScheduler(s any) {
	mu.Lock()
	defer mu.Unlock()
	get().scheduler = s
}

// CurrentDispatch returns the calling goroutine's scheduler dispatch fiber.
func CurrentDispatch() any {
	mu.Lock()
	defer mu.Unlock()
	return get().dispatch
}

// SetCurrentDispatch rebinds the calling goroutine's dispatch fiber.
func SetCurrentDispatch(f any) {
	mu.Lock()
	defer mu.Unlock()
	get().dispatch = f
}

// HookEnabled reports whether syscall interception is opted into on the
// calling goroutine (spec.md §4.5's "per-thread enable flag").
func HookEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return get().hookEnabled
}

// SetHookEnabled opts the calling goroutine in or out of syscall
// interception.
func SetHookEnabled(v bool) {
	mu.Lock()
	defer mu.Unlock()
	get().hookEnabled = v
}
