// Package timer implements a monotonic-time min-heap of one-shot and
// recurring callbacks (spec.md §4.4), fused by callers (the I/O Manager)
// with their own wait timeout.
package timer

import (
	"container/heap"
	"sync"
	"weak"

	"github.com/leoschopen/hiper/internal/clock"
	"github.com/leoschopen/hiper/internal/metrics"
)

// Infinite is returned by NextMS when no timer is pending.
const Infinite = int64(-1)

// Timer is a handle to a single scheduled callback. The zero value is not
// usable; obtain one from Manager.Add or Manager.AddConditional.
type Timer struct {
	mu         sync.Mutex
	expiration int64 // absolute monotonic ms
	ms         int64 // relative interval
	recurring  bool
	cb         func()
	witness    Witness // nil unless a condition timer
	cancelled  bool
	manager    *Manager
	index      int // heap slot, maintained by container/heap
}

// Witness is a weak reference used by condition timers: the callback only
// runs if Alive still reports true at fire time.
type Witness interface {
	Alive() bool
}

type weakWitness[T any] struct{ ptr weak.Pointer[T] }

func (w weakWitness[T]) Alive() bool { return w.ptr.Value() != nil }

// Watch wraps obj in a Witness backed by the runtime's weak pointer
// facility, so holding the Witness never keeps obj alive.
func Watch[T any](obj *T) Witness {
	return weakWitness[T]{ptr: weak.Make(obj)}
}

// Cancelled reports whether the timer has been removed from the heap,
// either explicitly or because it already fired and was not recurring.
func (t *Timer) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Cancel removes the timer from its manager's heap. Returns true iff it was
// still pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	idx := t.index
	m := t.manager
	t.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= m.heap.Len() || m.heap[idx] != t {
		return false
	}
	heap.Remove(&m.heap, idx)
	return true
}

// Refresh re-bases the timer's expiration to now + its original interval.
// No-op (returns false) if already cancelled.
func (t *Timer) Refresh() bool {
	return t.reset(t.ms, true)
}

// Reset changes the timer's interval. If fromNow, the new expiration is
// computed from the current time; otherwise it is re-based from the
// timer's original scheduling point (expiration - old ms).
func (t *Timer) Reset(ms int64, fromNow bool) bool {
	return t.reset(ms, fromNow)
}

func (t *Timer) reset(ms int64, fromNow bool) bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	basePoint := t.expiration - t.ms
	t.ms = ms
	var newExpiration int64
	if fromNow {
		newExpiration = clock.NowMS() + ms
	} else {
		newExpiration = basePoint + ms
	}
	t.expiration = newExpiration
	idx := t.index
	m := t.manager
	t.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= m.heap.Len() || m.heap[idx] != t {
		return false
	}
	heap.Fix(&m.heap, idx)
	m.maybeTickleFront(m.heap[0] == t)
	return true
}

// Manager orders pending timers by expiration (spec.md §4.4). Timers with
// equal expirations are not kept in insertion order; see timerHeap.
type Manager struct {
	mu      sync.Mutex
	heap    timerHeap
	tickled bool

	// OnInsertedAtFront is invoked synchronously whenever Add places a new
	// timer at the head of the heap and no prior insertion in the same
	// "batch" (before the next NextMS call clears the latch) has already
	// fired the hook. The I/O Manager overrides this to tickle the
	// reactor; the base behavior is a no-op.
	OnInsertedAtFront func()
}

// NewManager creates an empty timer manager.
func NewManager() *Manager {
	return &Manager{}
}

// Add schedules cb to run no earlier than now+ms.
func (m *Manager) Add(ms int64, cb func(), recurring bool) *Timer {
	return m.add(ms, cb, recurring, nil)
}

// AddConditional schedules cb like Add, but the callback only runs if
// witness (see Watch) is still alive at fire time — used to avoid firing
// into destroyed state.
func (m *Manager) AddConditional(ms int64, cb func(), witness Witness, recurring bool) *Timer {
	return m.add(ms, cb, recurring, witness)
}

func (m *Manager) add(ms int64, cb func(), recurring bool, witness Witness) *Timer {
	t := &Timer{
		expiration: clock.NowMS() + ms,
		ms:         ms,
		recurring:  recurring,
		cb:         cb,
		witness:    witness,
		manager:    m,
	}

	m.mu.Lock()
	heap.Push(&m.heap, t)
	isFront := m.heap[0] == t
	m.maybeTickleFront(isFront)
	m.mu.Unlock()

	return t
}

// maybeTickleFront invokes OnInsertedAtFront at most once between calls to
// NextMS, matching spec.md §4.4's "latch" semantics. Callers must hold mu.
func (m *Manager) maybeTickleFront(isFront bool) {
	if isFront && !m.tickled {
		m.tickled = true
		if m.OnInsertedAtFront != nil {
			m.OnInsertedAtFront()
		}
	}
}

// NextMS returns milliseconds until the earliest pending timer, Infinite if
// none is pending, or 0 if one is already due. Calling it clears the
// front-insertion latch.
func (m *Manager) NextMS() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false

	if m.heap.Len() == 0 {
		return Infinite
	}
	diff := m.heap[0].expiration - clock.NowMS()
	if diff <= 0 {
		return 0
	}
	return diff
}

// HasTimer reports whether any timer is pending.
func (m *Manager) HasTimer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heap.Len() > 0
}

// CollectExpired moves all due callbacks out of the heap in non-decreasing
// order of their original expirations, reinserting recurring timers with a
// fresh expiration of now+interval.
func (m *Manager) CollectExpired() []func() {
	now := clock.NowMS()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []func()
	for m.heap.Len() > 0 && m.heap[0].expiration <= now {
		t := heap.Pop(&m.heap).(*Timer)

		t.mu.Lock()
		cb := t.cb
		witness := t.witness
		recurring := t.recurring
		ms := t.ms
		t.cancelled = !recurring
		t.mu.Unlock()

		runnable := cb
		if witness != nil {
			runnable = func() {
				if witness.Alive() {
					cb()
				}
			}
		}
		out = append(out, runnable)

		if recurring {
			t.mu.Lock()
			t.expiration = now + ms
			t.mu.Unlock()
			heap.Push(&m.heap, t)
		}
	}
	metrics.TimerFires.Add(float64(len(out)))
	return out
}

// Close cancels every outstanding timer, matching the original
// TimerManger destructor's consistency check that no timer outlives its
// manager (SPEC_FULL.md §12).
func (m *Manager) Close() {
	m.mu.Lock()
	pending := make([]*Timer, len(m.heap))
	copy(pending, m.heap)
	m.mu.Unlock()

	for _, t := range pending {
		t.Cancel()
	}
}

// timerHeap implements container/heap.Interface, ordering by expiration.
// Ties are decided by the timers' current heap slots, so the order in which
// timers with the same expiration are collected is not defined.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration != h[j].expiration {
		return h[i].expiration < h[j].expiration
	}
	return i < j
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
