// Package sched implements the multi-threaded fiber dispatcher described in
// spec.md §4.2: a flat, insertion-ordered queue of fibers and callbacks,
// filtered by worker affinity, with a per-worker idle fiber and a
// best-effort cross-goroutine tickle.
//
// "Thread" in the spec maps onto a long-lived worker goroutine here; see
// internal/fiber's package doc and DESIGN.md for the full justification of
// representing an OS thread with a goroutine in this port.
package sched

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/leoschopen/hiper/internal/fiber"
	"github.com/leoschopen/hiper/internal/gls"
	"github.com/leoschopen/hiper/internal/logx"
	"github.com/leoschopen/hiper/internal/metrics"
	"github.com/leoschopen/hiper/internal/rterr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// entry is either a fiber or a bare callback, tagged with the worker it
// must run on (-1 for "any worker").
type entry struct {
	fiber    *fiber.Fiber
	callback func()
	affinity int
}

// Hooks lets a subclass-equivalent (namely the I/O Manager) override the
// three extension points spec.md §4.2/§4.3 describe as virtual methods:
// Tickle, Idle and Stopping. Embedding plus an injected Hooks struct is the
// Go stand-in for the original's class inheritance.
type Hooks struct {
	// Tickle is invoked whenever new work needs an idle worker's attention.
	// The default implementation only logs; the I/O Manager overrides it to
	// write to its self-pipe.
	Tickle func()

	// Idle is the per-worker idle fiber body, invoked with the 0-based
	// worker id whenever a worker finds no runnable entry. The default
	// implementation treats the scheduler as non-reactive: it yields back
	// immediately so the worker loop re-checks on every iteration.
	Idle func(workerID int)

	// Stopping reports whether the scheduler (and any embedding reactor)
	// has no more work of any kind. The default checks only that Stop has
	// been called, the base queue is empty and no worker is active.
	Stopping func() bool
}

// Scheduler dispatches fibers and callbacks across a pool of worker
// goroutines, honoring per-entry thread affinity.
type Scheduler struct {
	name      string
	useCaller bool
	nThreads  int

	mu    sync.Mutex
	queue []*entry

	activeCount atomic.Int32
	idleCount   atomic.Int32

	autoStop atomic.Bool
	stopping atomic.Bool
	started  atomic.Bool

	group *errgroup.Group

	// cbFibers caches one "callback wrapper fiber" per worker so bare
	// callbacks reuse one Fiber object instead of allocating a new one each
	// time (spec.md §4.2 "Edge cases"); each reuse still runs the callback
	// on a fresh goroutine (see fiber.Reset).
	cbFibers   []*fiber.Fiber
	idleFibers []*fiber.Fiber

	hooks Hooks
	owner any

	log *zap.SugaredLogger
}

// SchedulerOwner is implemented by a type that embeds a *Scheduler and
// wants gls-based lookups (sched.Current, fiber hooks) to see the embedding
// type's identity instead of the bare *Scheduler — the I/O Manager's
// relationship to Scheduler, in spec.md's terms "IOManager extends
// Scheduler". See Scheduler.SetOwner.
type SchedulerOwner interface {
	BaseScheduler() *Scheduler
}

// SetOwner records that s is embedded inside owner, so that goroutine-local
// "current scheduler" lookups performed from within s's worker loops
// resolve to owner rather than to the bare *Scheduler. Must be called
// before Start.
func (s *Scheduler) SetOwner(owner any) { s.owner = owner }

// New creates a scheduler with the given number of worker threads. When
// useCaller is true, the constructing goroutine is reserved as worker 0 and
// only actually runs its share of work inside Stop, matching spec.md §4.2.
func New(threads int, useCaller bool, name string) *Scheduler {
	if threads < 1 {
		threads = 1
	}
	if name == "" {
		name = "scheduler"
	}
	s := &Scheduler{
		name:      name,
		useCaller: useCaller,
		nThreads:  threads,
		group:     &errgroup.Group{},
		log:       logx.L("sched").With("name", name),
	}
	s.cbFibers = make([]*fiber.Fiber, threads)
	s.idleFibers = make([]*fiber.Fiber, threads)
	s.hooks = Hooks{
		Tickle:   func() { s.log.Debugw("tickle") },
		Idle:     func(workerID int) { fiber.Current().YieldReady() },
		Stopping: s.baseStopping,
	}
	s.stopping.Store(true)
	return s
}

// SetHooks installs the extension points used by an embedding reactor.
// Must be called before Start.
func (s *Scheduler) SetHooks(h Hooks) {
	if h.Tickle != nil {
		s.hooks.Tickle = h.Tickle
	}
	if h.Idle != nil {
		s.hooks.Idle = h.Idle
	}
	if h.Stopping != nil {
		s.hooks.Stopping = h.Stopping
	}
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

// ThreadCount returns the configured number of worker threads, including
// the caller thread when UseCaller is set.
func (s *Scheduler) ThreadCount() int { return s.nThreads }

// UseCaller reports whether the constructing goroutine participates as a
// worker.
func (s *Scheduler) UseCaller() bool { return s.useCaller }

// Current returns the scheduler owning the calling goroutine's worker loop,
// or nil outside of one. If that scheduler is embedded inside an owner
// (e.g. the I/O Manager), Current still returns the base *Scheduler; use
// the owner's own Current accessor (e.g. ioreactor.Current) to recover the
// richer type.
func Current() *Scheduler {
	switch v := gls.CurrentScheduler().(type) {
	case *Scheduler:
		return v
	case SchedulerOwner:
		return v.BaseScheduler()
	default:
		return nil
	}
}

// Start spins up worker goroutines for every thread except worker 0 when
// UseCaller is set (that share of work runs inside Stop instead).
func (s *Scheduler) Start() {
	if s.started.Swap(true) {
		return
	}
	s.stopping.Store(false)

	first := 0
	if s.useCaller {
		first = 1
	}
	for i := first; i < s.nThreads; i++ {
		id := i
		s.group.Go(func() error {
			s.runWorker(id)
			return nil
		})
	}
}

// Schedule enqueues a fiber to run, optionally pinned to a specific worker
// id (-1 for any worker).
func (s *Scheduler) Schedule(f *fiber.Fiber, affinity int) error {
	return s.enqueue(&entry{fiber: f, affinity: affinity})
}

// ScheduleFunc enqueues a bare callback to run, optionally pinned.
func (s *Scheduler) ScheduleFunc(cb func(), affinity int) error {
	return s.enqueue(&entry{callback: cb, affinity: affinity})
}

func (s *Scheduler) enqueue(e *entry) error {
	if s.autoStop.Load() {
		return rterr.ErrSchedulerStopped
	}
	s.mu.Lock()
	needTickle := len(s.queue) == 0
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	if needTickle {
		s.hooks.Tickle()
	}
	return nil
}

// Stop signals shutdown, tickles every worker so idle ones notice, runs the
// caller thread's own share of work if UseCaller is set, and joins every
// other worker goroutine.
func (s *Scheduler) Stop() {
	s.autoStop.Store(true)
	s.hooks.Tickle()

	if s.useCaller {
		s.runWorker(0)
	}

	_ = s.group.Wait()
	s.stopping.Store(true)
}

// ActiveCount returns the number of workers currently executing a fiber.
func (s *Scheduler) ActiveCount() int { return int(s.activeCount.Load()) }

// IdleCount returns the number of workers currently parked in their idle fiber.
func (s *Scheduler) IdleCount() int { return int(s.idleCount.Load()) }

// HasIdleThreads reports whether at least one worker is currently idle.
func (s *Scheduler) HasIdleThreads() bool { return s.IdleCount() > 0 }

// QueueLen returns the current number of queued entries (diagnostic only).
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) baseStopping() bool {
	return s.autoStop.Load() && s.QueueLen() == 0 && s.ActiveCount() == 0
}

// Dump writes a human-readable snapshot of queue and worker state,
// supplementing the original's Scheduler::dump (SPEC_FULL.md §12).
func (s *Scheduler) Dump(w io.Writer) {
	s.mu.Lock()
	n := len(s.queue)
	s.mu.Unlock()
	fmt.Fprintf(w, "Scheduler %q: threads=%d useCaller=%v queued=%d active=%d idle=%d stopping=%v\n",
		s.name, s.nThreads, s.useCaller, n, s.ActiveCount(), s.IdleCount(), s.stopping.Load())
}

// SwitchTo yields the calling fiber, re-enqueuing it pinned to workerID, so
// execution resumes there the next time that worker dispatches. The fiber
// is re-enqueued and yielded even when it is already running on workerID
// (SPEC_FULL.md §12).
func (s *Scheduler) SwitchTo(workerID int) {
	cur := fiber.Current()
	_ = s.Schedule(cur, workerID)
	cur.YieldHold()
}

// WithScheduler runs fn with s bound as the calling goroutine's current
// scheduler, restoring whatever was bound before on return. Go stand-in for
// the original's SchedulerSwitcher RAII guard (SPEC_FULL.md §12).
func WithScheduler(s *Scheduler, fn func()) {
	prev := gls.CurrentScheduler()
	gls.SetCurrentScheduler(s)
	defer gls.SetCurrentScheduler(prev)
	fn()
}

// runWorker is the per-worker dispatch loop of spec.md §4.2.
func (s *Scheduler) runWorker(id int) {
	identity := any(s)
	if s.owner != nil {
		identity = s.owner
	}
	gls.SetCurrentScheduler(identity)
	defer gls.Forget()

	dispatch := fiber.Current()
	gls.SetCurrentDispatch(dispatch)

	idle := fiber.New(func() { s.idleLoop(id) }, 0, false)
	s.idleFibers[id] = idle

	cbFiber := fiber.New(func() {}, 0, false)
	s.cbFibers[id] = cbFiber

	for {
		e, skipped := s.pick(id)
		if e == nil {
			if skipped {
				s.hooks.Tickle()
			}
			if idle.State() == fiber.Term {
				return
			}
			s.idleCount.Add(1)
			idle.Resume()
			s.idleCount.Add(-1)
			if s.hooks.Stopping() {
				return
			}
			continue
		}

		s.activeCount.Add(1)
		metrics.ActiveFibers.Inc()
		s.runEntry(id, e)
		s.activeCount.Add(-1)
		metrics.ActiveFibers.Dec()

		if s.hooks.Stopping() {
			return
		}
	}
}

// pick scans the queue in insertion order for the first entry whose
// affinity matches this worker and which isn't already executing,
// returning it after removing it from the queue. skipped reports whether
// at least one entry was left behind purely due to affinity mismatch.
func (s *Scheduler) pick(workerID int) (e *entry, skipped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, cand := range s.queue {
		if cand.affinity != -1 && cand.affinity != workerID {
			skipped = true
			continue
		}
		if cand.fiber != nil && cand.fiber.State() == fiber.Exec {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		return cand, skipped
	}
	return nil, skipped
}

func (s *Scheduler) runEntry(workerID int, e *entry) {
	var f *fiber.Fiber
	if e.fiber != nil {
		f = e.fiber
	} else {
		cb := e.callback
		wrapper := s.cbFibers[workerID]
		if err := wrapper.Reset(cb); err != nil {
			// wrapper still mid-flight (shouldn't happen: a worker only
			// ever runs one entry at a time) — fall back to a throwaway
			// fiber rather than corrupt scheduler state.
			wrapper = fiber.New(cb, 0, false)
		}
		f = wrapper
	}

	f.Resume()

	switch f.State() {
	case fiber.Ready:
		_ = s.Schedule(f, e.affinity)
	case fiber.Term, fiber.Except:
		// nothing to requeue; if this was a bare callback's wrapper fiber
		// it will be Reset() again on its next use.
	default:
		// Hold: the fiber already registered itself with whatever will
		// re-arm it (a timer, the reactor, cancel_event) before yielding,
		// so it is left off the queue here — spec.md §4.2.
	}
}

// idleLoop is the default idle fiber body: delegate to the injected hook on
// every iteration, which for the base Scheduler just yields immediately so
// the worker polls, and for the I/O Manager blocks in the kernel.
func (s *Scheduler) idleLoop(workerID int) {
	for {
		if s.hooks.Stopping() {
			return
		}
		s.hooks.Idle(workerID)
	}
}
