// Package fiber implements a stackful-style user-space coroutine.
//
// Go's runtime already multiplexes goroutines over OS threads, so rather
// than hand-rolling a ucontext-style register/stack swap (which Go cannot
// express portably without cgo or per-arch assembly, see the teacher's
// runtime/fiber_native.go, which fakes fiber semantics on top of bare
// goroutines and time.Sleep busy-waiting), a Fiber here is realized as a
// goroutine whose scheduling points are exactly its Resume/Yield calls: the
// resumer blocks until the fiber yields or returns, and the fiber blocks
// until it is resumed again. Exactly one side of that handoff ever runs at
// a time, which reproduces the "one fiber in EXEC per OS thread" invariant
// of spec.md §3 even though the vehicle is a goroutine rather than a raw
// stack. See DESIGN.md for the full justification.
package fiber

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/leoschopen/hiper/internal/gls"
	"github.com/leoschopen/hiper/internal/logx"
	"github.com/leoschopen/hiper/internal/metrics"
	"go.uber.org/zap"
)

// State is a Fiber's position in the lifecycle state machine of spec.md §4.1.
type State int32

const (
	Init State = iota
	Ready
	Exec
	Hold
	Term
	Except
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Ready:
		return "READY"
	case Exec:
		return "EXEC"
	case Hold:
		return "HOLD"
	case Term:
		return "TERM"
	case Except:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// DefaultStackSize is the default amount of stack memory conceptually owned
// by a worker fiber (spec.md §3). Go goroutines grow their stacks on
// demand, so this value is not used to pre-allocate memory; it is retained
// as reported metadata (Fiber.StackSize), like the original's stacksize_
// field.
const DefaultStackSize = 1 << 20 // 1 MiB

var idCounter uint64

// Fiber is a cooperatively scheduled unit of execution with explicit
// resume/yield transfer of control.
type Fiber struct {
	id             uint64
	state          atomic.Int32
	entry          atomic.Pointer[func()]
	stackSize      int
	returnToCaller bool
	isMain         bool

	resumeCh chan struct{}
	yieldCh  chan struct{}
	started  atomic.Bool

	failure error
	log     *zap.SugaredLogger

	// inheritedScheduler/inheritedDispatch carry the resumer's gls bindings
	// across the Resume -> go f.run() handoff (see Resume).
	inheritedScheduler any
	inheritedDispatch  any
}

// New creates a worker fiber with the given entry point. stackSize is
// bookkeeping only (see DefaultStackSize); pass 0 to use the default.
// returnToCaller selects, on yield, whether this fiber is conceptually
// resumed from the thread's main fiber (true) or from a scheduler's
// dispatch loop (false) — see spec.md §3 and §9.
func New(entry func(), stackSize int, returnToCaller bool) *Fiber {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	f := &Fiber{
		id:             atomic.AddUint64(&idCounter, 1),
		stackSize:      stackSize,
		returnToCaller: returnToCaller,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
		log:            logx.L("fiber"),
	}
	f.state.Store(int32(Init))
	f.entry.Store(&entry)
	return f
}

// newMain constructs the thread main fiber: no entry function, no stack of
// its own, state EXEC for as long as the goroutine that owns it is the one
// running.
func newMain() *Fiber {
	f := &Fiber{
		id:     atomic.AddUint64(&idCounter, 1),
		isMain: true,
		log:    logx.L("fiber"),
	}
	f.state.Store(int32(Exec))
	return f
}

// ID returns the fiber's process-unique, monotonically assigned identifier.
func (f *Fiber) ID() uint64 { return f.id }

// StackSize returns the configured stack size in bytes (metadata only).
func (f *Fiber) StackSize() int { return f.stackSize }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

func (f *Fiber) setState(s State) { f.state.Store(int32(s)) }

// IsMain reports whether this is a thread's main fiber (no owned stack).
func (f *Fiber) IsMain() bool { return f.isMain }

// Failure returns the panic value recovered from the entry function if the
// fiber transitioned to Except, or nil otherwise.
func (f *Fiber) Failure() error { return f.failure }

// Current returns the fiber bound to the calling goroutine, lazily
// constructing that goroutine's main fiber on first use.
func Current() *Fiber {
	if v := gls.CurrentFiber(); v != nil {
		return v.(*Fiber)
	}
	f := newMain()
	gls.SetCurrentFiber(f)
	return f
}

// Reset rearms a fiber that has reached Term or Except (or is still Init)
// with a new entry function so the Fiber value can be reused. Its handoff
// channels are recreated, and the next Resume runs entry on a new goroutine.
// Mirrors spec.md §3's invariant: only {INIT, TERM, EXCEPT} may be reset.
func (f *Fiber) Reset(entry func()) error {
	switch f.State() {
	case Init, Term, Except:
	default:
		return fmt.Errorf("hiper: fiber %d: reset called in state %s", f.id, f.State())
	}
	f.entry.Store(&entry)
	f.failure = nil
	f.started.Store(false)
	f.resumeCh = make(chan struct{})
	f.yieldCh = make(chan struct{})
	f.setState(Init)
	return nil
}

// Resume transfers control to this fiber, blocking the calling goroutine
// until the fiber yields (Ready or Hold) or completes (Term or Except).
func (f *Fiber) Resume() {
	if f.isMain {
		return
	}
	switch f.State() {
	case Term, Except:
		return
	}

	f.setState(Exec)
	metrics.ContextSwitches.Inc()

	if !f.started.Swap(true) {
		// The fiber's body runs on its own goroutine, distinct from
		// whichever goroutine is resuming it, so the "current scheduler"
		// and "current dispatch fiber" bindings have to be carried across
		// explicitly: they live in the resumer's gls slot, not the new
		// goroutine's.
		f.inheritedScheduler = gls.CurrentScheduler()
		f.inheritedDispatch = gls.CurrentDispatch()
		go f.run()
	}
	f.resumeCh <- struct{}{}
	<-f.yieldCh
}

// run is the goroutine body backing a non-main fiber. It binds this
// goroutine's gls slot to f for the remainder of its life, blocks for its
// first resume, executes the entry function (recovering any panic into the
// Except state), and finally signals completion.
func (f *Fiber) run() {
	gls.SetCurrentFiber(f)
	gls.SetCurrentScheduler(f.inheritedScheduler)
	gls.SetCurrentDispatch(f.inheritedDispatch)
	defer gls.Forget()

	<-f.resumeCh
	defer func() {
		if r := recover(); r != nil {
			f.failure = fmt.Errorf("fiber %d panic: %v", f.id, r)
			f.setState(Except)
			f.log.Errorw("uncaught fiber failure",
				"fiberID", f.id, "panic", r, "stack", string(debug.Stack()))
		}
		f.yieldCh <- struct{}{}
	}()

	entry := *f.entry.Load()
	entry()
	f.setState(Term)
}

// Yield suspends the calling fiber, handing control back to whichever
// goroutine most recently called Resume on it, and parking until resumed
// again. next must be Ready or Hold.
func (f *Fiber) Yield(next State) {
	if f.isMain {
		return
	}
	f.setState(next)
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	f.setState(Exec)
}

// YieldReady is sugar for Yield(Ready): the fiber is immediately
// re-schedulable.
func (f *Fiber) YieldReady() { f.Yield(Ready) }

// YieldHold is sugar for Yield(Hold): the fiber is parked until some
// external event (timer, I/O readiness, cancel) re-arms it.
func (f *Fiber) YieldHold() { f.Yield(Hold) }
