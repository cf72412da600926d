package fiber

import (
	"testing"
)

func TestResumeRunsEntryToCompletion(t *testing.T) {
	var ran bool
	f := New(func() { ran = true }, 0, false)

	if f.State() != Init {
		t.Fatalf("new fiber state = %s, want INIT", f.State())
	}
	f.Resume()
	if !ran {
		t.Fatalf("entry did not run")
	}
	if f.State() != Term {
		t.Fatalf("state after completion = %s, want TERM", f.State())
	}
}

func TestYieldReadySuspendsAndResumes(t *testing.T) {
	var steps []int
	f := New(func() {
		steps = append(steps, 1)
		Current().YieldReady()
		steps = append(steps, 2)
	}, 0, false)

	f.Resume()
	if f.State() != Ready {
		t.Fatalf("state after first resume = %s, want READY", f.State())
	}
	if got := append([]int{}, steps...); len(got) != 1 || got[0] != 1 {
		t.Fatalf("steps after first resume = %v, want [1]", got)
	}

	f.Resume()
	if f.State() != Term {
		t.Fatalf("state after second resume = %s, want TERM", f.State())
	}
	if len(steps) != 2 || steps[1] != 2 {
		t.Fatalf("steps after second resume = %v, want [1 2]", steps)
	}
}

func TestResumeOnTerminatedFiberIsNoop(t *testing.T) {
	calls := 0
	f := New(func() { calls++ }, 0, false)
	f.Resume()
	f.Resume()
	f.Resume()
	if calls != 1 {
		t.Fatalf("entry ran %d times, want 1", calls)
	}
}

func TestPanicInEntryTransitionsToExcept(t *testing.T) {
	f := New(func() { panic("boom") }, 0, false)
	f.Resume()

	if f.State() != Except {
		t.Fatalf("state after panic = %s, want EXCEPT", f.State())
	}
	if f.Failure() == nil {
		t.Fatalf("Failure() = nil, want non-nil")
	}
}

func TestResetRearmsTerminatedFiber(t *testing.T) {
	f := New(func() {}, 0, false)
	f.Resume()

	var ranAgain bool
	if err := f.Reset(func() { ranAgain = true }); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if f.State() != Init {
		t.Fatalf("state after Reset = %s, want INIT", f.State())
	}
	f.Resume()
	if !ranAgain {
		t.Fatalf("entry after Reset did not run")
	}
}

func TestResetRejectsRunningFiber(t *testing.T) {
	f := New(func() {
		Current().YieldHold()
	}, 0, false)
	f.Resume()
	if f.State() != Hold {
		t.Fatalf("state = %s, want HOLD", f.State())
	}

	if err := f.Reset(func() {}); err == nil {
		t.Fatalf("Reset() on a held fiber: got nil error, want non-nil")
	}
}

func TestCurrentFiberMatchesSelfInsideEntry(t *testing.T) {
	var self *Fiber
	f := New(func() { self = Current() }, 0, false)
	f.Resume()
	if self != f {
		t.Fatalf("Current() inside entry = %p, want %p", self, f)
	}
}

func TestCurrentOutsideAnyFiberIsMain(t *testing.T) {
	f := Current()
	if !f.IsMain() {
		t.Fatalf("Current() outside a fiber: IsMain() = false, want true")
	}
	// calling again on the same goroutine must return the same main fiber
	if Current() != f {
		t.Fatalf("Current() returned a different main fiber on second call")
	}
}
