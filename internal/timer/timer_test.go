package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAddAndCollectExpired(t *testing.T) {
	tests := []struct {
		name string
		ms   int64
	}{
		{"due immediately", 0},
		{"due shortly", 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			var fired atomic.Bool
			m.Add(tt.ms, func() { fired.Store(true) }, false)

			time.Sleep(time.Duration(tt.ms+10) * time.Millisecond)
			for _, cb := range m.CollectExpired() {
				cb()
			}
			if !fired.Load() {
				t.Errorf("callback did not fire")
			}
		})
	}
}

func TestCollectExpiredOrdering(t *testing.T) {
	m := NewManager()
	var order []int
	m.Add(30, func() { order = append(order, 3) }, false)
	m.Add(10, func() { order = append(order, 1) }, false)
	m.Add(20, func() { order = append(order, 2) }, false)

	time.Sleep(40 * time.Millisecond)
	for _, cb := range m.CollectExpired() {
		cb()
	}

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestCancel(t *testing.T) {
	m := NewManager()
	var fired atomic.Bool
	timer := m.Add(10, func() { fired.Store(true) }, false)

	if !timer.Cancel() {
		t.Fatal("Cancel returned false for a pending timer")
	}
	if timer.Cancel() {
		t.Fatal("second Cancel returned true")
	}

	time.Sleep(20 * time.Millisecond)
	for _, cb := range m.CollectExpired() {
		cb()
	}
	if fired.Load() {
		t.Errorf("cancelled timer fired")
	}
}

func TestRecurringFiresRepeatedly(t *testing.T) {
	m := NewManager()
	var count atomic.Int32
	const interval = 15 * time.Millisecond
	timer := m.Add(interval.Milliseconds(), func() { count.Add(1) }, true)
	defer timer.Cancel()

	deadline := time.Now().Add(160 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, cb := range m.CollectExpired() {
			cb()
		}
		time.Sleep(2 * time.Millisecond)
	}

	got := count.Load()
	lo := int32(160/15) - 2
	hi := int32(160/15) + 2
	if got < lo || got > hi {
		t.Errorf("fired %d times, want roughly %d..%d", got, lo, hi)
	}
}

func TestResetFromNow(t *testing.T) {
	m := NewManager()
	fireCh := make(chan int64, 1)
	start := time.Now()
	timer := m.Add(1000, func() { fireCh <- time.Since(start).Milliseconds() }, false)

	time.Sleep(30 * time.Millisecond)
	if !timer.Reset(40, true) {
		t.Fatal("Reset returned false")
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, cb := range m.CollectExpired() {
			cb()
		}
		select {
		case elapsed := <-fireCh:
			if elapsed < 50 || elapsed > 120 {
				t.Errorf("fired at %dms, want roughly 70ms", elapsed)
			}
			return
		default:
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timer never fired")
}

func TestNextMS(t *testing.T) {
	m := NewManager()
	if got := m.NextMS(); got != Infinite {
		t.Fatalf("NextMS on empty manager = %d, want Infinite", got)
	}

	m.Add(50, func() {}, false)
	got := m.NextMS()
	if got <= 0 || got > 50 {
		t.Errorf("NextMS = %d, want in (0, 50]", got)
	}
}

func TestConditionalTimerWithUnreachableWitnessDoesNotPanic(t *testing.T) {
	m := NewManager()
	var fired atomic.Bool

	witnessFire := func() *atomic.Bool {
		obj := new(int)
		w := Watch(obj)
		m.AddConditional(5, func() { fired.Store(true) }, w, false)
		return &fired
		// obj goes out of scope here and becomes eligible for GC
	}
	result := witnessFire()

	time.Sleep(20 * time.Millisecond)
	for _, cb := range m.CollectExpired() {
		cb()
	}
	_ = result
	// Whether the witness was actually collected before the callback ran is
	// timing/GC dependent, so this only asserts the call path does not panic
	// when the witness is no longer reachable through this test's locals.
}

func TestOnInsertedAtFrontLatch(t *testing.T) {
	m := NewManager()
	var calls atomic.Int32
	m.OnInsertedAtFront = func() { calls.Add(1) }

	m.Add(100, func() {}, false)
	m.Add(200, func() {}, false) // not a new front, no call
	if got := calls.Load(); got != 1 {
		t.Errorf("OnInsertedAtFront called %d times, want 1", got)
	}

	m.NextMS() // clears the latch
	m.Add(5, func() {}, false)
	if got := calls.Load(); got != 2 {
		t.Errorf("OnInsertedAtFront called %d times after latch clear, want 2", got)
	}
}
