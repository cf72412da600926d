//go:build linux

// Package ioreactor implements the I/O Manager of spec.md §4.3: a reactor
// extending the Scheduler that drives Linux epoll in edge-triggered mode
// and fuses readiness waits with the Timer Manager's next deadline.
package ioreactor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/leoschopen/hiper/internal/fdtable"
	"github.com/leoschopen/hiper/internal/fiber"
	"github.com/leoschopen/hiper/internal/gls"
	"github.com/leoschopen/hiper/internal/logx"
	"github.com/leoschopen/hiper/internal/metrics"
	"github.com/leoschopen/hiper/internal/rterr"
	"github.com/leoschopen/hiper/internal/sched"
	"github.com/leoschopen/hiper/internal/timer"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// Event is a bitfield over {Read, Write}, its values chosen to mirror
// epoll's own readable/writable bits (spec.md §3).
type Event uint32

const (
	None  Event = 0
	Read  Event = unix.EPOLLIN
	Write Event = unix.EPOLLOUT
)

func (e Event) has(flag Event) bool { return e&flag != 0 }

const (
	// DefaultMaxBatch bounds how many readiness records a single
	// epoll_wait call returns (spec.md §6, "reactor max batch").
	DefaultMaxBatch = 256
	// DefaultMaxWaitMS bounds the reactor's wait timeout (spec.md §6,
	// "reactor max wait").
	DefaultMaxWaitMS = 5000
)

// Manager is an I/O reactor layered over a Scheduler and a Timer Manager.
type Manager struct {
	*sched.Scheduler
	*timer.Manager

	epollFD int

	tickleR, tickleW int

	fds *fdtable.Table

	pendingCount atomic.Int64

	maxBatch  int
	maxWaitMS int64

	batchSem *semaphore.Weighted

	log *zap.SugaredLogger
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMaxBatch overrides DefaultMaxBatch.
func WithMaxBatch(n int) Option { return func(m *Manager) { m.maxBatch = n } }

// WithMaxWaitMS overrides DefaultMaxWaitMS.
func WithMaxWaitMS(ms int64) Option { return func(m *Manager) { m.maxWaitMS = ms } }

// New creates an I/O Manager with the given worker pool shape.
func New(threads int, useCaller bool, name string, opts ...Option) (*Manager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("hiper: epoll_create1: %w", err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("hiper: pipe2: %w", err)
	}

	m := &Manager{
		Scheduler: sched.New(threads, useCaller, name),
		Manager:   timer.NewManager(),
		epollFD:   epfd,
		tickleR:   fds[0],
		tickleW:   fds[1],
		fds:       fdtable.NewTable(),
		maxBatch:  DefaultMaxBatch,
		maxWaitMS: DefaultMaxWaitMS,
		log:       logx.L("ioreactor").With("name", name),
	}
	for _, o := range opts {
		o(m)
	}
	m.batchSem = semaphore.NewWeighted(int64(m.maxBatch))

	if err := unix.EpollCtl(m.epollFD, unix.EPOLL_CTL_ADD, m.tickleR, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(m.tickleR),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, fmt.Errorf("hiper: epoll_ctl(tickle pipe): %w", err)
	}

	m.TimerManagerInner().OnInsertedAtFront = m.tickle
	m.SetHooks(sched.Hooks{
		Tickle:   m.tickle,
		Idle:     m.idle,
		Stopping: m.stoppingBase,
	})
	m.Scheduler.SetOwner(m)

	return m, nil
}

// BaseScheduler satisfies sched.SchedulerOwner so goroutine-local "current
// scheduler" lookups performed from this Manager's worker loops resolve
// back to the Manager via sched.Current, and ioreactor.Current can recover
// the Manager itself.
func (m *Manager) BaseScheduler() *sched.Scheduler { return m.Scheduler }

// Current returns the I/O Manager owning the calling goroutine's worker
// loop, or nil outside of one (e.g. a plain Scheduler's worker, or a
// non-worker goroutine).
func Current() *Manager {
	if m, ok := gls.CurrentScheduler().(*Manager); ok {
		return m
	}
	return nil
}

// TimerManagerInner exposes the embedded *timer.Manager explicitly; needed
// because Manager embeds both *sched.Scheduler and *timer.Manager and a
// couple of call sites want to be unambiguous about which they mean.
func (m *Manager) TimerManagerInner() *timer.Manager { return m.Manager }

// Fds exposes the fd context table so the hook layer can share it.
func (m *Manager) Fds() *fdtable.Table { return m.fds }

// PendingEvents returns the number of outstanding add_event registrations
// not yet triggered, deleted, or cancelled (spec.md §4.3 invariant).
func (m *Manager) PendingEvents() int64 { return m.pendingCount.Load() }

// Close releases the epoll fd and the self-pipe.
func (m *Manager) Close() error {
	m.Manager.Close()
	unix.Close(m.tickleR)
	unix.Close(m.tickleW)
	return unix.Close(m.epollFD)
}

func (m *Manager) tickle() {
	if !m.HasIdleThreads() {
		return
	}
	var b [1]byte
	_, _ = unix.Write(m.tickleW, b[:])
}

func (m *Manager) stoppingBase() bool {
	var dummy int64
	_, canStop := m.Stopping(&dummy)
	return canStop
}

// Stopping reports, per spec.md §4.3, whether the reactor can stop: no
// next timer, no pending I/O registrations, and the base scheduler also
// says stopping. timeoutOut receives the next timer deadline in ms
// (timer.Infinite if none) regardless of the boolean result.
func (m *Manager) Stopping(timeoutOut *int64) (hasWork bool, canStop bool) {
	next := m.Manager.NextMS()
	*timeoutOut = next
	canStop = next == timer.Infinite &&
		m.PendingEvents() == 0 &&
		m.Scheduler.QueueLen() == 0 &&
		m.Scheduler.ActiveCount() == 0
	return !canStop, canStop
}

// AddEvent registers interest in ev on fd. If cb is nil, the fiber current
// at registration time is recorded and will be resumed on readiness.
func (m *Manager) AddEvent(fd int, ev Event, cb func()) error {
	ctx := m.fds.GetOrCreate(fd)
	ctx.Lock()
	defer ctx.Unlock()

	dir := toDirection(ev)
	ec := ctx.EventCtx(dir)
	if !ec.Empty() {
		return rterr.ErrAlreadyRegistered
	}

	registered := currentRegisteredLocked(ctx)
	newMask := registered | ev

	op := unix.EPOLL_CTL_MOD
	if registered == None {
		op = unix.EPOLL_CTL_ADD
	}
	epEvent := unix.EpollEvent{Events: uint32(newMask) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epollFD, op, fd, &epEvent); err != nil {
		m.log.Errorw("epoll_ctl add/mod failed", "fd", fd, "event", ev, "error", err)
		return fmt.Errorf("%w: %v", rterr.ErrReactorProgramming, err)
	}

	ec.Scheduler = m.Scheduler
	if cb != nil {
		ec.Callback = cb
	} else {
		ec.Fiber = fiber.Current()
	}
	m.pendingCount.Add(1)
	metrics.PendingEvents.Inc()
	return nil
}

// DelEvent unregisters ev on fd without triggering its waiter. Returns
// false if nothing was registered.
func (m *Manager) DelEvent(fd int, ev Event) bool {
	ctx := m.fds.Get(fd)
	if ctx == nil {
		return false
	}
	ctx.Lock()
	defer ctx.Unlock()

	dir := toDirection(ev)
	ec := ctx.EventCtx(dir)
	if ec.Empty() {
		return false
	}

	registered := currentRegisteredLocked(ctx)
	if !registered.has(ev) {
		return false
	}
	m.reprogram(fd, registered, registered&^ev)
	ec.Reset()
	m.pendingCount.Add(-1)
	metrics.PendingEvents.Dec()
	return true
}

// CancelEvent unregisters ev on fd and triggers its waiter as if the
// condition were observed, used to force a parked fiber to re-check state
// (e.g. on timeout).
func (m *Manager) CancelEvent(fd int, ev Event) bool {
	ctx := m.fds.Get(fd)
	if ctx == nil {
		return false
	}
	ctx.Lock()
	dir := toDirection(ev)
	ec := ctx.EventCtx(dir)
	if ec.Empty() {
		ctx.Unlock()
		return false
	}
	registered := currentRegisteredLocked(ctx)
	if !registered.has(ev) {
		ctx.Unlock()
		return false
	}
	m.reprogram(fd, registered, registered&^ev)
	trigger := snapshotAndReset(ec)
	ctx.Unlock()

	m.pendingCount.Add(-1)
	metrics.PendingEvents.Dec()
	m.fireWaiter(trigger)
	return true
}

// CancelAll triggers and unregisters both directions on fd.
func (m *Manager) CancelAll(fd int) {
	m.CancelEvent(fd, Read)
	m.CancelEvent(fd, Write)
}

// reprogram updates (or removes) the kernel registration for fd so it
// reflects newMask. Callers must hold the fd context's lock.
func (m *Manager) reprogram(fd int, oldMask, newMask Event) {
	if newMask == None {
		if err := unix.EpollCtl(m.epollFD, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			m.log.Errorw("epoll_ctl del failed", "fd", fd, "error", err)
		}
		return
	}
	epEvent := unix.EpollEvent{Events: uint32(newMask) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epollFD, unix.EPOLL_CTL_MOD, fd, &epEvent); err != nil {
		m.log.Errorw("epoll_ctl mod failed", "fd", fd, "error", err)
	}
}

func currentRegisteredLocked(ctx *fdtable.Context) Event {
	var mask Event
	if !ctx.EventCtx(fdtable.Read).Empty() {
		mask |= Read
	}
	if !ctx.EventCtx(fdtable.Write).Empty() {
		mask |= Write
	}
	return mask
}

func toDirection(ev Event) fdtable.Direction {
	if ev == Write {
		return fdtable.Write
	}
	return fdtable.Read
}

// snapshotAndReset captures an EventContext's waiter and clears it.
func snapshotAndReset(ec *fdtable.EventContext) fdtable.EventContext {
	snap := *ec
	ec.Reset()
	return snap
}

// fireWaiter enqueues the captured waiter on its scheduler: the callback
// directly, or the fiber rescheduled with no affinity.
func (m *Manager) fireWaiter(ec fdtable.EventContext) {
	if ec.Callback != nil {
		_ = m.Scheduler.ScheduleFunc(ec.Callback, -1)
		return
	}
	if ec.Fiber != nil {
		_ = m.Scheduler.Schedule(ec.Fiber.(*fiber.Fiber), -1)
	}
}

// idle is the reactor's idle fiber body (spec.md §4.3): one lap of the loop
// is one epoll_wait call plus whatever timer/readiness processing it
// triggers, before yielding back to the worker loop.
func (m *Manager) idle(workerID int) {
	var timeoutOut int64
	_, _ = m.Stopping(&timeoutOut)

	waitMS := m.maxWaitMS
	if timeoutOut != timer.Infinite && timeoutOut < waitMS {
		waitMS = timeoutOut
	}

	events := make([]unix.EpollEvent, m.maxBatch)
	n, err := epollWaitRetry(m.epollFD, events, int(waitMS))
	if err != nil {
		m.log.Errorw("epoll_wait failed", "error", err)
	}

	for _, cb := range m.Manager.CollectExpired() {
		_ = m.Scheduler.ScheduleFunc(cb, -1)
	}

	// Readiness records are processed concurrently, bounded by batchSem so
	// at most maxBatch fd reprograms are in flight at once — the "reactor
	// max batch" parameter of spec.md §6 applied to processing as well as
	// to the epoll_wait call itself.
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		ev := events[i]
		fd := int(ev.Fd)
		if fd == m.tickleR {
			drainPipe(m.tickleR)
			continue
		}

		ctx := m.fds.Get(fd)
		if ctx == nil {
			continue
		}

		observed := Event(ev.Events)
		if observed&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			observed |= Read | Write
		}

		if err := m.batchSem.Acquire(context.Background(), 1); err != nil {
			continue
		}
		wg.Add(1)
		go func(fd int, ctx *fdtable.Context, observed Event) {
			defer wg.Done()
			defer m.batchSem.Release(1)
			m.processReadiness(fd, ctx, observed)
		}(fd, ctx, observed)
	}
	wg.Wait()

	fiber.Current().YieldReady()
}

// processReadiness reprograms the kernel registration for fd down to its
// remaining interest and fires whichever directions actually became ready.
func (m *Manager) processReadiness(fd int, ctx *fdtable.Context, observed Event) {
	ctx.Lock()
	registered := currentRegisteredLocked(ctx)
	real := observed & registered
	if real == None {
		ctx.Unlock()
		return
	}
	remaining := registered &^ real
	m.reprogram(fd, registered, remaining)

	var toFire []fdtable.EventContext
	if real.has(Read) {
		toFire = append(toFire, snapshotAndReset(ctx.EventCtx(fdtable.Read)))
	}
	if real.has(Write) {
		toFire = append(toFire, snapshotAndReset(ctx.EventCtx(fdtable.Write)))
	}
	ctx.Unlock()

	for _, waiter := range toFire {
		m.pendingCount.Add(-1)
		metrics.PendingEvents.Dec()
		m.fireWaiter(waiter)
	}
}

func epollWaitRetry(epfd int, events []unix.EpollEvent, waitMS int) (int, error) {
	for {
		n, err := unix.EpollWait(epfd, events, waitMS)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func drainPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Dump extends Scheduler.Dump with reactor-specific counters.
func (m *Manager) Dump(w io.Writer) {
	m.Scheduler.Dump(w)
	fmt.Fprintf(w, "  pendingEvents=%d nextTimerMS=%d\n", m.PendingEvents(), m.Manager.NextMS())
}
