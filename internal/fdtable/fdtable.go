// Package fdtable holds per-descriptor runtime state: socket-ness,
// user/system non-blocking flags, per-direction timeouts, and pending
// event registrations (spec.md §3, "Fd Context").
package fdtable

import (
	"sync"

	"github.com/leoschopen/hiper/internal/clock"
	"golang.org/x/sys/unix"
)

// Direction selects which of a descriptor's two event contexts to use.
type Direction int

const (
	Read Direction = iota
	Write
)

// EventContext holds either a fiber reference or a callback for a single
// pending (fd, direction) wait. Exactly one of Fiber/Callback is set while
// a wait is pending; both are nil otherwise. Scheduler is the scheduler
// that owns the wait and is responsible for re-enqueuing the waiter.
type EventContext struct {
	Scheduler any // *sched.Scheduler; any to avoid an import cycle
	Fiber     any // *fiber.Fiber
	Callback  func()
}

// Reset clears a pending wait without running it.
func (c *EventContext) Reset() {
	c.Scheduler = nil
	c.Fiber = nil
	c.Callback = nil
}

// Empty reports whether no waiter is currently registered.
func (c *EventContext) Empty() bool {
	return c.Fiber == nil && c.Callback == nil
}

// Context is the per-descriptor record described in spec.md §3.
type Context struct {
	mu sync.Mutex

	fd           int
	isSocket     bool
	isClosed     bool
	userNonblock bool
	sysNonblock  bool
	recvTimeout  uint64
	sendTimeout  uint64

	readCtx, writeCtx EventContext
}

func newContext(fd int) *Context {
	c := &Context{
		fd:          fd,
		recvTimeout: clock.Infinite,
		sendTimeout: clock.Infinite,
	}
	// Mirror the original FdCtx::init's fstat probe: any fd touched for the
	// first time gets its socket-ness auto-detected, not only fds the hook
	// layer itself created via Socket/Accept.
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err == nil {
		c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	}
	return c
}

// FD returns the descriptor number this context tracks.
func (c *Context) FD() int { return c.fd }

// Lock/Unlock expose the context's own small mutex so callers (the I/O
// Manager, the hook layer) can make multi-field updates atomic, matching
// spec.md §5's "per-fd state: a small mutex ... held only across the short
// transitions of add/del/cancel/trigger".
func (c *Context) Lock()   { c.mu.Lock() }
func (c *Context) Unlock() { c.mu.Unlock() }

func (c *Context) IsSocket() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.isSocket }
func (c *Context) SetSocket(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isSocket = v
}

func (c *Context) IsClosed() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.isClosed }
func (c *Context) SetClosed(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isClosed = v
}

func (c *Context) UserNonblock() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.userNonblock }
func (c *Context) SetUserNonblock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userNonblock = v
}

func (c *Context) SysNonblock() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.sysNonblock }
func (c *Context) SetSysNonblock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sysNonblock = v
}

// Timeout returns the per-direction timeout in ms (clock.Infinite if none).
func (c *Context) Timeout(dir Direction) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == Read {
		return c.recvTimeout
	}
	return c.sendTimeout
}

// SetTimeout sets the per-direction timeout in ms.
func (c *Context) SetTimeout(dir Direction, ms uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == Read {
		c.recvTimeout = ms
	} else {
		c.sendTimeout = ms
	}
}

// EventCtx returns a pointer to the requested direction's event context.
// Callers must hold c's lock for compound read-modify-write sequences.
func (c *Context) EventCtx(dir Direction) *EventContext {
	if dir == Read {
		return &c.readCtx
	}
	return &c.writeCtx
}

// Table is a grow-only vector of per-descriptor contexts, indexed by
// descriptor number and protected by a reader-writer lock (spec.md §4.6).
type Table struct {
	mu  sync.RWMutex
	fds []*Context
}

// NewTable creates an empty Fd Context table.
func NewTable() *Table {
	return &Table{fds: make([]*Context, 64)}
}

// Get returns the context for fd without creating one, or nil.
func (t *Table) Get(fd int) *Context {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fd < 0 || fd >= len(t.fds) {
		return nil
	}
	return t.fds[fd]
}

// GetOrCreate returns the context for fd, creating it (and growing the
// backing slice by x1.5 if fd exceeds its length) if necessary. The first
// observation of a socket fd should follow up with SetSocket(true) and
// SetSysNonblock(true), per spec.md §3's invariant.
func (t *Table) GetOrCreate(fd int) *Context {
	t.mu.RLock()
	if fd >= 0 && fd < len(t.fds) && t.fds[fd] != nil {
		c := t.fds[fd]
		t.mu.RUnlock()
		return c
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= len(t.fds) {
		newLen := len(t.fds)
		if newLen == 0 {
			newLen = 64
		}
		for newLen <= fd {
			newLen = newLen + newLen/2 + 1
		}
		grown := make([]*Context, newLen)
		copy(grown, t.fds)
		t.fds = grown
	}
	if t.fds[fd] == nil {
		t.fds[fd] = newContext(fd)
	}
	return t.fds[fd]
}

// Delete clears the entry for fd. The backing slice is never shrunk.
func (t *Table) Delete(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= 0 && fd < len(t.fds) {
		t.fds[fd] = nil
	}
}
