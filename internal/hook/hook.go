// Package hook replaces a fixed set of blocking POSIX I/O primitives with
// reactor-aware equivalents that suspend the calling fiber instead of the
// OS thread (spec.md §4.5). Unlike the original's libc symbol interposition
// via dlsym(RTLD_NEXT, ...), Go offers no portable way to intercept calls
// other package code makes to the standard library, so these are ordinary
// exported functions: call sites opt in explicitly by calling hook.Read
// instead of unix.Read, the same shape dlsym interposition gave the
// original for free.
package hook

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/leoschopen/hiper/internal/clock"
	"github.com/leoschopen/hiper/internal/fdtable"
	"github.com/leoschopen/hiper/internal/fiber"
	"github.com/leoschopen/hiper/internal/gls"
	"github.com/leoschopen/hiper/internal/ioreactor"
	"github.com/leoschopen/hiper/internal/rterr"
	"github.com/leoschopen/hiper/internal/timer"
	"golang.org/x/sys/unix"
)

var connectTimeoutMS atomic.Int64

func init() { connectTimeoutMS.Store(5000) } // spec.md §6, "tcp connect timeout" default

// SetConnectTimeoutMS overrides the default used by Connect. Wired from
// config at startup (SPEC_FULL.md §10/§11).
func SetConnectTimeoutMS(ms int64) { connectTimeoutMS.Store(ms) }

// Enable opts the calling goroutine into syscall interception.
func Enable() { gls.SetHookEnabled(true) }

// Disable opts the calling goroutine out of syscall interception; every
// wrapper below then delegates verbatim to the underlying call.
func Disable() { gls.SetHookEnabled(false) }

// Enabled reports whether interception is opted into on the calling
// goroutine.
func Enabled() bool { return gls.HookEnabled() }

func fdTable() *fdtable.Table {
	if m := ioreactor.Current(); m != nil {
		return m.Fds()
	}
	return nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func isInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}

func dirEvent(dir fdtable.Direction) ioreactor.Event {
	if dir == fdtable.Write {
		return ioreactor.Write
	}
	return ioreactor.Read
}

// waitIO implements the I/O wrapper algorithm of spec.md §4.5: call
// through when interception is disabled or the fd is unknown/non-socket/
// user-nonblock; fail with ErrBadDescriptor when the fd's context is marked
// closed; otherwise retry the attempt across EINTR, and
// on EAGAIN register a condition timer plus reactor interest and yield,
// retrying once the fiber is resumed.
func waitIO(fd int, dir fdtable.Direction, attempt func() (int, error)) (int, error) {
	if !gls.HookEnabled() {
		return attempt()
	}
	m := ioreactor.Current()
	if m == nil {
		return attempt()
	}
	ctx := m.Fds().Get(fd)
	if ctx == nil {
		return attempt()
	}
	if ctx.IsClosed() {
		return -1, rterr.ErrBadDescriptor
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return attempt()
	}

	timeoutMS := ctx.Timeout(dir)

	for {
		n, err := attempt()
		for isInterrupted(err) {
			n, err = attempt()
		}
		if !wouldBlock(err) {
			return n, err
		}

		timedOut := new(atomic.Bool)
		var cancelTimer *timer.Timer
		if timeoutMS != clock.Infinite {
			cancelTimer = m.TimerManagerInner().AddConditional(int64(timeoutMS), func() {
				if timedOut.CompareAndSwap(false, true) {
					m.CancelEvent(fd, dirEvent(dir))
				}
			}, timer.Watch(timedOut), false)
		}

		if err := m.AddEvent(fd, dirEvent(dir), nil); err != nil {
			if cancelTimer != nil {
				cancelTimer.Cancel()
			}
			return -1, err
		}

		fiber.Current().YieldHold()

		if cancelTimer != nil {
			cancelTimer.Cancel()
		}
		if timedOut.Load() {
			return -1, rterr.ErrTimedOut
		}
	}
}

// Sleep converts a blocking sleep into a one-shot timer plus yield, never
// blocking the OS thread (spec.md §4.5, "sleep wrappers").
func Sleep(d time.Duration) {
	if !gls.HookEnabled() {
		time.Sleep(d)
		return
	}
	m := ioreactor.Current()
	if m == nil {
		time.Sleep(d)
		return
	}
	f := fiber.Current()
	m.TimerManagerInner().Add(d.Milliseconds(), func() {
		_ = m.Schedule(f, -1)
	}, false)
	f.YieldHold()
}

// Socket creates a socket and, when interception is enabled, records it in
// the Fd Context table as a socket with the kernel non-blocking bit forced
// on (spec.md §4.6's auto-creation semantics).
func Socket(domain, typ, protocol int) (int, error) {
	fd, err := unix.Socket(domain, typ, protocol)
	if err != nil || !gls.HookEnabled() {
		return fd, err
	}
	if t := fdTable(); t != nil {
		ctx := t.GetOrCreate(fd)
		ctx.SetSocket(true)
		ctx.SetSysNonblock(true)
		_ = unix.SetNonblock(fd, true)
	}
	return fd, err
}

// Connect dispatches to ConnectTimeout using the configured default
// timeout when interception is enabled and fd is a blocking socket. With
// interception enabled, an fd with no Fd Context (or a closed one) fails
// with ErrBadDescriptor; in every other case it calls through.
func Connect(fd int, sa unix.Sockaddr) error {
	if !gls.HookEnabled() {
		return unix.Connect(fd, sa)
	}
	t := fdTable()
	var ctx *fdtable.Context
	if t != nil {
		ctx = t.Get(fd)
	}
	if ctx == nil || ctx.IsClosed() {
		return rterr.ErrBadDescriptor
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, sa)
	}
	return ConnectTimeout(fd, sa, time.Duration(connectTimeoutMS.Load())*time.Millisecond)
}

// ConnectTimeout is a standalone connect-with-deadline helper usable
// without opting the whole goroutine into interception (SPEC_FULL.md §12,
// the original's connect_with_timeout). It initiates the connect; if it
// reports "in progress", waits for WRITE readiness (through the reactor
// when one is current, or a plain poll(2) otherwise) up to timeout, then
// inspects SO_ERROR.
func ConnectTimeout(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}

	m := ioreactor.Current()
	if m == nil {
		return pollConnect(fd, timeout)
	}

	timedOut := new(atomic.Bool)
	var cancelTimer *timer.Timer
	if timeout > 0 {
		cancelTimer = m.TimerManagerInner().AddConditional(timeout.Milliseconds(), func() {
			if timedOut.CompareAndSwap(false, true) {
				m.CancelEvent(fd, ioreactor.Write)
			}
		}, timer.Watch(timedOut), false)
	}

	if err := m.AddEvent(fd, ioreactor.Write, nil); err != nil {
		if cancelTimer != nil {
			cancelTimer.Cancel()
		}
		return err
	}

	fiber.Current().YieldHold()

	if cancelTimer != nil {
		cancelTimer.Cancel()
	}
	if timedOut.Load() {
		return rterr.ErrTimedOut
	}
	return connectSockError(fd)
}

// pollConnect is ConnectTimeout's fallback when called from a goroutine
// with no current reactor: it blocks the OS thread in poll(2), which is
// the correct behavior for a caller that explicitly chose the standalone
// helper outside the cooperative runtime.
func pollConnect(fd int, timeout time.Duration) error {
	waitMS := -1
	if timeout > 0 {
		waitMS = int(timeout.Milliseconds())
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, waitMS)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return rterr.ErrTimedOut
		}
		break
	}
	return connectSockError(fd)
}

func connectSockError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Accept waits for a connection on a listening socket and registers the
// accepted fd in the Fd Context table the same way Socket does.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var nfd int
	var sa unix.Sockaddr
	_, err := waitIO(fd, fdtable.Read, func() (int, error) {
		var aerr error
		nfd, sa, aerr = unix.Accept(fd)
		return nfd, aerr
	})
	if err != nil {
		return -1, nil, err
	}
	if gls.HookEnabled() {
		if t := fdTable(); t != nil {
			ctx := t.GetOrCreate(nfd)
			ctx.SetSocket(true)
			ctx.SetSysNonblock(true)
			_ = unix.SetNonblock(nfd, true)
		}
	}
	return nfd, sa, nil
}

// Read is the hooked read(2).
func Read(fd int, p []byte) (int, error) {
	return waitIO(fd, fdtable.Read, func() (int, error) { return unix.Read(fd, p) })
}

// Readv is the hooked readv(2).
func Readv(fd int, iovs [][]byte) (int, error) {
	return waitIO(fd, fdtable.Read, func() (int, error) { return unix.Readv(fd, iovs) })
}

// Recv is the hooked recv(2).
func Recv(fd int, p []byte, flags int) (int, error) {
	return waitIO(fd, fdtable.Read, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// Recvfrom is the hooked recvfrom(2).
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := waitIO(fd, fdtable.Read, func() (int, error) {
		var n int
		var rerr error
		n, from, rerr = unix.Recvfrom(fd, p, flags)
		return n, rerr
	})
	return n, from, err
}

// Recvmsg is the hooked recvmsg(2).
func Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	_, err = waitIO(fd, fdtable.Read, func() (int, error) {
		var rerr error
		n, oobn, recvflags, from, rerr = unix.Recvmsg(fd, p, oob, flags)
		return n, rerr
	})
	return
}

// Write is the hooked write(2).
func Write(fd int, p []byte) (int, error) {
	return waitIO(fd, fdtable.Write, func() (int, error) { return unix.Write(fd, p) })
}

// Writev is the hooked writev(2).
func Writev(fd int, iovs [][]byte) (int, error) {
	return waitIO(fd, fdtable.Write, func() (int, error) { return unix.Writev(fd, iovs) })
}

// Send is the hooked send(2).
func Send(fd int, p []byte, flags int) (int, error) {
	return waitIO(fd, fdtable.Write, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, nil); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Sendto is the hooked sendto(2).
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return waitIO(fd, fdtable.Write, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, to); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Sendmsg is the hooked sendmsg(2).
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return waitIO(fd, fdtable.Write, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Close cancels every pending wait on fd (resuming their waiters with a
// failing retry), removes the Fd Context, then closes the descriptor
// (spec.md §4.5, "close wrapper"). A second Close on the same fd is a
// kernel-level no-op, same as an unhooked close on an already-closed fd.
func Close(fd int) error {
	if gls.HookEnabled() {
		if m := ioreactor.Current(); m != nil {
			if ctx := m.Fds().Get(fd); ctx != nil {
				m.CancelAll(fd)
				ctx.SetClosed(true)
				m.Fds().Delete(fd)
			}
		}
	}
	return unix.Close(fd)
}

// FcntlGetfl is the hooked fcntl(F_GETFL): the O_NONBLOCK bit reported to
// the caller reflects user_nonblock, not the kernel's forced sys_nonblock.
func FcntlGetfl(fd int) (int, error) {
	arg, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return arg, err
	}
	t := fdTable()
	var ctx *fdtable.Context
	if t != nil {
		ctx = t.Get(fd)
	}
	if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
		return arg, nil
	}
	if ctx.UserNonblock() {
		return arg | unix.O_NONBLOCK, nil
	}
	return arg &^ unix.O_NONBLOCK, nil
}

// FcntlSetfl is the hooked fcntl(F_SETFL): records user_nonblock, and sets
// the descriptor's O_NONBLOCK bit from sys_nonblock rather than from what
// was requested, so a socket the runtime made non-blocking stays so.
func FcntlSetfl(fd int, flags int) error {
	t := fdTable()
	var ctx *fdtable.Context
	if t != nil {
		ctx = t.Get(fd)
	}
	if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
		_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
		return err
	}
	ctx.SetUserNonblock(flags&unix.O_NONBLOCK != 0)
	if ctx.SysNonblock() {
		flags |= unix.O_NONBLOCK
	} else {
		flags &^= unix.O_NONBLOCK
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
	return err
}

// IoctlFIONBIO is the hooked ioctl(FIONBIO): updates user_nonblock only,
// the kernel's own non-blocking bit for sockets is never relaxed.
func IoctlFIONBIO(fd int, nonblock bool) error {
	t := fdTable()
	var ctx *fdtable.Context
	if t != nil {
		ctx = t.Get(fd)
	}
	v := 0
	if nonblock {
		v = 1
	}
	if ctx != nil && !ctx.IsClosed() && ctx.IsSocket() {
		ctx.SetUserNonblock(nonblock)
		if ctx.SysNonblock() {
			v = 1
		}
	}
	return unix.IoctlSetInt(fd, unix.FIONBIO, v)
}

// SetsockoptTimeout is the hooked setsockopt for SO_RCVTIMEO/SO_SNDTIMEO:
// also updates the Fd Context's per-direction timeout, the kernel call
// becoming advisory once interception takes over the actual wait.
func SetsockoptTimeout(fd int, optname int, d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if gls.HookEnabled() && (optname == unix.SO_RCVTIMEO || optname == unix.SO_SNDTIMEO) {
		if t := fdTable(); t != nil {
			if ctx := t.Get(fd); ctx != nil {
				dir := fdtable.Read
				if optname == unix.SO_SNDTIMEO {
					dir = fdtable.Write
				}
				ctx.SetTimeout(dir, uint64(d.Milliseconds()))
			}
		}
	}
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, optname, &tv)
}

// GetsockoptTimeout is a passthrough: the original only intercepts
// setsockopt for the timeout options, never getsockopt.
func GetsockoptTimeout(fd int, optname int) (time.Duration, error) {
	tv, err := unix.GetsockoptTimeval(fd, unix.SOL_SOCKET, optname)
	if err != nil {
		return 0, err
	}
	return time.Duration(tv.Nano()), nil
}
