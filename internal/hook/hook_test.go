//go:build linux

package hook

import (
	"testing"
	"time"

	"github.com/leoschopen/hiper/internal/fdtable"
	"github.com/leoschopen/hiper/internal/fiber"
	"github.com/leoschopen/hiper/internal/ioreactor"
	"github.com/leoschopen/hiper/internal/rterr"
	"golang.org/x/sys/unix"
)

func newTestManager(t *testing.T) *ioreactor.Manager {
	t.Helper()
	m, err := ioreactor.New(1, false, "hook-test")
	if err != nil {
		t.Fatalf("ioreactor.New: %v", err)
	}
	m.Start()
	t.Cleanup(func() {
		m.Stop()
		m.Close()
	})
	return m
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("SetNonblock: %v", err)
		}
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// markSocket registers fd as a tracked socket the way Socket/Accept would,
// without going through an actual socket(2)/accept(2) call.
func markSocket(m *ioreactor.Manager, fd int) {
	ctx := m.Fds().GetOrCreate(fd)
	ctx.SetSocket(true)
	ctx.SetSysNonblock(true)
}

func TestSleepResumesFiberAfterDuration(t *testing.T) {
	m := newTestManager(t)

	done := make(chan time.Duration, 1)
	f := fiber.New(func() {
		Enable()
		start := time.Now()
		Sleep(80 * time.Millisecond)
		done <- time.Since(start)
	}, fiber.DefaultStackSize, false)

	if err := m.Schedule(f, -1); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case d := <-done:
		if d < 60*time.Millisecond || d > 400*time.Millisecond {
			t.Errorf("slept for %v, want ~80ms", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never resumed")
	}
}

func TestReadWaitsForReadiness(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)
	markSocket(m, a)

	result := make(chan string, 1)
	f := fiber.New(func() {
		Enable()
		buf := make([]byte, 16)
		n, err := Read(a, buf)
		if err != nil {
			result <- "error: " + err.Error()
			return
		}
		result <- string(buf[:n])
	}, fiber.DefaultStackSize, false)

	if err := m.Schedule(f, -1); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := unix.Write(b, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-result:
		if got != "hello" {
			t.Errorf("Read returned %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never resumed")
	}
}

func TestReadTimesOut(t *testing.T) {
	m := newTestManager(t)
	a, _ := socketpair(t)
	markSocket(m, a)
	m.Fds().Get(a).SetTimeout(fdtable.Read, 100)

	result := make(chan error, 1)
	f := fiber.New(func() {
		Enable()
		buf := make([]byte, 16)
		_, err := Read(a, buf)
		result <- err
	}, fiber.DefaultStackSize, false)

	if err := m.Schedule(f, -1); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case err := <-result:
		if err != rterr.ErrTimedOut {
			t.Errorf("Read error = %v, want %v", err, rterr.ErrTimedOut)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never resumed")
	}

	if got := m.PendingEvents(); got != 0 {
		t.Errorf("PendingEvents after timeout = %d, want 0", got)
	}
}

// TestConnectTimeoutExpires connects to a non-routable address (the
// TEST-NET-adjacent 10.255.255.1, conventionally used in test suites to
// provoke a silent packet black hole rather than an immediate RST) and
// checks the connect gives up within its configured timeout instead of
// hanging until the kernel's own much longer TCP connect timeout.
func TestConnectTimeoutExpires(t *testing.T) {
	m := newTestManager(t)

	fd, err := Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	defer unix.Close(fd)
	// Socket only forces O_NONBLOCK on a goroutine with interception
	// enabled; ConnectTimeout needs a non-blocking fd to see EINPROGRESS.
	if err := unix.SetNonblock(fd, true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}

	sa := &unix.SockaddrInet4{Port: 1, Addr: [4]byte{10, 255, 255, 1}}

	result := make(chan error, 1)
	f := fiber.New(func() {
		Enable()
		result <- ConnectTimeout(fd, sa, 150*time.Millisecond)
	}, fiber.DefaultStackSize, false)

	start := time.Now()
	if err := m.Schedule(f, -1); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case err := <-result:
		if err != rterr.ErrTimedOut {
			t.Fatalf("ConnectTimeout error = %v, want %v", err, rterr.ErrTimedOut)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("ConnectTimeout took %v, want close to the 150ms deadline", elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ConnectTimeout never returned")
	}

	if got := m.PendingEvents(); got != 0 {
		t.Errorf("PendingEvents after connect timeout = %d, want 0", got)
	}
}

func TestDisabledHookCallsThrough(t *testing.T) {
	a, b := socketpair(t)
	Disable()

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 1)
	n, err := Read(a, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 1 || buf[0] != 'x' {
		t.Errorf("Read returned %q, want %q", buf[:n], "x")
	}
}
