//go:build linux

package ioreactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

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

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(1, false, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Start()
	t.Cleanup(func() {
		m.Stop()
		m.Close()
	})
	return m
}

func TestAddEventTriggersCallback(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)

	done := make(chan struct{})
	if err := m.AddEvent(a, Read, func() { close(done) }); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestAddEventRejectsDoubleRegistration(t *testing.T) {
	m := newTestManager(t)
	a, _ := socketpair(t)

	if err := m.AddEvent(a, Read, func() {}); err != nil {
		t.Fatalf("first AddEvent: %v", err)
	}
	if err := m.AddEvent(a, Read, func() {}); err == nil {
		t.Fatal("second AddEvent on the same (fd, event) succeeded, want error")
	}
}

func TestDelEventPreventsTrigger(t *testing.T) {
	m := newTestManager(t)
	a, b := socketpair(t)

	fired := make(chan struct{}, 1)
	if err := m.AddEvent(a, Read, func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if !m.DelEvent(a, Read) {
		t.Fatal("DelEvent returned false")
	}
	if m.DelEvent(a, Read) {
		t.Fatal("second DelEvent returned true")
	}

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-fired:
		t.Fatal("callback fired after DelEvent")
	case <-time.After(200 * time.Millisecond):
	}

	if got := m.PendingEvents(); got != 0 {
		t.Errorf("PendingEvents = %d, want 0", got)
	}
}

func TestCancelEventResumesOnce(t *testing.T) {
	m := newTestManager(t)
	a, _ := socketpair(t)

	fired := make(chan struct{}, 2)
	if err := m.AddEvent(a, Read, func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	if !m.CancelEvent(a, Read) {
		t.Fatal("CancelEvent returned false")
	}
	if m.CancelEvent(a, Read) {
		t.Fatal("second CancelEvent returned true")
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired after cancel")
	}

	select {
	case <-fired:
		t.Fatal("callback fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelAllOnBothDirections(t *testing.T) {
	m := newTestManager(t)
	a, _ := socketpair(t)

	readFired := make(chan struct{}, 1)
	writeFired := make(chan struct{}, 1)
	if err := m.AddEvent(a, Read, func() { readFired <- struct{}{} }); err != nil {
		t.Fatalf("AddEvent(read): %v", err)
	}
	if err := m.AddEvent(a, Write, func() { writeFired <- struct{}{} }); err != nil {
		t.Fatalf("AddEvent(write): %v", err)
	}

	m.CancelAll(a)

	for _, ch := range []chan struct{}{readFired, writeFired} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never resumed by CancelAll")
		}
	}
	if got := m.PendingEvents(); got != 0 {
		t.Errorf("PendingEvents after CancelAll = %d, want 0", got)
	}
}
