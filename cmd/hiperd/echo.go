package main

import (
	"errors"
	"fmt"
	"net"

	"github.com/leoschopen/hiper/internal/fiber"
	"github.com/leoschopen/hiper/internal/hook"
	"github.com/leoschopen/hiper/internal/ioreactor"
	"github.com/leoschopen/hiper/internal/logx"
	"github.com/leoschopen/hiper/internal/rterr"
	"golang.org/x/sys/unix"
)

// runEcho binds and listens on addr, then schedules the accept loop as a
// fiber on m. Each accepted connection gets its own echo fiber so a slow
// or stuck peer never blocks the listener.
func runEcho(m *ioreactor.Manager, addr string) error {
	sa, err := resolveSockaddr(addr)
	if err != nil {
		return err
	}

	lfd, err := hook.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("hiperd: socket: %w", err)
	}
	if err := unix.SetsockoptInt(lfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(lfd)
		return fmt.Errorf("hiperd: setsockopt reuseaddr: %w", err)
	}
	if err := unix.Bind(lfd, sa); err != nil {
		unix.Close(lfd)
		return fmt.Errorf("hiperd: bind %s: %w", addr, err)
	}
	if err := unix.Listen(lfd, 128); err != nil {
		unix.Close(lfd)
		return fmt.Errorf("hiperd: listen: %w", err)
	}

	f := fiber.New(func() { acceptLoop(m, lfd) }, fiber.DefaultStackSize, false)
	return m.Schedule(f, -1)
}

func acceptLoop(m *ioreactor.Manager, lfd int) {
	hook.Enable()
	log := logx.L("hiperd.echo")
	defer hook.Close(lfd)

	for {
		cfd, _, err := hook.Accept(lfd)
		if err != nil {
			log.Errorw("accept failed", "error", err)
			return
		}
		conn := fiber.New(func() { echoConn(cfd) }, fiber.DefaultStackSize, false)
		if err := m.Schedule(conn, -1); err != nil {
			log.Errorw("schedule connection fiber failed", "error", err)
			_ = hook.Close(cfd)
		}
	}
}

func echoConn(fd int) {
	hook.Enable()
	log := logx.L("hiperd.echo")
	defer hook.Close(fd)

	buf := make([]byte, 4096)
	for {
		n, err := hook.Read(fd, buf)
		if err != nil {
			if !errors.Is(err, rterr.ErrTimedOut) {
				log.Debugw("connection closed", "fd", fd, "error", err)
			}
			return
		}
		if n == 0 {
			return
		}
		if _, err := hook.Write(fd, buf[:n]); err != nil {
			log.Errorw("write failed", "fd", fd, "error", err)
			return
		}
	}
}

func resolveSockaddr(addr string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("hiperd: resolve %s: %w", addr, err)
	}
	ip4 := tcpAddr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("hiperd: %s is not an IPv4 address", addr)
	}
	var ip [4]byte
	copy(ip[:], ip4)
	return &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: ip}, nil
}
