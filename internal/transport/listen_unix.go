//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrSocketInUse is returned when another process holds the socket lock.
var ErrSocketInUse = errors.New("transport: unix socket owned by another process")

func controlTCP(_, _ string, rc syscall.RawConn) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func listenUnix(ctx context.Context, path string) (net.Listener, error) {
	lockPath := path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("transport: open socket lock: %w", err)
	}
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: int16(0)}
	if err := unix.FcntlFlock(lockFile.Fd(), unix.F_SETLK, &flock); err != nil {
		lockFile.Close()
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("%w: %s", ErrSocketInUse, path)
		}
		return nil, fmt.Errorf("transport: lock %s: %w", lockPath, err)
	}
	// We own the lock, so any socket file left behind is stale.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		lockFile.Close()
		return nil, fmt.Errorf("transport: remove stale socket: %w", err)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("transport: listen unix %s: %w", path, err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}
	return &lockedListener{Listener: ln, lock: lockFile}, nil
}

type lockedListener struct {
	net.Listener
	lock *os.File
	once sync.Once
}

func (l *lockedListener) Close() error {
	err := l.Listener.Close()
	l.once.Do(func() {
		flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(0)}
		_ = unix.FcntlFlock(l.lock.Fd(), unix.F_SETLK, &flock)
		name := l.lock.Name()
		_ = l.lock.Close()
		_ = os.Remove(name)
	})
	return err
}
