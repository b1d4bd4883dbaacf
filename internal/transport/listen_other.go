//go:build !unix

package transport

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// ErrSocketInUse is returned when another process holds the socket lock.
var ErrSocketInUse = errors.New("transport: unix socket owned by another process")

func controlTCP(string, string, syscall.RawConn) error { return nil }

func listenUnix(ctx context.Context, path string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "unix", path)
}
