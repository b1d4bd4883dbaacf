package transport

import (
	"context"
	"fmt"
	"net"
)

// Listen opens a stream listener on network ("tcp" or "unix"). Unix sockets
// are guarded by an advisory lock file so that a second daemon cannot unlink
// the socket of a running one.
func Listen(ctx context.Context, network, address string) (net.Listener, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		lc := net.ListenConfig{Control: controlTCP}
		ln, err := lc.Listen(ctx, network, address)
		if err != nil {
			return nil, fmt.Errorf("transport: listen %s %s: %w", network, address, err)
		}
		return ln, nil
	case "unix":
		return listenUnix(ctx, address)
	default:
		return nil, fmt.Errorf("transport: unsupported network %q", network)
	}
}
