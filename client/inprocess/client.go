package inprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/netlock"
	"pkt.systems/netlock/client"
)

// Client is a netlock client wired to a daemon running in the same process.
// Every client method is available; Close also stops the daemon.
type Client struct {
	*client.Client
	server    *netlock.Server
	stop      func(context.Context) error
	cleanup   func()
	closeOnce sync.Once
	closeErr  error
}

// New starts an in-process netlockd listening on a private unix socket and
// returns a client connected to it. The TCP listener is disabled. Close the
// returned client to stop the daemon and remove the socket.
// Example:
//
//	ctx := context.Background()
//	inproc, err := inprocess.New(ctx, netlock.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inproc.Close(ctx)
//	lease, err := inproc.Lock(ctx, "orders")
func New(ctx context.Context, cfg netlock.Config, opts ...netlock.Option) (*Client, error) {
	if cfg.Listen != "" && cfg.Listen != "-" {
		return nil, errors.New("inprocess: only unix sockets are supported; leave Listen empty")
	}
	cfg.Listen = "-"
	if ctx == nil {
		ctx = context.Background()
	}

	socketDir, err := os.MkdirTemp("", "netlock-inproc-")
	if err != nil {
		return nil, err
	}
	cleanup := func() { _ = os.RemoveAll(socketDir) }

	if cfg.UnixSocket == "" {
		cfg.UnixSocket = filepath.Join(socketDir, "netlock.sock")
	}

	srv, stop, err := netlock.StartServer(ctx, cfg, opts...)
	if err != nil {
		cleanup()
		return nil, err
	}

	cli, err := client.New("unix://" + cfg.UnixSocket)
	if err != nil {
		_ = stop(context.Background())
		cleanup()
		return nil, err
	}

	return &Client{
		Client:  cli,
		server:  srv,
		stop:    stop,
		cleanup: cleanup,
	}, nil
}

// Server returns the embedded daemon.
func (c *Client) Server() *netlock.Server {
	return c.server
}

// Close drops every lease, shuts down the embedded daemon and releases
// resources.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		var errs []error
		if err := c.Client.Close(); err != nil {
			errs = append(errs, err)
		}
		if c.stop != nil {
			if err := c.stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if c.cleanup != nil {
			c.cleanup()
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
