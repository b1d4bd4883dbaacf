package transport

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"pkt.systems/netlock/internal/proto"
)

func TestPipeRoundTrip(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	ca, cb := Wrap(a, WithID("left")), Wrap(b)
	defer ca.Close()
	defer cb.Close()

	if ca.ID() != "left" || cb.ID() == "" || cb.ID() == ca.ID() {
		t.Fatalf("unexpected ids %q %q", ca.ID(), cb.ID())
	}
	if ca.Domain() != DomainPipe {
		t.Fatalf("expected pipe domain, got %s", ca.Domain())
	}
	msg := &proto.Message{Level: proto.Level, Verb: proto.VerbPing, Phase: proto.Phase1, Session: &proto.Session{Peer: "p"}}
	errCh := make(chan error, 1)
	go func() { errCh <- SendMessage(ca, msg) }()
	got, err := RecvMessage(cb, time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Verb != proto.VerbPing || got.Session == nil || got.Session.Peer != "p" {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestRecvTimeout(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	defer a.Close()
	c := Wrap(b)
	defer c.Close()
	if _, err := c.Recv(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRecvAfterPeerClose(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	c := Wrap(b)
	defer c.Close()
	a.Close()
	_, err := c.Recv(time.Second)
	if !IsClosed(err) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if IsClosed(nil) {
		t.Fatal("nil is not a closed error")
	}
}

func TestListenUnixAndTCP(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets not exercised on windows")
	}
	ctx := context.Background()
	sock := filepath.Join(t.TempDir(), "netlock.sock")
	ln, err := Listen(ctx, "unix", sock)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-accepted
	if Wrap(server).Domain() != DomainUnix {
		t.Fatalf("expected unix domain")
	}
	client.Close()
	server.Close()
	if err := ln.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	tl, err := Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	defer tl.Close()
	if _, err := Listen(ctx, "udp", "127.0.0.1:0"); err == nil {
		t.Fatal("expected unsupported network error")
	}
}
