package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"pkt.systems/netlock/internal/proto"
	"pkt.systems/netlock/internal/transport"
)

func TestParseAddress(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		network string
		addr    string
		wantErr bool
	}{
		{in: "127.0.0.1:9342", network: "tcp", addr: "127.0.0.1:9342"},
		{in: "tcp://lock.example:9342", network: "tcp", addr: "lock.example:9342"},
		{in: " [::1]:9342 ", network: "tcp", addr: "[::1]:9342"},
		{in: "unix:///run/netlock.sock", network: "unix", addr: "/run/netlock.sock"},
		{in: "unix:/run/netlock.sock", network: "unix", addr: "/run/netlock.sock"},
		{in: "", wantErr: true},
		{in: "unix://", wantErr: true},
		{in: "http://host:80", wantErr: true},
		{in: "hostonly", wantErr: true},
	}
	for _, tc := range cases {
		network, addr, err := ParseAddress(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseAddress(%q): expected error, got %s %s", tc.in, network, addr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", tc.in, err)
		}
		if network != tc.network || addr != tc.addr {
			t.Fatalf("ParseAddress(%q) = %s %s, want %s %s", tc.in, network, addr, tc.network, tc.addr)
		}
	}
}

func TestAnswerErrorMatchesSentinels(t *testing.T) {
	t.Parallel()
	var err error = &AnswerError{Verb: proto.VerbLock, Resource: "orders", Code: proto.CodeBusy}
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("busy answer should match ErrBusy")
	}
	if errors.Is(err, ErrNotHeld) {
		t.Fatalf("busy answer must not match ErrNotHeld")
	}
	if got := err.Error(); got != `netlock: lock "orders" answered busy` {
		t.Fatalf("Error() = %q", got)
	}
	err = &AnswerError{Verb: proto.VerbPing, Code: proto.CodeImpossible}
	if !errors.Is(err, ErrImpossible) {
		t.Fatalf("impossible answer should match ErrImpossible")
	}
}

func TestWithPeerIgnoresInvalid(t *testing.T) {
	t.Parallel()
	c, err := New("127.0.0.1:1", WithPeer(""))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Peer() == "" {
		t.Fatalf("expected generated peer id")
	}
}

const testPeer = "0190b7a4-6c1e-7c3a-9f4e-2b1d8e5a7c10"

// fakeDaemon accepts one connection and runs script on it.
func fakeDaemon(t *testing.T, script func(conn transport.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := transport.Wrap(raw)
		defer conn.Close()
		script(conn)
	}()
	return ln.Addr().String()
}

func recv(conn transport.Conn) *proto.Message {
	msg, err := transport.RecvMessage(conn, 5*time.Second)
	if err != nil {
		return nil
	}
	return msg
}

func TestPing(t *testing.T) {
	t.Parallel()
	addr := fakeDaemon(t, func(conn transport.Conn) {
		if msg := recv(conn); msg != nil && msg.Verb == proto.VerbPing {
			_ = transport.SendMessage(conn, proto.NewAnswer(msg, proto.CodeOK))
		}
	})
	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestLockBusy(t *testing.T) {
	t.Parallel()
	addr := fakeDaemon(t, func(conn transport.Conn) {
		if msg := recv(conn); msg != nil {
			_ = transport.SendMessage(conn, proto.NewAnswer(msg, proto.CodeBusy))
		}
	})
	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Lock(context.Background(), "orders", WithWait(false))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Lock err = %v, want ErrBusy", err)
	}
}

func TestLockEnqueuedThenGranted(t *testing.T) {
	t.Parallel()
	seen := make(chan *proto.Message, 4)
	addr := fakeDaemon(t, func(conn transport.Conn) {
		req := recv(conn)
		if req == nil {
			return
		}
		seen <- req
		_ = transport.SendMessage(conn, proto.NewAnswer(req, proto.CodeEnqueued))
		grant := proto.NewAnswer(req, proto.CodeOK)
		grant.Phase = proto.PhaseLockGranted
		grant.Answer.Element = "b"
		_ = transport.SendMessage(conn, grant)
		if ack := recv(conn); ack != nil {
			seen <- ack
		}
		if unlock := recv(conn); unlock != nil {
			seen <- unlock
			_ = transport.SendMessage(conn, proto.NewAnswer(unlock, proto.CodeOK))
		}
	})
	c, err := New(addr, WithPeer(testPeer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lease, err := c.Lock(ctx, "a,b", WithMode("PR"), WithQuantity(2))
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if lease.Element() != "b" {
		t.Fatalf("element = %q", lease.Element())
	}
	req := <-seen
	if req.Session == nil || req.Session.Peer != testPeer {
		t.Fatalf("session = %+v", req.Session)
	}
	if req.Resource.Mode != "PR" || req.Resource.Quantity != 2 {
		t.Fatalf("resource = %+v", req.Resource)
	}
	if ack := <-seen; ack.Verb != proto.VerbLock || ack.Phase != proto.PhaseLockAck {
		t.Fatalf("expected LOCK ack, got %s/%d", ack.Verb, ack.Phase)
	}
	if err := c.Unlock(ctx, "a,b"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if unlock := <-seen; unlock.Verb != proto.VerbUnlock {
		t.Fatalf("expected UNLOCK, got %s", unlock.Verb)
	}
	if err := lease.Unlock(ctx); !errors.Is(err, ErrLeaseClosed) {
		t.Fatalf("second unlock err = %v, want ErrLeaseClosed", err)
	}
}

func TestLockCancelWithdrawsRequest(t *testing.T) {
	t.Parallel()
	hangup := make(chan struct{})
	addr := fakeDaemon(t, func(conn transport.Conn) {
		req := recv(conn)
		if req == nil {
			return
		}
		_ = transport.SendMessage(conn, proto.NewAnswer(req, proto.CodeEnqueued))
		if _, err := transport.RecvMessage(conn, 5*time.Second); transport.IsClosed(err) {
			close(hangup)
		}
	})
	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := c.Lock(ctx, "orders"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock err = %v, want deadline exceeded", err)
	}
	select {
	case <-hangup:
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon never saw the connection close")
	}
}

func TestUnlockUnknownName(t *testing.T) {
	t.Parallel()
	c, err := New("127.0.0.1:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Unlock(context.Background(), "nothing"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("Unlock err = %v, want ErrNotHeld", err)
	}
}
