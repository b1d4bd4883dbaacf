package inprocess_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/netlock"
	"pkt.systems/netlock/client"
	"pkt.systems/netlock/client/inprocess"
)

func TestNewRejectsTCPListeners(t *testing.T) {
	t.Parallel()

	cli, err := inprocess.New(context.Background(), netlock.Config{Listen: "127.0.0.1:0"})
	if err == nil {
		_ = cli.Close(context.Background())
		t.Fatal("expected error when Listen names a TCP address")
	}
}

func TestNewRunsServerAndCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	inproc, err := inprocess.New(ctx, netlock.Config{DrainGrace: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if err := inproc.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()

	if inproc.Server().UnixAddr() == nil {
		t.Fatal("expected unix listener")
	}
	if inproc.Server().ListenerAddr() != nil {
		t.Fatal("tcp listener should be disabled")
	}
	if _, err := inproc.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	lease, err := inproc.Lock(ctx, "unit-test")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := inproc.Lock(ctx, "unit-test", client.WithWait(false)); !errors.Is(err, client.ErrBusy) {
		t.Fatalf("second Lock err = %v, want ErrBusy", err)
	}
	if err := lease.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	// Close twice to ensure idempotency.
	if err := inproc.Close(ctx); err != nil {
		t.Fatalf("Close first call: %v", err)
	}
	if err := inproc.Close(ctx); err != nil {
		t.Fatalf("Close second call: %v", err)
	}
}
