package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/netlock"
	netlockclient "pkt.systems/netlock/client"
	"pkt.systems/netlock/internal/admin"
)

func startCLITestServer(t *testing.T, opts ...netlock.TestServerOption) *netlock.TestServer {
	t.Helper()
	opts = append([]netlock.TestServerOption{netlock.WithTestLoggerFromTB(t, pslog.InfoLevel)}, opts...)
	return netlock.StartTestServer(t, opts...)
}

func TestClientPing(t *testing.T) {
	resetViper(t)
	ts := startCLITestServer(t)
	stdout, _, err := executeRootCommand(t, "client", "--server", ts.Address, "ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.HasPrefix(stdout, "pong from "+ts.Address) {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestClientDiscover(t *testing.T) {
	resetViper(t)
	ts := startCLITestServer(t, netlock.WithTestConfigFunc(func(cfg *netlock.Config) {
		cfg.AdvertiseAddress = "lock.example"
		cfg.AdvertisePort = 7000
	}))
	stdout, _, err := executeRootCommand(t, "client", "-s", ts.Address, "discover")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if stdout != "lock.example:7000\n" {
		t.Fatalf("stdout = %q", stdout)
	}
	stdout, _, err = executeRootCommand(t, "client", "-s", ts.Address, "discover", "--output", "json")
	if err != nil {
		t.Fatalf("discover json: %v", err)
	}
	var out struct {
		Address string `json:"address"`
		Port    int    `json:"port"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil || out.Port != 7000 {
		t.Fatalf("json = %q (%v)", stdout, err)
	}
}

func TestClientLockHoldReleases(t *testing.T) {
	resetViper(t)
	ts := startCLITestServer(t)
	stdout, _, err := executeRootCommand(t, "client", "-s", ts.Address, "lock", "--hold", "20ms", "orders")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if stdout != "locked orders\n" {
		t.Fatalf("stdout = %q", stdout)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lease, err := ts.Client.Lock(ctx, "orders", netlockclient.WithWait(false))
	if err != nil {
		t.Fatalf("lock after CLI release: %v", err)
	}
	_ = lease.Unlock(ctx)
}

func TestClientLockNoWaitBusy(t *testing.T) {
	resetViper(t)
	ts := startCLITestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lease, err := ts.Client.Lock(ctx, "orders")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer lease.Unlock(ctx)
	_, _, err = executeRootCommand(t, "client", "-s", ts.Address, "lock", "--no-wait", "--hold", "1ms", "orders")
	if !errors.Is(err, netlockclient.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestClientLockRunsCommand(t *testing.T) {
	resetViper(t)
	ts := startCLITestServer(t)
	stdout, stderr, err := executeRootCommand(t, "client", "-s", ts.Address, "lock", "--output", "json",
		"pool,spare", "--", "sh", "-c", `printf '%s/%s' "$NETLOCK_RESOURCE" "$NETLOCK_ELEMENT"`)
	if err != nil {
		t.Fatalf("lock command: %v", err)
	}
	var res lockResult
	if err := json.Unmarshal([]byte(stderr), &res); err != nil {
		t.Fatalf("decode lock result %q: %v", stderr, err)
	}
	if res.Element == "" {
		t.Fatalf("expected element from set, got %+v", res)
	}
	if stdout != "pool,spare/"+res.Element {
		t.Fatalf("command stdout = %q", stdout)
	}
}

func TestClientLockPropagatesExitCode(t *testing.T) {
	resetViper(t)
	ts := startCLITestServer(t)
	_, _, err := executeRootCommand(t, "client", "-s", ts.Address, "lock", "orders", "--", "sh", "-c", "exit 3")
	var exit exitCodeError
	if !errors.As(err, &exit) || exit.code != 3 {
		t.Fatalf("err = %v, want exit status 3", err)
	}
}

func TestClientLockRejectsExtraArgs(t *testing.T) {
	resetViper(t)
	_, _, err := executeRootCommand(t, "client", "-s", "127.0.0.1:1", "lock", "orders", "extra")
	if err == nil || !strings.Contains(err.Error(), "after --") {
		t.Fatalf("err = %v", err)
	}
}

func TestClientManageAndStatus(t *testing.T) {
	resetViper(t)
	ts := startCLITestServer(t, netlock.WithTestConfigFunc(func(cfg *netlock.Config) {
		cfg.Management = true
		cfg.AdminListen = "127.0.0.1:0"
	}))
	stdout, _, err := executeRootCommand(t, "client", "-s", ts.Address, "manage", "retire", "name=orders")
	if err != nil {
		t.Fatalf("manage: %v", err)
	}
	if !strings.HasPrefix(stdout, "sent retire") {
		t.Fatalf("stdout = %q", stdout)
	}

	adminURL := "http://" + ts.Server.AdminAddr().String()
	stdout, _, err = executeRootCommand(t, "client", "--admin", adminURL, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st admin.Status
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatalf("decode status %q: %v", stdout, err)
	}
	if st.Defaults.Mode != netlock.DefaultMode || st.Process.PID == 0 {
		t.Fatalf("status = %+v", st)
	}
	_, _, err = executeRootCommand(t, "client", "--admin", adminURL, "status", "missing")
	if err == nil || !strings.Contains(err.Error(), "not_found") {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"level=debug", "name=a=b"})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if params["level"] != "debug" || params["name"] != "a=b" {
		t.Fatalf("params = %v", params)
	}
	if _, err := parseParams([]string{"=x"}); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := parseParams([]string{"flag"}); err == nil {
		t.Fatalf("expected error for missing =")
	}
}
