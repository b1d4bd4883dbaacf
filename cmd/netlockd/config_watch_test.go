package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/netlock"
	"pkt.systems/netlock/internal/loggingutil"
)

type recordingTarget struct {
	mu       sync.Mutex
	defaults chan netlock.Config
	levels   []string
}

func (r *recordingTarget) SetResourceDefaults(cfg netlock.Config) error {
	r.defaults <- cfg
	return nil
}

func (r *recordingTarget) SetLogLevel(level string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, level)
	return nil
}

func (r *recordingTarget) lastLevel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.levels) == 0 {
		return ""
	}
	return r.levels[len(r.levels)-1]
}

func TestConfigWatcherAppliesChanges(t *testing.T) {
	resetViper(t)
	newRootCommand(pslog.NewStructured(io.Discard))
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mode: PR\nlog-level: info\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	viper.Set("config", path)
	if _, err := loadConfigFile(); err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}

	target := &recordingTarget{defaults: make(chan netlock.Config, 4)}
	watcher, err := newConfigWatcher(path, target, loggingutil.NoopLogger())
	if err != nil {
		t.Fatalf("newConfigWatcher: %v", err)
	}
	watcher.debounce = 100 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.run(ctx)

	if err := os.WriteFile(path, []byte("mode: CW\nno-wait: true\nlog-level: debug\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case cfg := <-target.defaults:
		if cfg.Mode != "CW" || !cfg.NoWait {
			t.Fatalf("reloaded config = %+v", cfg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("config change was not applied")
	}
	deadline := time.Now().Add(5 * time.Second)
	for target.lastLevel() != "debug" {
		if time.Now().After(deadline) {
			t.Fatalf("log level = %q", target.lastLevel())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConfigWatcherIgnoresInvalidConfig(t *testing.T) {
	resetViper(t)
	newRootCommand(pslog.NewStructured(io.Discard))
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mode: EX\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	target := &recordingTarget{defaults: make(chan netlock.Config, 4)}
	watcher, err := newConfigWatcher(path, target, loggingutil.NoopLogger())
	if err != nil {
		t.Fatalf("newConfigWatcher: %v", err)
	}
	defer watcher.watcher.Close()
	if err := os.WriteFile(path, []byte("mode: nonsense\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	watcher.reload()
	select {
	case cfg := <-target.defaults:
		t.Fatalf("invalid config applied: %+v", cfg)
	default:
	}
	if err := os.WriteFile(path, []byte("mode: NL\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	watcher.reload()
	select {
	case cfg := <-target.defaults:
		if cfg.Mode != "NL" {
			t.Fatalf("mode = %q", cfg.Mode)
		}
	default:
		t.Fatalf("valid config not applied")
	}
}
