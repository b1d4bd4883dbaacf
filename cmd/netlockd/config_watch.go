package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/netlock"
	"pkt.systems/netlock/internal/loggingutil"
)

const configReloadDebounce = 250 * time.Millisecond

// reloadTarget receives settings that can change without a restart.
type reloadTarget interface {
	SetResourceDefaults(netlock.Config) error
	SetLogLevel(string) error
}

// configWatcher re-reads the config file when it changes and pushes the
// resource defaults and log level to the running server. Listener and
// transport settings only apply on restart.
type configWatcher struct {
	path     string
	target   reloadTarget
	logger   pslog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	level    string
}

// newConfigWatcher watches the directory holding path so that editors that
// replace the file by rename are noticed too.
func newConfigWatcher(path string, target reloadTarget, logger pslog.Logger) (*configWatcher, error) {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config directory %q: %w", filepath.Dir(path), err)
	}
	return &configWatcher{
		path:     path,
		target:   target,
		logger:   loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "cli.config.watch"),
		watcher:  watcher,
		debounce: configReloadDebounce,
		level:    strings.TrimSpace(viper.GetString("log-level")),
	}, nil
}

func (w *configWatcher) run(ctx context.Context) {
	defer w.watcher.Close()
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config.watch.error", "error", err)
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *configWatcher) reload() {
	viper.SetConfigFile(w.path)
	if err := viper.ReadInConfig(); err != nil {
		w.logger.Warn("config.reload.read_failed", "path", w.path, "error", err)
		return
	}
	var cfg netlock.Config
	if err := bindConfig(&cfg); err != nil {
		w.logger.Warn("config.reload.invalid", "path", w.path, "error", err)
		return
	}
	if err := w.target.SetResourceDefaults(cfg); err != nil {
		w.logger.Warn("config.reload.defaults_failed", "error", err)
		return
	}
	if level := strings.TrimSpace(viper.GetString("log-level")); level != "" && level != w.level {
		if err := w.target.SetLogLevel(level); err != nil {
			w.logger.Warn("config.reload.log_level_failed", "level", level, "error", err)
		} else {
			w.level = level
		}
	}
	w.logger.Info("config.reload.applied", "path", w.path)
}
