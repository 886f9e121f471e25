// Package config loads the daemon's configuration: defaults, an
// optional TOML file, and NOTIFYSYNC_ environment overrides, in that
// order. The file can be watched so a notify-host edit takes effect
// without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

type Config struct {
	Listen   string `koanf:"listen"`
	StateDSN string `koanf:"state_dsn"`

	Daemon struct {
		URL   string `koanf:"url"`
		Token string `koanf:"token"`
	} `koanf:"daemon"`

	Notify struct {
		Host          string        `koanf:"host"`
		PollInterval  time.Duration `koanf:"poll_interval"`
		SyncDebounce  time.Duration `koanf:"sync_debounce"`
		SweepInterval time.Duration `koanf:"sweep_interval"`
	} `koanf:"notify"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen":                "127.0.0.1:7611",
		"state_dsn":             defaultStateDSN(),
		"daemon.url":            "http://127.0.0.1:56001",
		"daemon.token":          "",
		"notify.host":           "",
		"notify.poll_interval":  "5s",
		"notify.sync_debounce":  "1s",
		"notify.sweep_interval": "30s",
	}
}

// envKeys maps NOTIFYSYNC_-suffixed environment variable names to
// their koanf keys.
var envKeys = map[string]string{
	"LISTEN":                "listen",
	"STATE_DSN":             "state_dsn",
	"DAEMON_URL":            "daemon.url",
	"DAEMON_TOKEN":          "daemon.token",
	"NOTIFY_HOST":           "notify.host",
	"NOTIFY_POLL_INTERVAL":  "notify.poll_interval",
	"NOTIFY_SYNC_DEBOUNCE":  "notify.sync_debounce",
	"NOTIFY_SWEEP_INTERVAL": "notify.sweep_interval",
}

func defaultStateDSN() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "file://notifysync-state"
	}
	return "file://" + filepath.Join(home, ".notifysync", "state")
}

// Load reads configuration from defaults, then the TOML file at
// configPath (skipped when the path is empty or absent), then
// NOTIFYSYNC_ env vars (NOTIFYSYNC_NOTIFY_HOST overrides notify.host).
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider("NOTIFYSYNC_", ".", func(s string) string {
		// Keys themselves contain underscores (state_dsn,
		// notify.poll_interval), so a blind underscore-to-dot
		// rewrite maps the env names to keys that don't exist.
		// Returning "" skips env vars with no known key.
		return envKeys[strings.TrimPrefix(s, "NOTIFYSYNC_")]
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Watch reloads the config file on change and calls onReload with the
// fresh config. Editors replace files rather than write in place, so
// the parent directory is watched and events are filtered by name.
func Watch(configPath string, log zerolog.Logger, onReload func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(configPath)

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(configPath)
				if err != nil {
					log.Warn().Err(err).Str("path", configPath).Msg("config reload failed")
					continue
				}
				log.Info().Str("path", configPath).Msg("config reloaded")
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return watcher, nil
}
