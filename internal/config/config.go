// Package config loads and hot-reloads the task engine's JSON configuration
// file, adapted from the host repository's infrastructure config loader.
// A subset of fields (scheduler capacity, discovery interval, auto-discovery,
// task retention) may change live via fsnotify; fields that affect already
// established connections (database, HTTP listen address) only take effect
// on the next process start and are logged as a warning if they change
// while the process is running.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/omnios-bhyve/taskengine/internal/logging"
)

// DatabaseConfig configures the Task Store's PostgreSQL connection.
type DatabaseConfig struct {
	ConnectionString string `json:"connection_string"`
	MaxConnections    int32  `json:"max_connections"`
	MigrationsPath    string `json:"migrations_path"`
}

// SchedulerConfig configures the scheduler's capacity and discovery cadence.
type SchedulerConfig struct {
	MaxConcurrentTasks int  `json:"max_concurrent_tasks"`
	DiscoveryInterval  int  `json:"discovery_interval"`
	AutoDiscovery      bool `json:"auto_discovery"`
}

// RetentionConfig configures terminal-task cleanup.
type RetentionConfig struct {
	TaskDays int `json:"tasks"`
}

// DownloadConfig configures the artifact download coordinator.
type DownloadConfig struct {
	TimeoutSeconds        int `json:"timeout_seconds"`
	ProgressUpdateSeconds int `json:"progress_update_seconds"`
}

// ScanningConfig configures the artifact scan coordinator.
type ScanningConfig struct {
	SupportedExtensions map[string][]string `json:"supported_extensions"`
}

// HTTPConfig configures the read/cancel HTTP control surface.
type HTTPConfig struct {
	ListenAddress         string `json:"listen_address"`
	DefaultPaginationLimit int   `json:"default_pagination_limit"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Config is the root configuration tree.
type Config struct {
	Database  DatabaseConfig  `json:"database"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Retention RetentionConfig `json:"retention"`
	Download  DownloadConfig  `json:"download"`
	Scanning  ScanningConfig  `json:"scanning"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
}

// Default returns the documented defaults from spec §6.
func Default() Config {
	return Config{
		Database: DatabaseConfig{MaxConnections: 10, MigrationsPath: "file://migrations"},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: 5,
			DiscoveryInterval:  300,
			AutoDiscovery:      true,
		},
		Retention: RetentionConfig{TaskDays: 30},
		Download:  DownloadConfig{TimeoutSeconds: 60, ProgressUpdateSeconds: 10},
		Scanning:  ScanningConfig{SupportedExtensions: map[string][]string{}},
		HTTP:      HTTPConfig{ListenAddress: ":8080", DefaultPaginationLimit: 50},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path, overlaying it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher holds the live-reloadable configuration and watches its source
// file for changes via fsnotify, applying hot-reloadable fields in place
// and logging a warning when a restart-only field changed instead.
type Watcher struct {
	mu     sync.RWMutex
	cfg    Config
	path   string
	logger *logging.Logger
}

// NewWatcher loads path and returns a Watcher holding it. File watching
// starts only when Watch is called and ends when its stop channel closes.
func NewWatcher(path string, logger *logging.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{cfg: cfg, path: path, logger: logger}, nil
}

// Current returns a snapshot of the live configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Watch blocks, applying config file changes until ctx-equivalent stop is
// requested by closing stop. Safe to run in its own goroutine.
func (w *Watcher) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return fmt.Errorf("watch config %s: %w", w.path, err)
	}

	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warnf("config reload failed, keeping previous configuration: %v", err)
		return
	}

	w.mu.Lock()
	prev := w.cfg
	restartOnlyChanged := prev.Database != next.Database || prev.HTTP != next.HTTP
	w.cfg.Scheduler = next.Scheduler
	w.cfg.Retention = next.Retention
	w.cfg.Download = next.Download
	w.cfg.Scanning = next.Scanning
	w.mu.Unlock()

	if restartOnlyChanged {
		w.logger.Warnf("database/http configuration changed on disk but requires a restart to take effect")
	}
	w.logger.Infof("configuration reloaded: max_concurrent_tasks=%d discovery_interval=%ds auto_discovery=%v retention_days=%d",
		next.Scheduler.MaxConcurrentTasks, next.Scheduler.DiscoveryInterval, next.Scheduler.AutoDiscovery, next.Retention.TaskDays)
}
