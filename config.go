// config.go: host configuration loading and hot reload with Argus integration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// HostConfig is the plugin host's own configuration: which artifacts to
// load, how strictly to treat load failures, and where plugin working
// directories live. Settings carries free-form host settings that plugins
// read through their BootstrapContext.
type HostConfig struct {
	// PluginPaths lists the plugin artifact paths to load.
	PluginPaths []string `json:"plugin_paths" yaml:"plugin_paths"`

	// WorkDir is the root under which per-plugin working directories are
	// provisioned. Defaults to the process working directory when empty.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// Strict controls whether discovery and resolution failures abort a
	// whole LoadPlugins batch or downgrade to per-plugin skip-with-log.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`

	// Settings holds free-form host settings exposed to plugins.
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Setting returns a free-form setting value, or nil when absent.
func (hc *HostConfig) Setting(key string) any {
	if hc == nil || hc.Settings == nil {
		return nil
	}
	return hc.Settings[key]
}

// LoadHostConfig reads and parses a host configuration file.
//
// The format is detected from the file extension via Argus; YAML is parsed
// directly, every other supported format goes through the Argus universal
// parser.
func LoadHostConfig(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // config path is caller-supplied by design
	if err != nil {
		return nil, NewConfigNotFoundError(path, err)
	}

	var config HostConfig
	format := argus.DetectFormat(path)
	switch format {
	case argus.FormatYAML:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, NewConfigParseError(path, err)
		}
	default:
		configMap, err := argus.ParseConfig(data, format)
		if err != nil {
			return nil, NewConfigParseError(path, err)
		}
		applyConfigMap(&config, configMap)
	}

	return &config, nil
}

// applyConfigMap converts the Argus universal parser output into a typed
// host configuration.
func applyConfigMap(config *HostConfig, configMap map[string]any) {
	if paths, ok := configMap["plugin_paths"].([]any); ok {
		for _, p := range paths {
			if s, ok := p.(string); ok {
				config.PluginPaths = append(config.PluginPaths, s)
			}
		}
	}
	if workDir, ok := configMap["work_dir"].(string); ok {
		config.WorkDir = workDir
	}
	if strict, ok := configMap["strict"].(bool); ok {
		config.Strict = strict
	}
	if settings, ok := configMap["settings"].(map[string]any); ok {
		config.Settings = settings
	}
}

// HostConfigWatcherOptions tunes the hot-reload watcher.
type HostConfigWatcherOptions struct {
	// PollInterval is how often Argus polls the config file for changes.
	PollInterval time.Duration
}

// DefaultHostConfigWatcherOptions provides reasonable defaults.
func DefaultHostConfigWatcherOptions() HostConfigWatcherOptions {
	return HostConfigWatcherOptions{
		PollInterval: 2 * time.Second,
	}
}

// HostConfigWatcher hot-reloads the host configuration file and loads any
// plugin artifacts newly listed in it, without restarting the host.
//
// Only additions take effect: artifacts removed from the file stay loaded,
// because isolation contexts are never unloaded within a process lifetime.
type HostConfigWatcher struct {
	manager *Manager
	path    string
	options HostConfigWatcherOptions
	logger  Logger

	watcher  *argus.Watcher
	current  atomic.Pointer[HostConfig]
	running  atomic.Bool
	stopOnce sync.Once
}

// NewHostConfigWatcher creates a watcher bound to a manager and a config
// file path.
func NewHostConfigWatcher(manager *Manager, path string, options HostConfigWatcherOptions, logger any) *HostConfigWatcher {
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultHostConfigWatcherOptions().PollInterval
	}
	return &HostConfigWatcher{
		manager: manager,
		path:    path,
		options: options,
		logger:  NewLogger(logger),
	}
}

// Start loads the configuration once, begins watching the file, and returns.
// Change events are handled on the Argus watcher's goroutine.
func (w *HostConfigWatcher) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return NewConfigWatchError(w.path, nil)
	}

	initial, err := LoadHostConfig(w.path)
	if err != nil {
		w.running.Store(false)
		return err
	}
	w.current.Store(initial)

	watcher := argus.New(argus.Config{
		PollInterval:         w.options.PollInterval,
		MaxWatchedFiles:      1,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			w.logger.Error("Argus file watching error", "error", err, "file", filepath)
		},
	})
	w.watcher = watcher

	if err := watcher.Watch(w.path, w.handleConfigChange); err != nil {
		w.running.Store(false)
		return NewConfigWatchError(w.path, err)
	}
	if err := watcher.Start(); err != nil {
		w.running.Store(false)
		return NewConfigWatchError(w.path, err)
	}

	w.logger.Info("Host configuration watcher started",
		"config_path", w.path,
		"poll_interval", w.options.PollInterval)

	return nil
}

// Current returns the most recently loaded configuration.
func (w *HostConfigWatcher) Current() *HostConfig {
	return w.current.Load()
}

// handleConfigChange reloads the config and loads newly listed artifacts.
func (w *HostConfigWatcher) handleConfigChange(event argus.ChangeEvent) {
	if event.IsDelete {
		w.logger.Warn("Host configuration file was deleted, keeping last known config",
			"path", event.Path)
		return
	}

	next, err := LoadHostConfig(w.path)
	if err != nil {
		w.logger.Error("Failed to reload host configuration",
			"path", w.path,
			"error", err)
		return
	}

	previous := w.current.Swap(next)

	added := newPaths(previous, next)
	if len(added) == 0 {
		w.logger.Debug("Host configuration changed, no new plugin paths", "path", w.path)
		return
	}

	w.logger.Info("Host configuration changed, loading new plugin artifacts",
		"path", w.path,
		"new_artifacts", len(added))

	if err := w.manager.LoadPlugins(context.Background(), added, next.Strict); err != nil {
		w.logger.Error("Failed to load plugins from reloaded configuration",
			"path", w.path,
			"error", err)
	}
}

// newPaths returns the plugin paths present in next but not in previous.
func newPaths(previous, next *HostConfig) []string {
	known := make(map[string]bool)
	if previous != nil {
		for _, p := range previous.PluginPaths {
			known[p] = true
		}
	}

	var added []string
	for _, p := range next.PluginPaths {
		if !known[p] {
			added = append(added, p)
		}
	}
	return added
}

// Stop halts the watcher. The stop is permanent; a stopped watcher cannot
// be restarted.
func (w *HostConfigWatcher) Stop() error {
	var stopErr error
	w.stopOnce.Do(func() {
		if !w.running.CompareAndSwap(true, false) {
			return
		}
		if w.watcher != nil {
			if err := w.watcher.Stop(); err != nil {
				stopErr = NewConfigWatchError(w.path, err)
				return
			}
		}
		w.logger.Info("Host configuration watcher stopped", "config_path", w.path)
	})
	return stopErr
}
