// manager.go: plugin lifecycle manager and orchestrator
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agilira/go-timecache"
)

// Manager drives the full plugin lifecycle: discovery of plugin constructors
// from loaded artifacts, dependency-ordered initialization, service
// registration into the shared container, coordinated concurrent start/stop
// of threaded plugins, and message dispatch through the event registry.
//
// Lifecycle per plugin: Discovered -> MetadataRead -> Resolved ->
// Instantiated -> Initialized -> ServicesRegistered -> [if threaded:
// Stopped <-> Running] -> process exit. Failure states (load, resolution,
// initialization) are absorbing within one LoadPlugins call; no retry is
// attempted.
//
// Example usage:
//
//	manager := pluginhost.NewManager(logger,
//	    pluginhost.WithWorkRoot("/var/lib/myhost/plugins"),
//	    pluginhost.WithHostServices(hostServices),
//	)
//
//	if err := manager.LoadPlugins(ctx, paths, false); err != nil {
//	    log.Fatal(err)
//	}
//	if err := manager.RegisterAllPluginServices(); err != nil {
//	    log.Fatal(err)
//	}
//	manager.StartAllPlugins(ctx)
//	defer manager.StopAllPlugins(context.Background())
//
//	// Feed inbound messages from whatever source the host consumes.
//	manager.DispatchMessage(ctx, msg)
type Manager struct {
	logger       Logger
	loader       ModuleLoader
	registry     *EventRegistry
	shared       *SharedServiceContainer
	hostServices *ServiceProvider
	config       *HostConfig
	workRoot     string

	mu     sync.RWMutex
	loaded map[string]*LoadedPlugin // key: lower-cased name
	order  []string                 // lower-cased names in load order

	shutdown atomic.Bool
	metrics  managerMetrics
}

type managerMetrics struct {
	pluginsLoaded      atomic.Int64
	loadFailures       atomic.Int64
	resolutionFailures atomic.Int64
	initFailures       atomic.Int64
	startFailures      atomic.Int64
	stopFailures       atomic.Int64
}

// ManagerMetrics is a point-in-time snapshot of manager activity.
type ManagerMetrics struct {
	PluginsLoaded      int64 `json:"plugins_loaded"`
	LoadFailures       int64 `json:"load_failures"`
	ResolutionFailures int64 `json:"resolution_failures"`
	InitFailures       int64 `json:"init_failures"`
	StartFailures      int64 `json:"start_failures"`
	StopFailures       int64 `json:"stop_failures"`
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithModuleLoader replaces the artifact loading machinery. The default is
// SharedObjectLoader; tests substitute in-memory loaders.
func WithModuleLoader(loader ModuleLoader) ManagerOption {
	return func(m *Manager) { m.loader = loader }
}

// WithHostConfig sets the host configuration exposed to plugins through
// their BootstrapContext.
func WithHostConfig(config *HostConfig) ManagerOption {
	return func(m *Manager) { m.config = config }
}

// WithHostServices sets the host's core service provider handed to plugins.
func WithHostServices(services *ServiceProvider) ManagerOption {
	return func(m *Manager) { m.hostServices = services }
}

// WithWorkRoot sets the root directory under which per-plugin working
// directories are provisioned.
func WithWorkRoot(root string) ManagerOption {
	return func(m *Manager) { m.workRoot = root }
}

// NewManager creates a plugin manager with its own event registry and
// shared service container.
//
// Parameters:
//   - logger: a Logger implementation or nil for silent operation
//   - opts: optional configuration (module loader, work root, host services)
func NewManager(logger any, opts ...ManagerOption) *Manager {
	internalLogger := NewLogger(logger)

	m := &Manager{
		logger:   internalLogger,
		loader:   SharedObjectLoader{},
		registry: NewEventRegistry(internalLogger),
		shared:   NewSharedServiceContainer(internalLogger),
		loaded:   make(map[string]*LoadedPlugin),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.workRoot == "" && m.config != nil && m.config.WorkDir != "" {
		m.workRoot = m.config.WorkDir
	}
	if m.workRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			m.workRoot = wd
		} else {
			m.workRoot = "."
		}
	}

	return m
}

// Events returns the manager's shared event registry.
func (m *Manager) Events() *EventRegistry {
	return m.registry
}

// SharedServices returns the manager's shared service container.
func (m *Manager) SharedServices() *SharedServiceContainer {
	return m.shared
}

// LoadPlugins discovers, resolves and initializes the plugins at the given
// artifact paths as one batch.
//
// Blank or nonexistent paths are skipped with a logged warning. Artifacts
// without the well-known constructor symbol are skipped silently. Under
// strict=true any per-artifact load failure, duplicate name, or dependency
// resolution failure aborts the whole call with an error identifying the
// offending artifact or dependency; under strict=false such plugins are
// skipped with a logged error and the rest of the batch proceeds.
//
// Initialization failures are always logged-and-skipped, even in strict
// mode; this asymmetry is inherited deliberately (see DESIGN.md).
//
// Plugins initialize strictly in dependency-resolved order on the calling
// goroutine, so a plugin may assume its dependencies are initialized. No
// such ordering holds for StartAllPlugins.
func (m *Manager) LoadPlugins(ctx context.Context, artifactPaths []string, strict bool) error {
	if m.shutdown.Load() {
		return NewHostShutdownError()
	}

	descriptors, err := m.discoverBatch(artifactPaths, strict)
	if err != nil {
		return err
	}

	ordered, failures := resolveLoadOrder(descriptors)
	if len(failures) > 0 {
		m.metrics.resolutionFailures.Add(int64(len(failures)))
		if strict {
			return firstResolutionFailure(descriptors, failures)
		}
		for name, resolveErr := range failures {
			m.logger.Error("Plugin failed dependency resolution, skipping",
				"plugin", name,
				"error", resolveErr)
		}
	}

	for _, desc := range ordered {
		m.initializePlugin(ctx, desc)
	}

	return nil
}

// discoverBatch scans the artifact paths and produces one descriptor per
// usable plugin candidate.
func (m *Manager) discoverBatch(artifactPaths []string, strict bool) ([]*PluginDescriptor, error) {
	descriptors := make([]*PluginDescriptor, 0, len(artifactPaths))
	seen := make(map[string]bool)

	for _, path := range artifactPaths {
		if strings.TrimSpace(path) == "" {
			m.logger.Warn("Skipping blank plugin artifact path")
			continue
		}
		if _, err := os.Stat(path); err != nil {
			m.logger.Warn("Skipping nonexistent plugin artifact", "artifact", path)
			continue
		}

		desc, err := m.discoverArtifact(path)
		if err != nil {
			if HasErrorCode(err, ErrCodeConstructorAbsent) {
				// Not a plugin artifact; skip without noise.
				m.logger.Debug("Artifact exposes no plugin constructor, skipping", "artifact", path)
				continue
			}
			m.metrics.loadFailures.Add(1)
			if strict {
				return nil, err
			}
			m.logger.Error("Failed to load plugin artifact, skipping", "artifact", path, "error", err)
			continue
		}

		key := strings.ToLower(desc.Name)
		if seen[key] || m.isLoaded(key) {
			dupErr := NewDuplicatePluginError(desc.Name)
			m.metrics.loadFailures.Add(1)
			if strict {
				return nil, dupErr
			}
			m.logger.Error("Duplicate plugin name, skipping", "plugin", desc.Name, "artifact", path)
			continue
		}
		seen[key] = true
		descriptors = append(descriptors, desc)
	}

	return descriptors, nil
}

// discoverArtifact creates the isolation context for one artifact, resolves
// its constructor, and reads metadata from a throwaway instance. The
// metadata instance is discarded; a fresh instance is constructed later for
// initialization, so metadata accessors must be side-effect-free.
func (m *Manager) discoverArtifact(path string) (desc *PluginDescriptor, err error) {
	isolation, err := NewIsolationContext(path, m.loader, m.logger)
	if err != nil {
		return nil, err
	}

	construct, err := isolation.LookupConstructor()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			desc = nil
			err = NewLoadFailureError(path, fmt.Errorf("plugin construction panicked: %v", r))
		}
	}()

	meta := construct()
	if meta == nil {
		return nil, NewLoadFailureError(path, nil)
	}

	desc = &PluginDescriptor{
		Name:         meta.Name(),
		Version:      meta.Version(),
		Description:  meta.Description(),
		Author:       meta.Author(),
		Dependencies: meta.Dependencies(),
		ArtifactPath: path,
		isolation:    isolation,
		construct:    construct,
	}

	for field, value := range map[string]string{
		"name":    desc.Name,
		"version": desc.Version,
		"author":  desc.Author,
	} {
		if strings.TrimSpace(value) == "" {
			return nil, NewInvalidMetadataError(path, field)
		}
	}

	m.logger.Debug("Plugin candidate discovered",
		"plugin", desc.Name,
		"version", desc.Version,
		"artifact", path)

	return desc, nil
}

// initializePlugin constructs a fresh instance, builds its bootstrap
// context, and runs Initialize. Failures are logged and the plugin is
// skipped; they never abort the batch.
func (m *Manager) initializePlugin(ctx context.Context, desc *PluginDescriptor) {
	instance, err := constructPlugin(desc)
	if err != nil {
		m.metrics.initFailures.Add(1)
		m.logger.Error("Plugin construction failed, skipping plugin",
			"plugin", desc.Name,
			"error", err)
		return
	}

	workDir := filepath.Join(m.workRoot, desc.Name)
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		m.metrics.initFailures.Add(1)
		m.logger.Error("Failed to provision plugin working directory, skipping plugin",
			"plugin", desc.Name,
			"work_dir", workDir,
			"error", err)
		return
	}

	bootstrap := &BootstrapContext{
		config:       m.config,
		logger:       m.logger.With("plugin", desc.Name),
		hostServices: m.hostServices,
		workDir:      workDir,
		namespace:    desc.Name,
		events:       m.registry,
		shared:       m.shared,
	}

	if err := callInitialize(ctx, instance, bootstrap); err != nil {
		m.metrics.initFailures.Add(1)
		m.logger.Error("Plugin initialization failed, skipping plugin",
			"plugin", desc.Name,
			"error", err)
		return
	}

	threaded, _ := instance.(ThreadedPlugin)

	record := &LoadedPlugin{
		Instance:   instance,
		Threaded:   threaded,
		Descriptor: *desc,
		WorkDir:    workDir,
		LoadedAt:   timecache.CachedTime(),
	}

	key := strings.ToLower(desc.Name)
	m.mu.Lock()
	m.loaded[key] = record
	m.order = append(m.order, key)
	m.mu.Unlock()

	m.metrics.pluginsLoaded.Add(1)
	m.logger.Info("Plugin loaded",
		"plugin", desc.Name,
		"version", desc.Version,
		"threaded", threaded != nil)
}

// constructPlugin invokes the plugin constructor for the initialization-time
// instance with the same containment as the discovery-time call: a
// constructor that panics or returns nil on this second invocation degrades
// to a logged skip instead of crashing the batch.
func constructPlugin(desc *PluginDescriptor) (instance Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			instance = nil
			err = NewInitializationFailureError(desc.Name, fmt.Errorf("plugin construction panicked: %v", r))
		}
	}()
	instance = desc.construct()
	if instance == nil {
		return nil, NewInitializationFailureError(desc.Name, fmt.Errorf("plugin constructor returned nil"))
	}
	return instance, nil
}

// callInitialize invokes Initialize with panic containment so a panicking
// plugin degrades to a logged initialization failure.
func callInitialize(ctx context.Context, instance Plugin, bootstrap *BootstrapContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewInitializationFailureError(instance.Name(), fmt.Errorf("panic: %v", r))
		}
	}()
	if initErr := instance.Initialize(ctx, bootstrap); initErr != nil {
		return NewInitializationFailureError(instance.Name(), initErr)
	}
	return nil
}

// firstResolutionFailure picks the failure to surface in strict mode: the
// one belonging to the earliest failing descriptor in input order, so the
// reported error is deterministic.
func firstResolutionFailure(descriptors []*PluginDescriptor, failures map[string]error) error {
	for _, desc := range descriptors {
		if err, ok := failures[desc.Name]; ok {
			return err
		}
	}
	// Unreachable with a consistent resolver; fall back to any failure.
	for _, err := range failures {
		return err
	}
	return nil
}

// RegisterAllPluginServices calls RegisterServices on every loaded plugin
// against the shared service collection, then triggers exactly one rebuild.
// A per-plugin registration error is logged and does not block the others.
// Safe to call with zero loaded plugins (no-op rebuild).
func (m *Manager) RegisterAllPluginServices() error {
	plugins := m.loadedInOrder()

	return m.shared.RegisterServicesAndRebuild(func(services *ServiceCollection) error {
		for _, record := range plugins {
			if err := record.Instance.RegisterServices(services); err != nil {
				m.logger.Error("Plugin service registration failed",
					"plugin", record.Descriptor.Name,
					"error", err)
			}
		}
		return nil
	})
}

// StartAllPlugins starts every loaded threaded plugin concurrently and
// waits for all start attempts to finish. A per-plugin start failure is
// caught and logged naming the plugin; it never cancels or fails sibling
// starts, and is not returned to the caller. The cancellation context is
// forwarded verbatim to each plugin; the manager imposes no timeout.
func (m *Manager) StartAllPlugins(ctx context.Context) {
	threaded := m.threadedPlugins()
	if len(threaded) == 0 {
		m.logger.Info("No threaded plugins to start")
		return
	}

	var wg sync.WaitGroup
	for _, record := range threaded {
		wg.Add(1)
		go func(record *LoadedPlugin) {
			defer wg.Done()
			defer withStackRecover(m.logger.With("plugin", record.Descriptor.Name))()
			m.startOne(ctx, record)
		}(record)
	}
	wg.Wait()
}

// StopAllPlugins stops every loaded threaded plugin concurrently and waits
// for all stop attempts to finish, with the same per-plugin failure
// isolation as StartAllPlugins.
func (m *Manager) StopAllPlugins(ctx context.Context) {
	threaded := m.threadedPlugins()
	if len(threaded) == 0 {
		m.logger.Info("No threaded plugins to stop")
		return
	}

	var wg sync.WaitGroup
	for _, record := range threaded {
		wg.Add(1)
		go func(record *LoadedPlugin) {
			defer wg.Done()
			defer withStackRecover(m.logger.With("plugin", record.Descriptor.Name))()
			m.stopOne(ctx, record)
		}(record)
	}
	wg.Wait()
}

// StartPlugin starts one threaded plugin and waits for its start attempt.
// Returns an error only when the plugin is unknown or not threaded; a start
// failure from the plugin itself is logged, not returned.
func (m *Manager) StartPlugin(ctx context.Context, name string) error {
	record, err := m.threadedPlugin(name)
	if err != nil {
		return err
	}
	m.startOne(ctx, record)
	return nil
}

// StopPlugin stops one threaded plugin with the same contract as
// StartPlugin.
func (m *Manager) StopPlugin(ctx context.Context, name string) error {
	record, err := m.threadedPlugin(name)
	if err != nil {
		return err
	}
	m.stopOne(ctx, record)
	return nil
}

func (m *Manager) startOne(ctx context.Context, record *LoadedPlugin) {
	name := record.Descriptor.Name
	if err := record.Threaded.Start(ctx); err != nil {
		m.metrics.startFailures.Add(1)
		m.logger.Error("Plugin start failed", "plugin", name, "error", err)
		return
	}
	m.setRunning(record, true)
	m.logger.Info("Plugin started", "plugin", name)
}

func (m *Manager) stopOne(ctx context.Context, record *LoadedPlugin) {
	name := record.Descriptor.Name
	err := record.Threaded.Stop(ctx)
	// The plugin is considered stopped even when Stop errors: its state is
	// unknown and no retry is attempted.
	m.setRunning(record, false)
	if err != nil {
		m.metrics.stopFailures.Add(1)
		m.logger.Error("Plugin stop failed", "plugin", name, "error", err)
		return
	}
	m.logger.Info("Plugin stopped", "plugin", name)
}

// DispatchMessage hands an inbound message to the event registry for
// predicate-filtered delivery to all matching subscriptions.
func (m *Manager) DispatchMessage(ctx context.Context, message any) {
	m.registry.Dispatch(ctx, message)
}

// LoadedPlugins returns inspection snapshots of the loaded set in load
// order.
func (m *Manager) LoadedPlugins() []PluginInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]PluginInfo, 0, len(m.order))
	for _, key := range m.order {
		record := m.loaded[key]
		infos = append(infos, PluginInfo{
			Name:         record.Descriptor.Name,
			Version:      record.Descriptor.Version,
			Description:  record.Descriptor.Description,
			Author:       record.Descriptor.Author,
			Dependencies: record.Descriptor.Dependencies,
			ArtifactPath: record.Descriptor.ArtifactPath,
			Threaded:     record.Threaded != nil,
			State:        recordState(record),
			LoadedAt:     record.LoadedAt,
		})
	}
	return infos
}

// PluginStates returns each loaded plugin's lifecycle state by name.
func (m *Manager) PluginStates() map[string]PluginState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]PluginState, len(m.loaded))
	for _, record := range m.loaded {
		states[record.Descriptor.Name] = recordState(record)
	}
	return states
}

func recordState(record *LoadedPlugin) PluginState {
	switch {
	case record.Threaded == nil:
		return PluginStateInitialized
	case record.running:
		return PluginStateRunning
	default:
		return PluginStateStopped
	}
}

// Metrics returns a snapshot of manager activity counters.
func (m *Manager) Metrics() ManagerMetrics {
	return ManagerMetrics{
		PluginsLoaded:      m.metrics.pluginsLoaded.Load(),
		LoadFailures:       m.metrics.loadFailures.Load(),
		ResolutionFailures: m.metrics.resolutionFailures.Load(),
		InitFailures:       m.metrics.initFailures.Load(),
		StartFailures:      m.metrics.startFailures.Load(),
		StopFailures:       m.metrics.stopFailures.Load(),
	}
}

// Shutdown stops all threaded plugins and disposes the shared service
// container. Further LoadPlugins calls fail with a shutdown error. Loaded
// isolation contexts persist until process exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	m.StopAllPlugins(ctx)

	if err := m.shared.Close(); err != nil {
		return err
	}

	m.logger.Info("Plugin host shut down")
	return nil
}

// threadedPlugins returns the loaded plugins exposing the threaded
// capability, in load order. The capability probe happened once at load
// time; this only reads the cached handle.
func (m *Manager) threadedPlugins() []*LoadedPlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var threaded []*LoadedPlugin
	for _, key := range m.order {
		if record := m.loaded[key]; record.Threaded != nil {
			threaded = append(threaded, record)
		}
	}
	return threaded
}

// threadedPlugin looks up one loaded plugin and checks the cached
// capability probe.
func (m *Manager) threadedPlugin(name string) (*LoadedPlugin, error) {
	m.mu.RLock()
	record, ok := m.loaded[strings.ToLower(name)]
	m.mu.RUnlock()

	if !ok {
		return nil, NewPluginNotFoundError(name)
	}
	if record.Threaded == nil {
		m.logger.Warn("Plugin is not threaded", "plugin", record.Descriptor.Name)
		return nil, NewPluginNotThreadedError(record.Descriptor.Name)
	}
	return record, nil
}

// loadedInOrder returns the loaded records in load order.
func (m *Manager) loadedInOrder() []*LoadedPlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*LoadedPlugin, 0, len(m.order))
	for _, key := range m.order {
		records = append(records, m.loaded[key])
	}
	return records
}

// isLoaded reports whether a plugin with the given lower-cased name key is
// already in the loaded set.
func (m *Manager) isLoaded(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.loaded[key]
	return ok
}

// setRunning updates a threaded plugin's running flag under the manager
// lock.
func (m *Manager) setRunning(record *LoadedPlugin, running bool) {
	m.mu.Lock()
	record.running = running
	m.mu.Unlock()
}
