// testing_helpers_test.go: shared fakes and fixtures for the test suite
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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeModule is an in-memory module exposing a fixed symbol table.
type fakeModule struct {
	symbols map[string]any
}

func (m fakeModule) Lookup(symbol string) (any, error) {
	if sym, ok := m.symbols[symbol]; ok {
		return sym, nil
	}
	return nil, fmt.Errorf("symbol %q not found", symbol)
}

// fakeLoader serves in-memory modules keyed by artifact path, so manager
// lifecycle tests run without compiling shared objects.
type fakeLoader struct {
	mu      sync.Mutex
	modules map[string]Module
	errors  map[string]error
	loads   map[string]int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		modules: make(map[string]Module),
		errors:  make(map[string]error),
		loads:   make(map[string]int),
	}
}

func (l *fakeLoader) Load(path string) (Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.loads[path]++
	if err, ok := l.errors[path]; ok {
		return nil, err
	}
	if module, ok := l.modules[path]; ok {
		return module, nil
	}
	return nil, fmt.Errorf("no artifact at %q", path)
}

func (l *fakeLoader) loadCount(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[path]
}

// addPlugin maps an artifact path to a module whose constructor symbol
// returns the given plugin instance on every call.
func (l *fakeLoader) addPlugin(path string, instance Plugin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules[path] = fakeModule{symbols: map[string]any{
		ConstructorSymbol: func() Plugin { return instance },
	}}
}

// addModule maps an artifact path to an arbitrary symbol table.
func (l *fakeLoader) addModule(path string, symbols map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules[path] = fakeModule{symbols: symbols}
}

// testPlugin is a configurable plugin fixture. The zero hooks make it a
// well-behaved plugin; tests override initialize/register/start/stop to
// inject behavior.
type testPlugin struct {
	name         string
	version      string
	dependencies map[string][]string

	initialize func(ctx context.Context, bootstrap *BootstrapContext) error
	register   func(services *ServiceCollection) error

	mu          sync.Mutex
	initialized bool
	bootstrap   *BootstrapContext
}

func newTestPlugin(name, version string) *testPlugin {
	return &testPlugin{name: name, version: version}
}

func (p *testPlugin) withDependency(name string, constraints ...string) *testPlugin {
	if p.dependencies == nil {
		p.dependencies = make(map[string][]string)
	}
	p.dependencies[name] = constraints
	return p
}

func (p *testPlugin) Name() string                      { return p.name }
func (p *testPlugin) Version() string                   { return p.version }
func (p *testPlugin) Description() string               { return "test plugin " + p.name }
func (p *testPlugin) Author() string                    { return "pluginhost tests" }
func (p *testPlugin) Dependencies() map[string][]string { return p.dependencies }

func (p *testPlugin) Initialize(ctx context.Context, bootstrap *BootstrapContext) error {
	p.mu.Lock()
	p.initialized = true
	p.bootstrap = bootstrap
	p.mu.Unlock()

	if p.initialize != nil {
		return p.initialize(ctx, bootstrap)
	}
	return nil
}

func (p *testPlugin) RegisterServices(services *ServiceCollection) error {
	if p.register != nil {
		return p.register(services)
	}
	return nil
}

func (p *testPlugin) wasInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

func (p *testPlugin) bootstrapContext() *BootstrapContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bootstrap
}

// threadedTestPlugin adds the threaded capability on top of testPlugin.
type threadedTestPlugin struct {
	testPlugin

	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func newThreadedTestPlugin(name, version string) *threadedTestPlugin {
	return &threadedTestPlugin{testPlugin: testPlugin{name: name, version: version}}
}

func (p *threadedTestPlugin) Start(ctx context.Context) error {
	if p.start != nil {
		return p.start(ctx)
	}
	return nil
}

func (p *threadedTestPlugin) Stop(ctx context.Context) error {
	if p.stop != nil {
		return p.stop(ctx)
	}
	return nil
}

// writeArtifact creates a placeholder artifact file so the manager's
// existence check passes; the fake loader supplies the module for its path.
func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("artifact"), 0o600))
	return path
}

// newTestManager builds a manager wired to a fresh fake loader, a capturing
// logger, and a temporary work root.
func newTestManager(t *testing.T) (*Manager, *fakeLoader, *TestLogger) {
	t.Helper()
	loader := newFakeLoader()
	logger := NewTestLogger()
	manager := NewManager(logger,
		WithModuleLoader(loader),
		WithWorkRoot(t.TempDir()),
	)
	return manager, loader, logger
}

// descriptorFixture builds a bare descriptor for resolver tests.
func descriptorFixture(name, version string, dependencies map[string][]string) *PluginDescriptor {
	return &PluginDescriptor{
		Name:         name,
		Version:      version,
		Author:       "pluginhost tests",
		Dependencies: dependencies,
		ArtifactPath: "plugins/" + name + ".so",
	}
}
