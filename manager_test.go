// manager_test.go: plugin lifecycle manager tests
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
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_LoadSinglePlugin(t *testing.T) {
	manager, loader, _ := newTestManager(t)
	dir := t.TempDir()

	plugin := newTestPlugin("audit", "1.2.0")
	artifact := writeArtifact(t, dir, "audit.so")
	loader.addPlugin(artifact, plugin)

	require.NoError(t, manager.LoadPlugins(context.Background(), []string{artifact}, true))

	assert.True(t, plugin.wasInitialized())

	infos := manager.LoadedPlugins()
	require.Len(t, infos, 1)
	assert.Equal(t, "audit", infos[0].Name)
	assert.Equal(t, "1.2.0", infos[0].Version)
	assert.Equal(t, artifact, infos[0].ArtifactPath)
	assert.False(t, infos[0].Threaded)
	assert.Equal(t, PluginStateInitialized, infos[0].State)
	assert.False(t, infos[0].LoadedAt.IsZero())

	assert.Equal(t, int64(1), manager.Metrics().PluginsLoaded)
}

func TestManager_BootstrapContextContents(t *testing.T) {
	loader := newFakeLoader()
	workRoot := t.TempDir()
	config := &HostConfig{Settings: map[string]any{"region": "eu-west-1"}}
	hostServices := &ServiceProvider{services: map[string]any{"clock": "host-clock"}}

	manager := NewManager(NewTestLogger(),
		WithModuleLoader(loader),
		WithWorkRoot(workRoot),
		WithHostConfig(config),
		WithHostServices(hostServices),
	)

	plugin := newTestPlugin("audit", "1.0.0")
	artifact := writeArtifact(t, t.TempDir(), "audit.so")
	loader.addPlugin(artifact, plugin)

	require.NoError(t, manager.LoadPlugins(context.Background(), []string{artifact}, true))

	bootstrap := plugin.bootstrapContext()
	require.NotNil(t, bootstrap)

	assert.Equal(t, "eu-west-1", bootstrap.Config().Setting("region"))
	assert.Equal(t, "audit", bootstrap.Namespace())
	assert.Same(t, manager.Events(), bootstrap.Events())
	assert.Same(t, manager.SharedServices(), bootstrap.SharedServices())
	assert.NotNil(t, bootstrap.Logger())

	clock, ok := bootstrap.HostServices().Get("clock")
	require.True(t, ok)
	assert.Equal(t, "host-clock", clock)

	// The working directory is provisioned under the work root before
	// Initialize runs.
	assert.Equal(t, filepath.Join(workRoot, "audit"), bootstrap.WorkDir())
	info, err := os.Stat(bootstrap.WorkDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestManager_SkipsNonPluginArtifacts(t *testing.T) {
	manager, loader, logger := newTestManager(t)
	dir := t.TempDir()

	bare := writeArtifact(t, dir, "library.so")
	loader.addModule(bare, map[string]any{"SomeOtherSymbol": 1})

	plugin := newTestPlugin("audit", "1.0.0")
	artifact := writeArtifact(t, dir, "audit.so")
	loader.addPlugin(artifact, plugin)

	// Constructor-less artifacts are skipped silently even in strict mode.
	require.NoError(t, manager.LoadPlugins(context.Background(), []string{bare, artifact}, true))

	require.Len(t, manager.LoadedPlugins(), 1)
	assert.True(t, logger.HasMessage("DEBUG", "Artifact exposes no plugin constructor, skipping"))
}

func TestManager_SkipsBlankAndMissingPaths(t *testing.T) {
	manager, _, logger := newTestManager(t)

	err := manager.LoadPlugins(context.Background(),
		[]string{"", "   ", filepath.Join(t.TempDir(), "ghost.so")}, true)
	require.NoError(t, err)

	assert.Empty(t, manager.LoadedPlugins())
	assert.True(t, logger.HasMessage("WARN", "Skipping blank plugin artifact path"))
	assert.True(t, logger.HasMessage("WARN", "Skipping nonexistent plugin artifact"))
}

func TestManager_LoadFailureStrictness(t *testing.T) {
	newFixtures := func(t *testing.T) (*Manager, []string, *testPlugin) {
		manager, loader, _ := newTestManager(t)
		dir := t.TempDir()

		broken := writeArtifact(t, dir, "broken.so")
		loader.errors[broken] = fmt.Errorf("corrupted artifact")

		healthy := newTestPlugin("healthy", "1.0.0")
		artifact := writeArtifact(t, dir, "healthy.so")
		loader.addPlugin(artifact, healthy)

		return manager, []string{broken, artifact}, healthy
	}

	t.Run("strict aborts the batch", func(t *testing.T) {
		manager, paths, healthy := newFixtures(t)

		err := manager.LoadPlugins(context.Background(), paths, true)
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeLoadFailure))
		assert.False(t, healthy.wasInitialized())
		assert.Empty(t, manager.LoadedPlugins())
	})

	t.Run("lenient skips and continues", func(t *testing.T) {
		manager, paths, healthy := newFixtures(t)

		require.NoError(t, manager.LoadPlugins(context.Background(), paths, false))
		assert.True(t, healthy.wasInitialized())
		require.Len(t, manager.LoadedPlugins(), 1)
		assert.Equal(t, int64(1), manager.Metrics().LoadFailures)
	})
}

func TestManager_DuplicateNamesCaseInsensitive(t *testing.T) {
	t.Run("within one batch", func(t *testing.T) {
		manager, loader, _ := newTestManager(t)
		dir := t.TempDir()

		first := writeArtifact(t, dir, "first.so")
		second := writeArtifact(t, dir, "second.so")
		loader.addPlugin(first, newTestPlugin("Audit", "1.0.0"))
		loader.addPlugin(second, newTestPlugin("AUDIT", "2.0.0"))

		err := manager.LoadPlugins(context.Background(), []string{first, second}, true)
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeDuplicatePlugin))
	})

	t.Run("across batches in lenient mode", func(t *testing.T) {
		manager, loader, logger := newTestManager(t)
		dir := t.TempDir()

		first := writeArtifact(t, dir, "first.so")
		second := writeArtifact(t, dir, "second.so")
		loader.addPlugin(first, newTestPlugin("Audit", "1.0.0"))
		loader.addPlugin(second, newTestPlugin("audit", "2.0.0"))

		require.NoError(t, manager.LoadPlugins(context.Background(), []string{first}, false))
		require.NoError(t, manager.LoadPlugins(context.Background(), []string{second}, false))

		infos := manager.LoadedPlugins()
		require.Len(t, infos, 1)
		assert.Equal(t, "1.0.0", infos[0].Version, "the first loaded plugin wins")
		assert.True(t, logger.HasMessage("ERROR", "Duplicate plugin name, skipping"))
	})
}

func TestManager_InvalidMetadataRejected(t *testing.T) {
	manager, loader, _ := newTestManager(t)

	nameless := newTestPlugin("", "1.0.0")
	artifact := writeArtifact(t, t.TempDir(), "nameless.so")
	loader.addPlugin(artifact, nameless)

	err := manager.LoadPlugins(context.Background(), []string{artifact}, true)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeInvalidMetadata))
}

func TestManager_InitializationInDependencyOrder(t *testing.T) {
	manager, loader, _ := newTestManager(t)
	dir := t.TempDir()

	var mu sync.Mutex
	var initOrder []string
	trace := func(p *testPlugin) *testPlugin {
		p.initialize = func(ctx context.Context, bootstrap *BootstrapContext) error {
			mu.Lock()
			initOrder = append(initOrder, p.name)
			mu.Unlock()
			return nil
		}
		return p
	}

	// Declared in reverse dependency order on purpose.
	consumer := trace(newTestPlugin("consumer", "1.0.0").withDependency("provider", ">=1.0.0"))
	provider := trace(newTestPlugin("provider", "1.5.0"))

	consumerArtifact := writeArtifact(t, dir, "consumer.so")
	providerArtifact := writeArtifact(t, dir, "provider.so")
	loader.addPlugin(consumerArtifact, consumer)
	loader.addPlugin(providerArtifact, provider)

	require.NoError(t, manager.LoadPlugins(context.Background(),
		[]string{consumerArtifact, providerArtifact}, true))

	assert.Equal(t, []string{"provider", "consumer"}, initOrder)
}

func TestManager_ResolutionFailureStrictness(t *testing.T) {
	newFixtures := func(t *testing.T) (*Manager, []string, *testPlugin) {
		manager, loader, _ := newTestManager(t)
		dir := t.TempDir()

		orphan := newTestPlugin("orphan", "1.0.0").withDependency("ghost")
		solo := newTestPlugin("solo", "1.0.0")

		orphanArtifact := writeArtifact(t, dir, "orphan.so")
		soloArtifact := writeArtifact(t, dir, "solo.so")
		loader.addPlugin(orphanArtifact, orphan)
		loader.addPlugin(soloArtifact, solo)

		return manager, []string{orphanArtifact, soloArtifact}, solo
	}

	t.Run("strict aborts naming the missing dependency", func(t *testing.T) {
		manager, paths, solo := newFixtures(t)

		err := manager.LoadPlugins(context.Background(), paths, true)
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeMissingDependency))
		assert.False(t, solo.wasInitialized())
	})

	t.Run("lenient loads the independent plugin", func(t *testing.T) {
		manager, paths, solo := newFixtures(t)

		require.NoError(t, manager.LoadPlugins(context.Background(), paths, false))
		assert.True(t, solo.wasInitialized())
		require.Len(t, manager.LoadedPlugins(), 1)
		assert.Equal(t, int64(1), manager.Metrics().ResolutionFailures)
	})
}

func TestManager_InitializationFailureAlwaysSkips(t *testing.T) {
	for _, strict := range []bool{true, false} {
		t.Run(fmt.Sprintf("strict=%v", strict), func(t *testing.T) {
			manager, loader, logger := newTestManager(t)
			dir := t.TempDir()

			failing := newTestPlugin("failing", "1.0.0")
			failing.initialize = func(ctx context.Context, bootstrap *BootstrapContext) error {
				return fmt.Errorf("init exploded")
			}
			healthy := newTestPlugin("healthy", "1.0.0")

			failingArtifact := writeArtifact(t, dir, "failing.so")
			healthyArtifact := writeArtifact(t, dir, "healthy.so")
			loader.addPlugin(failingArtifact, failing)
			loader.addPlugin(healthyArtifact, healthy)

			// Even in strict mode an initialization failure only skips the
			// plugin; the batch still succeeds.
			require.NoError(t, manager.LoadPlugins(context.Background(),
				[]string{failingArtifact, healthyArtifact}, strict))

			infos := manager.LoadedPlugins()
			require.Len(t, infos, 1)
			assert.Equal(t, "healthy", infos[0].Name)
			assert.True(t, logger.HasMessage("ERROR", "Plugin initialization failed, skipping plugin"))
			assert.Equal(t, int64(1), manager.Metrics().InitFailures)
		})
	}
}

func TestManager_InitializationPanicContained(t *testing.T) {
	manager, loader, logger := newTestManager(t)

	panicking := newTestPlugin("panicking", "1.0.0")
	panicking.initialize = func(ctx context.Context, bootstrap *BootstrapContext) error {
		panic("init panicked")
	}
	artifact := writeArtifact(t, t.TempDir(), "panicking.so")
	loader.addPlugin(artifact, panicking)

	require.NoError(t, manager.LoadPlugins(context.Background(), []string{artifact}, true))

	assert.Empty(t, manager.LoadedPlugins())
	assert.True(t, logger.HasMessage("ERROR", "Plugin initialization failed, skipping plugin"))
}

func TestManager_ConstructionFailureOnInitInstanceContained(t *testing.T) {
	// The constructor runs twice per artifact: once for metadata, once for
	// the instance that is initialized. A constructor that misbehaves only
	// on the second call must degrade to a logged skip, not a crash.
	newFlakyConstructor := func(second func() Plugin) func() Plugin {
		var calls atomic.Int64
		meta := newTestPlugin("flaky", "1.0.0")
		return func() Plugin {
			if calls.Add(1) > 1 {
				return second()
			}
			return meta
		}
	}

	for _, tt := range []struct {
		name   string
		second func() Plugin
	}{
		{"panics on initialization call", func() Plugin { panic("second construction failed") }},
		{"returns nil on initialization call", func() Plugin { return nil }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			manager, loader, logger := newTestManager(t)
			dir := t.TempDir()

			flakyArtifact := writeArtifact(t, dir, "flaky.so")
			loader.addModule(flakyArtifact, map[string]any{
				ConstructorSymbol: newFlakyConstructor(tt.second),
			})

			healthy := newTestPlugin("healthy", "1.0.0")
			healthyArtifact := writeArtifact(t, dir, "healthy.so")
			loader.addPlugin(healthyArtifact, healthy)

			// Initialization-time failures never abort the batch, even in
			// strict mode.
			require.NoError(t, manager.LoadPlugins(context.Background(),
				[]string{flakyArtifact, healthyArtifact}, true))

			infos := manager.LoadedPlugins()
			require.Len(t, infos, 1)
			assert.Equal(t, "healthy", infos[0].Name)
			assert.True(t, healthy.wasInitialized())
			assert.True(t, logger.HasMessage("ERROR", "Plugin construction failed, skipping plugin"))
			assert.Equal(t, int64(1), manager.Metrics().InitFailures)
		})
	}
}

func TestManager_RegisterAllPluginServices(t *testing.T) {
	manager, loader, logger := newTestManager(t)
	dir := t.TempDir()

	good := newTestPlugin("good", "1.0.0")
	good.register = func(services *ServiceCollection) error {
		services.AddInstance("good.store", "store")
		return nil
	}
	bad := newTestPlugin("bad", "1.0.0")
	bad.register = func(services *ServiceCollection) error {
		return fmt.Errorf("registration exploded")
	}

	goodArtifact := writeArtifact(t, dir, "good.so")
	badArtifact := writeArtifact(t, dir, "bad.so")
	loader.addPlugin(goodArtifact, good)
	loader.addPlugin(badArtifact, bad)

	require.NoError(t, manager.LoadPlugins(context.Background(),
		[]string{goodArtifact, badArtifact}, true))
	require.NoError(t, manager.RegisterAllPluginServices())

	provider, err := manager.SharedServices().Provider()
	require.NoError(t, err)
	store, err := ResolveService[string](provider, "good.store")
	require.NoError(t, err)
	assert.Equal(t, "store", store)

	assert.True(t, logger.HasMessage("ERROR", "Plugin service registration failed"),
		"one plugin's registration failure must not block its siblings")
}

func TestManager_RegisterWithNoPluginsIsNoOp(t *testing.T) {
	manager, _, _ := newTestManager(t)

	require.NoError(t, manager.RegisterAllPluginServices())

	provider, err := manager.SharedServices().Provider()
	require.NoError(t, err)
	assert.Empty(t, provider.Keys())
}

func TestManager_StartAndStopAllPlugins(t *testing.T) {
	manager, loader, logger := newTestManager(t)
	dir := t.TempDir()

	var started, stopped atomic.Int64

	newWorker := func(name string, startErr error) *threadedTestPlugin {
		worker := newThreadedTestPlugin(name, "1.0.0")
		worker.start = func(ctx context.Context) error {
			if startErr != nil {
				return startErr
			}
			started.Add(1)
			return nil
		}
		worker.stop = func(ctx context.Context) error {
			stopped.Add(1)
			return nil
		}
		return worker
	}

	alpha := newWorker("alpha", nil)
	bravo := newWorker("bravo", fmt.Errorf("start exploded"))
	charlie := newWorker("charlie", nil)
	plain := newTestPlugin("plain", "1.0.0")

	paths := make([]string, 0, 4)
	for name, plugin := range map[string]Plugin{
		"alpha": alpha, "bravo": bravo, "charlie": charlie, "plain": plain,
	} {
		artifact := writeArtifact(t, dir, name+".so")
		loader.addPlugin(artifact, plugin)
		paths = append(paths, artifact)
	}

	require.NoError(t, manager.LoadPlugins(context.Background(), paths, true))

	manager.StartAllPlugins(context.Background())

	assert.Equal(t, int64(2), started.Load(), "a failing sibling must not block other starts")
	assert.True(t, logger.HasMessage("ERROR", "Plugin start failed"))
	assert.Equal(t, int64(1), manager.Metrics().StartFailures)

	states := manager.PluginStates()
	assert.Equal(t, PluginStateRunning, states["alpha"])
	assert.Equal(t, PluginStateStopped, states["bravo"], "a failed start leaves the plugin stopped")
	assert.Equal(t, PluginStateRunning, states["charlie"])
	assert.Equal(t, PluginStateInitialized, states["plain"], "non-threaded plugins are never started")

	manager.StopAllPlugins(context.Background())

	assert.Equal(t, int64(3), stopped.Load())
	assert.Equal(t, PluginStateStopped, manager.PluginStates()["alpha"])
}

func TestManager_StartAllWithNoThreadedPlugins(t *testing.T) {
	manager, loader, logger := newTestManager(t)

	artifact := writeArtifact(t, t.TempDir(), "plain.so")
	loader.addPlugin(artifact, newTestPlugin("plain", "1.0.0"))
	require.NoError(t, manager.LoadPlugins(context.Background(), []string{artifact}, true))

	manager.StartAllPlugins(context.Background())
	assert.True(t, logger.HasMessage("INFO", "No threaded plugins to start"))
}

func TestManager_StartPanicContained(t *testing.T) {
	manager, loader, logger := newTestManager(t)

	worker := newThreadedTestPlugin("panicking", "1.0.0")
	worker.start = func(ctx context.Context) error { panic("start panicked") }

	artifact := writeArtifact(t, t.TempDir(), "panicking.so")
	loader.addPlugin(artifact, worker)
	require.NoError(t, manager.LoadPlugins(context.Background(), []string{artifact}, true))

	manager.StartAllPlugins(context.Background())

	assert.True(t, logger.HasMessage("ERROR", "Panic recovered in goroutine"))
	assert.Equal(t, PluginStateStopped, manager.PluginStates()["panicking"])
}

func TestManager_StartStopSinglePlugin(t *testing.T) {
	manager, loader, _ := newTestManager(t)
	dir := t.TempDir()

	worker := newThreadedTestPlugin("worker", "1.0.0")
	plain := newTestPlugin("plain", "1.0.0")

	workerArtifact := writeArtifact(t, dir, "worker.so")
	plainArtifact := writeArtifact(t, dir, "plain.so")
	loader.addPlugin(workerArtifact, worker)
	loader.addPlugin(plainArtifact, plain)

	require.NoError(t, manager.LoadPlugins(context.Background(),
		[]string{workerArtifact, plainArtifact}, true))

	require.NoError(t, manager.StartPlugin(context.Background(), "worker"))
	assert.Equal(t, PluginStateRunning, manager.PluginStates()["worker"])

	// Lookup is case-insensitive.
	require.NoError(t, manager.StopPlugin(context.Background(), "WORKER"))
	assert.Equal(t, PluginStateStopped, manager.PluginStates()["worker"])

	err := manager.StartPlugin(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodePluginNotFound))

	err = manager.StartPlugin(context.Background(), "plain")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodePluginNotThreaded))
}

func TestManager_DispatchEndToEnd(t *testing.T) {
	manager, loader, _ := newTestManager(t)

	var received []any
	var mu sync.Mutex

	subscriber := newTestPlugin("subscriber", "1.0.0")
	subscriber.initialize = func(ctx context.Context, bootstrap *BootstrapContext) error {
		return bootstrap.Events().Subscribe(bootstrap.Namespace(), "onOrder",
			func(ctx context.Context, message any) (bool, error) {
				order, ok := message.(string)
				return ok && order != "ignored", nil
			},
			func(ctx context.Context, message any) error {
				mu.Lock()
				received = append(received, message)
				mu.Unlock()
				return nil
			})
	}

	artifact := writeArtifact(t, t.TempDir(), "subscriber.so")
	loader.addPlugin(artifact, subscriber)
	require.NoError(t, manager.LoadPlugins(context.Background(), []string{artifact}, true))

	manager.DispatchMessage(context.Background(), "order-1")
	manager.DispatchMessage(context.Background(), "ignored")
	manager.DispatchMessage(context.Background(), "order-2")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"order-1", "order-2"}, received)
}

func TestManager_SharedServicesDuringInitialize(t *testing.T) {
	manager, loader, _ := newTestManager(t)
	dir := t.TempDir()

	var mu sync.Mutex
	var initOrder []string

	provider := newTestPlugin("provider", "1.0.0")
	provider.initialize = func(ctx context.Context, bootstrap *BootstrapContext) error {
		mu.Lock()
		initOrder = append(initOrder, "provider")
		mu.Unlock()
		return bootstrap.SharedServices().AddInstance("provider.cache", "warm")
	}

	consumer := newTestPlugin("consumer", "1.0.0").withDependency("provider")
	consumer.initialize = func(ctx context.Context, bootstrap *BootstrapContext) error {
		mu.Lock()
		initOrder = append(initOrder, "consumer")
		mu.Unlock()

		// Dependencies initialize first, so their incremental registrations
		// are visible here.
		snapshot, err := bootstrap.SharedServices().Provider()
		if err != nil {
			return err
		}
		cache, err := ResolveService[string](snapshot, "provider.cache")
		if err != nil {
			return err
		}
		if cache != "warm" {
			return fmt.Errorf("unexpected cache state %q", cache)
		}
		return nil
	}

	providerArtifact := writeArtifact(t, dir, "provider.so")
	consumerArtifact := writeArtifact(t, dir, "consumer.so")
	loader.addPlugin(providerArtifact, provider)
	loader.addPlugin(consumerArtifact, consumer)

	require.NoError(t, manager.LoadPlugins(context.Background(),
		[]string{consumerArtifact, providerArtifact}, true))

	assert.Equal(t, []string{"provider", "consumer"}, initOrder)
	require.Len(t, manager.LoadedPlugins(), 2, "both plugins must survive initialization")
}

func TestManager_Shutdown(t *testing.T) {
	manager, loader, _ := newTestManager(t)

	var stopped atomic.Bool
	worker := newThreadedTestPlugin("worker", "1.0.0")
	worker.stop = func(ctx context.Context) error {
		stopped.Store(true)
		return nil
	}

	artifact := writeArtifact(t, t.TempDir(), "worker.so")
	loader.addPlugin(artifact, worker)
	require.NoError(t, manager.LoadPlugins(context.Background(), []string{artifact}, true))
	manager.StartAllPlugins(context.Background())

	require.NoError(t, manager.Shutdown(context.Background()))

	assert.True(t, stopped.Load())

	_, err := manager.SharedServices().Provider()
	assert.True(t, HasErrorCode(err, ErrCodeContainerDisposed))

	err = manager.LoadPlugins(context.Background(), []string{artifact}, false)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeHostShutdown))

	// Shutdown is idempotent.
	require.NoError(t, manager.Shutdown(context.Background()))
}
