// Package pluginhost provides an in-process plugin host for Go applications.
// It discovers plugin constructors in loaded artifacts, resolves declared
// dependencies into a deterministic initialization order, coordinates the
// concurrent start and stop of long-running plugins, and wires plugins
// together through a shared event registry and a rebuildable service
// container.
//
// Key Features:
//   - Well-known constructor symbol discovery (one plugin per artifact)
//   - Per-artifact isolation contexts with sidecar dependency manifests
//   - Dependency-ordered initialization with cycle and version checking
//   - Strict and lenient batch loading modes
//   - Concurrent start/stop of threaded plugins with per-plugin failure isolation
//   - Namespaced, predicate-filtered message dispatch
//   - Shared service container with snapshot semantics and disposal
//   - Host configuration hot reload via Argus
//
// Basic Usage:
//
//	manager := pluginhost.NewManager(logger,
//	    pluginhost.WithWorkRoot("/var/lib/myhost/plugins"),
//	)
//
//	// Load a batch of plugin artifacts (lenient mode)
//	err := manager.LoadPlugins(ctx, []string{"plugins/audit.so", "plugins/billing.so"}, false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Publish plugin services, then start background work
//	if err := manager.RegisterAllPluginServices(); err != nil {
//	    log.Fatal(err)
//	}
//	manager.StartAllPlugins(ctx)
//	defer manager.StopAllPlugins(context.Background())
//
//	// Route inbound messages through the registry
//	manager.DispatchMessage(ctx, msg)
//
// Failure Isolation:
// One plugin's failure never takes down its siblings. Load and resolution
// failures are scoped per plugin (lenient mode) or abort the batch naming the
// offender (strict mode); initialization failures are always logged and
// skipped; start, stop, predicate and handler failures, including panics, are
// caught and logged without affecting other plugins or subscriptions.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package pluginhost
