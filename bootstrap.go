// bootstrap.go: the per-plugin bootstrap context handed to Initialize
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

// BootstrapContext bundles everything a plugin receives from the host.
//
// The manager builds one context per plugin and hands it to Initialize
// exactly once. The context is immutable after construction; all fields are
// reached through accessors. The registry and shared-container handles are
// optional and nil when the host runs without them.
type BootstrapContext struct {
	config       *HostConfig
	logger       Logger
	hostServices *ServiceProvider
	workDir      string
	namespace    string
	events       *EventRegistry
	shared       *SharedServiceContainer
}

// Config returns the host configuration visible to plugins.
func (bc *BootstrapContext) Config() *HostConfig {
	return bc.config
}

// Logger returns the plugin-scoped logger.
func (bc *BootstrapContext) Logger() Logger {
	return bc.logger
}

// HostServices returns the host's core service provider.
func (bc *BootstrapContext) HostServices() *ServiceProvider {
	return bc.hostServices
}

// WorkDir returns the plugin's private working directory, derived from its
// artifact location and provisioned by the manager before Initialize.
func (bc *BootstrapContext) WorkDir() string {
	return bc.workDir
}

// Namespace returns the plugin's identity token for the event registry.
// Plugins must pass it on every registry call; there is no ambient caller
// identity.
func (bc *BootstrapContext) Namespace() string {
	return bc.namespace
}

// Events returns the shared event registry, or nil when the host runs
// without message dispatch.
func (bc *BootstrapContext) Events() *EventRegistry {
	return bc.events
}

// SharedServices returns the shared service container for incremental
// registration during Initialize, or nil when the host withholds it.
func (bc *BootstrapContext) SharedServices() *SharedServiceContainer {
	return bc.shared
}
