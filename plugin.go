// plugin.go: core plugin capability interfaces and descriptor types
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"time"
)

// ConstructorSymbol is the well-known exported symbol every plugin artifact
// must expose. The symbol must be a function (or function variable) of type
// func() Plugin. The host looks it up after loading the artifact instead of
// scanning the module for candidate types, so an artifact contributes
// zero-or-one plugins by construction.
const ConstructorSymbol = "NewPlugin"

// PluginConstructor creates a fresh plugin instance.
//
// The host calls the constructor twice per loaded artifact: once to read
// metadata (that instance is discarded) and once in dependency-resolved order
// to produce the instance that is actually initialized. Metadata accessors
// must therefore be side-effect-free and must not depend on construction
// order or external state.
type PluginConstructor func() Plugin

// Plugin is the capability set every plugin must implement.
//
// Name, Version, Description and Author are static metadata; Name must be
// unique (case-insensitively) within a load batch. Dependencies declares the
// plugin's requirements as a map from required-plugin-name to the list of
// version constraints that must ALL hold (see Satisfies for the constraint
// grammar). Initialize is called exactly once, in dependency order, with the
// plugin's BootstrapContext; RegisterServices is called afterwards against
// the shared service collection.
type Plugin interface {
	// Name returns the unique plugin name.
	Name() string

	// Version returns the plugin version string.
	Version() string

	// Description returns a human-readable description.
	Description() string

	// Author returns the plugin author.
	Author() string

	// Dependencies maps required plugin names to version constraint lists.
	// All constraints for a dependency must be satisfied (AND semantics).
	Dependencies() map[string][]string

	// Initialize is called once after all of the plugin's dependencies have
	// been initialized. The bootstrap context is immutable and remains valid
	// for the plugin's lifetime. Initialize may perform asynchronous I/O and
	// should honor ctx for cancellation.
	Initialize(ctx context.Context, bootstrap *BootstrapContext) error

	// RegisterServices registers the plugin's services into the shared
	// collection. Called for every loaded plugin before the single container
	// rebuild that publishes the batch.
	RegisterServices(services *ServiceCollection) error
}

// ThreadedPlugin is the optional capability for plugins with long-running
// background work. The host probes for it once at load time via type
// assertion and caches the narrowed handle; plugins that do not implement it
// are simply never started or stopped.
//
// Start and Stop run concurrently across plugins with no ordering guarantee:
// a threaded plugin must not assume its dependencies are already started
// when its own Start runs. The cancellation context is forwarded verbatim
// from the host caller; the host imposes no timeout of its own.
type ThreadedPlugin interface {
	Plugin

	// Start begins the plugin's background work and returns when the work
	// is running (or failed to start).
	Start(ctx context.Context) error

	// Stop halts the plugin's background work and returns when it has
	// wound down.
	Stop(ctx context.Context) error
}

// PluginDescriptor holds the metadata read from a discovered plugin
// candidate. Descriptors are transient: they exist from the discovery scan
// until the batch's dependency resolution completes, after which successful
// candidates are promoted into LoadedPlugin records.
type PluginDescriptor struct {
	Name         string
	Version      string
	Description  string
	Author       string
	Dependencies map[string][]string
	ArtifactPath string

	isolation *IsolationContext
	construct PluginConstructor
}

// PluginState describes where a loaded plugin is in its lifecycle.
type PluginState string

const (
	// PluginStateInitialized indicates the plugin initialized successfully
	// and is part of the loaded set.
	PluginStateInitialized PluginState = "initialized"
	// PluginStateRunning indicates a threaded plugin whose Start completed
	// without error and which has not been stopped since.
	PluginStateRunning PluginState = "running"
	// PluginStateStopped indicates a threaded plugin that is loaded but not
	// currently running.
	PluginStateStopped PluginState = "stopped"
)

// LoadedPlugin is the record the manager retains for every successfully
// initialized plugin. The record owns the plugin instance and its isolation
// context; both persist for the process lifetime (isolation contexts are
// never unloaded in v1).
type LoadedPlugin struct {
	// Instance is the initialized plugin.
	Instance Plugin

	// Threaded is the cached result of the capability probe performed at
	// load time; nil when the plugin has no background work.
	Threaded ThreadedPlugin

	// Descriptor is the metadata the plugin was loaded under.
	Descriptor PluginDescriptor

	// WorkDir is the plugin's private working directory.
	WorkDir string

	// LoadedAt records when initialization completed.
	LoadedAt time.Time

	running bool
}

// PluginInfo is a read-only snapshot of a loaded plugin for inspection APIs.
type PluginInfo struct {
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Description  string              `json:"description,omitempty"`
	Author       string              `json:"author,omitempty"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
	ArtifactPath string              `json:"artifact_path"`
	Threaded     bool                `json:"threaded"`
	State        PluginState         `json:"state"`
	LoadedAt     time.Time           `json:"loaded_at"`
}
