// isolation.go: per-artifact isolated module loading
//
// Each plugin artifact gets its own isolation context so plugins with
// conflicting private dependency closures do not collide, while still
// sharing the host runtime and the plugin SDK's own types (capability
// interfaces must match across the boundary).
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"os"
	"path/filepath"
	goplugin "plugin"
	"strings"

	"gopkg.in/yaml.v3"
)

// Module is a loaded plugin artifact. Lookup resolves an exported symbol by
// name, mirroring the standard plugin package's surface so tests can
// substitute in-memory modules.
type Module interface {
	// Lookup returns the exported symbol with the given name.
	Lookup(symbol string) (any, error)
}

// ModuleLoader opens plugin artifacts. The production implementation is
// SharedObjectLoader; tests provide fakes keyed by path so the manager's
// lifecycle logic is exercised without compiling shared objects.
type ModuleLoader interface {
	// Load opens the artifact at path and returns its module handle.
	Load(path string) (Module, error)
}

// SharedObjectLoader loads artifacts built with -buildmode=plugin through
// the standard runtime plugin machinery.
type SharedObjectLoader struct{}

// Load implements ModuleLoader.
func (SharedObjectLoader) Load(path string) (Module, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, NewLoadFailureError(path, err)
	}
	return sharedObjectModule{p: p}, nil
}

type sharedObjectModule struct {
	p *goplugin.Plugin
}

func (m sharedObjectModule) Lookup(symbol string) (any, error) {
	sym, err := m.p.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return any(sym), nil
}

// DependencyManifest declares a plugin artifact's private library closure.
//
// The manifest lives next to the artifact as "<artifact-stem>.manifest.yaml"
// and lists libraries the plugin resolves privately. Paths are relative to
// the artifact's own directory. Libraries not listed here deliberately fall
// through to host-provided resolution so shared framework assemblies are not
// duplicated per plugin.
type DependencyManifest struct {
	Libraries []ManifestLibrary `yaml:"libraries"`
}

// ManifestLibrary is one entry in a dependency manifest.
type ManifestLibrary struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// IsolationContext is the isolated module-loading scope for one plugin
// artifact. It owns the loaded module handle; handles are released only at
// process exit (explicit unload is not implemented in v1, so memory grows
// with plugin count over a long-running process).
type IsolationContext struct {
	artifactPath string
	baseDir      string
	manifest     *DependencyManifest
	loader       ModuleLoader
	module       Module
	logger       Logger
}

// NewIsolationContext creates an isolation context for the artifact at
// artifactPath. The sidecar dependency manifest is read if present; a
// missing manifest is normal and means every library resolves through the
// host. A malformed manifest is a load failure naming the artifact.
func NewIsolationContext(artifactPath string, loader ModuleLoader, logger Logger) (*IsolationContext, error) {
	if loader == nil {
		loader = SharedObjectLoader{}
	}

	ic := &IsolationContext{
		artifactPath: artifactPath,
		baseDir:      filepath.Dir(artifactPath),
		loader:       loader,
		logger:       logger,
	}

	manifestPath := manifestPathFor(artifactPath)
	data, err := os.ReadFile(manifestPath) //nolint:gosec // path derives from the caller-supplied artifact path
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, NewLoadFailureError(artifactPath, err)
		}
		return ic, nil
	}

	var manifest DependencyManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, NewLoadFailureError(artifactPath, err)
	}
	ic.manifest = &manifest

	logger.Debug("Dependency manifest loaded",
		"artifact", artifactPath,
		"libraries", len(manifest.Libraries))

	return ic, nil
}

// manifestPathFor derives the sidecar manifest path from an artifact path:
// "plugins/audit.so" -> "plugins/audit.manifest.yaml".
func manifestPathFor(artifactPath string) string {
	stem := strings.TrimSuffix(artifactPath, filepath.Ext(artifactPath))
	return stem + ".manifest.yaml"
}

// ArtifactPath returns the path of the artifact this context isolates.
func (ic *IsolationContext) ArtifactPath() string {
	return ic.artifactPath
}

// LoadEntryArtifact loads the artifact and returns its module handle.
// The module is loaded at most once per context; subsequent calls return
// the cached handle.
func (ic *IsolationContext) LoadEntryArtifact() (Module, error) {
	if ic.module != nil {
		return ic.module, nil
	}

	module, err := ic.loader.Load(ic.artifactPath)
	if err != nil {
		return nil, NewLoadFailureError(ic.artifactPath, err)
	}

	ic.module = module
	return module, nil
}

// ResolveLibrary resolves a requested dependent library against the
// artifact's own dependency manifest. Returns the library's absolute path
// and true when the manifest declares it; otherwise returns "" and false,
// signalling that resolution falls through to the host.
func (ic *IsolationContext) ResolveLibrary(name string) (string, bool) {
	if ic.manifest == nil {
		return "", false
	}

	for _, lib := range ic.manifest.Libraries {
		if strings.EqualFold(lib.Name, name) {
			if filepath.IsAbs(lib.Path) {
				return lib.Path, true
			}
			return filepath.Join(ic.baseDir, lib.Path), true
		}
	}

	return "", false
}

// LookupConstructor loads the entry artifact and resolves the well-known
// plugin constructor symbol. Returns a ConstructorAbsent error when the
// artifact exports no usable constructor; the manager skips such artifacts
// silently per the artifact contract.
func (ic *IsolationContext) LookupConstructor() (PluginConstructor, error) {
	module, err := ic.LoadEntryArtifact()
	if err != nil {
		return nil, err
	}

	sym, err := module.Lookup(ConstructorSymbol)
	if err != nil {
		return nil, NewConstructorAbsentError(ic.artifactPath, ConstructorSymbol)
	}

	// Function declarations surface as the function value; exported
	// variables surface as a pointer to it.
	switch fn := sym.(type) {
	case func() Plugin:
		return PluginConstructor(fn), nil
	case PluginConstructor:
		return fn, nil
	case *PluginConstructor:
		return *fn, nil
	case *func() Plugin:
		return PluginConstructor(*fn), nil
	default:
		return nil, NewConstructorAbsentError(ic.artifactPath, ConstructorSymbol)
	}
}
