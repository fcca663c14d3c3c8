// container.go: shared, rebuildable service container for host and plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"io"
	"sort"
	"sync"
)

// ServiceConstructor builds a service instance. The provider passed in is
// the snapshot under construction, so constructors may resolve services
// registered earlier in the collection.
type ServiceConstructor func(provider *ServiceProvider) (any, error)

// ServiceDescriptor is one entry in a service collection: either a
// ready-made instance or a constructor evaluated at build time.
type ServiceDescriptor struct {
	Key         string
	Instance    any
	Constructor ServiceConstructor
}

// ServiceCollection is the mutable registration surface handed to plugins'
// RegisterServices calls. Registrations are ordered; a later registration
// under an existing key overrides the earlier one at build time.
type ServiceCollection struct {
	mu          sync.Mutex
	descriptors []ServiceDescriptor
}

// NewServiceCollection creates an empty service collection.
func NewServiceCollection() *ServiceCollection {
	return &ServiceCollection{}
}

// AddInstance registers a ready-made service instance under key. Instances
// are caller-owned: the container never closes them on rebuild.
func (sc *ServiceCollection) AddInstance(key string, instance any) *ServiceCollection {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.descriptors = append(sc.descriptors, ServiceDescriptor{Key: key, Instance: instance})
	return sc
}

// AddConstructor registers a constructor evaluated on every container
// rebuild. Constructor-produced values implementing io.Closer belong to the
// snapshot that built them and are closed when that snapshot is invalidated.
func (sc *ServiceCollection) AddConstructor(key string, constructor ServiceConstructor) *ServiceCollection {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.descriptors = append(sc.descriptors, ServiceDescriptor{Key: key, Constructor: constructor})
	return sc
}

// Len returns the number of registrations in the collection.
func (sc *ServiceCollection) Len() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.descriptors)
}

// snapshot copies the registration list for a build pass.
func (sc *ServiceCollection) snapshot() []ServiceDescriptor {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]ServiceDescriptor, len(sc.descriptors))
	copy(out, sc.descriptors)
	return out
}

// ServiceProvider is an immutable built snapshot of a service collection.
// Once published it is safe for unsynchronized concurrent reads.
type ServiceProvider struct {
	services map[string]any
	owned    []io.Closer // constructor-produced closers, disposed with the snapshot
}

// Get returns the service registered under key.
func (sp *ServiceProvider) Get(key string) (any, bool) {
	svc, ok := sp.services[key]
	return svc, ok
}

// Has reports whether a service is registered under key.
func (sp *ServiceProvider) Has(key string) bool {
	_, ok := sp.services[key]
	return ok
}

// Keys returns all registered service keys, sorted alphabetically.
func (sp *ServiceProvider) Keys() []string {
	keys := make([]string, 0, len(sp.services))
	for k := range sp.services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// dispose closes every constructor-produced service owned by this snapshot.
func (sp *ServiceProvider) dispose(logger Logger) {
	for _, closer := range sp.owned {
		if err := closer.Close(); err != nil {
			logger.Warn("Failed to dispose service from invalidated snapshot", "error", err)
		}
	}
	sp.owned = nil
}

// ResolveService retrieves a service from a provider with compile-time type
// safety via generics.
func ResolveService[T any](sp *ServiceProvider, key string) (T, error) {
	var zero T
	svc, ok := sp.services[key]
	if !ok {
		return zero, NewServiceNotFoundError(key)
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, NewServiceTypeInvalidError(key, svc, zero)
	}
	return typed, nil
}

// SharedServiceContainer owns the single service collection shared between
// the host and its plugins, plus the built immutable provider snapshot.
//
// All mutation and the read-through-build path are serialized under one
// lock; the published snapshot is read-mostly and safe for unsynchronized
// concurrent reads. Every write batch invalidates (and disposes) the prior
// snapshot before publishing the new one, so a reader never observes a
// partially rebuilt state.
type SharedServiceContainer struct {
	mu         sync.Mutex
	collection *ServiceCollection
	provider   *ServiceProvider
	dirty      bool
	disposed   bool
	logger     Logger
}

// NewSharedServiceContainer creates a container around an empty collection.
func NewSharedServiceContainer(logger any) *SharedServiceContainer {
	return &SharedServiceContainer{
		collection: NewServiceCollection(),
		dirty:      true,
		logger:     NewLogger(logger),
	}
}

// RegisterServicesAndRebuild applies a registration batch to the collection
// and rebuilds the provider snapshot exactly once.
//
// The register callback receives the collection's registration surface; a
// nil callback performs a bare rebuild (safe with zero registrations). The
// prior snapshot, if any, is disposed before the new one is published. Fails
// with a Disposed error after Close.
func (c *SharedServiceContainer) RegisterServicesAndRebuild(register func(*ServiceCollection) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return NewContainerDisposedError()
	}

	if register != nil {
		if err := register(c.collection); err != nil {
			return err
		}
	}

	return c.rebuildLocked()
}

// Provider returns the current built snapshot, building it first if a
// registration has been applied since the last build. Fails with a Disposed
// error after Close.
func (c *SharedServiceContainer) Provider() (*ServiceProvider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, NewContainerDisposedError()
	}

	if c.dirty || c.provider == nil {
		if err := c.rebuildLocked(); err != nil {
			return nil, err
		}
	}

	return c.provider, nil
}

// rebuildLocked builds a fresh snapshot from the collection and atomically
// replaces the published one. Caller holds c.mu.
func (c *SharedServiceContainer) rebuildLocked() error {
	next := &ServiceProvider{services: make(map[string]any)}

	for _, desc := range c.collection.snapshot() {
		if desc.Constructor == nil {
			next.services[desc.Key] = desc.Instance
			continue
		}

		svc, err := desc.Constructor(next)
		if err != nil {
			// Build-time validation failure: abandon the half-built
			// snapshot, keep the previous one published.
			next.dispose(c.logger)
			return NewServiceResolutionError(desc.Key, err)
		}
		next.services[desc.Key] = svc
		if closer, ok := svc.(io.Closer); ok {
			next.owned = append(next.owned, closer)
		}
	}

	if c.provider != nil {
		c.provider.dispose(c.logger)
	}
	c.provider = next
	c.dirty = false

	c.logger.Debug("Service container rebuilt", "services", len(next.services))
	return nil
}

// AddInstance registers a ready-made service instance and invalidates the
// snapshot; the next Provider read rebuilds. This is the incremental
// registration path handed to plugins via their BootstrapContext.
func (c *SharedServiceContainer) AddInstance(key string, instance any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return NewContainerDisposedError()
	}
	c.collection.AddInstance(key, instance)
	c.dirty = true
	return nil
}

// AddConstructor registers a service constructor and invalidates the
// snapshot; the next Provider read rebuilds.
func (c *SharedServiceContainer) AddConstructor(key string, constructor ServiceConstructor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return NewContainerDisposedError()
	}
	c.collection.AddConstructor(key, constructor)
	c.dirty = true
	return nil
}

// Close tears the container down: the current snapshot is disposed and any
// further Provider read or register-and-rebuild call fails with a Disposed
// error. Close is idempotent.
func (c *SharedServiceContainer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil
	}
	c.disposed = true

	if c.provider != nil {
		c.provider.dispose(c.logger)
		c.provider = nil
	}

	c.logger.Debug("Service container disposed")
	return nil
}
