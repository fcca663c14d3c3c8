// resolver.go: dependency resolution and load ordering for plugin batches
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sort"
	"strings"
)

// dependencyResolver orders one batch of discovered plugin descriptors so
// that every plugin appears after all of its successfully resolved
// dependencies. Name comparison is case-insensitive throughout.
//
// Resolution is per-plugin: a plugin that fails (missing dependency, version
// mismatch, cycle) is excluded from the output together with anything that
// depends on it, while independent plugins in the same batch keep resolving.
type dependencyResolver struct {
	descriptors map[string]*PluginDescriptor // key: lower-cased name
	visited     map[string]bool
	failures    map[string]error // key: lower-cased name
	order       []*PluginDescriptor
}

// resolveLoadOrder resolves a batch of descriptors into load order.
//
// The returned slice holds the successfully resolved descriptors,
// dependencies before dependents; the map holds the resolution failure for
// each excluded plugin, keyed by declared plugin name. Given the same
// descriptor slice in the same order, the output order is deterministic.
func resolveLoadOrder(descriptors []*PluginDescriptor) ([]*PluginDescriptor, map[string]error) {
	r := &dependencyResolver{
		descriptors: make(map[string]*PluginDescriptor, len(descriptors)),
		visited:     make(map[string]bool),
		failures:    make(map[string]error),
	}

	for _, desc := range descriptors {
		r.descriptors[strings.ToLower(desc.Name)] = desc
	}

	for _, desc := range descriptors {
		r.visit(desc.Name, nil)
	}

	// Report failures under the names the plugins declared, not the
	// normalized lookup keys.
	failures := make(map[string]error, len(r.failures))
	for key, err := range r.failures {
		if desc, ok := r.descriptors[key]; ok {
			failures[desc.Name] = err
		} else {
			failures[key] = err
		}
	}

	return r.order, failures
}

// visit performs the depth-first traversal for one plugin. The stack slice
// is the explicit recursion stack used for cycle detection; it holds the
// declared (non-normalized) names so reported cycle paths read naturally.
// Returns nil when the plugin is (or was already) fully resolved.
func (r *dependencyResolver) visit(name string, stack []string) error {
	key := strings.ToLower(name)

	if r.visited[key] {
		return nil // Already fully resolved
	}
	if err, failed := r.failures[key]; failed {
		return err // Absorbing failure state, no retry within a batch
	}

	desc := r.descriptors[key]

	for i, onStack := range stack {
		if strings.EqualFold(onStack, name) {
			// The cycle is the stack from the first occurrence of this
			// name through the current edge. Every member fails with the
			// same CircularDependency error.
			cycle := append(append([]string{}, stack[i:]...), desc.Name)
			err := NewCircularDependencyError(cycle)
			for _, member := range cycle {
				r.failures[strings.ToLower(member)] = err
			}
			return err
		}
	}

	stack = append(stack, desc.Name)

	// Sorted dependency names keep the resolved order deterministic; the
	// declaration map has no stable iteration order.
	depNames := make([]string, 0, len(desc.Dependencies))
	for depName := range desc.Dependencies {
		depNames = append(depNames, depName)
	}
	sort.Strings(depNames)

	for _, depName := range depNames {
		depKey := strings.ToLower(depName)
		dep, present := r.descriptors[depKey]
		if !present {
			err := NewMissingDependencyError(desc.Name, depName)
			r.failures[key] = err
			return err
		}

		if failing, ok := SatisfiesAll(dep.Version, desc.Dependencies[depName]); !ok {
			err := NewVersionMismatchError(desc.Name, dep.Name, dep.Version, failing)
			r.failures[key] = err
			return err
		}

		// Dependencies first: post-order append yields dependencies before
		// dependents.
		if err := r.visit(depName, stack); err != nil {
			// Cycle detection may already have recorded this plugin's own
			// failure (it is a member of the cycle); keep that error.
			if recorded, failed := r.failures[key]; failed {
				return recorded
			}
			wrapped := NewDependencyFailedError(desc.Name, dep.Name, err)
			r.failures[key] = wrapped
			return wrapped
		}
	}

	r.visited[key] = true
	r.order = append(r.order, desc)
	return nil
}
