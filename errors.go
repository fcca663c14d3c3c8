// errors.go: structured error definitions for the go-pluginhost system
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	goerrors "errors"
	"fmt"
	"strings"

	"github.com/agilira/go-errors"
)

// Error codes for the go-pluginhost system
const (
	// Artifact loading errors (1000-1099)
	ErrCodeLoadFailure       = "PLUGINHOST_1001"
	ErrCodeConstructorAbsent = "PLUGINHOST_1002"
	ErrCodeInvalidMetadata   = "PLUGINHOST_1003"
	ErrCodeDuplicatePlugin   = "PLUGINHOST_1004"

	// Dependency resolution errors (1100-1199)
	ErrCodeMissingDependency  = "PLUGINHOST_1101"
	ErrCodeVersionMismatch    = "PLUGINHOST_1102"
	ErrCodeCircularDependency = "PLUGINHOST_1103"
	ErrCodeDependencyFailed   = "PLUGINHOST_1104"

	// Lifecycle errors (1200-1299)
	ErrCodeInitializationFailure = "PLUGINHOST_1201"
	ErrCodePluginNotFound        = "PLUGINHOST_1202"
	ErrCodePluginNotThreaded     = "PLUGINHOST_1203"
	ErrCodeHostShutdown          = "PLUGINHOST_1204"

	// Event registry errors (1300-1399)
	ErrCodeDuplicateSubscription = "PLUGINHOST_1301"

	// Service container errors (1400-1499)
	ErrCodeServiceResolution  = "PLUGINHOST_1401"
	ErrCodeContainerDisposed  = "PLUGINHOST_1402"
	ErrCodeServiceNotFound    = "PLUGINHOST_1403"
	ErrCodeServiceTypeInvalid = "PLUGINHOST_1404"

	// Host configuration errors (1500-1599)
	ErrCodeConfigNotFound   = "PLUGINHOST_1501"
	ErrCodeConfigParseError = "PLUGINHOST_1502"
	ErrCodeConfigWatchError = "PLUGINHOST_1503"
)

// Artifact loading error constructors

func NewLoadFailureError(artifactPath string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeLoadFailure, "Failed to load plugin artifact").
			WithUserMessage("The plugin artifact could not be opened or parsed").
			WithContext("artifact_path", artifactPath).
			WithSeverity("error")
	}
	return errors.New(ErrCodeLoadFailure, "Failed to load plugin artifact").
		WithUserMessage("The plugin artifact could not be opened or parsed").
		WithContext("artifact_path", artifactPath).
		WithSeverity("error")
}

func NewConstructorAbsentError(artifactPath, symbol string) *errors.Error {
	return errors.New(ErrCodeConstructorAbsent, "Plugin constructor symbol not found").
		WithUserMessage("The artifact does not export a usable plugin constructor").
		WithContext("artifact_path", artifactPath).
		WithContext("symbol", symbol).
		WithSeverity("warning")
}

func NewInvalidMetadataError(artifactPath, field string) *errors.Error {
	return errors.New(ErrCodeInvalidMetadata, "Invalid plugin metadata").
		WithUserMessage("Plugin metadata is missing a required field").
		WithContext("artifact_path", artifactPath).
		WithContext("field", field).
		WithSeverity("error")
}

func NewDuplicatePluginError(name string) *errors.Error {
	return errors.New(ErrCodeDuplicatePlugin, "Duplicate plugin name").
		WithUserMessage("A plugin with the same name is already present in this batch").
		WithContext("plugin", name).
		WithSeverity("error")
}

// Dependency resolution error constructors

func NewMissingDependencyError(plugin, dependency string) *errors.Error {
	return errors.New(ErrCodeMissingDependency, "Missing plugin dependency").
		WithUserMessage("A required dependency is not present in the load batch").
		WithContext("plugin", plugin).
		WithContext("dependency", dependency).
		WithSeverity("error")
}

func NewVersionMismatchError(plugin, dependency, actual, constraint string) *errors.Error {
	return errors.New(ErrCodeVersionMismatch, "Plugin dependency version mismatch").
		WithUserMessage("A dependency's version does not satisfy the declared constraint").
		WithContext("plugin", plugin).
		WithContext("dependency", dependency).
		WithContext("actual_version", actual).
		WithContext("constraint", constraint).
		WithSeverity("error")
}

// NewCircularDependencyError reports a dependency cycle. The cycle path is
// rendered in traversal order, e.g. "A -> B -> A".
func NewCircularDependencyError(cycle []string) *errors.Error {
	return errors.New(ErrCodeCircularDependency, "Circular plugin dependency").
		WithUserMessage("Plugin dependencies form a cycle").
		WithContext("cycle", strings.Join(cycle, " -> ")).
		WithSeverity("error")
}

func NewDependencyFailedError(plugin, dependency string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDependencyFailed, "Plugin dependency failed to resolve").
		WithUserMessage("A dependency of this plugin could not be resolved").
		WithContext("plugin", plugin).
		WithContext("dependency", dependency).
		WithSeverity("error")
}

// Lifecycle error constructors

func NewInitializationFailureError(plugin string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeInitializationFailure, "Plugin initialization failed").
			WithUserMessage("The plugin's Initialize call returned an error").
			WithContext("plugin", plugin).
			WithSeverity("error")
	}
	return errors.New(ErrCodeInitializationFailure, "Plugin initialization failed").
		WithUserMessage("The plugin's Initialize call returned an error").
		WithContext("plugin", plugin).
		WithSeverity("error")
}

func NewPluginNotFoundError(name string) *errors.Error {
	return errors.New(ErrCodePluginNotFound, "Plugin not found").
		WithUserMessage("No loaded plugin has the requested name").
		WithContext("plugin", name).
		WithSeverity("error")
}

func NewPluginNotThreadedError(name string) *errors.Error {
	return errors.New(ErrCodePluginNotThreaded, "Plugin is not threaded").
		WithUserMessage("The plugin does not expose the threaded capability").
		WithContext("plugin", name).
		WithSeverity("warning")
}

func NewHostShutdownError() *errors.Error {
	return errors.New(ErrCodeHostShutdown, "Plugin host is shut down").
		WithUserMessage("The operation was rejected because the host is shutting down").
		WithSeverity("error")
}

// Event registry error constructors

func NewDuplicateSubscriptionError(namespace, name string) *errors.Error {
	return errors.New(ErrCodeDuplicateSubscription, "Duplicate message subscription").
		WithUserMessage("A subscription with this name already exists in the namespace").
		WithContext("namespace", namespace).
		WithContext("subscription", name).
		WithSeverity("error")
}

// Service container error constructors

func NewServiceResolutionError(key string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeServiceResolution, "Service construction failed").
		WithUserMessage("A registered service constructor returned an error").
		WithContext("service", key).
		WithSeverity("error")
}

func NewContainerDisposedError() *errors.Error {
	return errors.New(ErrCodeContainerDisposed, "Service container is disposed").
		WithUserMessage("The shared service container has been torn down").
		WithSeverity("error")
}

func NewServiceNotFoundError(key string) *errors.Error {
	return errors.New(ErrCodeServiceNotFound, "Service not found").
		WithUserMessage("No service is registered under the requested key").
		WithContext("service", key).
		WithSeverity("error")
}

func NewServiceTypeInvalidError(key string, got, want any) *errors.Error {
	return errors.New(ErrCodeServiceTypeInvalid, "Service has unexpected type").
		WithUserMessage("The registered service does not match the requested type").
		WithContext("service", key).
		WithContext("got", fmt.Sprintf("%T", got)).
		WithContext("want", fmt.Sprintf("%T", want)).
		WithSeverity("error")
}

// Host configuration error constructors

func NewConfigNotFoundError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigNotFound, "Host configuration not found").
		WithUserMessage("The host configuration file could not be read").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParseError, "Host configuration parse failure").
		WithUserMessage("The host configuration file could not be parsed").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigWatchError(path string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConfigWatchError, "Host configuration watch failure").
			WithUserMessage("The host configuration file could not be watched for changes").
			WithContext("config_path", path).
			WithSeverity("error")
	}
	return errors.New(ErrCodeConfigWatchError, "Host configuration watch failure").
		WithUserMessage("The host configuration file could not be watched for changes").
		WithContext("config_path", path).
		WithSeverity("error")
}

// HasErrorCode reports whether err (or any error in its chain) is a structured
// error carrying the given code. Callers use it to distinguish resolution
// failures from load failures without string matching.
func HasErrorCode(err error, code string) bool {
	var structured *errors.Error
	if goerrors.As(err, &structured) {
		return structured.ErrorCode() == errors.ErrorCode(code)
	}
	return false
}
