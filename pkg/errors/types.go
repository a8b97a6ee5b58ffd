// Copyright 2026 The Fleetrun Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import "fmt"

// ValidationError represents invalid user input or service configuration.
// Use this for malformed parameters and constraint violations that make a
// run impossible to start.
type ValidationError struct {
	// Field identifies which parameter failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested entity (device, service, pool, credential)
// does not exist in the object store.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "device", "service", "pool")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// PermissionError represents an RBAC denial raised by a store helper.
// It surfaces inside expression evaluation as a body error.
type PermissionError struct {
	// User is the identity the check was performed for
	User string

	// Operation is the store operation that was denied (e.g., "fetch", "delete")
	Operation string

	// Resource is the model the operation targeted
	Resource string
}

// Error implements the error interface.
func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %q is not allowed to %s %ss", e.User, e.Operation, e.Resource)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid
// config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "redis.address")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TargetError represents an unresolvable device query: one or more values
// produced by the query matched no device. Fatal to the run.
type TargetError struct {
	// Property is the device attribute the query values were matched against
	Property string

	// NotFound lists the query values with no matching device
	NotFound []string
}

// Error implements the error interface.
func (e *TargetError) Error() string {
	return fmt.Sprintf("device query produced unresolved targets (matched on %s): %v", e.Property, e.NotFound)
}
