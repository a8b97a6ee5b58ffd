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

// Package state holds the key-addressed tree of run progress and status.
// Paths are /-joined, rooted at the parent runtime of a run tree
// (<parent_runtime>/<runner path>/<subkey...>). Two semantically
// equivalent backends exist: an in-process nested map and an external
// key-value service.
package state

import "context"

// Method selects the write semantics at a path.
type Method string

const (
	// MethodSet replaces the value at the path.
	MethodSet Method = "set"
	// MethodAppend pushes the value onto the list at the path.
	MethodAppend Method = "append"
	// MethodIncrement adds a numeric delta, creating the key at 0 if
	// absent.
	MethodIncrement Method = "increment"
)

// Store is a concurrency-safe progress tree. Parallel device workers
// write counters through MethodIncrement; increments are atomic and never
// lost. Appends to one list preserve per-writer arrival order; no global
// ordering across writers is promised.
type Store interface {
	// Write applies value at path with the given method.
	Write(ctx context.Context, path string, value any, method Method) error

	// Get returns the subtree rooted at path. The second return is false
	// when the path is absent.
	Get(ctx context.Context, path string) (any, bool)

	// Clear removes the subtree rooted at path, typically the whole
	// parent-runtime tree at the end of a run.
	Clear(ctx context.Context, path string) error
}

// asInt64 coerces the numeric shapes a counter delta arrives in.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	default:
		return 0
	}
}
