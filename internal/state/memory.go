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

package state

import (
	"context"
	"strings"
	"sync"
)

// Memory is the in-process backend: a nested map materialized on demand.
// A single lock serializes writes; read-modify-write of counters happens
// under it, so concurrent increments are never lost.
type Memory struct {
	mu   sync.Mutex
	root map[string]any
}

// NewMemory returns an empty in-process state tree.
func NewMemory() *Memory {
	return &Memory{root: map[string]any{}}
}

var _ Store = (*Memory)(nil)

// Write implements Store.
func (m *Memory) Write(ctx context.Context, path string, value any, method Method) error {
	keys := strings.Split(path, "/")
	last := keys[len(keys)-1]
	keys = keys[:len(keys)-1]

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, key := range keys {
		child, _ := node[key].(map[string]any)
		if child == nil {
			child = map[string]any{}
			node[key] = child
		}
		node = child
	}

	switch method {
	case MethodIncrement:
		node[last] = asInt64(node[last]) + asInt64(value)
	case MethodAppend:
		list, _ := node[last].([]any)
		node[last] = append(list, value)
	default:
		node[last] = value
	}
	return nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, path string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var node any = m.root
	for _, key := range strings.Split(path, "/") {
		child, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = child[key]
		if !ok {
			return nil, false
		}
	}
	return deepCopy(node), true
}

// Clear implements Store.
func (m *Memory) Clear(ctx context.Context, path string) error {
	keys := strings.Split(path, "/")
	last := keys[len(keys)-1]

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, key := range keys[:len(keys)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			return nil
		}
		node = child
	}
	delete(node, last)
	return nil
}

// deepCopy detaches a subtree from the live store so readers never alias
// maps concurrent writers are mutating.
func deepCopy(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = deepCopy(child)
		}
		return out
	default:
		return v
	}
}
