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

package automation

import (
	"fmt"
	"sync"
)

// Payload is the mutable state shared across a whole run tree. Parallel
// per-device workers write to device-scoped subtrees
// (variables.devices.<name>) to avoid contention; global writes are
// serialized by the payload lock but last-writer-wins by design.
type Payload struct {
	mu sync.Mutex

	// Form carries parameterized-run inputs; a form value overrides the
	// service definition for the parameters it names.
	Form map[string]any `json:"form,omitempty"`

	// Variables is the shared variable tree. The "devices" key holds one
	// subtree per device name.
	Variables map[string]any `json:"variables"`
}

// NewPayload returns an empty payload.
func NewPayload() *Payload {
	return &Payload{Variables: map[string]any{}}
}

// FormValue returns the form override for a parameter, if any.
func (p *Payload) FormValue(name string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Form == nil {
		return nil, false
	}
	v, ok := p.Form[name]
	return v, ok
}

// scope walks to the variable map for a device/section pair, materializing
// intermediate maps on demand. Callers must hold the lock.
func (p *Payload) scope(device, section string) map[string]any {
	if p.Variables == nil {
		p.Variables = map[string]any{}
	}
	vars := p.Variables
	if device != "" {
		devices, _ := vars["devices"].(map[string]any)
		if devices == nil {
			devices = map[string]any{}
			vars["devices"] = devices
		}
		scoped, _ := devices[device].(map[string]any)
		if scoped == nil {
			scoped = map[string]any{}
			devices[device] = scoped
		}
		vars = scoped
	}
	if section != "" {
		sec, _ := vars[section].(map[string]any)
		if sec == nil {
			sec = map[string]any{}
			vars[section] = sec
		}
		vars = sec
	}
	return vars
}

// Set writes a variable. An empty device name targets the global scope.
func (p *Payload) Set(name string, value any, device, section string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scope(device, section)[name] = value
}

// Get reads a variable, device-scoped when device is set.
func (p *Payload) Get(name, device, section string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.scope(device, section)[name]
	return v, ok
}

// MustGet reads a variable and errors when it is absent, mirroring the
// payload editor contract.
func (p *Payload) MustGet(name, device, section string) (any, error) {
	v, ok := p.Get(name, device, section)
	if !ok || v == nil {
		return nil, fmt.Errorf("payload: %s not found", name)
	}
	return v, nil
}

// Append pushes a value onto the list stored under name, creating it if
// absent.
func (p *Payload) Append(name string, value any, device, section string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vars := p.scope(device, section)
	list, _ := vars[name].([]any)
	vars[name] = append(list, value)
}

// EvalScope returns a flat copy of the global variables overlaid with the
// device-scoped subtree, the shape user expressions evaluate against.
func (p *Payload) EvalScope(device string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]any{}
	for k, v := range p.Variables {
		out[k] = v
	}
	if device != "" {
		if devices, ok := p.Variables["devices"].(map[string]any); ok {
			if scoped, ok := devices[device].(map[string]any); ok {
				for k, v := range scoped {
					out[k] = v
				}
			}
		}
	}
	return out
}

// Snapshot returns the payload in serializable form.
func (p *Payload) Snapshot() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]any{"variables": p.Variables}
	if p.Form != nil {
		out["form"] = p.Form
	}
	return out
}
