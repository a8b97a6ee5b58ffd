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

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fleetrun/fleetrun/internal/store"
	"github.com/fleetrun/fleetrun/pkg/automation"
	fleeterrors "github.com/fleetrun/fleetrun/pkg/errors"
)

// resolveTargets computes the ordered, de-duplicated device set: explicit
// list, then pools, then the device query, with the per-run ACL applied
// last. Unresolved query values fail the resolution; ACL removals only
// log.
func (r *Runner) resolveTargets(ctx context.Context) ([]*automation.Device, error) {
	var devices []*automation.Device
	seen := map[string]bool{}
	add := func(d *automation.Device) {
		if d == nil || seen[d.ID] {
			return
		}
		seen[d.ID] = true
		devices = append(devices, d)
	}

	explicit, pools := r.targetSources()
	for _, device := range explicit {
		add(device)
	}
	for _, pool := range pools {
		if r.boolParam("update_target_pools", r.service.UpdateTargetPools) {
			pool.ComputePool()
		}
		for _, device := range pool.Devices {
			add(device)
		}
	}

	if query := r.stringParam("device_query", r.service.DeviceQuery); query != "" {
		queried, err := r.queryDevices(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, device := range queried {
			add(device)
		}
	}

	return r.applyACL(devices), nil
}

// targetSources decides where explicit targets come from. Under a
// workflow whose run method binds targets per service, the service
// definition wins; otherwise the invocation parameters do.
func (r *Runner) targetSources() ([]*automation.Device, []*automation.Pool) {
	serviceTargeted := r.workflow != nil && r.workflow.RunMethod == automation.WorkflowPerServiceTargets
	if r.explicitSet && !serviceTargeted {
		return r.explicitList, r.explicitPools
	}
	return r.service.TargetDevices, r.service.TargetPools
}

func (r *Runner) queryDevices(ctx context.Context, query string) ([]*automation.Device, error) {
	value, err := r.engine.expr.Eval(query, r.globalVariables(nil, nil))
	if err != nil {
		return nil, fmt.Errorf("evaluating device query: %w", err)
	}
	property := r.service.DeviceQueryProperty
	if property == "" {
		property = "ip_address"
	}
	return r.resolveQueried(ctx, coerceList(value), property)
}

// resolveQueried turns query values into devices: values that already are
// devices pass through, the rest are looked up by the query property.
func (r *Runner) resolveQueried(ctx context.Context, items []any, property string) ([]*automation.Device, error) {
	var devices []*automation.Device
	var notFound []string
	for _, item := range items {
		if device, ok := item.(*automation.Device); ok {
			devices = append(devices, device)
			continue
		}
		name := strings.TrimSpace(fmt.Sprint(item))
		if name == "" {
			continue
		}
		entity, err := r.engine.store.Fetch(ctx, store.ModelDevice, map[string]any{property: name})
		if err != nil {
			notFound = append(notFound, name)
			continue
		}
		devices = append(devices, entity.(*automation.Device))
	}
	if len(notFound) > 0 {
		return nil, &fleeterrors.TargetError{Property: property, NotFound: notFound}
	}
	return devices, nil
}

// applyACL filters devices outside the run's allowed-target set. Removals
// are logged as a security event, never raised.
func (r *Runner) applyACL(devices []*automation.Device) []*automation.Device {
	kept := devices[:0]
	var removed []string
	for _, device := range devices {
		if r.engine.targetAllowed(r.parentRuntime, device.ID) {
			kept = append(kept, device)
		} else {
			removed = append(removed, device.Name)
		}
	}
	if len(removed) > 0 {
		r.logger.Warn("devices removed from targets by access control",
			slog.String("user", r.creator),
			slog.String("devices", strings.Join(removed, ", ")))
	}
	return kept
}

func (r *Runner) stringParam(name, fallback string) string {
	if v, ok := r.Param(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// coerceList turns the device-query value into a list: scalars become a
// single-element list, lists pass through.
func coerceList(value any) []any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []*automation.Device:
		out := make([]any, len(v))
		for i, d := range v {
			out[i] = d
		}
		return out
	default:
		return []any{v}
	}
}
