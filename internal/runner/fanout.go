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
	"sync"

	"github.com/fleetrun/fleetrun/internal/log"
	"github.com/fleetrun/fleetrun/internal/state"
	"github.com/fleetrun/fleetrun/pkg/automation"
)

// deviceRun fans the service body out over the resolved targets: skip
// filtering, once/per_device dispatch, bounded parallelism and summary
// aggregation.
func (r *Runner) deviceRun(ctx context.Context, devices []*automation.Device) automation.Result {
	if r.service.IterationDevices != "" && !r.iterationRun {
		if r.workflow == nil {
			return configFailure("iteration devices require a surrounding workflow")
		}
		return r.iterationFanOut(ctx, devices)
	}

	runMethod := automation.RunMethod(r.stringParam("run_method", string(r.service.RunMethod)))
	if runMethod == automation.RunPerDevice && len(devices) == 0 {
		return configFailure("run method per_device requires target devices")
	}

	if len(devices) > 0 {
		r.writeState(ctx, r.progressScope()+"/total", len(devices), state.MethodIncrement)
	}

	summary := &automation.Summary{}
	retained := r.filterSkipped(ctx, devices, summary)

	if runMethod != automation.RunPerDevice {
		return r.runOnce(ctx, retained, summary)
	}
	return r.runPerDevice(ctx, retained, summary)
}

// filterSkipped applies the workflow skip map and the skip query. Skipped
// devices with skip_value discard vanish entirely; the rest contribute a
// synthetic result row and a skipped-counter increment.
func (r *Runner) filterSkipped(ctx context.Context, devices []*automation.Device, summary *automation.Summary) []*automation.Device {
	skipQuery := r.stringParam("skip_query", r.service.SkipQuery)
	skipMap := r.skipMap()
	skipValue := automation.SkipValue(r.stringParam("skip_value", string(r.service.SkipValue)))
	if skipValue == "" {
		skipValue = automation.SkipSuccess
	}

	var retained []*automation.Device
	for _, device := range devices {
		skipped := skipMap[device.Name]
		if !skipped && skipQuery != "" {
			flag, err := r.engine.expr.EvalBool(skipQuery, r.globalVariables(device, nil))
			if err != nil {
				r.logger.Error("skip query failed", log.Error(err))
				result := automation.Result{
					automation.ResultSuccess:  false,
					automation.ResultValue:    fmt.Sprintf("skip query failed: %s", err),
					automation.ResultDuration: "0:00:00",
				}
				r.writeState(ctx, r.progressScope()+"/failure", 1, state.MethodIncrement)
				r.engine.metrics.deviceOutcomes.WithLabelValues("failure").Inc()
				summary.Append(device.Name, false)
				r.persistRow(ctx, result, device, false)
				continue
			}
			skipped = flag
		}
		if !skipped {
			retained = append(retained, device)
			continue
		}
		if skipValue == automation.SkipDiscard {
			continue
		}
		success := skipValue == automation.SkipSuccess
		result := automation.Result{
			automation.ResultSuccess:  success,
			automation.ResultValue:    "skipped",
			automation.ResultDuration: "0:00:00",
		}
		r.writeState(ctx, r.progressScope()+"/skipped", 1, state.MethodIncrement)
		r.engine.metrics.deviceOutcomes.WithLabelValues("skipped").Inc()
		summary.Append(device.Name, success)
		r.persistRow(ctx, result, device, false)
	}
	return retained
}

// skipMap is the workflow-level skip decision per device name, carried in
// the invocation properties.
func (r *Runner) skipMap() map[string]bool {
	out := map[string]bool{}
	raw, ok := r.Param("skip")
	if !ok {
		return out
	}
	switch m := raw.(type) {
	case map[string]bool:
		return m
	case map[string]any:
		for name, value := range m {
			flag, _ := value.(bool)
			out[name] = flag
		}
	}
	return out
}

// runOnce invokes the body a single time; the outcome is attributed to
// every retained device.
func (r *Runner) runOnce(ctx context.Context, devices []*automation.Device, summary *automation.Summary) automation.Result {
	result := r.getResults(ctx, nil)
	for _, device := range devices {
		summary.Append(device.Name, result.Success())
	}
	aggregate := result.Copy()
	aggregate[automation.ResultSummary] = summary.AsMap()
	aggregate.SetSuccess(len(summary.Failure) == 0 && result.Success())
	return aggregate
}

func (r *Runner) runPerDevice(ctx context.Context, devices []*automation.Device, summary *automation.Summary) automation.Result {
	deviceResults := map[string]any{}

	multiprocessing := r.boolParam("multiprocessing", r.service.Multiprocessing)
	if multiprocessing && len(devices) > 1 {
		workers := r.maxProcesses()
		if workers > len(devices) {
			workers = len(devices)
		}
		semaphore := make(chan struct{}, workers)
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, device := range devices {
			wg.Add(1)
			go func(device *automation.Device) {
				defer wg.Done()
				semaphore <- struct{}{}
				defer func() { <-semaphore }()
				result := r.getResults(ctx, device)
				mu.Lock()
				summary.Append(device.Name, result.Success())
				deviceResults[device.Name] = result
				mu.Unlock()
			}(device)
		}
		wg.Wait()
	} else {
		for _, device := range devices {
			result := r.getResults(ctx, device)
			summary.Append(device.Name, result.Success())
			deviceResults[device.Name] = result
		}
	}

	return automation.Result{
		automation.ResultSuccess: len(summary.Failure) == 0,
		automation.ResultSummary: summary.AsMap(),
		automation.ResultValue:   deviceResults,
	}
}

// iterationFanOut spawns one child runner per target device, targeting
// the devices its iteration query yields. Children run sequentially in
// the parent's device order.
func (r *Runner) iterationFanOut(ctx context.Context, devices []*automation.Device) automation.Result {
	r.writeState(ctx, "progress/device/total", len(devices), state.MethodIncrement)

	summary := &automation.Summary{}
	deviceResults := map[string]any{}
	for _, device := range devices {
		targets, err := r.iterationTargets(ctx, device)
		if err != nil {
			r.logger.Error("iteration target resolution failed",
				log.Error(err))
			summary.Append(device.Name, false)
			deviceResults[device.Name] = automation.Result{
				automation.ResultSuccess: false,
				automation.ResultValue:   err.Error(),
			}
			r.writeState(ctx, "progress/device/failure", 1, state.MethodIncrement)
			continue
		}
		child := r.child(r.service, true, device, targets)
		result := child.StartRun(ctx)
		ok := result.Success()
		summary.Append(device.Name, ok)
		deviceResults[device.Name] = result
		if ok {
			r.writeState(ctx, "progress/device/success", 1, state.MethodIncrement)
		} else {
			r.writeState(ctx, "progress/device/failure", 1, state.MethodIncrement)
		}
	}

	return automation.Result{
		automation.ResultSuccess: len(summary.Failure) == 0,
		automation.ResultSummary: summary.AsMap(),
		automation.ResultValue:   deviceResults,
	}
}

// iterationTargets evaluates the iteration query for one parent device
// and resolves the values into devices.
func (r *Runner) iterationTargets(ctx context.Context, device *automation.Device) ([]*automation.Device, error) {
	value, err := r.engine.expr.Eval(r.service.IterationDevices, r.globalVariables(device, nil))
	if err != nil {
		return nil, err
	}
	property := r.service.IterationDevicesProperty
	if property == "" {
		property = "ip_address"
	}
	return r.resolveQueried(ctx, coerceList(value), property)
}

func (r *Runner) maxProcesses() int {
	if n := r.intParam("max_processes", r.service.MaxProcesses); n > 0 {
		return n
	}
	return r.engine.cfg.Engine.MaxProcesses
}

func configFailure(message string) automation.Result {
	return automation.Result{
		automation.ResultSuccess: false,
		automation.ResultValue:   message,
	}
}
