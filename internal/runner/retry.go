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
	"runtime/debug"
	"time"

	"github.com/fleetrun/fleetrun/internal/convert"
	"github.com/fleetrun/fleetrun/internal/log"
	"github.com/fleetrun/fleetrun/internal/state"
	"github.com/fleetrun/fleetrun/pkg/automation"
)

// getResults runs the retry machine for one device (nil in once mode),
// wrapping it with iteration values, duration accounting, progress
// increments, result persistence and the post-device waiting time.
func (r *Runner) getResults(ctx context.Context, device *automation.Device) automation.Result {
	start := time.Now()
	var results automation.Result

	if iteration := r.stringParam("iteration_values", r.service.IterationValues); iteration != "" {
		results = r.iterateValues(ctx, device, iteration)
	} else {
		results = r.retryLoop(ctx, device)
	}

	results[automation.ResultDuration] = formatDuration(time.Since(start))
	if device != nil {
		results[automation.ResultDeviceTarget] = device.Name
		scope := r.progressScope()
		if results.Success() {
			r.writeState(ctx, scope+"/success", 1, state.MethodIncrement)
			r.engine.metrics.deviceOutcomes.WithLabelValues("success").Inc()
		} else {
			r.writeState(ctx, scope+"/failure", 1, state.MethodIncrement)
			r.engine.metrics.deviceOutcomes.WithLabelValues("failure").Inc()
		}
		r.persistRow(ctx, results, device, false)
		if r.boolParam("close_connection", r.service.CloseConnection) {
			r.engine.cache.CloseDevice(r.parentRuntime, device.Name)
		}
	}
	if waiting := r.service.WaitingTime; waiting > 0 {
		time.Sleep(waiting)
	}
	return results
}

// iterateValues loops the retry machine over the values the iteration
// expression yields, binding each to the iteration variable in the
// device-scoped payload.
func (r *Runner) iterateValues(ctx context.Context, device *automation.Device, iteration string) automation.Result {
	value, err := r.engine.expr.Eval(iteration, r.globalVariables(device, nil))
	if err != nil {
		return automation.Result{
			automation.ResultSuccess: false,
			automation.ResultValue:   fmt.Sprintf("evaluating iteration values: %s", err),
		}
	}
	variable := r.service.IterationVariableName
	if variable == "" {
		variable = "iteration_value"
	}

	success := true
	iterationResults := map[string]any{}
	for _, item := range coerceList(value) {
		r.payload.Set(variable, item, deviceName(device), "")
		result := r.retryLoop(ctx, device)
		iterationResults[fmt.Sprint(item)] = result
		success = success && result.Success()
	}
	return automation.Result{
		automation.ResultSuccess: success,
		automation.ResultValue:   iterationResults,
	}
}

// retryLoop executes attempts until success, exhausted baseline retries,
// or the hard cap on total attempts. The stop flag is re-checked at the
// head of every iteration; the back-off sleep between attempts is
// otherwise uninterruptible.
func (r *Runner) retryLoop(ctx context.Context, device *automation.Device) automation.Result {
	retries := r.intParam("number_of_retries", r.service.NumberOfRetries) + 1
	maxAttempts := r.intParam("max_number_of_retries", r.service.MaxNumberOfRetries)
	backoff := r.service.TimeBetweenRetries

	results := automation.Result{
		automation.ResultSuccess: false,
		automation.ResultValue:   "no attempt was executed",
	}
	for attempt := 0; retries > 0 && attempt < maxAttempts; attempt++ {
		retries--
		if r.engine.Stopped(ctx, r.parentRuntime) {
			return automation.Result{
				automation.ResultSuccess: false,
				automation.ResultValue:   "Stopped",
			}
		}
		if attempt > 0 {
			r.logger.Info("retrying",
				slog.Int("attempt", attempt+1),
				slog.String(log.DeviceKey, deviceName(device)))
			r.engine.metrics.retries.Inc()
			if backoff > 0 {
				time.Sleep(backoff)
			}
		}
		results = r.attempt(ctx, device, &retries)
		if results.Success() {
			return results
		}
	}
	return results
}

// attempt is one pass through the state machine: preprocessing, body,
// conversion, postprocessing, validation.
func (r *Runner) attempt(ctx context.Context, device *automation.Device, retries *int) automation.Result {
	if src := r.service.Preprocessing; src != "" {
		if _, err := r.engine.expr.Exec(src, r.globalVariables(device, nil)); err != nil {
			return automation.Result{
				automation.ResultSuccess: false,
				automation.ResultValue:   fmt.Sprintf("preprocessing failed: %s", err),
			}
		}
	}

	results := r.invokeJob(ctx, device)
	results = convert.Result(r.service.ConversionMethod, results)
	if _, ok := results[automation.ResultSuccess]; !ok {
		results.SetSuccess(true)
	}

	if src := r.service.Postprocessing; src != "" && r.conditionMet(r.service.PostprocessingMode, results) {
		scope := r.globalVariables(device, map[string]any{"results": map[string]any(results)})
		final, err := r.engine.expr.Exec(src, scope)
		if err != nil {
			results.SetSuccess(false)
			results["error"] = fmt.Sprintf("postprocessing failed: %s", err)
		} else if value, ok := final["retries"]; ok {
			if n, ok := toInt(value); ok {
				*retries = n
			}
		}
	}

	if r.service.ValidationMethod != "" && r.conditionMet(r.service.ValidationCondition, results) {
		r.validate(results, device)
	}
	return results
}

// invokeJob calls the service body with panics and errors captured into a
// failure result, which keeps them eligible for retry.
func (r *Runner) invokeJob(ctx context.Context, device *automation.Device) (results automation.Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("service job panicked",
				slog.String(log.DeviceKey, deviceName(device)))
			results = automation.Result{
				automation.ResultSuccess: false,
				automation.ResultValue:   fmt.Sprintf("%v\n%s", p, debug.Stack()),
			}
		}
	}()
	if r.service.Job == nil {
		return automation.Result{
			automation.ResultSuccess: false,
			automation.ResultValue:   "service has no job bound",
		}
	}
	out, err := r.service.Job(ctx, r.jobContext(device), device)
	if err != nil {
		return automation.Result{
			automation.ResultSuccess: false,
			automation.ResultValue:   err.Error(),
		}
	}
	if out == nil {
		out = automation.Result{}
	}
	return out
}

// conditionMet gates postprocessing and validation on the outcome so far.
// An unset condition means always.
func (r *Runner) conditionMet(condition automation.Condition, results automation.Result) bool {
	switch condition {
	case automation.ConditionSuccess:
		return results.Success()
	case automation.ConditionFailure:
		return !results.Success()
	default:
		return true
	}
}
