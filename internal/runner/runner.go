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
	"sync"
	"time"

	"github.com/fleetrun/fleetrun/internal/log"
	"github.com/fleetrun/fleetrun/internal/notify"
	"github.com/fleetrun/fleetrun/internal/state"
	"github.com/fleetrun/fleetrun/internal/store"
	"github.com/fleetrun/fleetrun/pkg/automation"
)

// Run status values persisted to the state tree.
const (
	StatusRunning   = "Running"
	StatusCompleted = "Completed"
	StatusAborted   = "Aborted"
)

// RunOptions parameterizes one top-level activation.
type RunOptions struct {
	Service     *automation.Service
	Workflow    *automation.Workflow
	Task        *automation.Task
	Placeholder *automation.Service
	Creator     string
	Trigger     string
	Tags        []string

	// Payload may carry form overrides; nil gets a fresh payload.
	Payload *automation.Payload

	// Devices and Pools override the service's own target definition when
	// non-empty.
	Devices []*automation.Device
	Pools   []*automation.Pool

	// Properties are invocation-level parameter overrides consulted by
	// Param between the payload form and the service definition.
	Properties map[string]any

	// AllowedTargets restricts the run tree to these device ids. Empty
	// means unrestricted.
	AllowedTargets []string
}

// Runner is one activation of one service. Children (iteration runs,
// sub-services) hold a non-owning reference to their parent; the tree is
// keyed by path under the shared parent runtime.
type Runner struct {
	engine *Engine
	parent *Runner

	service     *automation.Service
	workflow    *automation.Workflow
	task        *automation.Task
	placeholder *automation.Service
	creator     string
	trigger     string
	tags        []string

	runtime       string
	parentRuntime string
	path          string
	main          bool
	iterationRun  bool
	parentDevice  *automation.Device

	payload       *automation.Payload
	properties    map[string]any
	explicitSet   bool
	explicitList  []*automation.Device
	explicitPools []*automation.Pool
	targetDevices []*automation.Device

	// connections freshly opened by this runner; start_new_connection only
	// forces a reopen once per runner and device. Guarded by connMu since
	// parallel device workers share the runner.
	connMu           sync.Mutex
	freshConnections map[string]bool

	logger    *slog.Logger
	startedAt time.Time
	results   automation.Result
}

// Execute runs a service to completion and returns the aggregate result.
func (e *Engine) Execute(ctx context.Context, opts RunOptions) (automation.Result, error) {
	r, err := e.newRunner(opts)
	if err != nil {
		return nil, err
	}
	return r.StartRun(ctx), nil
}

func (e *Engine) newRunner(opts RunOptions) (*Runner, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("run options carry no service")
	}
	payload := opts.Payload
	if payload == nil {
		payload = automation.NewPayload()
	}
	runtime := e.nextRuntime()
	r := &Runner{
		engine:           e,
		service:          opts.Service,
		workflow:         opts.Workflow,
		task:             opts.Task,
		placeholder:      opts.Placeholder,
		creator:          opts.Creator,
		trigger:          opts.Trigger,
		tags:             opts.Tags,
		runtime:          runtime,
		parentRuntime:    runtime,
		main:             true,
		payload:          payload,
		properties:       opts.Properties,
		explicitSet:      len(opts.Devices) > 0 || len(opts.Pools) > 0,
		explicitList:     opts.Devices,
		explicitPools:    opts.Pools,
		freshConnections: map[string]bool{},
	}
	r.path = e.uniquePath(r.parentRuntime, opts.Service.ID)
	r.logger = log.WithRunContext(e.logger, r.runtime, opts.Service.Name)
	if len(opts.AllowedTargets) > 0 {
		e.AllowTargets(r.parentRuntime, opts.AllowedTargets)
	}
	return r, nil
}

// child constructs a sub-runner sharing the run tree.
func (r *Runner) child(service *automation.Service, iteration bool, parentDevice *automation.Device, devices []*automation.Device) *Runner {
	c := &Runner{
		engine:           r.engine,
		parent:           r,
		service:          service,
		workflow:         r.workflow,
		placeholder:      r.placeholder,
		creator:          r.creator,
		tags:             r.tags,
		runtime:          r.engine.nextRuntime(),
		parentRuntime:    r.parentRuntime,
		iterationRun:     iteration,
		parentDevice:     parentDevice,
		payload:          r.payload,
		properties:       r.properties,
		explicitSet:      true,
		explicitList:     devices,
		freshConnections: map[string]bool{},
	}
	c.path = r.engine.uniquePath(r.parentRuntime, r.path+">"+service.ID)
	c.logger = log.WithRunContext(r.engine.logger, c.runtime, service.Name)
	return c
}

// Path returns the service-id chain from the root runner.
func (r *Runner) Path() string { return r.path }

// Results returns the final aggregate, nil until the run completes.
func (r *Runner) Results() automation.Result { return r.results }

// StartRun drives the whole activation and returns the aggregate result.
// Every exit path closes what the run opened: the connection cache is
// drained and the state tree finalized even when the body panics.
func (r *Runner) StartRun(ctx context.Context) automation.Result {
	r.engine.register(r)
	defer r.engine.unregister(r)
	r.engine.metrics.runsStarted.Inc()
	r.engine.metrics.activeRuns.Inc()
	defer r.engine.metrics.activeRuns.Dec()

	r.startedAt = time.Now()
	r.service.Status = StatusRunning
	r.writeState(ctx, "status", StatusRunning, state.MethodSet)
	if r.placeholder != nil {
		r.writeState(ctx, "placeholder/id", r.placeholder.ID, state.MethodSet)
		r.writeState(ctx, "placeholder/scoped_name", r.placeholder.ScopedName, state.MethodSet)
		r.writeState(ctx, "placeholder/type", r.placeholder.Type, state.MethodSet)
	}
	r.appendServiceToRun(ctx)
	r.logger.Info("run started", slog.String(log.PathKey, r.path))

	results := r.runBody(ctx)

	r.finalize(ctx, results)
	r.results = results
	return results
}

func (r *Runner) runBody(ctx context.Context) (results automation.Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run body panicked", slog.Any("panic", p))
			results = automation.Result{
				automation.ResultSuccess: false,
				automation.ResultValue:   fmt.Sprintf("%v\n%s", p, debug.Stack()),
			}
		}
	}()
	devices, err := r.resolveTargets(ctx)
	if err != nil {
		r.logger.Error("target resolution failed", log.Error(err))
		return automation.Result{
			automation.ResultSuccess: false,
			automation.ResultValue:   err.Error(),
		}
	}
	r.targetDevices = devices
	return r.deviceRun(ctx, devices)
}

// finalize runs the fixed epilogue: commit, pool refresh, notification,
// run accounting, duration, main-run closure and result persistence.
func (r *Runner) finalize(ctx context.Context, results automation.Result) {
	session := r.engine.store.Session()
	if err := session.Commit(); err != nil {
		session.Rollback()
		r.logger.Error("commit failed, session rolled back", log.Error(err))
		results.SetSuccess(false)
		results["error"] = err.Error()
	}

	if r.boolParam("update_pools_after_running", r.service.UpdatePoolsAfterRunning) {
		r.recomputePools(ctx)
	}
	if r.boolParam("send_notification", r.service.SendNotification) {
		results[automation.ResultNotification] = r.notify(ctx, results)
	}
	if remaining := r.engine.decrementRunCount(r.service.ID); remaining == 0 {
		r.service.Status = "Idle"
	}

	duration := time.Since(r.startedAt)
	results[automation.ResultDuration] = formatDuration(duration)
	results[automation.ResultRuntime] = r.runtime

	status := StatusCompleted
	if r.main {
		if r.engine.Stopped(ctx, r.parentRuntime) {
			status = StatusAborted
		}
		r.writeState(ctx, "status", status, state.MethodSet)
		r.writeState(ctx, "success", results.Success(), state.MethodSet)
		r.engine.cache.CloseAll(r.parentRuntime)
		if r.task != nil && r.task.OneShot() {
			r.task.IsActive = false
		}
		if logs := r.engine.drainLogs(r.parentRuntime); len(logs) > 0 {
			if err := r.engine.recorder.FlushServiceLogs(ctx, r.parentRuntime, logs); err != nil {
				r.logger.Error("flushing service logs failed", log.Error(err))
			}
		}
		r.engine.metrics.runDuration.Observe(duration.Seconds())
	} else {
		r.writeState(ctx, "status", status, state.MethodSet)
	}
	r.engine.metrics.runsCompleted.WithLabelValues(status).Inc()

	r.persistRow(ctx, results, nil, r.main)
	if err := session.Commit(); err != nil {
		r.logger.Error("final commit failed", log.Error(err))
	}
	r.logger.Info("run finished",
		slog.String("status", status),
		slog.Bool("success", results.Success()),
		slog.String("duration", formatDuration(duration)))
}

func (r *Runner) recomputePools(ctx context.Context) {
	pools, err := r.engine.store.FetchAll(ctx, store.ModelPool)
	if err != nil {
		r.logger.Error("refreshing pools failed", log.Error(err))
		return
	}
	for _, entity := range pools {
		if pool, ok := entity.(*automation.Pool); ok {
			pool.ComputePool()
		}
	}
}

func (r *Runner) notify(ctx context.Context, results automation.Result) map[string]any {
	header := r.service.NotificationHeader
	if header != "" {
		substituted, err := r.engine.expr.SubString(header, r.globalVariables(nil, nil))
		if err != nil {
			r.logger.Error("notification header substitution failed", log.Error(err))
		} else {
			header = substituted
		}
	}
	in := notify.Input{
		Service: r.service,
		Runtime: r.runtime,
		RunID:   r.runtime,
		Result:  results,
		Header:  header,
	}
	if summary, ok := results[automation.ResultSummary].(map[string]any); ok {
		in.Summary = summaryFromMap(summary)
	}
	if r.service.IncludeDeviceResults {
		rows, err := r.engine.store.FetchResults(ctx, map[string]any{"run_id": r.runtime})
		if err != nil {
			r.logger.Error("fetching device results for notification failed", log.Error(err))
		} else {
			for _, row := range rows {
				if row.DeviceID != "" {
					in.DeviceResults = append(in.DeviceResults, row)
				}
			}
		}
	}
	return r.engine.notifier.Send(ctx, in)
}

// appendServiceToRun records the service on the root run's service list,
// once per service.
func (r *Runner) appendServiceToRun(ctx context.Context) {
	path := r.parentRuntime + "/services"
	if existing, ok := r.engine.state.Get(ctx, path); ok {
		if list, ok := existing.([]any); ok {
			for _, item := range list {
				if item == r.service.ID {
					return
				}
			}
		}
	}
	if err := r.engine.state.Write(ctx, path, r.service.ID, state.MethodAppend); err != nil {
		r.logger.Error("appending service to run failed", log.Error(err))
	}
}

// writeState writes under this runner's subtree of the progress tree.
func (r *Runner) writeState(ctx context.Context, subkey string, value any, method state.Method) {
	path := fmt.Sprintf("%s/state/%s/%s", r.parentRuntime, r.path, subkey)
	if err := r.engine.state.Write(ctx, path, value, method); err != nil {
		r.logger.Error("state write failed", slog.String("path", path), log.Error(err))
	}
}

// persistRow writes a result row unless result creation is disabled.
// Disabling never suppresses failed results or the main run's aggregate.
func (r *Runner) persistRow(ctx context.Context, results automation.Result, device *automation.Device, runResult bool) {
	disabled := r.boolParam("disable_result_creation", r.service.DisableResultCreation)
	if disabled && results.Success() && !runResult {
		return
	}
	if err := r.engine.recorder.Persist(ctx, r.resultRow(results, device)); err != nil {
		r.logger.Error("persisting result failed",
			slog.String(log.DeviceKey, deviceName(device)), log.Error(err))
	}
}

// resultRow assembles the persisted record for the run or one device.
func (r *Runner) resultRow(results automation.Result, device *automation.Device) *store.ResultRow {
	row := &store.ResultRow{
		RunID:         r.runtime,
		ServiceID:     r.service.ID,
		ParentRuntime: r.parentRuntime,
		Success:       results.Success(),
		Tags:          r.tags,
		Result:        map[string]any(results),
	}
	if duration, ok := results[automation.ResultDuration].(string); ok {
		row.Duration = duration
	}
	if r.parent != nil {
		row.ParentServiceID = r.parent.service.ID
	}
	if r.workflow != nil {
		row.WorkflowID = r.workflow.ID
	}
	if r.parentDevice != nil {
		row.ParentDeviceID = r.parentDevice.ID
	}
	if device != nil {
		row.DeviceID = device.ID
		row.DeviceName = device.Name
	}
	return row
}

// progressScope distinguishes iteration-run counters from device counters.
func (r *Runner) progressScope() string {
	if r.iterationRun {
		return "progress/iteration_device"
	}
	return "progress/device"
}

// Param returns an invocation parameter: the payload form wins, then the
// invocation properties; absent both, the second return is false and the
// caller falls back to the service definition.
func (r *Runner) Param(name string) (any, bool) {
	if v, ok := r.payload.FormValue(name); ok {
		return v, true
	}
	if v, ok := r.properties[name]; ok {
		return v, true
	}
	return nil, false
}

func (r *Runner) boolParam(name string, fallback bool) bool {
	if v, ok := r.Param(name); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func (r *Runner) intParam(name string, fallback int) int {
	if v, ok := r.Param(name); ok {
		if n, ok := toInt(v); ok {
			return n
		}
	}
	return fallback
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// formatDuration renders wall time as H:MM:SS, the shape stored on result
// rows and synthetic skip results.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

func summaryFromMap(m map[string]any) *automation.Summary {
	out := &automation.Summary{}
	out.Success = toStrings(m["success"])
	out.Failure = toStrings(m["failure"])
	return out
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

// deviceName tolerates the once-mode nil device.
func deviceName(device *automation.Device) string {
	if device == nil {
		return ""
	}
	return device.Name
}
