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
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/internal/config"
	"github.com/fleetrun/fleetrun/internal/conncache"
	"github.com/fleetrun/fleetrun/internal/store"
	"github.com/fleetrun/fleetrun/pkg/automation"
	"github.com/fleetrun/fleetrun/pkg/transport"
)

func newTestEngine() *Engine {
	return NewEngine(Options{Config: config.Default()})
}

func device(name, ip string) *automation.Device {
	return &automation.Device{ID: name, Name: name, IPAddress: ip}
}

// okJob succeeds unconditionally.
func okJob(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
	return automation.Result{automation.ResultValue: "done"}, nil
}

func baseService(id string) *automation.Service {
	return &automation.Service{
		ID:                 id,
		Name:               id,
		Type:               "test",
		RunMethod:          automation.RunPerDevice,
		MaxNumberOfRetries: 1,
		Job:                okJob,
	}
}

func statePath(results automation.Result, serviceID, subkey string) string {
	runtime := results[automation.ResultRuntime].(string)
	return fmt.Sprintf("%s/state/%s/%s", runtime, serviceID, subkey)
}

func stateValue(t *testing.T, engine *Engine, results automation.Result, serviceID, subkey string) any {
	t.Helper()
	value, ok := engine.State().Get(context.Background(), statePath(results, serviceID, subkey))
	require.True(t, ok, "state key %s should exist", subkey)
	return value
}

func memoryRows(engine *Engine) []*store.ResultRow {
	return engine.Store().(*store.Memory).Results()
}

func TestRunOnceAttributesOutcomeToAllDevices(t *testing.T) {
	engine := newTestEngine()
	service := baseService("ping")
	service.RunMethod = automation.RunOnce

	var calls atomic.Int32
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		calls.Add(1)
		assert.Nil(t, device, "once mode runs without a device")
		return automation.Result{automation.ResultValue: "pong"}, nil
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1"), device("edge2", "10.0.0.2"), device("edge3", "10.0.0.3")},
	})
	require.NoError(t, err)

	assert.True(t, results.Success())
	assert.EqualValues(t, 1, calls.Load())
	summary := results[automation.ResultSummary].(map[string]any)
	assert.ElementsMatch(t, []string{"edge1", "edge2", "edge3"}, summary["success"])

	// the single shared outcome produces one run-level row and no
	// per-device counters
	rows := memoryRows(engine)
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].DeviceID)
	assert.EqualValues(t, 3, stateValue(t, engine, results, "ping", "progress/device/total"))
	_, ok := engine.State().Get(context.Background(), statePath(results, "ping", "progress/device/success"))
	assert.False(t, ok, "once mode never increments per-device counters")
}

func TestRunPerDeviceRecordsEachOutcome(t *testing.T) {
	engine := newTestEngine()
	service := baseService("configure")
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		if device.Name == "edge2" {
			return nil, errors.New("connection refused")
		}
		return automation.Result{automation.ResultValue: "ok"}, nil
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1"), device("edge2", "10.0.0.2")},
	})
	require.NoError(t, err)

	assert.False(t, results.Success())
	summary := results[automation.ResultSummary].(map[string]any)
	assert.Equal(t, []string{"edge1"}, summary["success"])
	assert.Equal(t, []string{"edge2"}, summary["failure"])

	deviceResults := results[automation.ResultValue].(map[string]any)
	edge2 := deviceResults["edge2"].(automation.Result)
	assert.Equal(t, "connection refused", edge2[automation.ResultValue])
	assert.Equal(t, "edge2", edge2[automation.ResultDeviceTarget])

	// two per-device rows plus the aggregate
	rows := memoryRows(engine)
	require.Len(t, rows, 3)
	assert.EqualValues(t, 1, stateValue(t, engine, results, "configure", "progress/device/success"))
	assert.EqualValues(t, 1, stateValue(t, engine, results, "configure", "progress/device/failure"))
}

func TestRetryUntilSuccess(t *testing.T) {
	engine := newTestEngine()
	service := baseService("flaky")
	service.NumberOfRetries = 2
	service.MaxNumberOfRetries = 5

	var attempts atomic.Int32
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("timeout")
		}
		return automation.Result{automation.ResultValue: "recovered"}, nil
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1")},
	})
	require.NoError(t, err)

	assert.True(t, results.Success())
	assert.EqualValues(t, 3, attempts.Load())
	assert.EqualValues(t, 1, stateValue(t, engine, results, "flaky", "progress/device/success"))
}

func TestRetryBaselineZeroRunsOneAttempt(t *testing.T) {
	engine := newTestEngine()
	service := baseService("single")
	service.NumberOfRetries = 0
	service.MaxNumberOfRetries = 5

	var attempts atomic.Int32
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		attempts.Add(1)
		return nil, errors.New("always failing")
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1")},
	})
	require.NoError(t, err)

	assert.False(t, results.Success())
	assert.EqualValues(t, 1, attempts.Load())
}

func TestMaxAttemptsZeroSkipsExecution(t *testing.T) {
	engine := newTestEngine()
	service := baseService("capped")
	service.NumberOfRetries = 3
	service.MaxNumberOfRetries = 0

	var attempts atomic.Int32
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		attempts.Add(1)
		return automation.Result{}, nil
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1")},
	})
	require.NoError(t, err)

	assert.False(t, results.Success())
	assert.Zero(t, attempts.Load())
	deviceResults := results[automation.ResultValue].(map[string]any)
	edge1 := deviceResults["edge1"].(automation.Result)
	assert.Equal(t, "no attempt was executed", edge1[automation.ResultValue])
}

func TestPostprocessingOverridesRetryBudget(t *testing.T) {
	engine := newTestEngine()
	service := baseService("budgeted")
	service.NumberOfRetries = 5
	service.MaxNumberOfRetries = 10
	service.Postprocessing = "retries = 0"

	var attempts atomic.Int32
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		attempts.Add(1)
		return nil, errors.New("unrecoverable")
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1")},
	})
	require.NoError(t, err)

	assert.False(t, results.Success())
	assert.EqualValues(t, 1, attempts.Load(), "postprocessing zeroed the remaining budget")
}

func TestFormOverridesServiceParameter(t *testing.T) {
	engine := newTestEngine()
	service := baseService("parameterized")
	service.MaxNumberOfRetries = 3

	payload := automation.NewPayload()
	payload.Form = map[string]any{"max_number_of_retries": 0}

	var attempts atomic.Int32
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		attempts.Add(1)
		return automation.Result{}, nil
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Payload: payload,
		Devices: []*automation.Device{device("edge1", "10.0.0.1")},
	})
	require.NoError(t, err)

	assert.False(t, results.Success())
	assert.Zero(t, attempts.Load(), "the form value overrides the service definition")
}

func TestSkipQuery(t *testing.T) {
	engine := newTestEngine()
	service := baseService("selective")
	service.SkipQuery = `device.name == "edge1"`

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1"), device("edge2", "10.0.0.2")},
	})
	require.NoError(t, err)

	assert.True(t, results.Success())
	summary := results[automation.ResultSummary].(map[string]any)
	assert.ElementsMatch(t, []string{"edge1", "edge2"}, summary["success"])

	var skipRow *store.ResultRow
	for _, row := range memoryRows(engine) {
		if row.DeviceName == "edge1" {
			skipRow = row
		}
	}
	require.NotNil(t, skipRow)
	assert.Equal(t, "skipped", skipRow.Result[automation.ResultValue])
	assert.Equal(t, "0:00:00", skipRow.Result[automation.ResultDuration])

	total := stateValue(t, engine, results, "selective", "progress/device/total")
	success := stateValue(t, engine, results, "selective", "progress/device/success")
	skipped := stateValue(t, engine, results, "selective", "progress/device/skipped")
	assert.EqualValues(t, 2, total)
	assert.EqualValues(t, 1, success)
	assert.EqualValues(t, 1, skipped)
}

func TestSkipQueryErrorFailsDevice(t *testing.T) {
	engine := newTestEngine()
	service := baseService("selective")
	service.SkipQuery = `device.name ==`

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1")},
	})
	require.NoError(t, err)

	assert.False(t, results.Success())
	summary := results[automation.ResultSummary].(map[string]any)
	assert.Equal(t, []string{"edge1"}, summary["failure"])

	// the broken query counts as a device failure, with a row to match
	var failedRow *store.ResultRow
	for _, row := range memoryRows(engine) {
		if row.DeviceName == "edge1" {
			failedRow = row
		}
	}
	require.NotNil(t, failedRow)
	assert.False(t, failedRow.Success)
	assert.Contains(t, failedRow.Result[automation.ResultValue], "skip query failed")

	failure := stateValue(t, engine, results, "selective", "progress/device/failure")
	assert.EqualValues(t, 1, failure)
}

func TestSkipDiscardRemovesDeviceEntirely(t *testing.T) {
	engine := newTestEngine()
	service := baseService("pruned")
	service.SkipValue = automation.SkipDiscard

	results, err := engine.Execute(context.Background(), RunOptions{
		Service:    service,
		Creator:    "admin",
		Devices:    []*automation.Device{device("edge1", "10.0.0.1"), device("edge2", "10.0.0.2")},
		Properties: map[string]any{"skip": map[string]any{"edge1": true}},
	})
	require.NoError(t, err)

	assert.True(t, results.Success())
	summary := results[automation.ResultSummary].(map[string]any)
	assert.Equal(t, []string{"edge2"}, summary["success"])

	for _, row := range memoryRows(engine) {
		assert.NotEqual(t, "edge1", row.DeviceName, "discarded devices leave no rows")
	}
	_, ok := engine.State().Get(context.Background(), statePath(results, "pruned", "progress/device/skipped"))
	assert.False(t, ok, "discard does not count as skipped")
}

func TestStopAbortsRemainingDevices(t *testing.T) {
	engine := newTestEngine()
	service := baseService("stoppable")
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		if device.Name == "edge1" {
			engine.Stop(ctx, run.ParentRuntime())
		}
		return automation.Result{automation.ResultValue: "ok"}, nil
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1"), device("edge2", "10.0.0.2")},
	})
	require.NoError(t, err)

	assert.False(t, results.Success())
	deviceResults := results[automation.ResultValue].(map[string]any)
	edge2 := deviceResults["edge2"].(automation.Result)
	assert.Equal(t, "Stopped", edge2[automation.ResultValue])
	assert.Equal(t, StatusAborted, stateValue(t, engine, results, "stoppable", "status"))
}

func TestMultiprocessingFanOut(t *testing.T) {
	engine := newTestEngine()
	service := baseService("parallel")
	service.Multiprocessing = true
	service.MaxProcesses = 2

	var inFlight, peak atomic.Int32
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return automation.Result{automation.ResultValue: "ok"}, nil
	}

	devices := []*automation.Device{
		device("edge1", "10.0.0.1"), device("edge2", "10.0.0.2"),
		device("edge3", "10.0.0.3"), device("edge4", "10.0.0.4"),
	}
	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: devices,
	})
	require.NoError(t, err)

	assert.True(t, results.Success())
	assert.LessOrEqual(t, peak.Load(), int32(2), "worker pool bounded by max_processes")
	assert.EqualValues(t, 4, stateValue(t, engine, results, "parallel", "progress/device/success"))
	assert.Len(t, memoryRows(engine), 5)
}

func TestIterationValues(t *testing.T) {
	engine := newTestEngine()
	service := baseService("vlan")
	service.IterationValues = `["guest", "voice"]`
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		value, ok := run.GetVar("iteration_value", device.Name)
		require.True(t, ok)
		return automation.Result{automation.ResultValue: fmt.Sprintf("configured %v", value)}, nil
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1")},
	})
	require.NoError(t, err)

	assert.True(t, results.Success())
	deviceResults := results[automation.ResultValue].(map[string]any)
	edge1 := deviceResults["edge1"].(automation.Result)
	perValue := edge1[automation.ResultValue].(map[string]any)
	guest := perValue["guest"].(automation.Result)
	assert.Equal(t, "configured guest", guest[automation.ResultValue])
	voice := perValue["voice"].(automation.Result)
	assert.Equal(t, "configured voice", voice[automation.ResultValue])
}

func TestIterationDevices(t *testing.T) {
	engine := newTestEngine()
	memory := engine.Store().(*store.Memory)
	memory.AddDevice(device("leaf1", "10.0.1.1"))
	memory.AddDevice(device("leaf2", "10.0.1.2"))

	service := baseService("rollout")
	service.IterationDevices = `["10.0.1.1", "10.0.1.2"]`

	var leaves atomic.Int32
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		leaves.Add(1)
		return automation.Result{automation.ResultValue: "ok"}, nil
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service:  service,
		Workflow: &automation.Workflow{ID: "w1", Name: "rollout"},
		Creator:  "admin",
		Devices:  []*automation.Device{device("spine1", "10.0.0.1"), device("spine2", "10.0.0.2")},
	})
	require.NoError(t, err)

	assert.True(t, results.Success())
	assert.EqualValues(t, 4, leaves.Load(), "two parents times two iteration targets")
	summary := results[automation.ResultSummary].(map[string]any)
	assert.ElementsMatch(t, []string{"spine1", "spine2"}, summary["success"])
	assert.EqualValues(t, 2, stateValue(t, engine, results, "rollout", "progress/device/success"))

	var childAggregates int
	for _, row := range memoryRows(engine) {
		if row.ParentDeviceID != "" && row.DeviceID == "" {
			childAggregates++
		}
	}
	assert.Equal(t, 2, childAggregates, "one child run per parent device")
}

func TestIterationDevicesRequireWorkflow(t *testing.T) {
	engine := newTestEngine()
	service := baseService("orphan")
	service.IterationDevices = `["10.0.1.1"]`

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1")},
	})
	require.NoError(t, err)
	assert.False(t, results.Success())
	assert.Contains(t, results[automation.ResultValue], "workflow")
}

func TestDeviceQueryResolvesTargets(t *testing.T) {
	engine := newTestEngine()
	memory := engine.Store().(*store.Memory)
	memory.AddDevice(device("edge1", "10.0.0.1"))
	memory.AddDevice(device("edge2", "10.0.0.2"))

	service := baseService("queried")
	service.DeviceQuery = `["10.0.0.1", "10.0.0.2"]`

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
	})
	require.NoError(t, err)
	assert.True(t, results.Success())
	summary := results[automation.ResultSummary].(map[string]any)
	assert.ElementsMatch(t, []string{"edge1", "edge2"}, summary["success"])
}

func TestDeviceQueryUnresolvedFailsRun(t *testing.T) {
	engine := newTestEngine()
	service := baseService("unresolved")
	service.DeviceQuery = `["10.9.9.9"]`

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
	})
	require.NoError(t, err)
	assert.False(t, results.Success())
	assert.Contains(t, results[automation.ResultValue], "10.9.9.9")
}

func TestAllowedTargetsFilterDevices(t *testing.T) {
	engine := newTestEngine()
	service := baseService("restricted")

	results, err := engine.Execute(context.Background(), RunOptions{
		Service:        service,
		Creator:        "operator",
		Devices:        []*automation.Device{device("edge1", "10.0.0.1"), device("edge2", "10.0.0.2")},
		AllowedTargets: []string{"edge1"},
	})
	require.NoError(t, err)

	assert.True(t, results.Success())
	summary := results[automation.ResultSummary].(map[string]any)
	assert.Equal(t, []string{"edge1"}, summary["success"], "unauthorized devices silently removed")
}

func TestPerDeviceWithoutTargetsFails(t *testing.T) {
	engine := newTestEngine()
	results, err := engine.Execute(context.Background(), RunOptions{
		Service: baseService("empty"),
		Creator: "admin",
	})
	require.NoError(t, err)
	assert.False(t, results.Success())
}

func TestCounterInvariant(t *testing.T) {
	engine := newTestEngine()
	service := baseService("mixed")
	service.SkipQuery = `device.name == "edge3"`
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		if device.Name == "edge2" {
			return nil, errors.New("down")
		}
		return automation.Result{}, nil
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1"), device("edge2", "10.0.0.2"), device("edge3", "10.0.0.3")},
	})
	require.NoError(t, err)

	total := stateValue(t, engine, results, "mixed", "progress/device/total").(int64)
	success := stateValue(t, engine, results, "mixed", "progress/device/success").(int64)
	failure := stateValue(t, engine, results, "mixed", "progress/device/failure").(int64)
	skipped := stateValue(t, engine, results, "mixed", "progress/device/skipped").(int64)
	assert.EqualValues(t, 1, success)
	assert.EqualValues(t, 1, failure)
	assert.EqualValues(t, 1, skipped)
	assert.LessOrEqual(t, success+failure+skipped, total)
}

func TestDisableResultCreationKeepsFailures(t *testing.T) {
	engine := newTestEngine()
	service := baseService("quiet")
	service.DisableResultCreation = true
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		if device.Name == "edge2" {
			return nil, errors.New("unreachable")
		}
		return automation.Result{}, nil
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1"), device("edge2", "10.0.0.2")},
	})
	require.NoError(t, err)
	assert.False(t, results.Success())

	// the successful device row is suppressed; the failure and the main
	// aggregate are always kept
	rows := memoryRows(engine)
	require.Len(t, rows, 2)
	names := []string{rows[0].DeviceName, rows[1].DeviceName}
	assert.NotContains(t, names, "edge1")
	assert.Contains(t, names, "edge2")
}

type stubSession struct{ closed atomic.Bool }

func (s *stubSession) Send(ctx context.Context, payload string) (string, error) { return "", nil }
func (s *stubSession) Alive(ctx context.Context) error                          { return nil }
func (s *stubSession) Close() error                                             { s.closed.Store(true); return nil }

func TestRunDrainsConnectionCache(t *testing.T) {
	engine := newTestEngine()
	session := &stubSession{}
	service := baseService("connected")
	service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		engine.Cache().Put(conncache.Key{
			Protocol:       transport.ProtocolCLI,
			ParentRuntime:  run.ParentRuntime(),
			Device:         device.Name,
			ConnectionName: "default",
		}, session)
		return automation.Result{}, nil
	}

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1")},
	})
	require.NoError(t, err)

	assert.True(t, results.Success())
	assert.True(t, session.closed.Load(), "main-run closure drains the cache")
	runtime := results[automation.ResultRuntime].(string)
	assert.Zero(t, engine.Cache().Count(runtime))
}

func TestUniquePath(t *testing.T) {
	engine := newTestEngine()
	assert.Equal(t, "a>b", engine.uniquePath("run1", "a>b"))
	assert.Equal(t, "a>b~1", engine.uniquePath("run1", "a>b"))
	assert.Equal(t, "a>b~2", engine.uniquePath("run1", "a>b"))
	assert.Equal(t, "a>b", engine.uniquePath("run2", "a>b"), "paths are scoped per run tree")
}

func TestFormatDuration(t *testing.T) {
	for d, want := range map[string]string{
		"0s":     "0:00:00",
		"3s":     "0:00:03",
		"65s":    "0:01:05",
		"3725s":  "1:02:05",
		"7200s":  "2:00:00",
		"90061s": "25:01:01",
	} {
		parsed, err := time.ParseDuration(d)
		require.NoError(t, err)
		assert.Equal(t, want, formatDuration(parsed), d)
	}
}

func TestServicesListedOnce(t *testing.T) {
	engine := newTestEngine()
	service := baseService("listed")
	service.IterationValues = `["a", "b"]`

	results, err := engine.Execute(context.Background(), RunOptions{
		Service: service,
		Creator: "admin",
		Devices: []*automation.Device{device("edge1", "10.0.0.1")},
	})
	require.NoError(t, err)

	runtime := results[automation.ResultRuntime].(string)
	value, ok := engine.State().Get(context.Background(), runtime+"/services")
	require.True(t, ok)
	assert.Equal(t, []any{"listed"}, value)
}
