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
	"time"

	"github.com/fleetrun/fleetrun/pkg/automation"
)

// Timestamp kinds tracked on devices and mirrored to timestamps.json.
const (
	TimestampLastFailure = "last_failure"
	TimestampLastRuntime = "last_runtime"
	TimestampLastUpdate  = "last_update"
	TimestampLastStatus  = "last_status"
)

// BackupJob returns a per-device job that collects the running
// configuration over the service's protocol, records it on the device and
// mirrors it to the on-disk snapshot layout under root.
func (e *Engine) BackupJob(command, root string) automation.JobFunc {
	return func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
		if device == nil {
			return nil, fmt.Errorf("configuration backup runs per device")
		}
		session, err := run.Session(ctx, device)
		if err != nil {
			e.stampDevice(device, TimestampLastFailure)
			return nil, err
		}
		output, err := session.Send(ctx, command)
		if err != nil {
			e.stampDevice(device, TimestampLastFailure)
			return nil, err
		}

		stamp := time.Now().UTC().Format(time.RFC3339)
		if device.Configurations == nil {
			device.Configurations = map[string]string{}
		}
		device.Configurations[stamp] = output
		e.stampDevice(device, TimestampLastRuntime, TimestampLastUpdate, TimestampLastStatus)

		if err := e.recorder.WriteConfigurationSnapshot(root, device); err != nil {
			return nil, err
		}
		return automation.Result{
			automation.ResultSuccess: true,
			automation.ResultValue:   fmt.Sprintf("configuration captured at %s", stamp),
		}, nil
	}
}

func (e *Engine) stampDevice(device *automation.Device, kinds ...string) {
	now := time.Now().UTC().Format(time.RFC3339)
	if device.Timestamps == nil {
		device.Timestamps = map[string]map[string]string{}
	}
	for _, kind := range kinds {
		instants := device.Timestamps[kind]
		if instants == nil {
			instants = map[string]string{}
			device.Timestamps[kind] = instants
		}
		instants["configuration"] = now
	}
}
