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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fleetrun/fleetrun/internal/runner"
	"github.com/fleetrun/fleetrun/internal/store"
	"github.com/fleetrun/fleetrun/pkg/automation"
)

// serviceFile is the on-disk shape of one service invocation: the service
// definition plus the inputs of the built-in job bound by its type.
type serviceFile struct {
	Service automation.Service `yaml:"service"`

	// Command is sent over the device session by the command and backup
	// job types.
	Command string `yaml:"command"`

	// BackupRoot is where the backup job mirrors configurations;
	// defaults to the working directory.
	BackupRoot string `yaml:"backup_root"`

	// Devices names the inventory devices to target. Empty targets the
	// whole inventory.
	Devices []string `yaml:"devices"`
}

// inventoryFile lists the devices and the fallback credential.
type inventoryFile struct {
	Devices    []*automation.Device  `yaml:"devices"`
	Credential automation.Credential `yaml:"credential"`
}

// loadRun reads the service and inventory files, seeds the engine's store
// and binds the built-in job for the service type (command, backup or
// noop).
func loadRun(engine *runner.Engine, servicePath, inventoryPath, creator string) (runner.RunOptions, error) {
	var opts runner.RunOptions

	var definition serviceFile
	if err := readYAML(servicePath, &definition); err != nil {
		return opts, err
	}
	var inventory inventoryFile
	if err := readYAML(inventoryPath, &inventory); err != nil {
		return opts, err
	}

	service := &definition.Service
	if service.ID == "" {
		service.ID = uuid.NewString()
	}
	if service.RunMethod == "" {
		service.RunMethod = automation.RunPerDevice
	}
	// A zero attempt cap would mean the job never executes; a definition
	// that omits the knob gets the model default.
	if service.MaxNumberOfRetries == 0 {
		service.MaxNumberOfRetries = 100
	}

	switch service.Type {
	case "command", "":
		if definition.Command == "" {
			return opts, fmt.Errorf("service type command requires a command")
		}
		command := definition.Command
		service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
			session, err := run.Session(ctx, device)
			if err != nil {
				return nil, err
			}
			output, err := session.Send(ctx, command)
			if err != nil {
				return nil, err
			}
			return automation.Result{automation.ResultValue: output}, nil
		}
	case "backup":
		root := definition.BackupRoot
		if root == "" {
			root, _ = os.Getwd()
		}
		service.Job = engine.BackupJob(definition.Command, root)
	case "noop":
		service.Job = func(ctx context.Context, run automation.JobContext, device *automation.Device) (automation.Result, error) {
			return automation.Result{automation.ResultSuccess: true}, nil
		}
	default:
		return opts, fmt.Errorf("unknown service type %q", service.Type)
	}

	byName := map[string]*automation.Device{}
	for _, device := range inventory.Devices {
		if device.ID == "" {
			device.ID = uuid.NewString()
		}
		byName[device.Name] = device
	}
	if err := seedStore(engine, &inventory); err != nil {
		return opts, err
	}

	var targets []*automation.Device
	if len(definition.Devices) == 0 {
		targets = inventory.Devices
	} else {
		for _, name := range definition.Devices {
			device, found := byName[name]
			if !found {
				return opts, fmt.Errorf("device %q is not in the inventory", name)
			}
			targets = append(targets, device)
		}
	}

	opts = runner.RunOptions{
		Service: service,
		Creator: creator,
		Trigger: "cli",
		Devices: targets,
	}
	return opts, nil
}

// seedStore loads the inventory into whichever backend the engine runs
// on, so expression helpers and credential resolution see the devices.
func seedStore(engine *runner.Engine, inventory *inventoryFile) error {
	ctx := context.Background()
	switch st := engine.Store().(type) {
	case *store.Memory:
		for _, device := range inventory.Devices {
			st.AddDevice(device)
		}
		st.SetCredential("", &inventory.Credential)
		return nil
	case *store.SQLite:
		for _, device := range inventory.Devices {
			if err := st.SaveEntity(ctx, store.ModelDevice, device); err != nil {
				return fmt.Errorf("saving device %s: %w", device.Name, err)
			}
		}
		return st.SetCredential(ctx, "", &inventory.Credential)
	default:
		return nil
	}
}

func readYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
