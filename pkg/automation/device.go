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
	"sort"

	"github.com/fleetrun/fleetrun/pkg/transport"
)

// Device is a persisted network element.
type Device struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	IPAddress string `yaml:"ip_address" json:"ip_address"`
	Port      int    `yaml:"port" json:"port"`

	// Per-protocol driver names, consulted when a service sets
	// use_device_driver.
	CLIDriver       string `yaml:"cli_driver" json:"cli_driver"`
	StreamCLIDriver string `yaml:"streamcli_driver" json:"streamcli_driver"`
	GenericDriver   string `yaml:"generic_driver" json:"generic_driver"`
	NetconfDriver   string `yaml:"netconf_driver" json:"netconf_driver"`

	// Configurations maps a capture timestamp to the configuration text
	// captured at that instant.
	Configurations map[string]string `yaml:"configurations" json:"configurations"`

	// Timestamps maps a timestamp kind (last_failure, last_runtime,
	// last_update, last_status) to named timestamp instants, as written to
	// the on-disk snapshot layout.
	Timestamps map[string]map[string]string `yaml:"timestamps" json:"timestamps"`
}

// Driver returns the device driver name for the protocol family.
func (d *Device) Driver(protocol transport.Protocol) string {
	switch protocol {
	case transport.ProtocolCLI:
		return d.CLIDriver
	case transport.ProtocolStreamCLI:
		return d.StreamCLIDriver
	case transport.ProtocolNetconf:
		return d.NetconfDriver
	default:
		return d.GenericDriver
	}
}

// Target returns the protocol endpoint of the device.
func (d *Device) Target(protocol transport.Protocol) transport.Target {
	return transport.Target{Host: d.IPAddress, Port: d.Port, Driver: d.Driver(protocol)}
}

// LatestConfiguration returns the most recently captured configuration
// text, or "" when none has been captured.
func (d *Device) LatestConfiguration() string {
	if len(d.Configurations) == 0 {
		return ""
	}
	stamps := make([]string, 0, len(d.Configurations))
	for stamp := range d.Configurations {
		stamps = append(stamps, stamp)
	}
	sort.Strings(stamps)
	return d.Configurations[stamps[len(stamps)-1]]
}

// Pool is a named, possibly computed, set of devices.
type Pool struct {
	ID      string    `yaml:"id" json:"id"`
	Name    string    `yaml:"name" json:"name"`
	Devices []*Device `yaml:"-" json:"-"`

	// Compute refreshes membership when set; query-based pools bind it at
	// load time. A nil Compute leaves the materialized membership as is.
	Compute func() []*Device `yaml:"-" json:"-"`
}

// ComputePool refreshes the materialized membership.
func (p *Pool) ComputePool() {
	if p.Compute != nil {
		p.Devices = p.Compute()
	}
}

// Credential is the authentication material the store hands back for a
// (user, device) pair. Password, PrivateKey and EnablePassword are
// ciphertext; the secret service decrypts them.
type Credential struct {
	Name           string `yaml:"name" json:"name"`
	Username       string `yaml:"username" json:"username"`
	Subtype        string `yaml:"subtype" json:"subtype"` // password or key
	Password       string `yaml:"password" json:"password"`
	PrivateKey     string `yaml:"private_key" json:"private_key"`
	EnablePassword string `yaml:"enable_password" json:"enable_password"`
}

// User is the identity a run executes as.
type User struct {
	Name     string `yaml:"name" json:"name"`
	Password string `yaml:"password" json:"password"`
}

// Task is the trigger descriptor of a scheduled run. The runner only reads
// it: a task with neither a frequency nor a calendar expression is one-shot
// and goes inactive once its run completes.
type Task struct {
	ID                string `yaml:"id" json:"id"`
	Name              string `yaml:"name" json:"name"`
	Frequency         string `yaml:"frequency" json:"frequency"`
	CrontabExpression string `yaml:"crontab_expression" json:"crontab_expression"`
	IsActive          bool   `yaml:"is_active" json:"is_active"`
}

// OneShot reports whether the task fires exactly once.
func (t *Task) OneShot() bool {
	return t.Frequency == "" && t.CrontabExpression == ""
}
