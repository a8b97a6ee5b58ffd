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

// Package store is the object store the runner persists through: entity
// lookup and creation by model name, credential retrieval, result and
// service-log rows, and a transactional session per run. Backends:
// memory (embedded, tests) and sqlite.
package store

import (
	"context"
	"time"

	"github.com/fleetrun/fleetrun/pkg/automation"
)

// Model names accepted by Fetch/FetchAll/Factory/Delete.
const (
	ModelDevice     = "device"
	ModelPool       = "pool"
	ModelService    = "service"
	ModelUser       = "user"
	ModelTask       = "task"
	ModelResult     = "result"
	ModelServiceLog = "service_log"
)

// ResultRow is one persisted result record: the outcome of a run, a
// device within a run, or an iteration leaf.
type ResultRow struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	ServiceID       string         `json:"service"`
	ParentServiceID string         `json:"parent_service"`
	ParentRuntime   string         `json:"parent_runtime"`
	WorkflowID      string         `json:"workflow,omitempty"`
	ParentDeviceID  string         `json:"parent_device,omitempty"`
	DeviceID        string         `json:"device,omitempty"`
	DeviceName      string         `json:"device_name,omitempty"`
	Success         bool           `json:"success"`
	Duration        string         `json:"duration"`
	Result          map[string]any `json:"result"`
	Tags            []string       `json:"tags,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ServiceLogRow carries the accumulated log lines of one contributing
// service for one run.
type ServiceLogRow struct {
	Runtime   string `json:"runtime"`
	ServiceID string `json:"service"`
	Content   string `json:"content"`
}

// Session is the transactional session of one run. Commit attempts are
// wrapped with rollback-on-failure by the runner.
type Session interface {
	Commit() error
	Rollback()
}

// Store is the persistence contract the engine consumes. Failures carry
// domain-tagged errors (pkg/errors).
type Store interface {
	// Fetch returns the first entity of the model matching every filter.
	Fetch(ctx context.Context, model string, filters map[string]any) (any, error)

	// FetchAll returns every entity of the model.
	FetchAll(ctx context.Context, model string) ([]any, error)

	// Factory creates an entity of the model from the given fields.
	Factory(ctx context.Context, model string, fields map[string]any) (any, error)

	// Delete removes the entities of the model matching every filter.
	Delete(ctx context.Context, model string, filters map[string]any) error

	// Credential resolves the credential for a user, optionally scoped to
	// a device and a credential type.
	Credential(ctx context.Context, user, deviceName, credentialType string) (*automation.Credential, error)

	// CreateResult persists one result row.
	CreateResult(ctx context.Context, row *ResultRow) error

	// FetchResults returns the result rows matching every filter, most
	// recent last.
	FetchResults(ctx context.Context, filters map[string]any) ([]*ResultRow, error)

	// CreateServiceLog persists one service-log row.
	CreateServiceLog(ctx context.Context, row *ServiceLogRow) error

	// Session returns the transactional session of the current run.
	Session() Session
}
