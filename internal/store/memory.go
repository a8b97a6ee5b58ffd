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

package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetrun/fleetrun/pkg/automation"
	fleeterrors "github.com/fleetrun/fleetrun/pkg/errors"
)

// Memory is the embedded backend. It backs tests and single-process
// deployments that do not need durability.
type Memory struct {
	mu          sync.RWMutex
	devices     []*automation.Device
	pools       []*automation.Pool
	services    []*automation.Service
	users       []*automation.User
	tasks       []*automation.Task
	results     []*ResultRow
	serviceLogs []*ServiceLogRow

	// credentials keyed by user name; the empty key is the fallback.
	credentials map[string]*automation.Credential

	// CommitErr, when set, makes the next session commit fail once.
	// Tests use it to exercise the rollback path.
	CommitErr error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{credentials: map[string]*automation.Credential{}}
}

var _ Store = (*Memory)(nil)

// Seed helpers.

func (m *Memory) AddDevice(d *automation.Device)         { m.mu.Lock(); m.devices = append(m.devices, d); m.mu.Unlock() }
func (m *Memory) AddPool(p *automation.Pool)             { m.mu.Lock(); m.pools = append(m.pools, p); m.mu.Unlock() }
func (m *Memory) AddService(s *automation.Service)       { m.mu.Lock(); m.services = append(m.services, s); m.mu.Unlock() }
func (m *Memory) AddUser(u *automation.User)             { m.mu.Lock(); m.users = append(m.users, u); m.mu.Unlock() }
func (m *Memory) AddTask(t *automation.Task)             { m.mu.Lock(); m.tasks = append(m.tasks, t); m.mu.Unlock() }
func (m *Memory) SetCredential(user string, c *automation.Credential) {
	m.mu.Lock()
	m.credentials[user] = c
	m.mu.Unlock()
}

// Fetch implements Store.
func (m *Memory) Fetch(ctx context.Context, model string, filters map[string]any) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entity := range m.all(model) {
		if matches(model, entity, filters) {
			return entity, nil
		}
	}
	return nil, &fleeterrors.NotFoundError{Resource: model, ID: fmt.Sprint(filters)}
}

// FetchAll implements Store.
func (m *Memory) FetchAll(ctx context.Context, model string) ([]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.all(model), nil
}

// Factory implements Store.
func (m *Memory) Factory(ctx context.Context, model string, fields map[string]any) (any, error) {
	str := func(key string) string { return asString(fields[key]) }
	switch model {
	case ModelDevice:
		d := &automation.Device{ID: orID(str("id")), Name: str("name"), IPAddress: str("ip_address")}
		m.AddDevice(d)
		return d, nil
	case ModelPool:
		p := &automation.Pool{ID: orID(str("id")), Name: str("name")}
		m.AddPool(p)
		return p, nil
	case ModelServiceLog:
		row := &ServiceLogRow{Runtime: str("runtime"), ServiceID: str("service"), Content: str("content")}
		if err := m.CreateServiceLog(ctx, row); err != nil {
			return nil, err
		}
		return row, nil
	default:
		return nil, &fleeterrors.ValidationError{
			Field:   "model",
			Message: fmt.Sprintf("factory does not support %q", model),
		}
	}
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, model string, filters map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch model {
	case ModelDevice:
		kept := m.devices[:0]
		for _, d := range m.devices {
			if !matches(model, d, filters) {
				kept = append(kept, d)
			}
		}
		m.devices = kept
		return nil
	case ModelPool:
		kept := m.pools[:0]
		for _, p := range m.pools {
			if !matches(model, p, filters) {
				kept = append(kept, p)
			}
		}
		m.pools = kept
		return nil
	default:
		return &fleeterrors.ValidationError{
			Field:   "model",
			Message: fmt.Sprintf("delete does not support %q", model),
		}
	}
}

// Credential implements Store.
func (m *Memory) Credential(ctx context.Context, user, deviceName, credentialType string) (*automation.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.credentials[user]; ok {
		return c, nil
	}
	if c, ok := m.credentials[""]; ok {
		return c, nil
	}
	return nil, &fleeterrors.NotFoundError{Resource: "credential", ID: user}
}

// CreateResult implements Store.
func (m *Memory) CreateResult(ctx context.Context, row *ResultRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.results = append(m.results, row)
	m.mu.Unlock()
	return nil
}

// FetchResults implements Store.
func (m *Memory) FetchResults(ctx context.Context, filters map[string]any) ([]*ResultRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ResultRow
	for _, row := range m.results {
		if matchesResult(row, filters) {
			out = append(out, row)
		}
	}
	return out, nil
}

// CreateServiceLog implements Store.
func (m *Memory) CreateServiceLog(ctx context.Context, row *ServiceLogRow) error {
	m.mu.Lock()
	m.serviceLogs = append(m.serviceLogs, row)
	m.mu.Unlock()
	return nil
}

// ServiceLogs exposes the persisted log rows for assertions.
func (m *Memory) ServiceLogs() []*ServiceLogRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*ServiceLogRow(nil), m.serviceLogs...)
}

// Results exposes the persisted result rows for assertions.
func (m *Memory) Results() []*ResultRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*ResultRow(nil), m.results...)
}

// Session implements Store.
func (m *Memory) Session() Session {
	return &memorySession{store: m}
}

type memorySession struct {
	store *Memory
}

func (s *memorySession) Commit() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if err := s.store.CommitErr; err != nil {
		s.store.CommitErr = nil
		return err
	}
	return nil
}

func (s *memorySession) Rollback() {}

func (m *Memory) all(model string) []any {
	switch model {
	case ModelDevice:
		return asAny(m.devices)
	case ModelPool:
		return asAny(m.pools)
	case ModelService:
		return asAny(m.services)
	case ModelUser:
		return asAny(m.users)
	case ModelTask:
		return asAny(m.tasks)
	case ModelResult:
		return asAny(m.results)
	default:
		return nil
	}
}

func asAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// matches compares filter values against the addressable fields of each
// model, the subset the device query property and helper lookups use.
func matches(model string, entity any, filters map[string]any) bool {
	for key, want := range filters {
		if asString(want) != field(model, entity, key) {
			return false
		}
	}
	return true
}

func field(model string, entity any, key string) string {
	switch e := entity.(type) {
	case *automation.Device:
		switch key {
		case "id":
			return e.ID
		case "name":
			return e.Name
		case "ip_address":
			return e.IPAddress
		case "port":
			return strconv.Itoa(e.Port)
		}
	case *automation.Pool:
		switch key {
		case "id":
			return e.ID
		case "name":
			return e.Name
		}
	case *automation.Service:
		switch key {
		case "id":
			return e.ID
		case "name":
			return e.Name
		case "scoped_name":
			return e.ScopedName
		}
	case *automation.User:
		if key == "name" {
			return e.Name
		}
	case *automation.Task:
		switch key {
		case "id":
			return e.ID
		case "name":
			return e.Name
		}
	}
	return ""
}

func matchesResult(row *ResultRow, filters map[string]any) bool {
	for key, want := range filters {
		var got string
		switch key {
		case "run_id":
			got = row.RunID
		case "service_id":
			got = row.ServiceID
		case "parent_runtime":
			got = row.ParentRuntime
		case "device_id":
			got = row.DeviceID
		case "device_name":
			got = row.DeviceName
		case "workflow_id":
			got = row.WorkflowID
		default:
			return false
		}
		if asString(want) != got {
			return false
		}
	}
	return true
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func orID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}
