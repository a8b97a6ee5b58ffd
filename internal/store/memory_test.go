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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/pkg/automation"
	fleeterrors "github.com/fleetrun/fleetrun/pkg/errors"
)

func TestFetchByFilters(t *testing.T) {
	ctx := context.Background()
	memory := NewMemory()
	memory.AddDevice(&automation.Device{ID: "d1", Name: "edge1", IPAddress: "10.0.0.1"})
	memory.AddDevice(&automation.Device{ID: "d2", Name: "edge2", IPAddress: "10.0.0.2"})

	entity, err := memory.Fetch(ctx, ModelDevice, map[string]any{"name": "edge2"})
	require.NoError(t, err)
	assert.Equal(t, "d2", entity.(*automation.Device).ID)

	entity, err = memory.Fetch(ctx, ModelDevice, map[string]any{"ip_address": "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "d1", entity.(*automation.Device).ID)

	_, err = memory.Fetch(ctx, ModelDevice, map[string]any{"name": "edge9"})
	require.Error(t, err)
	var notFound *fleeterrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestFactoryAndDelete(t *testing.T) {
	ctx := context.Background()
	memory := NewMemory()

	entity, err := memory.Factory(ctx, ModelDevice, map[string]any{"name": "edge1", "ip_address": "10.0.0.1"})
	require.NoError(t, err)
	device := entity.(*automation.Device)
	assert.NotEmpty(t, device.ID)

	require.NoError(t, memory.Delete(ctx, ModelDevice, map[string]any{"name": "edge1"}))
	_, err = memory.Fetch(ctx, ModelDevice, map[string]any{"name": "edge1"})
	assert.Error(t, err)

	_, err = memory.Factory(ctx, ModelUser, nil)
	assert.Error(t, err, "factory only supports whitelisted models")
}

func TestCredentialFallback(t *testing.T) {
	ctx := context.Background()
	memory := NewMemory()
	memory.SetCredential("", &automation.Credential{Username: "default-user"})
	memory.SetCredential("alice", &automation.Credential{Username: "alice-user"})

	credential, err := memory.Credential(ctx, "alice", "edge1", "")
	require.NoError(t, err)
	assert.Equal(t, "alice-user", credential.Username)

	credential, err = memory.Credential(ctx, "bob", "edge1", "")
	require.NoError(t, err)
	assert.Equal(t, "default-user", credential.Username)
}

func TestResultRows(t *testing.T) {
	ctx := context.Background()
	memory := NewMemory()
	require.NoError(t, memory.CreateResult(ctx, &ResultRow{
		RunID:         "r1",
		ServiceID:     "s1",
		ParentRuntime: "r1",
		DeviceID:      "d1",
		DeviceName:    "edge1",
		Success:       true,
	}))
	require.NoError(t, memory.CreateResult(ctx, &ResultRow{
		RunID:         "r1",
		ServiceID:     "s1",
		ParentRuntime: "r1",
		Success:       true,
	}))

	rows, err := memory.FetchResults(ctx, map[string]any{"device_name": "edge1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotEmpty(t, rows[0].ID)
	assert.False(t, rows[0].CreatedAt.IsZero())

	rows, err = memory.FetchResults(ctx, map[string]any{"run_id": "r1"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSessionCommitFailure(t *testing.T) {
	memory := NewMemory()
	memory.CommitErr = errors.New("disk full")

	session := memory.Session()
	require.Error(t, session.Commit())
	session.Rollback()

	// the failure is consumed; the next commit goes through
	assert.NoError(t, memory.Session().Commit())
}
