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

package state

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return map[string]Store{
		"memory": NewMemory(),
		"redis":  NewRedisFromClient(client),
	}
}

func TestWriteMethods(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Write(ctx, "run1/state/s1/status", "Running", MethodSet))
			value, ok := store.Get(ctx, "run1/state/s1/status")
			require.True(t, ok)
			assert.Equal(t, "Running", value)

			require.NoError(t, store.Write(ctx, "run1/state/s1/status", "Completed", MethodSet))
			value, _ = store.Get(ctx, "run1/state/s1/status")
			assert.Equal(t, "Completed", value)

			require.NoError(t, store.Write(ctx, "run1/state/s1/progress/device/total", 3, MethodIncrement))
			require.NoError(t, store.Write(ctx, "run1/state/s1/progress/device/total", 2, MethodIncrement))
			value, ok = store.Get(ctx, "run1/state/s1/progress/device/total")
			require.True(t, ok)
			assert.EqualValues(t, 5, asInt64(value))

			require.NoError(t, store.Write(ctx, "run1/services", "a", MethodAppend))
			require.NoError(t, store.Write(ctx, "run1/services", "b", MethodAppend))
			value, ok = store.Get(ctx, "run1/services")
			require.True(t, ok)
			list, isList := value.([]any)
			require.True(t, isList)
			assert.Len(t, list, 2)
			assert.Contains(t, list, "a")
			assert.Contains(t, list, "b")
		})
	}
}

func TestConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = store.Write(ctx, "run/state/x/progress/device/success", 1, MethodIncrement)
				}()
			}
			wg.Wait()
			value, ok := store.Get(ctx, "run/state/x/progress/device/success")
			require.True(t, ok)
			assert.EqualValues(t, 50, asInt64(value))
		})
	}
}

func TestGetSubtree(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.Write(ctx, "run/state/s/progress/device/total", 4, MethodIncrement))
	require.NoError(t, store.Write(ctx, "run/state/s/progress/device/success", 2, MethodIncrement))
	require.NoError(t, store.Write(ctx, "run/state/s/status", "Running", MethodSet))

	value, ok := store.Get(ctx, "run/state/s")
	require.True(t, ok)
	subtree, isMap := value.(map[string]any)
	require.True(t, isMap)
	assert.Equal(t, "Running", subtree["status"])
	progress := subtree["progress"].(map[string]any)["device"].(map[string]any)
	assert.EqualValues(t, 4, asInt64(progress["total"]))
	assert.EqualValues(t, 2, asInt64(progress["success"]))

	_, ok = store.Get(ctx, "run/state/missing")
	assert.False(t, ok)
}

func TestRedisBooleansAsStrings(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisFromClient(client)

	require.NoError(t, store.Write(ctx, "run/state/s/success", true, MethodSet))
	raw, err := client.Get(ctx, "run/state/s/success").Result()
	require.NoError(t, err)
	assert.Equal(t, "true", raw)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				require.NoError(t, store.Write(ctx, fmt.Sprintf("run/state/s/k%d", i), i, MethodSet))
			}
			require.NoError(t, store.Clear(ctx, "run"))
			_, ok := store.Get(ctx, "run/state/s/k0")
			assert.False(t, ok)
		})
	}
}
