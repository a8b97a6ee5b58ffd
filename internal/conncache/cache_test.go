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

package conncache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/pkg/transport"
)

type fakeSession struct {
	alive  atomic.Bool
	closed atomic.Bool
}

func newFakeSession(alive bool) *fakeSession {
	s := &fakeSession{}
	s.alive.Store(alive)
	return s
}

func (s *fakeSession) Send(ctx context.Context, payload string) (string, error) {
	return "ok", nil
}

func (s *fakeSession) Alive(ctx context.Context) error {
	if !s.alive.Load() {
		return errors.New("connection lost")
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

func key(device string) Key {
	return Key{
		Protocol:       transport.ProtocolCLI,
		ParentRuntime:  "run1",
		Device:         device,
		ConnectionName: "default",
	}
}

func TestGetReturnsLiveSession(t *testing.T) {
	cache := New(nil)
	session := newFakeSession(true)
	cache.Put(key("edge1"), session)

	got, ok := cache.Get(context.Background(), key("edge1"), false)
	require.True(t, ok)
	assert.Same(t, session, got.(*fakeSession))
}

func TestGetEvictsDeadSession(t *testing.T) {
	cache := New(nil)
	session := newFakeSession(false)
	cache.Put(key("edge1"), session)

	_, ok := cache.Get(context.Background(), key("edge1"), false)
	assert.False(t, ok)
	assert.True(t, session.closed.Load(), "dead session should be closed on eviction")
	assert.Zero(t, cache.Count("run1"))
}

func TestStartNewClosesCachedEntry(t *testing.T) {
	cache := New(nil)
	session := newFakeSession(true)
	cache.Put(key("edge1"), session)

	_, ok := cache.Get(context.Background(), key("edge1"), true)
	assert.False(t, ok, "start_new_connection must report a miss")
	assert.True(t, session.closed.Load())
}

func TestConnectionNameNamespacesEntries(t *testing.T) {
	cache := New(nil)
	first := newFakeSession(true)
	second := newFakeSession(true)
	base := key("edge1")
	named := base
	named.ConnectionName = "secondary"
	cache.Put(base, first)
	cache.Put(named, second)

	got, ok := cache.Get(context.Background(), named, false)
	require.True(t, ok)
	assert.Same(t, second, got.(*fakeSession))
	assert.Equal(t, 2, cache.Count("run1"))
}

func TestCloseDevice(t *testing.T) {
	cache := New(nil)
	edge1 := newFakeSession(true)
	edge2 := newFakeSession(true)
	cache.Put(key("edge1"), edge1)
	cache.Put(key("edge2"), edge2)

	cache.CloseDevice("run1", "edge1")
	assert.True(t, edge1.closed.Load())
	assert.False(t, edge2.closed.Load())
	assert.Equal(t, 1, cache.Count("run1"))
}

func TestCloseAllEmptiesRun(t *testing.T) {
	cache := New(nil)
	sessions := make([]*fakeSession, 5)
	for i := range sessions {
		sessions[i] = newFakeSession(true)
		k := key("edge1")
		k.Device = string(rune('a' + i))
		cache.Put(k, sessions[i])
	}
	other := newFakeSession(true)
	otherKey := key("edge9")
	otherKey.ParentRuntime = "run2"
	cache.Put(otherKey, other)

	cache.CloseAll("run1")
	assert.Zero(t, cache.Count("run1"))
	for _, session := range sessions {
		assert.True(t, session.closed.Load())
	}
	assert.False(t, other.closed.Load(), "other runs must not be touched")
	assert.Equal(t, 1, cache.Count("run2"))
}
