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

// Package conncache holds the run-scoped cache of open device sessions.
// An entry exists only while the session is believed alive: a failed
// liveness probe removes the key before the caller reopens. Sessions are
// exclusively owned by the worker currently using them; the connection
// name namespaces distinct logical sessions to one device.
package conncache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fleetrun/fleetrun/pkg/transport"
)

// Key addresses one cached session.
type Key struct {
	Protocol       transport.Protocol
	ParentRuntime  string
	Device         string
	ConnectionName string
}

// Cache is the process-wide session cache, keyed per run tree so that
// closing a run never touches another run's sessions.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]transport.Session
	logger  *slog.Logger
}

// New returns an empty cache.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{entries: map[Key]transport.Session{}, logger: logger}
}

// Get returns a cached session after probing its liveness. When startNew
// is set the cached entry is unconditionally closed and the miss is
// reported so the caller opens a fresh session. A dead entry is closed,
// removed and reported as a miss.
func (c *Cache) Get(ctx context.Context, key Key, startNew bool) (transport.Session, bool) {
	c.mu.Lock()
	session, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	if startNew {
		c.Evict(key)
		return nil, false
	}
	if err := session.Alive(ctx); err != nil {
		c.logger.Info("cached connection is dead, reopening",
			slog.String("device", key.Device),
			slog.String("protocol", string(key.Protocol)),
			slog.Any("error", err))
		c.Evict(key)
		return nil, false
	}
	return session, true
}

// Put inserts a freshly opened session.
func (c *Cache) Put(key Key, session transport.Session) {
	c.mu.Lock()
	c.entries[key] = session
	c.mu.Unlock()
}

// Evict closes and removes one entry. Close errors are logged, never
// raised.
func (c *Cache) Evict(key Key) {
	c.mu.Lock()
	session, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.close(key, session)
}

// CloseDevice closes every cached session to one device within a run
// tree, across all protocol families and connection names.
func (c *Cache) CloseDevice(parentRuntime, device string) {
	for _, key := range c.keys(func(k Key) bool {
		return k.ParentRuntime == parentRuntime && k.Device == device
	}) {
		c.Evict(key)
	}
}

// CloseAll closes every remaining session of a run tree, fanning the
// closes out to one worker per entry and waiting for completion. After
// CloseAll returns, no entry for parentRuntime remains.
func (c *Cache) CloseAll(parentRuntime string) {
	keys := c.keys(func(k Key) bool { return k.ParentRuntime == parentRuntime })

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(k Key) {
			defer wg.Done()
			c.Evict(k)
		}(key)
	}
	wg.Wait()
}

// Count reports the live entries for a run tree.
func (c *Cache) Count(parentRuntime string) int {
	return len(c.keys(func(k Key) bool { return k.ParentRuntime == parentRuntime }))
}

func (c *Cache) keys(match func(Key) bool) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []Key
	for key := range c.entries {
		if match(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *Cache) close(key Key, session transport.Session) {
	if err := session.Close(); err != nil {
		c.logger.Error("error while closing connection",
			slog.String("device", key.Device),
			slog.String("protocol", string(key.Protocol)),
			slog.String("connection", key.ConnectionName),
			slog.Any("error", err))
		return
	}
	c.logger.Info("closed connection",
		slog.String("device", key.Device),
		slog.String("protocol", string(key.Protocol)),
		slog.String("connection", key.ConnectionName))
}
