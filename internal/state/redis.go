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
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the external KV backend. The tree path is used as the key
// as-is (already /-flattened); booleans are serialized as strings since
// the KV service is string-typed. Increments use the service's native
// atomic counter.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the KV service and verifies the connection.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client, used by tests.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

var _ Store = (*Redis)(nil)

// Write implements Store.
func (r *Redis) Write(ctx context.Context, path string, value any, method Method) error {
	if b, ok := value.(bool); ok {
		value = strconv.FormatBool(b)
	}
	switch method {
	case MethodIncrement:
		return r.client.IncrBy(ctx, path, asInt64(value)).Err()
	case MethodAppend:
		return r.client.RPush(ctx, path, value).Err()
	default:
		return r.client.Set(ctx, path, fmt.Sprint(value), 0).Err()
	}
}

// Get implements Store. An exact key returns its value; otherwise the
// keys below path are folded back into a nested map.
func (r *Redis) Get(ctx context.Context, path string) (any, bool) {
	if v, ok := r.readKey(ctx, path); ok {
		return v, true
	}
	keys, err := r.client.Keys(ctx, path+"/*").Result()
	if err != nil || len(keys) == 0 {
		return nil, false
	}
	tree := map[string]any{}
	for _, key := range keys {
		value, ok := r.readKey(ctx, key)
		if !ok {
			continue
		}
		node := tree
		parts := strings.Split(strings.TrimPrefix(key, path+"/"), "/")
		for _, part := range parts[:len(parts)-1] {
			child, _ := node[part].(map[string]any)
			if child == nil {
				child = map[string]any{}
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return tree, true
}

// readKey reads one key regardless of its shape: scalar via GET, appended
// lists via LRANGE.
func (r *Redis) readKey(ctx context.Context, key string) (any, bool) {
	kind, err := r.client.Type(ctx, key).Result()
	if err != nil {
		return nil, false
	}
	switch kind {
	case "string":
		v, err := r.client.Get(ctx, key).Result()
		if err != nil {
			return nil, false
		}
		// counters come back as strings; decode them so both backends
		// read equivalently
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, true
		}
		return v, true
	case "list":
		items, err := r.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, false
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

// Clear implements Store.
func (r *Redis) Clear(ctx context.Context, path string) error {
	keys, err := r.client.Keys(ctx, path+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Client exposes the underlying connection for the engine's stop flags.
func (r *Redis) Client() *redis.Client {
	return r.client
}
