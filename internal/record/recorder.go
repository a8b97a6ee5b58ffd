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

// Package record normalizes run results to a transport-safe shape and
// persists them through the object store. It also writes the on-disk
// configuration snapshot layout.
package record

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fleetrun/fleetrun/internal/store"
	"github.com/fleetrun/fleetrun/pkg/automation"
)

// Recorder persists normalized results.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a recorder.
func New(st store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger}
}

// Compliant normalizes a value for persistence: maps and lists pass
// through recursively, scalars pass through, anything else is stringified
// with a log message. Compliant is idempotent.
func (r *Recorder) Compliant(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = r.Compliant(child)
		}
		return out
	case automation.Result:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = r.Compliant(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = r.Compliant(child)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = child
		}
		return out
	case nil, bool, string, int, int32, int64, float32, float64:
		return v
	default:
		r.logger.Info("converting result value to string", slog.String("value", fmt.Sprint(v)))
		return fmt.Sprint(v)
	}
}

// Persist normalizes the row's result payload and writes the row.
func (r *Recorder) Persist(ctx context.Context, row *store.ResultRow) error {
	if row.Result != nil {
		row.Result = r.Compliant(row.Result).(map[string]any)
		if ok, found := row.Result[automation.ResultSuccess].(bool); found {
			row.Success = ok
		}
	}
	return r.store.CreateResult(ctx, row)
}

// FlushServiceLogs writes one service_log row per contributing service.
func (r *Recorder) FlushServiceLogs(ctx context.Context, runtime string, logs map[string][]string) error {
	for serviceID, lines := range logs {
		row := &store.ServiceLogRow{Runtime: runtime, ServiceID: serviceID, Content: join(lines)}
		if err := r.store.CreateServiceLog(ctx, row); err != nil {
			return fmt.Errorf("persisting service log for %s: %w", serviceID, err)
		}
	}
	return nil
}

// WriteConfigurationSnapshot mirrors a device's latest configuration and
// property timestamps under root/git/configurations/<device>/. The layout
// is what the synchronisation job expects: one file per stored
// configuration property plus a timestamps.json.
func (r *Recorder) WriteConfigurationSnapshot(root string, device *automation.Device) error {
	dir := filepath.Join(root, "git", "configurations", device.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	if content := device.LatestConfiguration(); content != "" {
		path := filepath.Join(dir, "configuration")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing configuration snapshot: %w", err)
		}
	}
	raw, err := json.MarshalIndent(device.Timestamps, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding timestamps: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "timestamps.json"), raw, 0o644); err != nil {
		return fmt.Errorf("writing timestamps: %w", err)
	}
	return nil
}

func join(lines []string) string {
	out := ""
	for i, line := range lines {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}
