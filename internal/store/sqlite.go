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
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fleetrun/fleetrun/pkg/automation"
	fleeterrors "github.com/fleetrun/fleetrun/pkg/errors"
)

// SQLite is the durable single-node backend. Entities live in per-model
// tables with a JSON data column plus the indexed columns lookups filter
// on.
type SQLite struct {
	db *sql.DB

	txMu sync.Mutex
	tx   *sql.Tx
}

// SQLiteConfig contains connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// NewSQLite opens (and migrates) the database.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

var _ Store = (*SQLite)(nil)

func (s *SQLite) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			model TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			ip_address TEXT,
			data TEXT NOT NULL,
			PRIMARY KEY (model, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(model, name)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			user TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			service_id TEXT NOT NULL,
			parent_service_id TEXT,
			parent_runtime TEXT NOT NULL,
			workflow_id TEXT,
			parent_device_id TEXT,
			device_id TEXT,
			device_name TEXT,
			success INTEGER NOT NULL,
			duration TEXT,
			result TEXT,
			tags TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_parent_runtime ON results(parent_runtime)`,
		`CREATE INDEX IF NOT EXISTS idx_results_service ON results(service_id)`,
		`CREATE TABLE IF NOT EXISTS service_logs (
			runtime TEXT NOT NULL,
			service_id TEXT NOT NULL,
			content TEXT,
			PRIMARY KEY (runtime, service_id)
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SaveEntity upserts one entity row.
func (s *SQLite) SaveEntity(ctx context.Context, model string, entity any) error {
	id, name, ip := entityKeys(model, entity)
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", model, err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO entities (model, id, name, ip_address, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (model, id) DO UPDATE SET name=excluded.name, ip_address=excluded.ip_address, data=excluded.data`,
		model, id, name, ip, string(data))
	return err
}

// Fetch implements Store.
func (s *SQLite) Fetch(ctx context.Context, model string, filters map[string]any) (any, error) {
	query := `SELECT data FROM entities WHERE model = ?`
	args := []any{model}
	for key, value := range filters {
		switch key {
		case "id", "name", "ip_address":
			query += fmt.Sprintf(" AND %s = ?", key)
			args = append(args, asString(value))
		default:
			return nil, &fleeterrors.ValidationError{
				Field:   key,
				Message: fmt.Sprintf("unsupported filter on %s", model),
			}
		}
	}
	var data string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, &fleeterrors.NotFoundError{Resource: model, ID: fmt.Sprint(filters)}
		}
		return nil, err
	}
	return decodeEntity(model, data)
}

// FetchAll implements Store.
func (s *SQLite) FetchAll(ctx context.Context, model string) ([]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM entities WHERE model = ? ORDER BY name`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		entity, err := decodeEntity(model, data)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

// Factory implements Store.
func (s *SQLite) Factory(ctx context.Context, model string, fields map[string]any) (any, error) {
	if model == ModelServiceLog {
		row := &ServiceLogRow{
			Runtime:   asString(fields["runtime"]),
			ServiceID: asString(fields["service"]),
			Content:   asString(fields["content"]),
		}
		return row, s.CreateServiceLog(ctx, row)
	}
	entity, err := buildEntity(model, fields)
	if err != nil {
		return nil, err
	}
	return entity, s.SaveEntity(ctx, model, entity)
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, model string, filters map[string]any) error {
	query := `DELETE FROM entities WHERE model = ?`
	args := []any{model}
	for key, value := range filters {
		switch key {
		case "id", "name", "ip_address":
			query += fmt.Sprintf(" AND %s = ?", key)
			args = append(args, asString(value))
		}
	}
	_, err := s.exec(ctx, query, args...)
	return err
}

// Credential implements Store.
func (s *SQLite) Credential(ctx context.Context, user, deviceName, credentialType string) (*automation.Credential, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM credentials WHERE user = ?`, user).Scan(&data)
	if err == sql.ErrNoRows {
		err = s.db.QueryRowContext(ctx, `SELECT data FROM credentials WHERE user = ''`).Scan(&data)
	}
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &fleeterrors.NotFoundError{Resource: "credential", ID: user}
		}
		return nil, err
	}
	var c automation.Credential
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SetCredential upserts the credential for a user.
func (s *SQLite) SetCredential(ctx context.Context, user string, c *automation.Credential) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO credentials (user, data) VALUES (?, ?)
		 ON CONFLICT (user) DO UPDATE SET data=excluded.data`,
		user, string(data))
	return err
}

// CreateResult implements Store.
func (s *SQLite) CreateResult(ctx context.Context, row *ResultRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	result, err := json.Marshal(row.Result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO results (id, run_id, service_id, parent_service_id, parent_runtime,
			workflow_id, parent_device_id, device_id, device_name, success, duration, result, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.RunID, row.ServiceID, row.ParentServiceID, row.ParentRuntime,
		row.WorkflowID, row.ParentDeviceID, row.DeviceID, row.DeviceName,
		boolToInt(row.Success), row.Duration, string(result), string(tags),
		row.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// FetchResults implements Store.
func (s *SQLite) FetchResults(ctx context.Context, filters map[string]any) ([]*ResultRow, error) {
	query := `SELECT id, run_id, service_id, parent_service_id, parent_runtime, workflow_id,
		parent_device_id, device_id, device_name, success, duration, result, tags, created_at
		FROM results WHERE 1=1`
	args := []any{}
	for key, value := range filters {
		switch key {
		case "run_id", "service_id", "parent_runtime", "device_id", "device_name", "workflow_id":
			query += fmt.Sprintf(" AND %s = ?", key)
			args = append(args, asString(value))
		default:
			return nil, &fleeterrors.ValidationError{
				Field:   key,
				Message: "unsupported result filter",
			}
		}
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ResultRow
	for rows.Next() {
		var row ResultRow
		var success int
		var result, tags, createdAt string
		if err := rows.Scan(&row.ID, &row.RunID, &row.ServiceID, &row.ParentServiceID,
			&row.ParentRuntime, &row.WorkflowID, &row.ParentDeviceID, &row.DeviceID,
			&row.DeviceName, &success, &row.Duration, &result, &tags, &createdAt); err != nil {
			return nil, err
		}
		row.Success = success != 0
		if err := json.Unmarshal([]byte(result), &row.Result); err != nil {
			return nil, err
		}
		if tags != "" {
			if err := json.Unmarshal([]byte(tags), &row.Tags); err != nil {
				return nil, err
			}
		}
		row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &row)
	}
	return out, rows.Err()
}

// CreateServiceLog implements Store.
func (s *SQLite) CreateServiceLog(ctx context.Context, row *ServiceLogRow) error {
	_, err := s.exec(ctx,
		`INSERT INTO service_logs (runtime, service_id, content) VALUES (?, ?, ?)
		 ON CONFLICT (runtime, service_id) DO UPDATE SET content=excluded.content`,
		row.Runtime, row.ServiceID, row.Content)
	return err
}

// Session implements Store. Writes issued while a session is open join
// its transaction; Commit flushes, Rollback discards.
func (s *SQLite) Session() Session {
	return &sqliteSession{store: s}
}

type sqliteSession struct {
	store *SQLite
}

func (sess *sqliteSession) Commit() error {
	sess.store.txMu.Lock()
	defer sess.store.txMu.Unlock()
	if sess.store.tx == nil {
		return nil
	}
	err := sess.store.tx.Commit()
	sess.store.tx = nil
	return err
}

func (sess *sqliteSession) Rollback() {
	sess.store.txMu.Lock()
	defer sess.store.txMu.Unlock()
	if sess.store.tx == nil {
		return
	}
	_ = sess.store.tx.Rollback()
	sess.store.tx = nil
}

// exec routes a write through the open transaction if any, starting one
// lazily.
func (s *SQLite) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.tx == nil {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		s.tx = tx
	}
	return s.tx.ExecContext(ctx, query, args...)
}

func entityKeys(model string, entity any) (id, name, ip string) {
	switch e := entity.(type) {
	case *automation.Device:
		return e.ID, e.Name, e.IPAddress
	case *automation.Pool:
		return e.ID, e.Name, ""
	case *automation.Service:
		return e.ID, e.Name, ""
	case *automation.User:
		return e.Name, e.Name, ""
	case *automation.Task:
		return e.ID, e.Name, ""
	}
	return "", "", ""
}

func decodeEntity(model, data string) (any, error) {
	var entity any
	switch model {
	case ModelDevice:
		entity = &automation.Device{}
	case ModelPool:
		entity = &automation.Pool{}
	case ModelService:
		entity = &automation.Service{}
	case ModelUser:
		entity = &automation.User{}
	case ModelTask:
		entity = &automation.Task{}
	default:
		return nil, &fleeterrors.ValidationError{Field: "model", Message: fmt.Sprintf("unknown model %q", model)}
	}
	if err := json.Unmarshal([]byte(data), entity); err != nil {
		return nil, err
	}
	return entity, nil
}

func buildEntity(model string, fields map[string]any) (any, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	entity, err := decodeEntity(model, string(data))
	if err != nil {
		return nil, err
	}
	switch e := entity.(type) {
	case *automation.Device:
		e.ID = orID(e.ID)
	case *automation.Pool:
		e.ID = orID(e.ID)
	case *automation.Service:
		e.ID = orID(e.ID)
	case *automation.Task:
		e.ID = orID(e.ID)
	}
	return entity, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
