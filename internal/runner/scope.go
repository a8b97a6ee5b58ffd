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

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fleetrun/fleetrun/internal/conncache"
	"github.com/fleetrun/fleetrun/internal/store"
	"github.com/fleetrun/fleetrun/pkg/automation"
	fleeterrors "github.com/fleetrun/fleetrun/pkg/errors"
	"github.com/fleetrun/fleetrun/pkg/transport"
)

// globalVariables builds the evaluation scope for user expressions:
// payload variables (global overlaid with the device subtree), caller
// locals, run context, and the helper bindings. Denied helpers are
// stripped again by the expression host before evaluation.
func (r *Runner) globalVariables(device *automation.Device, locals map[string]any) map[string]any {
	scope := r.payload.EvalScope(deviceName(device))
	for k, v := range locals {
		scope[k] = v
	}

	scope["runtime"] = r.runtime
	scope["parent_runtime"] = r.parentRuntime
	if device != nil {
		scope["device"] = deviceScope(device)
	}
	if r.parentDevice != nil {
		scope["parent_device"] = deviceScope(r.parentDevice)
	}
	if r.workflow != nil {
		scope["workflow"] = map[string]any{"id": r.workflow.ID, "name": r.workflow.Name}
	}
	if r.placeholder != nil {
		scope["placeholder"] = map[string]any{
			"id":          r.placeholder.ID,
			"scoped_name": r.placeholder.ScopedName,
			"type":        r.placeholder.Type,
		}
	}
	scope["settings"] = map[string]any{
		"app": map[string]any{"address": r.engine.cfg.App.Address},
	}
	names := make([]any, 0, len(r.targetDevices))
	for _, target := range r.targetDevices {
		names = append(names, target.Name)
	}
	scope["devices"] = names

	r.installHelpers(scope, device)
	return scope
}

// installHelpers binds the store, payload and utility helpers. Store
// helpers go through the per-operation model whitelist; a denied call
// fails the evaluation the way a body error would.
func (r *Runner) installHelpers(scope map[string]any, device *automation.Device) {
	ctx := context.Background()
	dev := deviceName(device)

	scope["fetch"] = func(model string, filters map[string]any) (any, error) {
		if err := r.rbac("fetch", model); err != nil {
			return nil, err
		}
		return r.engine.store.Fetch(ctx, model, filters)
	}
	scope["fetch_all"] = func(model string) ([]any, error) {
		if err := r.rbac("fetch_all", model); err != nil {
			return nil, err
		}
		return r.engine.store.FetchAll(ctx, model)
	}
	scope["factory"] = func(model string, fields map[string]any) (any, error) {
		if err := r.rbac("factory", model); err != nil {
			return nil, err
		}
		return r.engine.store.Factory(ctx, model, fields)
	}
	scope["delete"] = func(model string, filters map[string]any) (bool, error) {
		if err := r.rbac("delete", model); err != nil {
			return false, err
		}
		if err := r.engine.store.Delete(ctx, model, filters); err != nil {
			return false, err
		}
		return true, nil
	}
	scope["get_credential"] = func(user string) (map[string]any, error) {
		credential, err := r.engine.store.Credential(ctx, user, dev, "")
		if err != nil {
			return nil, err
		}
		password, err := r.engine.secrets.GetPassword(credential.Password)
		if err != nil {
			return nil, err
		}
		return map[string]any{"username": credential.Username, "password": password}, nil
	}
	scope["send_email"] = func(recipient, subject, body string) (bool, error) {
		if err := r.engine.notifier.SendMail(ctx, recipient, subject, body); err != nil {
			return false, err
		}
		return true, nil
	}
	scope["encrypt"] = func(plaintext string) (string, error) {
		return r.engine.secrets.EncryptPassword(plaintext)
	}
	scope["get_var"] = func(name string) any {
		value, _ := r.payload.Get(name, dev, "")
		return value
	}
	scope["set_var"] = func(name string, value any) bool {
		r.payload.Set(name, value, dev, "")
		return true
	}
	scope["get_result"] = func(serviceID string) (map[string]any, error) {
		rows, err := r.engine.store.FetchResults(ctx, map[string]any{
			"parent_runtime": r.parentRuntime,
			"service_id":     serviceID,
		})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, &fleeterrors.NotFoundError{Resource: "result", ID: serviceID}
		}
		return rows[len(rows)-1].Result, nil
	}
	scope["log"] = func(level, message string) bool {
		r.Log(level, message, device)
		return true
	}
}

func (r *Runner) rbac(operation, model string) error {
	for _, allowed := range r.engine.cfg.Security.AllowedModels[operation] {
		if allowed == model {
			return nil
		}
	}
	return &fleeterrors.PermissionError{User: r.creator, Operation: operation, Resource: model}
}

// deviceScope is the map shape user expressions address devices through
// (device.name, device.ip_address, ...).
func deviceScope(device *automation.Device) map[string]any {
	return map[string]any{
		"id":         device.ID,
		"name":       device.Name,
		"ip_address": device.IPAddress,
		"port":       device.Port,
	}
}

// jobContext is the view handed to service jobs.
func (r *Runner) jobContext(device *automation.Device) automation.JobContext {
	return r
}

// Runtime implements automation.JobContext.
func (r *Runner) Runtime() string { return r.runtime }

// ParentRuntime implements automation.JobContext.
func (r *Runner) ParentRuntime() string { return r.parentRuntime }

// Service implements automation.JobContext.
func (r *Runner) Service() *automation.Service { return r.service }

// Payload implements automation.JobContext.
func (r *Runner) Payload() *automation.Payload { return r.payload }

// SetVar implements automation.JobContext.
func (r *Runner) SetVar(name string, value any, device string) {
	r.payload.Set(name, value, device, "")
}

// GetVar implements automation.JobContext.
func (r *Runner) GetVar(name string, device string) (any, bool) {
	return r.payload.Get(name, device, "")
}

// Eval implements automation.JobContext.
func (r *Runner) Eval(expression string, locals map[string]any) (any, error) {
	return r.engine.expr.Eval(expression, r.globalVariables(nil, locals))
}

// Sub implements automation.JobContext.
func (r *Runner) Sub(input any, locals map[string]any) (any, error) {
	return r.engine.expr.Sub(input, r.globalVariables(nil, locals))
}

// Log implements automation.JobContext: the line goes to the structured
// logger and, unless run logs are disabled, to the service-log
// accumulator persisted at the end of the run.
func (r *Runner) Log(level, message string, device *automation.Device) {
	logger := r.logger
	if device != nil {
		logger = logger.With(slog.String("device", device.Name))
	}
	switch strings.ToLower(level) {
	case "debug":
		logger.Debug(message)
	case "warning", "warn":
		logger.Warn(message)
	case "error", "critical":
		logger.Error(message)
	default:
		logger.Info(message)
	}
	if r.engine.cfg.Engine.LogLevel == 0 {
		return
	}
	line := fmt.Sprintf("%s - %s - %s", time.Now().Format("2006-01-02 15:04:05"), strings.ToUpper(level), message)
	if device != nil {
		line += fmt.Sprintf(" (device: %s)", device.Name)
	}
	r.engine.appendLog(r.parentRuntime, r.service.ID, line)
}

// Session implements automation.JobContext: it returns a live cached
// session or opens a new one through the protocol dialer. With
// start_new_connection, the cached entry is closed once per runner and
// device before reopening.
func (r *Runner) Session(ctx context.Context, device *automation.Device) (transport.Session, error) {
	protocol := r.service.Protocol
	if protocol == "" {
		protocol = transport.ProtocolCLI
	}
	key := conncache.Key{
		Protocol:       protocol,
		ParentRuntime:  r.parentRuntime,
		Device:         device.Name,
		ConnectionName: r.service.EffectiveConnectionName(),
	}

	startNew := false
	if r.service.StartNewConnection {
		r.connMu.Lock()
		if !r.freshConnections[device.Name] {
			r.freshConnections[device.Name] = true
			startNew = true
		}
		r.connMu.Unlock()
	}
	if session, ok := r.engine.cache.Get(ctx, key, startNew); ok {
		return session, nil
	}

	dialer, ok := r.engine.dialers[protocol]
	if !ok {
		return nil, fmt.Errorf("no dialer registered for protocol %q", protocol)
	}
	target := device.Target(protocol)
	if !r.service.UseDeviceDriver && r.service.Driver != "" {
		target.Driver = r.service.Driver
	}
	credentials, err := r.Credentials(device)
	if err != nil {
		return nil, err
	}
	session, err := dialer.Dial(ctx, target, credentials)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s over %s: %w", device.Name, protocol, err)
	}
	r.engine.cache.Put(key, session)
	r.logger.Info("opened connection",
		slog.String("device", device.Name),
		slog.String("protocol", string(protocol)),
		slog.String("connection", key.ConnectionName))
	return session, nil
}

// Credentials implements automation.JobContext, resolving authentication
// material per the service credential mode.
func (r *Runner) Credentials(device *automation.Device) (transport.Credentials, error) {
	ctx := context.Background()
	var credentials transport.Credentials

	switch r.service.Credentials {
	case automation.CredentialCustom:
		scope := r.globalVariables(device, nil)
		username, err := r.engine.expr.SubString(r.service.CustomUsername, scope)
		if err != nil {
			return credentials, fmt.Errorf("substituting custom username: %w", err)
		}
		password, err := r.engine.expr.SubString(r.service.CustomPassword, scope)
		if err != nil {
			return credentials, fmt.Errorf("substituting custom password: %w", err)
		}
		password, err = r.engine.secrets.GetPassword(password)
		if err != nil {
			return credentials, err
		}
		credentials.Username = username
		credentials.Password = password

	case automation.CredentialUser:
		entity, err := r.engine.store.Fetch(ctx, store.ModelUser, map[string]any{"name": r.creator})
		if err != nil {
			return credentials, err
		}
		user := entity.(*automation.User)
		password, err := r.engine.secrets.GetPassword(user.Password)
		if err != nil {
			return credentials, err
		}
		credentials.Username = user.Name
		credentials.Password = password

	default:
		credential, err := r.engine.store.Credential(ctx, r.creator, device.Name, r.service.CredentialType)
		if err != nil {
			return credentials, err
		}
		password, err := r.engine.secrets.GetPassword(credential.Password)
		if err != nil {
			return credentials, err
		}
		credentials.Username = credential.Username
		credentials.Password = password
		if credential.PrivateKey != "" {
			key, err := r.engine.secrets.GetPassword(credential.PrivateKey)
			if err != nil {
				return credentials, err
			}
			credentials.PrivateKey = key
		}
		if credential.EnablePassword != "" {
			secret, err := r.engine.secrets.GetPassword(credential.EnablePassword)
			if err != nil {
				return credentials, err
			}
			credentials.Secret = secret
		}
	}
	return credentials, nil
}
