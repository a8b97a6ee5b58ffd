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

// Package automation defines the static entities the service runner
// operates on: services, devices, pools, tasks and run results. These are
// the persisted definitions; one activation of a service is represented by
// a runner in internal/runner.
package automation

import (
	"context"
	"time"

	"github.com/fleetrun/fleetrun/pkg/transport"
)

// RunMethod selects how a service body is dispatched over its targets.
type RunMethod string

const (
	// RunOnce invokes the job a single time; the outcome is attributed to
	// every retained target device.
	RunOnce RunMethod = "once"
	// RunPerDevice invokes the job once per target device.
	RunPerDevice RunMethod = "per_device"
)

// ConversionMethod normalizes the raw job result.
type ConversionMethod string

const (
	ConversionNone ConversionMethod = "none"
	ConversionText ConversionMethod = "text"
	ConversionJSON ConversionMethod = "json"
	ConversionXML  ConversionMethod = "xml"
)

// ValidationMethod selects how a result section is validated.
type ValidationMethod string

const (
	ValidationText         ValidationMethod = "text"
	ValidationDictEqual    ValidationMethod = "dict_equal"
	ValidationDictIncluded ValidationMethod = "dict_included"
)

// Condition gates a step (validation, postprocessing) on the outcome of
// the attempt so far.
type Condition string

const (
	ConditionAlways  Condition = "always"
	ConditionSuccess Condition = "success"
	ConditionFailure Condition = "failure"
)

// SkipValue decides what a skipped device contributes to the run.
type SkipValue string

const (
	SkipSuccess SkipValue = "success"
	SkipFailure SkipValue = "failure"
	SkipDiscard SkipValue = "discard"
)

// CredentialMode selects where device credentials come from.
type CredentialMode string

const (
	CredentialDevice CredentialMode = "device"
	CredentialUser   CredentialMode = "user"
	CredentialCustom CredentialMode = "custom"
)

// NotifyMethod selects the notification transport.
type NotifyMethod string

const (
	NotifyMail    NotifyMethod = "mail"
	NotifySlack   NotifyMethod = "slack"
	NotifyWebhook NotifyMethod = "webhook"
)

// JobContext is the view of a runner a service job receives. It gives the
// job access to the shared payload, the run-scoped connection cache, and
// the expression helpers without exposing the runner internals.
type JobContext interface {
	// Runtime returns the unique activation timestamp of this runner.
	Runtime() string

	// ParentRuntime returns the root activation timestamp of the run tree.
	ParentRuntime() string

	// Service returns the service definition being executed.
	Service() *Service

	// Payload returns the mutable payload shared across the run tree.
	Payload() *Payload

	// SetVar writes a payload variable. An empty device name targets the
	// global scope, otherwise the device-scoped subtree.
	SetVar(name string, value any, device string)

	// GetVar reads a payload variable, device-scoped when device is set.
	GetVar(name string, device string) (any, bool)

	// Log emits a log line attributed to this run, optionally to a device.
	Log(level, message string, device *Device)

	// Session returns a live cached connection to the device, opening one
	// if needed, honoring the service connection knobs.
	Session(ctx context.Context, device *Device) (transport.Session, error)

	// Credentials resolves the device credentials per the service
	// credential mode.
	Credentials(device *Device) (transport.Credentials, error)

	// Eval evaluates a user expression with the run scope plus locals.
	Eval(expression string, locals map[string]any) (any, error)

	// Sub substitutes {{ expression }} occurrences in input.
	Sub(input any, locals map[string]any) (any, error)
}

// JobFunc is the body of a service. For per_device runs the device is the
// target being processed; for once runs it is nil.
type JobFunc func(ctx context.Context, run JobContext, device *Device) (Result, error)

// Service is the static, persisted definition of a unit of automation
// work. A service carries a job body plus the behavioral knobs the runner
// interprets: dispatch, retries, conversion, validation, skip logic,
// iteration, notification and connection management.
type Service struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	ScopedName string `yaml:"scoped_name" json:"scoped_name"`
	Type       string `yaml:"type" json:"type"`

	// Status is Idle when no activation is in flight.
	Status string `yaml:"status" json:"status"`

	// Dispatch.
	RunMethod       RunMethod `yaml:"run_method" json:"run_method"`
	Multiprocessing bool      `yaml:"multiprocessing" json:"multiprocessing"`
	MaxProcesses    int       `yaml:"max_processes" json:"max_processes"`

	// Retry machine.
	NumberOfRetries    int           `yaml:"number_of_retries" json:"number_of_retries"`
	MaxNumberOfRetries int           `yaml:"max_number_of_retries" json:"max_number_of_retries"`
	TimeBetweenRetries time.Duration `yaml:"time_between_retries" json:"time_between_retries"`
	WaitingTime        time.Duration `yaml:"waiting_time" json:"waiting_time"`

	// Hooks, conversion, validation.
	Preprocessing              string           `yaml:"preprocessing" json:"preprocessing"`
	Postprocessing             string           `yaml:"postprocessing" json:"postprocessing"`
	PostprocessingMode         Condition        `yaml:"postprocessing_mode" json:"postprocessing_mode"`
	ConversionMethod           ConversionMethod `yaml:"conversion_method" json:"conversion_method"`
	ValidationMethod           ValidationMethod `yaml:"validation_method" json:"validation_method"`
	ValidationCondition        Condition        `yaml:"validation_condition" json:"validation_condition"`
	ValidationSection          string           `yaml:"validation_section" json:"validation_section"`
	ContentMatch               string           `yaml:"content_match" json:"content_match"`
	ContentMatchRegex          bool             `yaml:"content_match_regex" json:"content_match_regex"`
	DeleteSpacesBeforeMatching bool             `yaml:"delete_spaces_before_matching" json:"delete_spaces_before_matching"`
	DictMatch                  map[string]any   `yaml:"dict_match" json:"dict_match"`
	NegativeLogic              bool             `yaml:"negative_logic" json:"negative_logic"`

	// Skip logic.
	SkipQuery string    `yaml:"skip_query" json:"skip_query"`
	SkipValue SkipValue `yaml:"skip_value" json:"skip_value"`

	// Iteration.
	IterationValues          string `yaml:"iteration_values" json:"iteration_values"`
	IterationVariableName    string `yaml:"iteration_variable_name" json:"iteration_variable_name"`
	IterationDevices         string `yaml:"iteration_devices" json:"iteration_devices"`
	IterationDevicesProperty string `yaml:"iteration_devices_property" json:"iteration_devices_property"`

	// Targets.
	TargetDevices       []*Device `yaml:"-" json:"-"`
	TargetPools         []*Pool   `yaml:"-" json:"-"`
	DeviceQuery         string    `yaml:"device_query" json:"device_query"`
	DeviceQueryProperty string    `yaml:"device_query_property" json:"device_query_property"`
	UpdateTargetPools   bool      `yaml:"update_target_pools" json:"update_target_pools"`

	// Post-run behavior.
	UpdatePoolsAfterRunning bool `yaml:"update_pools_after_running" json:"update_pools_after_running"`
	DisableResultCreation   bool `yaml:"disable_result_creation" json:"disable_result_creation"`

	// Notification.
	SendNotification       bool         `yaml:"send_notification" json:"send_notification"`
	SendNotificationMethod NotifyMethod `yaml:"send_notification_method" json:"send_notification_method"`
	NotificationHeader     string       `yaml:"notification_header" json:"notification_header"`
	MailRecipient          string       `yaml:"mail_recipient" json:"mail_recipient"`
	ReplyTo                string       `yaml:"reply_to" json:"reply_to"`
	IncludeDeviceResults   bool         `yaml:"include_device_results" json:"include_device_results"`
	IncludeLinkInSummary   bool         `yaml:"include_link_in_summary" json:"include_link_in_summary"`
	DisplayOnlyFailedNodes bool         `yaml:"display_only_failed_nodes" json:"display_only_failed_nodes"`

	// Connections.
	Protocol           transport.Protocol `yaml:"protocol" json:"protocol"`
	ConnectionName     string             `yaml:"connection_name" json:"connection_name"`
	StartNewConnection bool               `yaml:"start_new_connection" json:"start_new_connection"`
	CloseConnection    bool               `yaml:"close_connection" json:"close_connection"`
	Driver             string             `yaml:"driver" json:"driver"`
	UseDeviceDriver    bool               `yaml:"use_device_driver" json:"use_device_driver"`
	Timeout            time.Duration      `yaml:"timeout" json:"timeout"`

	// Credentials.
	Credentials    CredentialMode `yaml:"credentials" json:"credentials"`
	CredentialType string         `yaml:"credential_type" json:"credential_type"`
	CustomUsername string         `yaml:"custom_username" json:"custom_username"`
	CustomPassword string         `yaml:"custom_password" json:"custom_password"`

	// Job is the service body. Not persisted; bound at registration time.
	Job JobFunc `yaml:"-" json:"-"`
}

// EffectiveConnectionName returns the connection label, defaulting to
// "default" so distinct logical sessions to one device never collide on an
// empty key.
func (s *Service) EffectiveConnectionName() string {
	if s.ConnectionName == "" {
		return "default"
	}
	return s.ConnectionName
}

// Workflow is the composing service a runner may execute under. Only the
// attributes the runner core reads are modeled; edges and conditions live
// in the composition layer.
type Workflow struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	// RunMethod of the surrounding workflow; the resolver consults it to
	// decide whether targets come from the service definition.
	RunMethod string `yaml:"run_method" json:"run_method"`
}

// WorkflowPerServiceTargets is the workflow run method under which each
// service resolves its own targets from its definition.
const WorkflowPerServiceTargets = "per_service_with_service_targets"
