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

// Package notify formats run summaries and delivers them over mail, chat
// or webhook. Delivery failures are reported in the returned map and never
// abort the run that triggered them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"

	"github.com/slack-go/slack"

	"github.com/fleetrun/fleetrun/internal/config"
	"github.com/fleetrun/fleetrun/internal/store"
	"github.com/fleetrun/fleetrun/pkg/automation"
)

// Input carries everything the dispatcher needs to build and send one
// notification. Header is already template-substituted by the caller.
type Input struct {
	Service       *automation.Service
	Runtime       string
	RunID         string
	Result        automation.Result
	Summary       *automation.Summary
	Header        string
	DeviceResults []*store.ResultRow
}

// Dispatcher delivers run notifications.
type Dispatcher struct {
	cfg    *config.Config
	logger *slog.Logger
	client *http.Client
	mailer Mailer
}

// Mailer sends one mail message. The default implementation speaks SMTP;
// tests substitute a recording fake.
type Mailer interface {
	Send(ctx context.Context, recipient, replyTo, subject, body string, attachment []byte) error
}

// New creates a dispatcher. A nil mailer selects the SMTP implementation
// configured in cfg.Mail.
func New(cfg *config.Config, logger *slog.Logger, mailer Mailer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if mailer == nil {
		mailer = &smtpMailer{cfg: cfg.Mail}
	}
	return &Dispatcher{cfg: cfg, logger: logger, client: &http.Client{}, mailer: mailer}
}

// Build assembles the notification map from the aggregate result.
func (d *Dispatcher) Build(in Input) map[string]any {
	status := "FAILED"
	if in.Result.Success() {
		status = "PASS"
	}
	notification := map[string]any{
		"Service": fmt.Sprintf("%s (%s)", in.Service.Name, in.Service.Type),
		"Runtime": in.Runtime,
		"Status":  status,
	}
	if value, ok := in.Result[automation.ResultValue]; ok {
		notification["Results"] = value
	}
	if in.Header != "" {
		notification["Header"] = in.Header
	}
	if in.Service.IncludeLinkInSummary && d.cfg.App.Address != "" {
		notification["Link"] = fmt.Sprintf(
			"%s/view_service/%s/%s", d.cfg.App.Address, in.Service.ID, in.RunID,
		)
	}
	if in.Summary != nil {
		notification["FAILED"] = append([]string(nil), in.Summary.Failure...)
		if !in.Service.DisplayOnlyFailedNodes {
			notification["PASSED"] = append([]string(nil), in.Summary.Success...)
		}
	}
	return notification
}

// Send builds and delivers the notification through the service's
// configured method. The returned map is stored under the "notification"
// key of the aggregate result.
func (d *Dispatcher) Send(ctx context.Context, in Input) map[string]any {
	notification := d.Build(in)
	var err error
	switch in.Service.SendNotificationMethod {
	case automation.NotifySlack:
		err = d.sendSlack(ctx, notification)
	case automation.NotifyWebhook:
		err = d.sendWebhook(ctx, notification)
	default:
		err = d.sendMail(ctx, in, notification)
	}
	if err != nil {
		d.logger.Error("notification delivery failed",
			slog.String("method", string(in.Service.SendNotificationMethod)),
			slog.String("error", err.Error()))
		return map[string]any{"success": false, "error": err.Error()}
	}
	return map[string]any{"success": true, "content": notification}
}

// SendMail delivers an ad-hoc mail message, the transport behind the
// send_email expression helper.
func (d *Dispatcher) SendMail(ctx context.Context, recipient, subject, body string) error {
	return d.mailer.Send(ctx, recipient, "", subject, body, nil)
}

func (d *Dispatcher) sendMail(ctx context.Context, in Input, notification map[string]any) error {
	status := notification["Status"].(string)
	subject := fmt.Sprintf("%s: %s", status, in.Service.Name)
	var attachment []byte
	if in.Service.IncludeDeviceResults && len(in.DeviceResults) > 0 {
		attachment = renderDeviceResults(in.DeviceResults)
	}
	return d.mailer.Send(ctx, in.Service.MailRecipient, in.Service.ReplyTo,
		subject, renderNotification(notification), attachment)
}

func (d *Dispatcher) sendSlack(ctx context.Context, notification map[string]any) error {
	client := slack.New(os.Getenv("SLACK_TOKEN"))
	_, _, err := client.PostMessageContext(ctx, d.cfg.Slack.Channel,
		slack.MsgOptionText(renderNotification(notification), false))
	return err
}

func (d *Dispatcher) sendWebhook(ctx context.Context, notification map[string]any) error {
	payload, err := json.Marshal(map[string]string{
		"channel": d.cfg.Webhook.Channel,
		"text":    renderNotification(notification),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Webhook.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// renderNotification produces a stable, human-readable rendering: one
// "key: value" line per field, keys sorted.
func renderNotification(notification map[string]any) string {
	keys := make([]string, 0, len(notification))
	for key := range notification {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, key := range keys {
		fmt.Fprintf(&buf, "%s: %v\n", key, notification[key])
	}
	return buf.String()
}

func renderDeviceResults(rows []*store.ResultRow) []byte {
	var buf bytes.Buffer
	for _, row := range rows {
		raw, err := json.MarshalIndent(row.Result, "", "  ")
		if err != nil {
			raw = []byte(fmt.Sprint(row.Result))
		}
		fmt.Fprintf(&buf, "%s:\n%s\n\n", row.DeviceName, raw)
	}
	return buf.Bytes()
}
