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

// Package transport defines the uniform contract every device-protocol
// adapter presents to the engine: open a session, probe its liveness, send
// payloads, close. Adapter internals (prompt handling, framing, vendor
// quirks) stay behind this contract; the engine only caches and reuses
// opaque sessions.
package transport

import (
	"context"
	"time"
)

// Protocol identifies a device-protocol family. The liveness semantics of
// each family differ (see Session.Alive), but the lifecycle contract is
// identical.
type Protocol string

const (
	// ProtocolCLI is the command-oriented CLI automation family. Liveness
	// is probed by locating the device prompt; any error means dead.
	ProtocolCLI Protocol = "cli"
	// ProtocolStreamCLI is the streaming CLI family. Liveness is probed by
	// reading the current prompt; any error means dead.
	ProtocolStreamCLI Protocol = "streamcli"
	// ProtocolGeneric is the vendor-agnostic management family. Liveness
	// is an explicit is-alive call on the driver.
	ProtocolGeneric Protocol = "generic"
	// ProtocolNetconf is the NETCONF family. Liveness is the session's
	// connected flag.
	ProtocolNetconf Protocol = "netconf"
)

// Protocols lists every family the connection cache sweeps on close-all.
var Protocols = []Protocol{ProtocolCLI, ProtocolStreamCLI, ProtocolGeneric, ProtocolNetconf}

// Target is the addressable endpoint of a device for one protocol.
type Target struct {
	Host   string
	Port   int
	Driver string
}

// Credentials carries the authentication material for opening a session.
// Password and Secret are plaintext here; decryption through the secret
// service happens before a Dialer sees them.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey string
	Secret     string
}

// Session is one open connection to a device. A session is exclusively
// owned by the worker currently using it and must never be shared between
// two concurrent workers; the connection cache enforces this by keying
// sessions per run, device and connection name.
type Session interface {
	// Send transmits a payload and returns the device response.
	Send(ctx context.Context, payload string) (string, error)

	// Alive probes the session using the family-specific check. A nil
	// return means the session is believed usable; any error means the
	// caller must close and reopen.
	Alive(ctx context.Context) error

	// Close tears the session down. Close is idempotent.
	Close() error
}

// Dialer opens sessions for one protocol family.
type Dialer interface {
	Protocol() Protocol
	Dial(ctx context.Context, target Target, creds Credentials) (Session, error)
}

// Options are per-connection construction knobs. They are configured on
// dial and not enforced by the engine.
type Options struct {
	Timeout         time.Duration
	WindowSize      int
	MaxTransferSize int
}
