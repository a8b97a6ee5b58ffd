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

package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHDialer opens CLI sessions over SSH. It is the reference adapter for
// the CLI automation family; vendor-specific adapters plug in through the
// same Dialer contract.
type SSHDialer struct {
	// Timeout bounds the TCP dial and each command round-trip.
	// Zero means 30 seconds.
	Timeout time.Duration
}

// Protocol implements Dialer.
func (d *SSHDialer) Protocol() Protocol { return ProtocolCLI }

// Dial implements Dialer.
func (d *SSHDialer) Dial(ctx context.Context, target Target, creds Credentials) (Session, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User: creds.Username,
		// Network devices rarely have verifiable host keys; the original
		// stack dials with host key verification disabled as well.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	if creds.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(creds.Password))
	}

	port := target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshSession{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type sshSession struct {
	client *ssh.Client
}

// Send runs one command in a fresh exec channel and returns the combined
// output.
func (s *sshSession) Send(ctx context.Context, payload string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening channel: %w", err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(payload)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			return string(r.out), fmt.Errorf("running %q: %w", payload, r.err)
		}
		return string(r.out), nil
	}
}

// Alive probes the connection with a keepalive request, the CLI-family
// equivalent of locating the prompt.
func (s *sshSession) Alive(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := s.client.SendRequest("keepalive@fleetrun", true, nil)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
