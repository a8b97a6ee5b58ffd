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

// Package secrets abstracts the secret service credentials are decrypted
// through. Production deployments plug a vault-backed implementation in;
// the default is a reversible local encoding for development.
package secrets

import (
	"encoding/base64"
	"fmt"
)

// Service decrypts stored ciphertext and encrypts new secrets.
type Service interface {
	GetPassword(ciphertext string) (string, error)
	EncryptPassword(plaintext string) (string, error)
}

// Local is the development implementation: base64 framing, no key
// material. It exists so the engine code path is identical whether or not
// a real vault is configured.
type Local struct{}

const localPrefix = "b64:"

var _ Service = Local{}

// GetPassword implements Service. Unframed input is returned verbatim so
// plaintext seed data keeps working.
func (Local) GetPassword(ciphertext string) (string, error) {
	if len(ciphertext) < len(localPrefix) || ciphertext[:len(localPrefix)] != localPrefix {
		return ciphertext, nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext[len(localPrefix):])
	if err != nil {
		return "", fmt.Errorf("decoding secret: %w", err)
	}
	return string(raw), nil
}

// EncryptPassword implements Service.
func (Local) EncryptPassword(plaintext string) (string, error) {
	return localPrefix + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
}
