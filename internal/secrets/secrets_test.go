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

package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRoundTrip(t *testing.T) {
	var svc Local

	ciphertext, err := svc.EncryptPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", ciphertext)

	plaintext, err := svc.GetPassword(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plaintext)
}

func TestLocalUnframedPassthrough(t *testing.T) {
	var svc Local
	plaintext, err := svc.GetPassword("plain-password")
	require.NoError(t, err)
	assert.Equal(t, "plain-password", plaintext)
}
