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

package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/pkg/automation"
)

func TestNoneLeavesResultUntouched(t *testing.T) {
	in := automation.Result{automation.ResultValue: 42}
	out := Result(automation.ConversionNone, in)
	assert.Equal(t, in, out)
}

func TestTextStringifies(t *testing.T) {
	out := Result(automation.ConversionText, automation.Result{automation.ResultValue: 42})
	assert.Equal(t, "42", out[automation.ResultValue])
}

func TestJSONRoundTrip(t *testing.T) {
	original := map[string]any{
		"interfaces": []any{
			map[string]any{"name": "eth0", "up": true},
			map[string]any{"name": "eth1", "up": false},
		},
		"count": float64(2),
	}
	encoded, err := json.Marshal(original)
	require.NoError(t, err)

	out := Result(automation.ConversionJSON, automation.Result{
		automation.ResultValue: string(encoded),
	})
	assert.Equal(t, original, out[automation.ResultValue])
}

func TestXMLForcesLists(t *testing.T) {
	out := Result(automation.ConversionXML, automation.Result{
		automation.ResultValue: `<config><hostname>edge1</hostname></config>`,
	})
	value, ok := out[automation.ResultValue].(map[string]any)
	require.True(t, ok, "xml conversion should produce a map, got %T", out[automation.ResultValue])
	configs, ok := value["config"].([]any)
	require.True(t, ok, "single elements should be wrapped in lists")
	require.Len(t, configs, 1)
	config := configs[0].(map[string]any)
	hostnames := config["hostname"].([]any)
	assert.Equal(t, []any{"edge1"}, hostnames)
}

func TestConversionFailureShape(t *testing.T) {
	in := automation.Result{automation.ResultValue: "{not json"}
	out := Result(automation.ConversionJSON, in)

	assert.False(t, out.Success())
	assert.Equal(t, "Conversion to json failed", out["error"])
	assert.NotEmpty(t, out["exception"])
	text, ok := out["text_response"].(automation.Result)
	require.True(t, ok)
	assert.Equal(t, "{not json", text[automation.ResultValue])
}

func TestMissingResultKeyPassesThrough(t *testing.T) {
	in := automation.Result{"other": 1}
	out := Result(automation.ConversionJSON, in)
	assert.Equal(t, in, out)
}
