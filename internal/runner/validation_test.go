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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/pkg/automation"
)

func validationRunner(t *testing.T, service *automation.Service) *Runner {
	t.Helper()
	r, err := newTestEngine().newRunner(RunOptions{Service: service, Creator: "admin"})
	require.NoError(t, err)
	return r
}

func TestValidateTextContains(t *testing.T) {
	service := baseService("check")
	service.ValidationMethod = automation.ValidationText
	service.ValidationSection = "result"
	service.ContentMatch = "Interface up"
	r := validationRunner(t, service)

	results := automation.Result{automation.ResultValue: "Interface up, line protocol up"}
	r.validate(results, nil)
	assert.True(t, results.Success())

	results = automation.Result{automation.ResultValue: "Interface down"}
	r.validate(results, nil)
	assert.False(t, results.Success())
}

func TestValidateTextDeleteSpaces(t *testing.T) {
	service := baseService("check")
	service.ValidationMethod = automation.ValidationText
	service.ValidationSection = "result"
	service.ContentMatch = "vlan 10"
	service.DeleteSpacesBeforeMatching = true
	r := validationRunner(t, service)

	results := automation.Result{automation.ResultValue: "vlan\t  10"}
	r.validate(results, nil)
	assert.True(t, results.Success(), "whitespace is stripped from both sides")
}

func TestValidateTextRegex(t *testing.T) {
	service := baseService("check")
	service.ValidationMethod = automation.ValidationText
	service.ValidationSection = "result"
	service.ContentMatch = `Gi0/\d+ +up`
	service.ContentMatchRegex = true
	r := validationRunner(t, service)

	results := automation.Result{automation.ResultValue: "Gi0/1    up"}
	r.validate(results, nil)
	assert.True(t, results.Success())
}

func TestValidateTextInvalidRegex(t *testing.T) {
	service := baseService("check")
	service.ValidationMethod = automation.ValidationText
	service.ValidationSection = "result"
	service.ContentMatch = `up[`
	service.ContentMatchRegex = true
	r := validationRunner(t, service)

	results := automation.Result{automation.ResultValue: "up["}
	r.validate(results, nil)
	assert.False(t, results.Success())
	validation := results[automation.ResultValidation].(map[string]any)
	assert.Contains(t, validation["error"], "invalid match pattern")
}

func TestValidateTextSubstitutesMatch(t *testing.T) {
	service := baseService("check")
	service.ValidationMethod = automation.ValidationText
	service.ValidationSection = "result"
	service.ContentMatch = "host {{ results.hostname }}"
	r := validationRunner(t, service)

	results := automation.Result{
		automation.ResultValue: "host edge1 reachable",
		"hostname":             "edge1",
	}
	r.validate(results, nil)
	assert.True(t, results.Success())
}

func TestValidateDictEqual(t *testing.T) {
	service := baseService("check")
	service.ValidationMethod = automation.ValidationDictEqual
	service.ValidationSection = "result"
	service.DictMatch = map[string]any{"hostname": "edge1", "version": "17.3"}
	r := validationRunner(t, service)

	results := automation.Result{
		automation.ResultValue: map[string]any{"hostname": "edge1", "version": "17.3"},
	}
	r.validate(results, nil)
	assert.True(t, results.Success())

	results = automation.Result{
		automation.ResultValue: map[string]any{"hostname": "edge1", "version": "17.3", "extra": true},
	}
	r.validate(results, nil)
	assert.False(t, results.Success(), "equality admits no extra keys")
}

func TestValidateDictIncluded(t *testing.T) {
	service := baseService("check")
	service.ValidationMethod = automation.ValidationDictIncluded
	service.ValidationSection = "result"
	service.DictMatch = map[string]any{"hostname": "edge1"}
	r := validationRunner(t, service)

	results := automation.Result{
		automation.ResultValue: map[string]any{
			"system": map[string]any{"hostname": "edge1", "uptime": "4d"},
		},
	}
	r.validate(results, nil)
	assert.True(t, results.Success(), "reference entries match at any depth")

	validation := results[automation.ResultValidation].(map[string]any)
	matched := validation["match"].([]map[string]any)
	require.Len(t, matched, 1)
	assert.Equal(t, "system.hostname", matched[0]["path"])
}

func TestValidateDictIncludedMissing(t *testing.T) {
	service := baseService("check")
	service.ValidationMethod = automation.ValidationDictIncluded
	service.ValidationSection = "result"
	service.DictMatch = map[string]any{"hostname": "edge9"}
	r := validationRunner(t, service)

	results := automation.Result{
		automation.ResultValue: map[string]any{"hostname": "edge1"},
	}
	r.validate(results, nil)
	assert.False(t, results.Success())
	validation := results[automation.ResultValidation].(map[string]any)
	assert.Equal(t, []string{"hostname"}, validation["missing"])
}

func TestValidateNegativeLogic(t *testing.T) {
	service := baseService("check")
	service.ValidationMethod = automation.ValidationText
	service.ValidationSection = "result"
	service.ContentMatch = "% Invalid input"
	service.NegativeLogic = true
	r := validationRunner(t, service)

	results := automation.Result{automation.ResultValue: "configured"}
	r.validate(results, nil)
	assert.True(t, results.Success(), "absence of the error marker is the pass")

	results = automation.Result{automation.ResultValue: "% Invalid input detected"}
	r.validate(results, nil)
	assert.False(t, results.Success())
}

func TestSectionValueWalksDottedPath(t *testing.T) {
	results := automation.Result{
		automation.ResultValue: map[string]any{
			"system": map[string]any{"hostname": "edge1"},
		},
	}
	assert.Equal(t, "edge1", sectionValue(results, "result.system.hostname"))
	assert.Nil(t, sectionValue(results, "result.absent.key"))
	assert.Equal(t, map[string]any(results), sectionValue(results, ""))
}
