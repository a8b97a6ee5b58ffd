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

// Package convert normalizes raw job results per the service conversion
// method before postprocessing and validation run.
package convert

import (
	"encoding/json"
	"fmt"

	"github.com/clbanning/mxj/v2"

	"github.com/fleetrun/fleetrun/pkg/automation"
)

// Result applies the conversion method to the "result" key. Conversion
// failure produces the structured failure shape instead of an error so the
// retry driver can treat it like any other failed attempt.
func Result(method automation.ConversionMethod, result automation.Result) automation.Result {
	if method == automation.ConversionNone || method == "" {
		return result
	}
	raw, ok := result[automation.ResultValue]
	if !ok {
		return result
	}

	var converted any
	var err error
	switch method {
	case automation.ConversionText:
		converted = fmt.Sprint(raw)
	case automation.ConversionJSON:
		converted, err = parseJSON(raw)
	case automation.ConversionXML:
		converted, err = parseXML(raw)
	default:
		return result
	}
	if err != nil {
		return automation.Result{
			automation.ResultSuccess: false,
			"text_response":          result.Copy(),
			"error":                  fmt.Sprintf("Conversion to %s failed", method),
			"exception":              err.Error(),
		}
	}
	result[automation.ResultValue] = converted
	return result
}

func parseJSON(raw any) (any, error) {
	text, err := asText(raw)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, err
	}
	return value, nil
}

// parseXML parses into a map with single elements forced into lists, the
// shape validation dict matching expects.
func parseXML(raw any) (any, error) {
	text, err := asText(raw)
	if err != nil {
		return nil, err
	}
	mv, err := mxj.NewMapXml([]byte(text), true)
	if err != nil {
		return nil, err
	}
	return forceLists(map[string]any(mv)), nil
}

// forceLists wraps every map value in a single-element list unless it
// already is one.
func forceLists(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			if list, ok := child.([]any); ok {
				items := make([]any, len(list))
				for i, item := range list {
					items[i] = forceLists(item)
				}
				out[k] = items
			} else {
				out[k] = []any{forceLists(child)}
			}
		}
		return out
	default:
		return v
	}
}

func asText(raw any) (string, error) {
	switch text := raw.(type) {
	case string:
		return text, nil
	case []byte:
		return string(text), nil
	default:
		return "", fmt.Errorf("expected textual result, got %T", raw)
	}
}
