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

package expression

import (
	"fmt"
	"regexp"
)

var templateRe = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Sub performs templated substitution: every {{ expr }} occurrence inside
// a string is replaced by the string form of the evaluated expression.
// Substitution recurses into lists and maps, applying to both keys and
// values. Non-string scalars pass through untouched, which makes Sub
// idempotent on template-free input.
func (h *Host) Sub(input any, scope map[string]any) (any, error) {
	switch value := input.(type) {
	case string:
		var subErr error
		out := templateRe.ReplaceAllStringFunc(value, func(match string) string {
			inner := match[2 : len(match)-2]
			result, err := h.Eval(inner, scope)
			if err != nil {
				if subErr == nil {
					subErr = fmt.Errorf("substituting %q: %w", inner, err)
				}
				return match
			}
			return fmt.Sprint(result)
		})
		return out, subErr
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			sub, err := h.Sub(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, v := range value {
			key, err := h.Sub(k, scope)
			if err != nil {
				return nil, err
			}
			sub, err := h.Sub(v, scope)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(key)] = sub
		}
		return out, nil
	default:
		return input, nil
	}
}

// SubString is Sub constrained to string output.
func (h *Host) SubString(input string, scope map[string]any) (string, error) {
	out, err := h.Sub(input, scope)
	if err != nil {
		return "", err
	}
	return out.(string), nil
}
