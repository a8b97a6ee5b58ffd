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
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/fleetrun/fleetrun/internal/log"
	"github.com/fleetrun/fleetrun/pkg/automation"
)

var whitespaceRe = regexp.MustCompile(`\s`)

// validate applies the service's validation method to the attempt result,
// recording the verdict under the validation key and overwriting the
// success flag (flipped when negative_logic is set).
func (r *Runner) validate(results automation.Result, device *automation.Device) {
	section := sectionValue(results, r.service.ValidationSection)
	validation := map[string]any{}
	var success bool

	switch r.service.ValidationMethod {
	case automation.ValidationText:
		scope := r.globalVariables(device, map[string]any{"results": map[string]any(results)})
		match, err := r.engine.expr.SubString(r.service.ContentMatch, scope)
		if err != nil {
			r.logger.Error("content match substitution failed", log.Error(err))
			match = r.service.ContentMatch
		}
		content := asText(section)
		if r.service.DeleteSpacesBeforeMatching {
			match = whitespaceRe.ReplaceAllString(match, "")
			content = whitespaceRe.ReplaceAllString(content, "")
		}
		if r.service.ContentMatchRegex {
			re, err := regexp.Compile(match)
			success = err == nil && re.MatchString(content)
			if err != nil {
				validation["error"] = fmt.Sprintf("invalid match pattern: %s", err)
			}
		} else {
			success = strings.Contains(content, match)
		}
		validation["match"] = match
		validation["content"] = content

	case automation.ValidationDictEqual:
		// The reference dictionary is compared raw, without template
		// substitution.
		success = reflect.DeepEqual(section, r.service.DictMatch)
		validation["match"] = r.service.DictMatch
		validation["content"] = section

	case automation.ValidationDictIncluded:
		matched, missing := consumeMatch(section, r.service.DictMatch)
		success = len(missing) == 0
		validation["match"] = matched
		if len(missing) > 0 {
			validation["missing"] = missing
		}
	}

	if r.service.NegativeLogic {
		success = !success
		validation["negative_logic"] = true
	}
	results[automation.ResultValidation] = validation
	results.SetSuccess(success)
}

// sectionValue walks a dotted key path into the result map; an empty path
// selects the whole result.
func sectionValue(results automation.Result, section string) any {
	if section == "" {
		return map[string]any(results)
	}
	var value any = map[string]any(results)
	for _, key := range strings.Split(section, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		value = m[key]
	}
	return value
}

// consumeMatch walks the result value, consuming reference entries as
// they are found at any depth; lists are consumed element-wise. It
// returns the matched entries as {path, value, match} records and the
// reference keys never found.
func consumeMatch(value any, reference map[string]any) ([]map[string]any, []string) {
	remaining := make(map[string]any, len(reference))
	for k, v := range reference {
		remaining[k] = v
	}
	var matched []map[string]any
	consume(value, "", remaining, &matched)

	missing := make([]string, 0, len(remaining))
	for key := range remaining {
		missing = append(missing, key)
	}
	return matched, missing
}

func consume(value any, path string, remaining map[string]any, matched *[]map[string]any) {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			if want, ok := remaining[key]; ok && reflect.DeepEqual(child, want) {
				delete(remaining, key)
				*matched = append(*matched, map[string]any{
					"path":  childPath,
					"value": child,
					"match": want,
				})
			}
			consume(child, childPath, remaining, matched)
		}
	case []any:
		for i, item := range v {
			consume(item, fmt.Sprintf("%s[%d]", path, i), remaining, matched)
		}
	}
}

func asText(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}
