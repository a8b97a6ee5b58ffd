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

package automation

// Result is the outcome of one attempt, one device, or one whole run. It
// is an open map because service jobs return arbitrary shapes; the
// well-known keys below are the ones the engine interprets. Values are
// normalized to scalars, lists and maps before persistence.
type Result map[string]any

// Well-known result keys.
const (
	ResultSuccess      = "success"
	ResultValue        = "result"
	ResultRuntime      = "runtime"
	ResultDuration     = "duration"
	ResultSummary      = "summary"
	ResultDeviceTarget = "device_target"
	ResultValidation   = "validation"
	ResultNotification = "notification"
)

// Success reports the outcome flag; a missing flag counts as failure.
func (r Result) Success() bool {
	ok, _ := r[ResultSuccess].(bool)
	return ok
}

// SetSuccess stores the outcome flag.
func (r Result) SetSuccess(ok bool) {
	r[ResultSuccess] = ok
}

// Copy returns a shallow copy of the result.
func (r Result) Copy() Result {
	out := make(Result, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Summary lists device names by outcome for one run.
type Summary struct {
	Success []string `json:"success"`
	Failure []string `json:"failure"`
}

// Append records a device name under its outcome.
func (s *Summary) Append(name string, success bool) {
	if success {
		s.Success = append(s.Success, name)
	} else {
		s.Failure = append(s.Failure, name)
	}
}

// AsMap renders the summary in result form.
func (s *Summary) AsMap() map[string]any {
	return map[string]any{"success": s.Success, "failure": s.Failure}
}
