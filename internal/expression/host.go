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

// Package expression hosts the sandboxed evaluator user text runs in.
// Expressions are expr programs evaluated against a scope the runner
// builds (locals, payload variables, helper bindings). Scripts — the pre-
// and postprocessing hooks — are line sequences of assignments and bare
// expressions with `exit` as the recoverable clean-exit signal.
package expression

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	fleeterrors "github.com/fleetrun/fleetrun/pkg/errors"
)

// Host compiles and evaluates user expressions. Compiled programs are
// cached; the host is safe for concurrent use by parallel device workers.
type Host struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program

	// denied helper names; referencing one fails the evaluation and the
	// binding is stripped from every scope.
	denied []*regexp.Regexp
	names  []string
}

// New creates a host. Denied names come from the security configuration
// and govern helper bindings, the sandbox's equivalent of the original's
// import deny-list.
func New(denied []string) *Host {
	h := &Host{cache: map[string]*vm.Program{}, names: denied}
	for _, name := range denied {
		h.denied = append(h.denied, regexp.MustCompile(`\b`+regexp.QuoteMeta(name)+`\b`))
	}
	return h
}

// Eval evaluates one expression against the scope.
func (h *Host) Eval(src string, scope map[string]any) (any, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	if err := h.check(src); err != nil {
		return nil, err
	}
	program, err := h.compile(src)
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", src, err)
	}
	return expr.Run(program, h.sanitize(scope))
}

// EvalBool evaluates an expression expected to gate behavior (skip
// queries, conditions). Any non-nil, non-false, non-empty value is true.
func (h *Host) EvalBool(src string, scope map[string]any) (bool, error) {
	value, err := h.Eval(src, scope)
	if err != nil {
		return false, err
	}
	return Truthy(value), nil
}

// Exec runs a script: one statement per line. `name = expr` assigns into
// the scope, a bare expression is evaluated for effect, `exit` stops the
// script cleanly. The final scope is returned so callers can read
// variables the script set (e.g. a postprocessing hook resetting
// `retries`).
func (h *Host) Exec(src string, scope map[string]any) (map[string]any, error) {
	out := h.sanitize(scope)
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "exit" {
			break
		}
		if name, rhs, ok := splitAssignment(line); ok {
			if err := h.check(rhs); err != nil {
				return out, err
			}
			program, err := h.compile(rhs)
			if err != nil {
				return out, fmt.Errorf("compiling %q: %w", rhs, err)
			}
			value, err := expr.Run(program, out)
			if err != nil {
				return out, fmt.Errorf("evaluating %q: %w", rhs, err)
			}
			out[name] = value
			continue
		}
		if _, err := h.Eval(line, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

var assignRe = regexp.MustCompile(`^([A-Za-z_]\w*)\s*=\s*([^=].*)$`)

// splitAssignment recognizes `name = expr` without tripping on comparison
// operators.
func splitAssignment(line string) (name, rhs string, ok bool) {
	m := assignRe.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// check rejects expressions referencing a denied helper.
func (h *Host) check(src string) error {
	for i, re := range h.denied {
		if re.MatchString(src) {
			return &fleeterrors.PermissionError{Operation: "reference", Resource: h.names[i]}
		}
	}
	return nil
}

// sanitize copies the scope with denied bindings stripped.
func (h *Host) sanitize(scope map[string]any) map[string]any {
	out := make(map[string]any, len(scope))
	for k, v := range scope {
		out[k] = v
	}
	for _, name := range h.names {
		delete(out, name)
	}
	return out
}

func (h *Host) compile(src string) (*vm.Program, error) {
	h.mu.RLock()
	program, ok := h.cache[src]
	h.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(src,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.cache[src] = program
	h.mu.Unlock()
	return program, nil
}

// Truthy mirrors the gate semantics of skip queries: nil, false, zero and
// empty containers are false, everything else true.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
