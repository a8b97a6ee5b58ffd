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

// Package runner executes service activations: it resolves targets, fans
// work out across devices with bounded parallelism, drives the per-device
// retry machine, accumulates progress in the state tree and records the
// aggregate outcome. The Engine value owns every cross-run registry; there
// is no package-level state.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/fleetrun/fleetrun/internal/config"
	"github.com/fleetrun/fleetrun/internal/conncache"
	"github.com/fleetrun/fleetrun/internal/expression"
	"github.com/fleetrun/fleetrun/internal/notify"
	"github.com/fleetrun/fleetrun/internal/record"
	"github.com/fleetrun/fleetrun/internal/secrets"
	"github.com/fleetrun/fleetrun/internal/state"
	"github.com/fleetrun/fleetrun/internal/store"
	"github.com/fleetrun/fleetrun/pkg/transport"
)

// Options wires an Engine. Nil fields fall back to embedded defaults so
// tests can construct engines from a Config alone.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    store.Store
	State    state.Store
	Cache    *conncache.Cache
	Notifier *notify.Dispatcher
	Recorder *record.Recorder
	Secrets  secrets.Service
	Dialers  []transport.Dialer

	// Redis, when set, backs the cluster-wide stop flags; otherwise stop
	// flags live in process memory.
	Redis *redis.Client

	// Metrics defaults to a private registry so parallel engines never
	// collide on collector names.
	Metrics prometheus.Registerer
}

// Engine owns the cross-run registries the orchestration needs: live
// runners, per-run target ACLs, stop flags, per-service active-run counts
// and accumulated service logs.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	state    state.Store
	cache    *conncache.Cache
	expr     *expression.Host
	notifier *notify.Dispatcher
	recorder *record.Recorder
	secrets  secrets.Service
	dialers  map[transport.Protocol]transport.Dialer
	redis    *redis.Client
	metrics  *metrics

	mu       sync.Mutex
	runs     map[string]*Runner
	paths    map[string]map[string]int
	targets  map[string]map[string]bool
	stops    map[string]bool
	counts   map[string]int
	runLogs  map[string]map[string][]string
	sequence int
}

// NewEngine builds an engine from options.
func NewEngine(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemory()
	}
	runState := opts.State
	if runState == nil {
		runState = state.NewMemory()
	}
	cache := opts.Cache
	if cache == nil {
		cache = conncache.New(logger)
	}
	secretSvc := opts.Secrets
	if secretSvc == nil {
		secretSvc = secrets.Local{}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.New(cfg, logger, nil)
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = record.New(st, logger)
	}
	registry := opts.Metrics
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	dialers := map[transport.Protocol]transport.Dialer{}
	for _, dialer := range opts.Dialers {
		dialers[dialer.Protocol()] = dialer
	}

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		state:    runState,
		cache:    cache,
		expr:     expression.New(cfg.Security.DeniedHelpers),
		notifier: notifier,
		recorder: recorder,
		secrets:  secretSvc,
		dialers:  dialers,
		redis:    opts.Redis,
		metrics:  newMetrics(registry),
		runs:     map[string]*Runner{},
		paths:    map[string]map[string]int{},
		targets:  map[string]map[string]bool{},
		stops:    map[string]bool{},
		counts:   map[string]int{},
		runLogs:  map[string]map[string][]string{},
	}
}

// State exposes the progress tree, mainly for assertions.
func (e *Engine) State() state.Store { return e.state }

// Store exposes the object store.
func (e *Engine) Store() store.Store { return e.store }

// Cache exposes the connection cache.
func (e *Engine) Cache() *conncache.Cache { return e.cache }

// Runner returns the live runner registered under a runtime.
func (e *Engine) Runner(runtime string) (*Runner, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runtime]
	return r, ok
}

// Stop raises the stop flag for a run tree. Workers observe it at the
// next state-machine boundary; in-flight I/O is not preempted.
func (e *Engine) Stop(ctx context.Context, parentRuntime string) {
	if e.redis != nil {
		e.redis.Set(ctx, "stop/"+parentRuntime, "true", 0)
		return
	}
	e.mu.Lock()
	e.stops[parentRuntime] = true
	e.mu.Unlock()
}

// Stopped reports whether the run tree's stop flag is raised.
func (e *Engine) Stopped(ctx context.Context, parentRuntime string) bool {
	if e.redis != nil {
		n, err := e.redis.Exists(ctx, "stop/"+parentRuntime).Result()
		return err == nil && n > 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops[parentRuntime]
}

// AllowTargets restricts a run tree to the given device ids. A tree with
// no restriction accepts every device.
func (e *Engine) AllowTargets(parentRuntime string, deviceIDs []string) {
	allowed := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		allowed[id] = true
	}
	e.mu.Lock()
	e.targets[parentRuntime] = allowed
	e.mu.Unlock()
}

func (e *Engine) targetAllowed(parentRuntime, deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	allowed, ok := e.targets[parentRuntime]
	if !ok {
		return true
	}
	return allowed[deviceID]
}

func (e *Engine) register(r *Runner) {
	e.mu.Lock()
	e.runs[r.runtime] = r
	e.counts[r.service.ID]++
	e.mu.Unlock()
}

func (e *Engine) unregister(r *Runner) {
	e.mu.Lock()
	delete(e.runs, r.runtime)
	e.mu.Unlock()
}

// decrementRunCount returns the remaining active runs of the service.
func (e *Engine) decrementRunCount(serviceID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counts[serviceID] > 0 {
		e.counts[serviceID]--
	}
	return e.counts[serviceID]
}

// uniquePath disambiguates runner paths within one run tree. The first
// runner on a path keeps the bare path; later ones (iteration children,
// repeated sub-services) get an ordinal suffix.
func (e *Engine) uniquePath(parentRuntime, base string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	byPath := e.paths[parentRuntime]
	if byPath == nil {
		byPath = map[string]int{}
		e.paths[parentRuntime] = byPath
	}
	n := byPath[base]
	byPath[base] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s~%d", base, n)
}

func (e *Engine) appendLog(parentRuntime, serviceID, line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byService := e.runLogs[parentRuntime]
	if byService == nil {
		byService = map[string][]string{}
		e.runLogs[parentRuntime] = byService
	}
	byService[serviceID] = append(byService[serviceID], line)
}

// drainLogs removes and returns the accumulated log lines of a run tree.
func (e *Engine) drainLogs(parentRuntime string) map[string][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	logs := e.runLogs[parentRuntime]
	delete(e.runLogs, parentRuntime)
	delete(e.paths, parentRuntime)
	delete(e.targets, parentRuntime)
	delete(e.stops, parentRuntime)
	return logs
}

// nextRuntime produces a unique monotonic activation timestamp.
func (e *Engine) nextRuntime() string {
	e.mu.Lock()
	e.sequence++
	n := e.sequence
	e.mu.Unlock()
	return fmt.Sprintf("%s.%06d", time.Now().UTC().Format("2006-01-02 15:04:05"), n)
}
