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

// fleetrund is the service-runner daemon and one-shot CLI: `serve` exposes
// health and metrics endpoints, `run` executes a service definition file
// against a device inventory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fleetrun/fleetrun/internal/config"
	"github.com/fleetrun/fleetrun/internal/log"
	"github.com/fleetrun/fleetrun/internal/runner"
	"github.com/fleetrun/fleetrun/internal/state"
	"github.com/fleetrun/fleetrun/internal/store"
	"github.com/fleetrun/fleetrun/pkg/automation"
	"github.com/fleetrun/fleetrun/pkg/transport"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	var configPath string

	root := &cobra.Command{
		Use:           "fleetrund",
		Short:         "Network automation service runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")

	root.AddCommand(versionCommand())
	root.AddCommand(serveCommand(&configPath, logger))
	root.AddCommand(runCommand(&configPath, logger))

	if err := root.Execute(); err != nil {
		logger.Error("command failed", log.Error(err))
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetrund %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildEngine assembles an engine from the configuration: sqlite or
// memory store, redis or in-process state, and the SSH dialer for the CLI
// protocol family.
func buildEngine(cfg *config.Config, logger *slog.Logger, registry prometheus.Registerer) (*runner.Engine, error) {
	opts := runner.Options{
		Config:  cfg,
		Logger:  logger,
		Dialers: []transport.Dialer{&transport.SSHDialer{}},
		Metrics: registry,
	}
	if cfg.Database.Path != "" {
		db, err := store.NewSQLite(store.SQLiteConfig{Path: cfg.Database.Path, WAL: cfg.Database.WAL})
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		opts.Store = db
	}
	if cfg.Redis.URL != "" {
		kv, err := state.NewRedis(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		opts.State = kv
		opts.Redis = kv.Client()
	}
	return runner.NewEngine(opts), nil
}

func serveCommand(configPath *string, logger *slog.Logger) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon with health and metrics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			registry := prometheus.NewRegistry()
			if _, err := buildEngine(cfg, logger, registry); err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				fmt.Fprintln(w, "ok")
			})
			server := &http.Server{Addr: listen, Handler: mux}

			errs := make(chan error, 1)
			go func() { errs <- server.ListenAndServe() }()
			logger.Info("daemon started", slog.String("listen", listen))

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errs:
				return err
			case sig := <-signals:
				logger.Info("shutting down", slog.String("signal", sig.String()))
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9477", "address for the health and metrics endpoints")
	return cmd
}

// formFlag collects repeated key=value pairs into the run's payload form,
// the parameter-override channel the runner consults before the service
// definition.
type formFlag map[string]string

var _ pflag.Value = formFlag{}

func (f formFlag) String() string {
	out := ""
	for k, v := range f {
		if out != "" {
			out += ","
		}
		out += k + "=" + v
	}
	return out
}

func (f formFlag) Set(raw string) error {
	key, value, found := strings.Cut(raw, "=")
	if !found || key == "" {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	f[key] = value
	return nil
}

func (f formFlag) Type() string { return "key=value" }

// values coerces the collected overrides to the types the runner's
// parameter lookup understands.
func (f formFlag) values() map[string]any {
	out := make(map[string]any, len(f))
	for key, raw := range f {
		switch {
		case raw == "true" || raw == "false":
			out[key] = raw == "true"
		default:
			if n, err := strconv.Atoi(raw); err == nil {
				out[key] = n
			} else {
				out[key] = raw
			}
		}
	}
	return out
}

func runCommand(configPath *string, logger *slog.Logger) *cobra.Command {
	var (
		servicePath   string
		inventoryPath string
		creator       string
	)
	form := formFlag{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a service definition against a device inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			engine, err := buildEngine(cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			opts, err := loadRun(engine, servicePath, inventoryPath, creator)
			if err != nil {
				return err
			}
			if len(form) > 0 {
				payload := automation.NewPayload()
				payload.Form = form.values()
				opts.Payload = payload
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			results, err := engine.Execute(ctx, opts)
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			if !results.Success() {
				return fmt.Errorf("run failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&servicePath, "service", "s", "", "path to the service definition file")
	cmd.Flags().StringVarP(&inventoryPath, "inventory", "i", "", "path to the device inventory file")
	cmd.Flags().StringVar(&creator, "as", "admin", "user identity the run executes as")
	cmd.Flags().Var(form, "set", "form override, repeatable (e.g. --set number_of_retries=2)")
	cmd.MarkFlagRequired("service")
	cmd.MarkFlagRequired("inventory")
	return cmd
}
