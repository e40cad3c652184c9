package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/config"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/telemetry"
	"github.com/teranos/cadence/webhook"
)

// maxWebhookBody bounds inbound event payloads.
const maxWebhookBody = 1 << 20

// ServeCmd runs the scheduling engine in the foreground.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cadence scheduling engine",
	Long: `Run the cadence scheduling engine in foreground mode.

The engine will:
- Start the configured scheduler backend (local or broker)
- Register the recurring due-check job that fires due subscriptions
- Serve webhook events, health, and Prometheus metrics over HTTP
- Run until interrupted (Ctrl+C) with graceful shutdown

Example:
  cadence serve                          # local backend, defaults
  cadence serve --config cadence.yaml    # explicit config file
  CADENCE_SCHEDULER_BACKEND=broker cadence serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listen, _ := cmd.Flags().GetString("listen")

		rt, err := buildRuntime(configPath)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		active := rt.registry.Get(rt.cfg.Scheduler.Backend)
		if active == nil {
			return errors.Newf("unknown scheduler backend %q", rt.cfg.Scheduler.Backend)
		}
		rt.registry.SetActive(active)
		if err := active.Start(ctx); err != nil {
			return errors.Wrapf(err, "failed to start %s backend", active.Type())
		}

		// Hot-reload only touches knobs that apply without a restart.
		var watcher *config.Watcher
		if configPath != "" {
			watcher, err = config.NewWatcher(configPath)
			if err != nil {
				logger.Warnw("Config watching disabled", "error", err)
			} else {
				watcher.OnReload(func(next *config.Config) error {
					if next.Scheduler.Backend != rt.cfg.Scheduler.Backend {
						logger.Warnw("Backend change requires restart",
							"running", rt.cfg.Scheduler.Backend,
							"configured", next.Scheduler.Backend)
					}
					return nil
				})
				watcher.Start()
				defer watcher.Stop()
			}
		}

		srv := &http.Server{
			Addr:              listen,
			Handler:           rt.httpHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		httpErr := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				httpErr <- err
			}
		}()

		fmt.Printf("cadence engine started\n")
		fmt.Printf("  Backend: %s\n", active.Type())
		fmt.Printf("  Due check: every %v\n", rt.cfg.DueCheckInterval())
		fmt.Printf("  HTTP: %s\n", listen)
		fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigChan:
			fmt.Printf("\nShutting down...\n")
		case err := <-httpErr:
			logger.Errorw("HTTP server failed", "error", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)

		if err := active.Stop(true); err != nil {
			logger.Warnw("Backend stop reported error", "error", err)
		}
		fmt.Printf("cadence engine stopped\n")
		return nil
	},
}

func init() {
	ServeCmd.Flags().String("config", "", "Path to config file (optional, env vars always apply)")
	ServeCmd.Flags().String("listen", ":8422", "HTTP listen address for webhooks, health, and metrics")
}

// httpHandler serves the engine's HTTP surface: inbound webhooks, health,
// and metrics.
func (rt *runtime) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", telemetry.Handler())
	mux.HandleFunc("GET /healthz", rt.handleHealth)
	mux.HandleFunc("POST /hooks/{token}", rt.handleWebhook)
	return mux
}

func (rt *runtime) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := rt.svc.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !health.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

func (rt *runtime) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	execID, err := rt.svc.HandleWebhookEvent(r.Context(),
		r.PathValue("token"), body, r.Header.Get(webhook.SignatureHeader))
	if err != nil {
		switch {
		case errors.IsNotFoundError(err):
			http.Error(w, "unknown webhook token", http.StatusNotFound)
		case errors.Is(err, errors.ErrUnauthorized):
			http.Error(w, "invalid signature", http.StatusUnauthorized)
		case errors.Is(err, errors.ErrInvalidRequest):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, "failed to process event", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"execution_id": execID})
}
