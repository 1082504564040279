package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/changedetect"
	"github.com/courtline/statpipe/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the completion event ingestion server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Drain digest buckets the rate limiter skipped; the loop also
		// flushes on shutdown so batched alerts are not lost.
		go env.Alerter.FlushEvery(ctx)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/events", func(w http.ResponseWriter, req *http.Request) {
			var ev model.Event
			if err := json.NewDecoder(req.Body).Decode(&ev); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event body"})
				return
			}
			if ev.Phase != model.PhaseCompletion {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "only completion events are accepted here"})
				return
			}
			if ev.Processor == "" || ev.Stage == "" || ev.ScopeKey == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "processor_name, stage, and scope_key are required"})
				return
			}

			triggered, err := env.Aggregator.Register(req.Context(), ev)
			if err != nil {
				zap.L().Error("serve: register failed",
					zap.String("processor", ev.Processor),
					zap.String("scope", ev.ScopeKey.String()),
					zap.Error(err),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registration failed"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"status":    "registered",
				"triggered": triggered,
			})
		})

		r.Get("/batches/{key}", func(w http.ResponseWriter, req *http.Request) {
			b, err := env.Store.GetBatch(req.Context(), chi.URLParam(req, "key"))
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "batch not found"})
				return
			}
			writeJSON(w, http.StatusOK, b)
		})

		r.Post("/snapshots/{scope}", func(w http.ResponseWriter, req *http.Request) {
			if env.Detector == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "change detection not configured"})
				return
			}
			scope, err := model.ParseScope(chi.URLParam(req, "scope"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid scope"})
				return
			}
			var body []struct {
				ID     string            `json:"id"`
				Fields map[string]string `json:"fields"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid snapshot body"})
				return
			}
			entities := make([]changedetect.Entity, 0, len(body))
			for _, e := range body {
				entities = append(entities, changedetect.Entity{ID: e.ID, Fields: e.Fields})
			}
			if err := env.Detector.RecordSnapshot(req.Context(), scope, entities); err != nil {
				zap.L().Error("serve: record snapshot failed",
					zap.String("scope", scope.String()),
					zap.Error(err),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot not recorded"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"status":   "recorded",
				"entities": len(entities),
			})
		})

		r.Get("/changes/{scope}", func(w http.ResponseWriter, req *http.Request) {
			if env.Detector == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "change detection not configured"})
				return
			}
			scope, err := model.ParseScope(chi.URLParam(req, "scope"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid scope"})
				return
			}
			res := env.Detector.DetectChanges(req.Context(), scope)
			writeJSON(w, http.StatusOK, map[string]any{
				"changed":    res.ChangedIDs,
				"total":      res.TotalIDs,
				"unknown":    res.Unknown,
				"full_batch": res.FullBatch(),
				"efficiency": res.Efficiency(),
			})
		})

		r.Get("/quality/{scope}/{entity}", func(w http.ResponseWriter, req *http.Request) {
			if env.Fallback == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no fallback chains configured"})
				return
			}
			scope, err := model.ParseScope(chi.URLParam(req, "scope"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid scope"})
				return
			}
			q, err := env.Fallback.Assessment(req.Context(), scope, chi.URLParam(req, "entity"))
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "assessment not found"})
				return
			}
			writeJSON(w, http.StatusOK, q)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
