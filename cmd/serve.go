package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/queue"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
	"github.com/deadonfilm/enrich-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job API and queue workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rt, err := initRuntime(ctx, env)
		if err != nil {
			return err
		}
		if err := rt.Start(ctx); err != nil {
			return eris.Wrap(err, "start runtime")
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(&api{store: env.Store, queue: rt}, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown: server first, then the runtime.
		shutdownDone := make(chan struct{})
		go func() {
			defer close(shutdownDone)
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			if err := rt.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("runtime shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		<-shutdownDone
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// jobQueue is the runtime surface the API uses.
type jobQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*model.JobRun, error)
	Stats() map[string]queue.QueueStats
}

// jobReader is the store surface the API uses.
type jobReader interface {
	GetJobRun(ctx context.Context, id string) (*model.JobRun, error)
	ListJobRuns(ctx context.Context, filter store.JobFilter) ([]model.JobRun, error)
	ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEntry, error)
	CountDeadLetters(ctx context.Context) (int, error)
}

type api struct {
	store jobReader
	queue jobQueue
}

func newRouter(a *api, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", a.health)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.createJob)
		r.Get("/", a.listJobs)
		r.Get("/{id}", a.getJob)
	})
	r.Get("/dead-letters", a.listDeadLetters)
	return r
}

type createJobRequest struct {
	Type         model.JobType   `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	DelaySeconds int             `json:"delay_seconds"`
	MaxAttempts  int             `json:"max_attempts"`
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queues": a.queue.Stats()})
}

func (a *api) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.DelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, "delay_seconds must not be negative")
		return
	}

	job, err := a.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
		MaxAttempts: req.MaxAttempts,
	})
	switch {
	case errors.Is(err, resilience.ErrPayloadInvalid):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		zap.L().Error("api: enqueue", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Status: model.JobStatus(q.Get("status")),
		Type:   model.JobType(q.Get("type")),
		Queue:  q.Get("queue"),
		Limit:  queryInt(q.Get("limit"), 50),
		Offset: queryInt(q.Get("offset"), 0),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	runs, err := a.store.ListJobRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if runs == nil {
		runs = []model.JobRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.store.GetJobRun(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case err != nil:
		zap.L().Error("api: get job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *api) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.ListDeadLetters(r.Context(), queryInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		zap.L().Error("api: list dead letters", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	total, err := a.store.CountDeadLetters(r.Context())
	if err != nil {
		zap.L().Error("api: count dead letters", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "count failed")
		return
	}
	if entries == nil {
		entries = []model.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "entries": entries})
}

func queryInt(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
