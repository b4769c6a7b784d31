package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"jobweave/internal/task/job"
	"jobweave/internal/task/ledger"
	"jobweave/internal/task/scheduler"
	logx "jobweave/pkg/logx"
)

// Scheduler is the part of scheduler.Service the admin surface drives.
type Scheduler interface {
	TriggerNow(ctx context.Context, id string) (ledger.Run, error)
	JobStatus(ctx context.Context, id string, n int) (scheduler.Status, error)
	Jobs() []scheduler.JobInfo
	Pause(id string) error
	Resume(id string) error
	Snapshot() scheduler.Snapshot
}

type handler struct {
	sched Scheduler
	log   logx.Logger
	ev    *eventStream
}

// Router builds the admin routes. It is exported for tests and for hosts
// that mount it on their own server.
func (s *Service) Router() http.Handler {
	cfg := s.config()
	h := &handler{sched: s.sched, log: s.log, ev: s.events}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	// Liveness stays open so supervisors can probe without the token.
	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(requireToken(cfg.Token))
		r.Get("/status", h.status)
		r.Get("/jobs", h.listJobs)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Get("/runs", h.listRuns)
			r.Post("/trigger", h.trigger)
			r.Post("/pause", h.pause)
			r.Post("/resume", h.resume)
		})
		r.Get("/events", h.ev.serve)
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	snap := h.sched.Snapshot()
	status := http.StatusOK
	body := map[string]any{"status": "ok", "started": snap.Started, "last_tick": snap.LastTick}
	if !snap.Started {
		status = http.StatusServiceUnavailable
		body["status"] = "starting"
	}
	writeJSON(w, status, body)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Snapshot())
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": h.sched.Jobs()})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	st, err := h.sched.JobStatus(r.Context(), chi.URLParam(r, "id"), 1)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Job)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be an integer in [0, 1000]")
			return
		}
		n = parsed
	}
	st, err := h.sched.JobStatus(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// trigger is the webhook entry point. A dispatched run answers 202, a skip
// (dependency unmet, concurrency conflict) answers 409 with the skipped run.
// A trigger inside the job's cooldown answers 429 with the run it coalesced
// into.
func (h *handler) trigger(w http.ResponseWriter, r *http.Request) {
	run, err := h.sched.TriggerNow(r.Context(), chi.URLParam(r, "id"))
	var cd *scheduler.CooldownError
	if errors.As(err, &cd) {
		secs := int64((cd.Wait + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusTooManyRequests, scheduler.Summarize(run))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if run.State == ledger.StateSkipped || run.State == ledger.StateCancelled {
		status = http.StatusConflict
	}
	writeJSON(w, status, scheduler.Summarize(run))
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sched.Pause(id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "paused": true})
}

func (h *handler) resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sched.Resume(id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "paused": false})
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrNotStarted), errors.Is(err, scheduler.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// client went away
		return
	}
	if status >= 500 {
		h.log.Warn("admin request failed", logx.String("path", r.URL.Path), logx.String("req", middleware.GetReqID(r.Context())), logx.Err(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "time": time.Now().UTC()})
}
