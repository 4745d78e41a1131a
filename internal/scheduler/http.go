package scheduler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/operations"
)

// TargetStatus is one target as reported by the control API.
type TargetStatus struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Schedule string     `json:"schedule,omitempty"`
	Enabled  bool       `json:"enabled"`
	Paused   bool       `json:"paused"`
	Next     *time.Time `json:"next,omitempty"`
}

// TriggerResponse reports an on-demand backup. Record is set when the
// backup finished before the response was written.
type TriggerResponse struct {
	Target string               `json:"target"`
	Status string               `json:"status"`
	Record *backup.BackupRecord `json:"record,omitempty"`
	Error  string               `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the control API:
//
//	GET  /targets
//	GET  /targets/{id}
//	POST /targets/{id}/pause
//	POST /targets/{id}/resume
//	POST /targets/{id}/trigger
func (s *Scheduler) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/targets", func(r chi.Router) {
		r.Get("/", s.listTargets)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getTarget)
			r.Post("/pause", s.pauseTarget)
			r.Post("/resume", s.resumeTarget)
			r.Post("/trigger", s.triggerTarget)
		})
	})
	return r
}

func (s *Scheduler) status(t backup.Target) TargetStatus {
	st := TargetStatus{
		ID:       t.ID,
		Name:     t.Name,
		Schedule: t.Schedule,
		Enabled:  t.Enabled,
		Paused:   t.Paused,
	}
	if next, ok := s.Next(t.ID); ok {
		st.Next = &next
	}
	return st
}

func (s *Scheduler) listTargets(w http.ResponseWriter, _ *http.Request) {
	targets := s.targets.Targets()
	out := make([]TargetStatus, 0, len(targets))
	for _, t := range targets {
		out = append(out, s.status(t))
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Scheduler) getTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.targets.Target(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, s.status(t))
}

func (s *Scheduler) pauseTarget(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, chi.URLParam(r, "id"), s.Pause)
}

func (s *Scheduler) resumeTarget(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, chi.URLParam(r, "id"), s.Resume)
}

func (s *Scheduler) setPaused(w http.ResponseWriter, id string, apply func(string) error) {
	if err := apply(id); err != nil {
		s.respondError(w, err)
		return
	}
	t, err := s.targets.Target(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, s.status(t))
}

// triggerTarget answers 200 with the record when the backup finishes
// within triggerWait, 202 when it is still running and 409 when another
// attempt holds the target.
func (s *Scheduler) triggerTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.targets.Target(id); err != nil {
		s.respondError(w, err)
		return
	}
	results, err := s.triggerAsync(id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	timer := time.NewTimer(s.triggerWait)
	defer timer.Stop()
	select {
	case res := <-results:
		resp := TriggerResponse{Target: id, Record: res.rec}
		switch {
		case res.err == nil:
			resp.Status = string(backup.StatusSuccess)
			s.respond(w, http.StatusOK, resp)
		case errors.Is(res.err, operations.ErrAlreadyRunning):
			resp.Status = "skipped"
			resp.Error = res.err.Error()
			s.respond(w, http.StatusConflict, resp)
		default:
			resp.Status = string(backup.StatusFailed)
			resp.Error = res.err.Error()
			s.respond(w, http.StatusOK, resp)
		}
	case <-timer.C:
		s.respond(w, http.StatusAccepted, TriggerResponse{Target: id, Status: string(backup.StatusRunning)})
	case <-r.Context().Done():
	}
}

func (s *Scheduler) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, backup.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrStopped):
		status = http.StatusServiceUnavailable
	}
	s.respond(w, status, errorResponse{Error: err.Error()})
}

func (s *Scheduler) respond(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.log.Error("encode control response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.log.Debug("write control response", "error", err)
	}
}
