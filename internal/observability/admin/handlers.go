package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/trigger"
	logx "jobsched/pkg/logx"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 1000
)

type historyView struct {
	ID         string `json:"id"`
	Started    string `json:"started"`
	QueueDelay string `json:"queue_delay"`
	Duration   string `json:"duration"`
	Error      string `json:"error,omitempty"`
}

type schedulerView struct {
	State            string        `json:"state"`
	ConcurrencyLimit int           `json:"concurrency_limit"`
	InterBatchDelay  string        `json:"inter_batch_delay"`
	Pending          int           `json:"pending"`
	Running          int           `json:"running"`
	Submitted        uint64        `json:"submitted"`
	Completed        uint64        `json:"completed"`
	Failed           uint64        `json:"failed"`
	Aborted          uint64        `json:"aborted"`
	Disposed         uint64        `json:"disposed"`
	History          []historyView `json:"history"`
}

type triggerView struct {
	Name     string     `json:"name"`
	Spec     string     `json:"spec"`
	Timezone string     `json:"timezone,omitempty"`
	Overlap  string     `json:"overlap"`
	Next     *time.Time `json:"next,omitempty"`
	Prev     *time.Time `json:"prev,omitempty"`
	Running  bool       `json:"running"`
	LastJob  string     `json:"last_job,omitempty"`
	Fired    uint64     `json:"fired"`
	Skipped  uint64     `json:"skipped"`
}

type statusView struct {
	Time      time.Time              `json:"time"`
	Scheduler schedulerView          `json:"scheduler"`
	Triggers  []triggerView          `json:"triggers"`
	Loops     []supervisor.LoopStats `json:"loops,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Scheduler.Snapshot()
	sv := schedulerView{
		State:            snap.State.String(),
		ConcurrencyLimit: snap.ConcurrencyLimit,
		InterBatchDelay:  snap.InterBatchDelay.String(),
		Pending:          snap.Pending,
		Running:          snap.Running,
		Submitted:        snap.Submitted,
		Completed:        snap.Completed,
		Failed:           snap.Failed,
		Aborted:          snap.Aborted,
		Disposed:         snap.Disposed,
		History:          make([]historyView, 0, len(snap.History)),
	}
	for _, h := range snap.History {
		sv.History = append(sv.History, historyView{
			ID:         h.ID,
			Started:    h.Started.Format(time.RFC3339Nano),
			QueueDelay: h.QueueDelay.String(),
			Duration:   h.Duration.String(),
			Error:      h.Error,
		})
	}

	infos := s.deps.Triggers.Snapshot()
	tv := make([]triggerView, 0, len(infos))
	for _, in := range infos {
		tv = append(tv, triggerView{
			Name:     in.Name,
			Spec:     in.Spec,
			Timezone: in.Timezone,
			Overlap:  in.Overlap.String(),
			Next:     timePtr(in.Next),
			Prev:     timePtr(in.Prev),
			Running:  in.Running,
			LastJob:  in.LastJob,
			Fired:    in.Fired,
			Skipped:  in.Skipped,
		})
	}

	out := statusView{Time: time.Now(), Scheduler: sv, Triggers: tv}
	if s.deps.Loops != nil {
		out.Loops = s.deps.Loops.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.deps.Store.RecentRuns(r.Context(), limit)
	if err != nil {
		if errors.Is(err, storage.ErrClosed) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.log.Warn("admin: recent runs failed", logx.Err(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Scheduler.Cancel(id) {
		s.writeError(w, http.StatusNotFound, "no pending or running job "+strconv.Quote(id))
		return
	}
	s.log.Info("job cancel requested", logx.String("job", id), logx.String("via", "admin"))
	s.writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "cancel_requested": true})
}

func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	fut, err := s.deps.Triggers.Fire(name)
	switch {
	case errors.Is(err, trigger.ErrUnknownTrigger):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, trigger.ErrOverlapSkip):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.log.Info("trigger fired", logx.String("trigger", name), logx.String("job", fut.ID()), logx.String("via", "admin"))
	s.writeJSON(w, http.StatusAccepted, map[string]any{"trigger": name, "job_id": fut.ID()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Debug("admin: write response failed", logx.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
