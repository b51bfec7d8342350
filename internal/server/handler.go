package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/ahmethakanbesel/candle-collector/internal/apperror"
	"github.com/ahmethakanbesel/candle-collector/internal/job"
	"github.com/ahmethakanbesel/candle-collector/internal/market"
)

type handler struct {
	jobs     *job.Service
	store    Pinger
	upstream Pinger
	pings    *singleflight.Group
}

type submitBody struct {
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	BatchSize  *int   `json:"batch_size"`
	Priority   string `json:"priority"`
	ProbeStart bool   `json:"probe_start"`
}

type pendingJob struct {
	JobID     string           `json:"job_id"`
	Symbol    string           `json:"symbol"`
	Timeframe market.Timeframe `json:"timeframe"`
	Status    job.Status       `json:"status"`
	Progress  float64          `json:"progress"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			writeErr(w, r, apperror.New(apperror.Unavailable, "store unavailable: "+err.Error()).
				WithDetail("status", "unavailable"))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ping checks the terminal. Concurrent callers share one upstream probe.
func (h *handler) ping(w http.ResponseWriter, r *http.Request) {
	if h.upstream == nil {
		writeErr(w, r, apperror.New(apperror.Unavailable, "upstream not configured"))
		return
	}
	start := time.Now()
	_, err, _ := h.pings.Do("ping", func() (any, error) {
		return nil, h.upstream.Ping(r.Context())
	})
	if err != nil {
		writeErr(w, r, apperror.New(apperror.Unavailable, "upstream unreachable: "+err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"latency": time.Since(start).Round(time.Millisecond).String(),
	})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req := job.SubmitRequest{
		Symbol:     body.Symbol,
		Timeframe:  body.Timeframe,
		BatchSize:  body.BatchSize,
		Priority:   body.Priority,
		ProbeStart: body.ProbeStart,
	}
	var err error
	if body.StartDate != "" {
		if req.StartDate, err = time.Parse(job.DateFormat, body.StartDate); err != nil {
			writeError(w, http.StatusBadRequest, "invalid start_date format, expected YYYY-MM-DD")
			return
		}
	}
	if body.EndDate != "" {
		if req.EndDate, err = time.Parse(job.DateFormat, body.EndDate); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end_date format, expected YYYY-MM-DD")
			return
		}
	}

	j, err := h.jobs.Submit(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": j.ID})
}

func (h *handler) listPending(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.ListPending(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]pendingJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, pendingJob{
			JobID:     j.ID,
			Symbol:    j.Symbol,
			Timeframe: j.Timeframe,
			Status:    j.Status,
			Progress:  j.Progress,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "jobs": out})
}

func (h *handler) catalog(w http.ResponseWriter, _ *http.Request) {
	c := h.jobs.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols":    c.Symbols(),
		"timeframes": c.Timeframes(),
	})
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := job.ListJobsRequest{
		Status:    q.Get("status"),
		Symbol:    q.Get("symbol"),
		Timeframe: q.Get("timeframe"),
	}
	jobs, err := h.jobs.List(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(jobs), "jobs": jobs})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Status(r.Context(), job.GetJobRequest{ID: chi.URLParam(r, "jobID")})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Cancel(r.Context(), job.GetJobRequest{ID: chi.URLParam(r, "jobID")})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) purgeJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Purge(r.Context(), job.GetJobRequest{ID: chi.URLParam(r, "jobID")}); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
