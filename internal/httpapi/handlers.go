package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/geo"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/service"
)

type handlers struct {
	svc *service.Service
	log zerolog.Logger
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type jobBody struct {
	JobID int64  `json:"job_id"`
	State string `json:"state"`
	Kind  string `json:"kind"`
}

func jobRef(j model.Job) jobBody {
	return jobBody{JobID: j.ID, State: string(j.State), Kind: string(j.Kind)}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto status codes. Unknown errors
// become an opaque 500: upstream detail never leaks to HTTP callers.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidGeometry):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_geometry", Detail: err.Error()})
	case errors.Is(err, model.ErrInvalidRange):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_range", Detail: err.Error()})
	case errors.Is(err, model.ErrQuotaExceeded):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "quota_exceeded", Detail: err.Error()})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.Is(err, model.ErrThrottled):
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "throttled", Detail: err.Error()})
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

func farmID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "farmID"), 10, 64)
}

// intQuery returns geo.Unset when the parameter is absent, so an explicit
// zero is distinguishable from no value at all.
func intQuery(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return geo.Unset, nil
	}
	return strconv.Atoi(v)
}

func dateQuery(r *http.Request, name string) (model.Date, bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return model.Date{}, false, nil
	}
	d, err := model.ParseDate(v)
	return d, true, err
}

func (h *handlers) timeseries(w http.ResponseWriter, r *http.Request) {
	id, err := farmID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_farm_id"})
		return
	}
	start, okStart, err := dateQuery(r, "start")
	if err != nil || !okStart {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_range", Detail: "start is required as YYYY-MM-DD"})
		return
	}
	end, okEnd, err := dateQuery(r, "end")
	if err != nil || !okEnd {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_range", Detail: "end is required as YYYY-MM-DD"})
		return
	}
	step, err := intQuery(r, "step_days")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_range", Detail: "step_days must be an integer"})
		return
	}
	cloud, err := intQuery(r, "max_cloud")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_range", Detail: "max_cloud must be an integer"})
		return
	}

	res, err := h.svc.GetSeries(r.Context(), id, start, end, step, cloud)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body := map[string]any{
		"observations":          res.Observations,
		"start":                 res.Start,
		"end":                   res.End,
		"step_days":             res.StepDays,
		"max_cloud":             res.MaxCloud,
		"is_partial":            res.IsPartial,
		"missing_buckets_count": res.MissingBucketsCount,
	}
	if res.Job != nil {
		body["job"] = jobRef(*res.Job)
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) latest(w http.ResponseWriter, r *http.Request) {
	id, err := farmID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_farm_id"})
		return
	}
	lookback, err := intQuery(r, "lookback_days")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_range", Detail: "lookback_days must be an integer"})
		return
	}
	cloud, err := intQuery(r, "max_cloud")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_range", Detail: "max_cloud must be an integer"})
		return
	}

	res, err := h.svc.GetLatest(r.Context(), id, lookback, cloud)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body := map[string]any{
		"observation":   res.Observation,
		"lookback_days": res.LookbackDays,
		"max_cloud":     res.MaxCloud,
		"stale":         res.Stale,
	}
	if res.Job != nil {
		body["job"] = jobRef(*res.Job)
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	id, err := farmID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_farm_id"})
		return
	}
	job, err := h.svc.TriggerRefresh(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobRef(job))
}

func (h *handlers) rasterPNG(w http.ResponseWriter, r *http.Request) {
	id, err := farmID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_farm_id"})
		return
	}
	target, ok, err := dateQuery(r, "date")
	if err != nil || !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_range", Detail: "date is required as YYYY-MM-DD"})
		return
	}
	size, err := intQuery(r, "size")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_range", Detail: "size must be an integer"})
		return
	}
	if size < 0 {
		size = 512
	}
	cloud, err := intQuery(r, "max_cloud")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_range", Detail: "max_cloud must be an integer"})
		return
	}

	priorHash := unquoteETag(r.Header.Get("If-None-Match"))

	artifact, unchanged, job, err := h.svc.GetOrQueueRaster(r.Context(), id, target, size, cloud, priorHash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	switch {
	case unchanged:
		w.Header().Set("ETag", quoteETag(priorHash))
		w.WriteHeader(http.StatusNotModified)
	case artifact != nil:
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("ETag", quoteETag(artifact.ContentHash))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(artifact.Content)
	default:
		// Not rendered yet: hand back the job so the caller can poll.
		writeJSON(w, http.StatusAccepted, jobRef(*job))
	}
}

// rasterQueueRequest uses pointers for the optional fields: a missing key
// takes the default, an explicit zero does not.
type rasterQueueRequest struct {
	Date     string `json:"date"`
	Size     *int   `json:"size"`
	MaxCloud *int   `json:"max_cloud"`
}

func (h *handlers) rasterQueue(w http.ResponseWriter, r *http.Request) {
	id, err := farmID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_farm_id"})
		return
	}
	var req rasterQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_body", Detail: "expected JSON {date, size, max_cloud}"})
		return
	}
	target, err := model.ParseDate(req.Date)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_range", Detail: "date must be YYYY-MM-DD"})
		return
	}
	size := 512
	if req.Size != nil {
		size = *req.Size
	}
	cloud := geo.Unset
	if req.MaxCloud != nil {
		cloud = *req.MaxCloud
	}

	job, _, err := h.svc.EnqueueOrGet(r.Context(), id, model.KindRenderRaster,
		model.RasterJobParams(model.RasterParams{TargetDate: target, PixelSize: size, MaxCloud: cloud}))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobRef(job))
}

func (h *handlers) jobStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_job_id"})
		return
	}
	job, err := h.svc.GetJobStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func quoteETag(hash string) string { return `"` + hash + `"` }

func unquoteETag(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
