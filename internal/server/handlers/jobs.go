package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/quantumhub/execgate/internal/errors"
	"github.com/quantumhub/execgate/internal/server/middleware"
	"github.com/quantumhub/execgate/pkg/dispatch"
	"github.com/quantumhub/execgate/pkg/job"
	"github.com/quantumhub/execgate/pkg/ratelimit"
)

// JobsHandler serves the job submission and retrieval endpoints.
type JobsHandler struct {
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	jobs       job.Store
	logger     *zap.Logger
}

func NewJobsHandler(limiter *ratelimit.Limiter, dispatcher *dispatch.Dispatcher, jobs job.Store, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{limiter: limiter, dispatcher: dispatcher, jobs: jobs, logger: logger}
}

type submitRequest struct {
	Platform string          `json:"platform"`
	DeviceID string          `json:"device_id"`
	RunMode  string          `json:"run_mode"`
	Shots    int             `json:"shots"`
	Input    json.RawMessage `json:"input"`
	Tags     []string        `json:"tags"`
}

type submitAccepted struct {
	ID     string    `json:"id"`
	Status job.State `json:"status"`
}

type submitCompleted struct {
	Job    *job.Job    `json:"job"`
	Result *job.Result `json:"result"`
}

// Submit admits and dispatches one job.
//
// Non-blocking submissions return 202 with the queued job id. Blocking
// submissions return 200 with the full result, or 504 when the
// wall-clock ceiling fires first. Quota denials are 429 with a reason.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFrom(r.Context())
	if identity == nil {
		apperrors.WriteError(w, r, http.StatusUnauthorized, apperrors.CodeUnauthorized, "no identity", nil)
		return
	}

	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperrors.WriteError(w, r, http.StatusBadRequest, apperrors.CodeValidation, "invalid request body", nil)
		return
	}
	if body.Platform == "" || body.DeviceID == "" {
		apperrors.WriteError(w, r, http.StatusBadRequest, apperrors.CodeValidation,
			"platform and device_id are required", nil)
		return
	}
	runMode := job.RunMode(body.RunMode)
	if runMode == "" {
		runMode = job.RunModeNonBlocking
	}
	if !runMode.Valid() {
		apperrors.WriteError(w, r, http.StatusBadRequest, apperrors.CodeValidation,
			"run_mode must be blocking or non_blocking", nil)
		return
	}

	cost := ratelimit.DefaultComputeEstimate
	reservation, err := h.limiter.Admit(r.Context(), identity.Key, cost)
	if err != nil {
		status, code := apperrors.Classify(err)
		if status == http.StatusTooManyRequests {
			apperrors.WriteError(w, r, status, code, err.Error(),
				map[string]any{"reason": apperrors.RateLimitReason(err)})
			return
		}
		apperrors.WriteError(w, r, status, code, err.Error(), nil)
		return
	}

	j, res, err := h.dispatcher.Submit(r.Context(), dispatch.SubmitRequest{
		SubscriptionID: identity.Key.SubscriptionID,
		KeyID:          identity.Key.ID,
		Platform:       body.Platform,
		DeviceID:       body.DeviceID,
		RunMode:        runMode,
		Shots:          body.Shots,
		Input:          body.Input,
		Tags:           body.Tags,
		EstimatedCost:  cost,
		Reservation:    reservation,
	})
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrExecutionTimeout):
		apperrors.WriteError(w, r, http.StatusGatewayTimeout, apperrors.CodeExecutionTimeout,
			"execution did not finish within the blocking window",
			map[string]any{"job_id": j.ID, "status": j.Status})
		return
	case errors.Is(err, dispatch.ErrSubmissionRejected):
		details := map[string]any{}
		if j != nil {
			details["job_id"] = j.ID
		}
		apperrors.WriteError(w, r, http.StatusUnprocessableEntity, apperrors.CodeSubmissionRejected,
			err.Error(), details)
		return
	default:
		// A nil job means it was never created or dispatched: give the
		// whole admission back. Once dispatched the job runs on (a
		// disconnected blocking client lands here too), so the quota
		// stays spent.
		if j == nil {
			if rerr := reservation.Release(context.WithoutCancel(r.Context())); rerr != nil {
				h.logger.Warn("reservation release failed", zap.Error(rerr))
			}
		}
		apperrors.RespondWithError(w, r, err)
		return
	}

	if runMode == job.RunModeBlocking {
		writeJSON(w, http.StatusOK, submitCompleted{Job: j, Result: res})
		return
	}
	writeJSON(w, http.StatusAccepted, submitAccepted{ID: j.ID, Status: j.Status})
}

// Get returns the current job record.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// GetResult returns the terminal result, 202 while the job is still in
// flight, 404 for unknown jobs.
func (h *JobsHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.jobs.GetResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrNoResult) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cancel requests cancellation and returns the resulting (possibly
// unchanged) job.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := h.dispatcher.Cancel(r.Context(), id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}
