package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"resonance-backend/application/ports"
	pkgerrors "resonance-backend/pkg/errors"
)

// JobService runs full recomputes in the background.
type JobService interface {
	Submit(ctx context.Context, communityID string, resume bool) (*ports.OperationResult, error)
	Get(ctx context.Context, jobID string) (*ports.OperationResult, error)
	Cancel(ctx context.Context, jobID string) error
}

type JobHandler struct {
	responder
	jobs JobService
}

func NewJobHandler(jobs JobService, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *JobHandler {
	return &JobHandler{responder: responder{errors: errs, logger: logger}, jobs: jobs}
}

// SubmitRecompute handles POST /communities/{communityID}/similarities/recompute.
// It answers 202 with the job state and a Location header to poll.
func (h *JobHandler) SubmitRecompute(w http.ResponseWriter, r *http.Request) {
	communityID := chi.URLParam(r, "communityID")
	resume, err := queryBool(r, "resume")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	op, err := h.jobs.Submit(r.Context(), communityID, resume)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.logger.Info("recompute requested",
		zap.String("community_id", communityID),
		zap.String("job_id", op.OperationID),
		zap.Bool("resume", resume),
	)
	w.Header().Set("Location", "/api/v1/jobs/"+op.OperationID)
	h.respondJSON(w, http.StatusAccepted, op)
}

// GetJob handles GET /jobs/{jobID}. Community scoped tokens only see jobs
// of their own community.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	op, err := h.authorizedJob(r, chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, op)
}

func (h *JobHandler) authorizedJob(r *http.Request, jobID string) (*ports.OperationResult, error) {
	user, err := currentUser(r)
	if err != nil {
		return nil, err
	}
	op, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		return nil, err
	}
	communityID, _ := op.Metadata["communityId"].(string)
	if err := authorizeCommunity(user, communityID); err != nil {
		return nil, err
	}
	return op, nil
}

// CancelJob handles DELETE /jobs/{jobID}. The job records its checkpoint so
// a later submit with resume=true continues from it.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := h.authorizedJob(r, jobID); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		h.respondError(w, r, err)
		return
	}
	op, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, op)
}
