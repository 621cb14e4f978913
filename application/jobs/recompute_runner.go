// Package jobs runs long similarity recomputations in the background and
// records their progress in an OperationStore for polling.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"resonance-backend/application/ports"
	"resonance-backend/application/services"
	pkgerrors "resonance-backend/pkg/errors"
)

// KindFullRecompute is the OperationResult.Kind of full recompute jobs.
const KindFullRecompute = "similarity.full_recompute"

// Recomputer is the part of the similarity engine the runner drives.
type Recomputer interface {
	CalculateAndUpdateAllSimilarities(ctx context.Context, communityID string, opts services.RecomputeOptions) (*services.RecomputeSummary, error)
}

type activeJob struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// RecomputeJobRunner holds at most one running full recompute per
// community. Jobs stopped early leave a checkpoint that a later submit with
// resume=true continues from.
type RecomputeJobRunner struct {
	engine     Recomputer
	operations ports.OperationStore
	logger     *zap.Logger
	now        func() time.Time

	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	active   map[string]*activeJob
	jobs     map[string]string // job id -> community
	resumeAt map[string]string // community -> checkpoint
}

func NewRecomputeJobRunner(engine Recomputer, operations ports.OperationStore, logger *zap.Logger) *RecomputeJobRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &RecomputeJobRunner{
		engine:     engine,
		operations: operations,
		logger:     logger.Named("recompute_runner"),
		now:        time.Now,
		base:       base,
		stop:       stop,
		active:     make(map[string]*activeJob),
		jobs:       make(map[string]string),
		resumeAt:   make(map[string]string),
	}
}

// Submit starts a full recompute for the community and returns its initial
// state. If one is already running, that job is returned instead.
func (r *RecomputeJobRunner) Submit(ctx context.Context, communityID string, resume bool) (*ports.OperationResult, error) {
	if communityID == "" {
		return nil, pkgerrors.NewValidationError("communityId is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, pkgerrors.NewUnavailableError("recompute-runner")
	}
	if job, ok := r.active[communityID]; ok {
		r.mu.Unlock()
		r.logger.Info("recompute already running",
			zap.String("community_id", communityID),
			zap.String("job_id", job.id),
		)
		return r.operations.Get(ctx, job.id)
	}

	resumeFrom := ""
	if resume {
		resumeFrom = r.resumeAt[communityID]
	}
	jobCtx, cancel := context.WithCancel(r.base)
	job := &activeJob{id: uuid.New().String(), cancel: cancel, done: make(chan struct{})}

	op := &ports.OperationResult{
		OperationID: job.id,
		Kind:        KindFullRecompute,
		Status:      ports.OperationStatusPending,
		StartedAt:   r.now().UTC(),
		Metadata: map[string]interface{}{
			"communityId": communityID,
			"resumeFrom":  resumeFrom,
		},
	}
	if err := r.operations.Store(ctx, op); err != nil {
		r.mu.Unlock()
		cancel()
		return nil, pkgerrors.Wrap(err, "store recompute job")
	}
	r.active[communityID] = job
	r.jobs[job.id] = communityID
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("recompute job submitted",
		zap.String("community_id", communityID),
		zap.String("job_id", job.id),
		zap.String("resume_from", resumeFrom),
	)

	snapshot := *op
	go r.run(jobCtx, job, communityID, resumeFrom, op)
	return &snapshot, nil
}

func (r *RecomputeJobRunner) run(ctx context.Context, job *activeJob, communityID, resumeFrom string, op *ports.OperationResult) {
	defer r.wg.Done()
	defer close(job.done)
	defer job.cancel()

	// Job state outlives the request and the runner's own cancellation.
	storeCtx := context.WithoutCancel(ctx)

	op.Status = ports.OperationStatusRunning
	r.update(storeCtx, op)

	summary, err := r.engine.CalculateAndUpdateAllSimilarities(ctx, communityID, services.RecomputeOptions{
		ResumeFrom: resumeFrom,
		OnProgress: func(progress services.RecomputeSummary) {
			r.setCheckpoint(communityID, progress.ResumeFrom)
			op.Result = progress
			r.update(storeCtx, op)
		},
	})

	completed := r.now().UTC()
	op.CompletedAt = &completed
	if summary != nil {
		op.Result = *summary
	}
	switch {
	case err == nil:
		op.Status = ports.OperationStatusCompleted
		r.setCheckpoint(communityID, "")
	case errors.Is(err, context.Canceled):
		op.Status = ports.OperationStatusCancelled
		op.Error = err.Error()
	default:
		op.Status = ports.OperationStatusFailed
		op.Error = err.Error()
	}
	if err != nil && summary != nil && summary.ResumeFrom != "" {
		r.setCheckpoint(communityID, summary.ResumeFrom)
		// The submitted snapshot shares the old map.
		metadata := make(map[string]interface{}, len(op.Metadata)+1)
		for k, v := range op.Metadata {
			metadata[k] = v
		}
		metadata["checkpoint"] = summary.ResumeFrom
		op.Metadata = metadata
	}
	r.update(storeCtx, op)

	r.mu.Lock()
	if r.active[communityID] == job {
		delete(r.active, communityID)
	}
	r.mu.Unlock()

	r.logger.Info("recompute job finished",
		zap.String("community_id", communityID),
		zap.String("job_id", job.id),
		zap.String("status", string(op.Status)),
		zap.Error(err),
	)
}

func (r *RecomputeJobRunner) update(ctx context.Context, op *ports.OperationResult) {
	if err := r.operations.Update(ctx, op.OperationID, op); err != nil {
		r.logger.Warn("failed to update job state", zap.String("job_id", op.OperationID), zap.Error(err))
	}
}

func (r *RecomputeJobRunner) setCheckpoint(communityID, resumeFrom string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if resumeFrom == "" {
		delete(r.resumeAt, communityID)
		return
	}
	r.resumeAt[communityID] = resumeFrom
}

// Checkpoint returns the user id a resumed recompute would start from, or
// "" when the last run completed.
func (r *RecomputeJobRunner) Checkpoint(communityID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumeAt[communityID]
}

// Get returns the stored state of a job.
func (r *RecomputeJobRunner) Get(ctx context.Context, jobID string) (*ports.OperationResult, error) {
	if jobID == "" {
		return nil, pkgerrors.NewValidationError("jobId is required")
	}
	return r.operations.Get(ctx, jobID)
}

// Cancel stops a running job. Cancelling a finished job is a no-op.
func (r *RecomputeJobRunner) Cancel(ctx context.Context, jobID string) error {
	r.mu.Lock()
	communityID, known := r.jobs[jobID]
	job := r.active[communityID]
	r.mu.Unlock()

	if !known {
		if _, err := r.operations.Get(ctx, jobID); err != nil {
			return err
		}
		return nil
	}
	if job != nil && job.id == jobID {
		job.cancel()
	}
	return nil
}

// Wait blocks until the job has finished or ctx ends.
func (r *RecomputeJobRunner) Wait(ctx context.Context, jobID string) (*ports.OperationResult, error) {
	r.mu.Lock()
	var done chan struct{}
	if community, ok := r.jobs[jobID]; ok {
		if job := r.active[community]; job != nil && job.id == jobID {
			done = job.done
		}
	}
	r.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Get(ctx, jobID)
}

// Shutdown cancels every running job and waits for them to record their
// checkpoints, or for ctx to end.
func (r *RecomputeJobRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
