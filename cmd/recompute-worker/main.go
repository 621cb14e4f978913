// Command recompute-worker rebuilds the similarity graph on an EventBridge
// schedule.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"resonance-backend/application/services"
	"resonance-backend/infrastructure/config"
	"resonance-backend/infrastructure/di"
)

// deadlineMargin is kept free before the Lambda deadline so a stopped
// recompute can still report its checkpoint.
const deadlineMargin = 20 * time.Second

// scheduleDetail is the optional input of the schedule rule. Without
// communities, the configured list is used.
type scheduleDetail struct {
	CommunityIDs []string `json:"communityIds"`
	// ResumeFrom continues a community that a previous run did not finish.
	ResumeFrom string `json:"resumeFrom"`
}

type communityResult struct {
	CommunityID string                     `json:"communityId"`
	Summary     *services.RecomputeSummary `json:"summary,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

type workerResponse struct {
	Results []communityResult `json:"results"`
}

// Recomputer is the engine surface the worker needs.
type Recomputer interface {
	CalculateAndUpdateAllSimilarities(ctx context.Context, communityID string, opts services.RecomputeOptions) (*services.RecomputeSummary, error)
}

type worker struct {
	engine      Recomputer
	communities func() []string
	logger      *zap.Logger
}

func (w *worker) handle(ctx context.Context, event events.CloudWatchEvent) (workerResponse, error) {
	var detail scheduleDetail
	if len(event.Detail) > 0 {
		if err := json.Unmarshal(event.Detail, &detail); err != nil {
			return workerResponse{}, fmt.Errorf("decode schedule detail: %w", err)
		}
	}
	communities := detail.CommunityIDs
	if len(communities) == 0 {
		communities = w.communities()
	}
	if len(communities) == 0 {
		w.logger.Warn("no communities to recompute")
		return workerResponse{Results: []communityResult{}}, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline.Add(-deadlineMargin))
		defer cancel()
	}

	resp := workerResponse{Results: make([]communityResult, 0, len(communities))}
	var errs []error
	for i, communityID := range communities {
		opts := services.RecomputeOptions{}
		if i == 0 {
			opts.ResumeFrom = detail.ResumeFrom
		}
		summary, err := w.engine.CalculateAndUpdateAllSimilarities(ctx, communityID, opts)
		result := communityResult{CommunityID: communityID, Summary: summary}
		if err != nil {
			result.Error = err.Error()
			errs = append(errs, fmt.Errorf("community %s: %w", communityID, err))
			w.logger.Error("scheduled recompute failed", zap.String("community_id", communityID), zap.Error(err))
		}
		resp.Results = append(resp.Results, result)
		if ctx.Err() != nil {
			break
		}
	}
	return resp, errors.Join(errs...)
}

func main() {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.ApplyRuntime(config.DetectRuntime())

	container, err := di.NewContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}

	w := &worker{engine: container.Engine, communities: container.Communities, logger: container.Logger}
	lambda.Start(w.handle)
}
