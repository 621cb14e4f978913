// Command profile-updated recomputes one member's edges when the profile
// service publishes profile.updated.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"resonance-backend/application/services"
	domainevents "resonance-backend/domain/events"
	"resonance-backend/infrastructure/config"
	"resonance-backend/infrastructure/di"
	pkgerrors "resonance-backend/pkg/errors"
)

// UserRecomputer is the engine surface the consumer needs.
type UserRecomputer interface {
	RecalculateSimilaritiesForUser(ctx context.Context, communityID, userID string) (*services.RecomputeSummary, error)
}

type consumer struct {
	engine UserRecomputer
	logger *zap.Logger
}

// handle returns an error only for failures worth a Lambda retry. Malformed
// events and users without a profile are logged and dropped.
func (c *consumer) handle(ctx context.Context, event events.CloudWatchEvent) error {
	if event.DetailType != domainevents.TypeProfileUpdated {
		c.logger.Debug("ignoring event", zap.String("detail_type", event.DetailType), zap.String("id", event.ID))
		return nil
	}

	var detail domainevents.ProfileUpdatedDetail
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		c.logger.Error("malformed profile.updated event", zap.String("id", event.ID), zap.Error(err))
		return nil
	}
	if detail.UserID == "" || detail.CommunityID == "" {
		c.logger.Error("profile.updated event without ids", zap.String("id", event.ID))
		return nil
	}

	summary, err := c.engine.RecalculateSimilaritiesForUser(ctx, detail.CommunityID, detail.UserID)
	switch {
	case err == nil:
		c.logger.Info("profile change applied",
			zap.String("community_id", detail.CommunityID),
			zap.String("user_id", detail.UserID),
			zap.Int("edges_written", summary.EdgesWritten),
		)
		return nil
	case pkgerrors.IsNotFound(err), pkgerrors.IsValidation(err):
		c.logger.Warn("profile.updated dropped",
			zap.String("community_id", detail.CommunityID),
			zap.String("user_id", detail.UserID),
			zap.Error(err),
		)
		return nil
	default:
		return fmt.Errorf("recompute %s/%s: %w", detail.CommunityID, detail.UserID, err)
	}
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

	c := &consumer{engine: container.Engine, logger: container.Logger}
	lambda.Start(c.handle)
}
