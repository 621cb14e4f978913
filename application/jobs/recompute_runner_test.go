package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"resonance-backend/application/ports"
	"resonance-backend/application/services"
	"resonance-backend/infrastructure/persistence/memory"
	pkgerrors "resonance-backend/pkg/errors"
)

type MockRecomputer struct {
	mock.Mock
}

func (m *MockRecomputer) CalculateAndUpdateAllSimilarities(ctx context.Context, communityID string, opts services.RecomputeOptions) (*services.RecomputeSummary, error) {
	args := m.Called(ctx, communityID, opts)
	var summary *services.RecomputeSummary
	if s := args.Get(0); s != nil {
		summary = s.(*services.RecomputeSummary)
	}
	return summary, args.Error(1)
}

// blockingRecomputer reports one chunk of progress and then runs until
// cancelled.
type blockingRecomputer struct {
	started chan services.RecomputeOptions
}

func newBlockingRecomputer() *blockingRecomputer {
	return &blockingRecomputer{started: make(chan services.RecomputeOptions, 4)}
}

func (b *blockingRecomputer) CalculateAndUpdateAllSimilarities(ctx context.Context, communityID string, opts services.RecomputeOptions) (*services.RecomputeSummary, error) {
	progress := services.RecomputeSummary{CommunityID: communityID, PairsProcessed: 10, ResumeFrom: "m"}
	if opts.OnProgress != nil {
		opts.OnProgress(progress)
	}
	b.started <- opts
	<-ctx.Done()
	return &progress, ctx.Err()
}

func newRunner(engine Recomputer) *RecomputeJobRunner {
	return NewRecomputeJobRunner(engine, memory.NewOperationStore(time.Hour), zap.NewNop())
}

func waitDone(t *testing.T, r *RecomputeJobRunner, jobID string) *ports.OperationResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	op, err := r.Wait(ctx, jobID)
	require.NoError(t, err)
	return op
}

func TestRecomputeJobRunner_Submit_Completes(t *testing.T) {
	// Arrange
	engine := new(MockRecomputer)
	summary := &services.RecomputeSummary{CommunityID: "kernel", PairsProcessed: 3, EdgesWritten: 6, Completed: true}
	engine.On("CalculateAndUpdateAllSimilarities", mock.Anything, "kernel", mock.MatchedBy(func(o services.RecomputeOptions) bool {
		return o.ResumeFrom == ""
	})).Return(summary, nil)
	runner := newRunner(engine)

	// Act
	op, err := runner.Submit(context.Background(), "kernel", false)
	require.NoError(t, err)
	done := waitDone(t, runner, op.OperationID)

	// Assert
	assert.Equal(t, KindFullRecompute, op.Kind)
	assert.Equal(t, ports.OperationStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	result, ok := done.Result.(services.RecomputeSummary)
	require.True(t, ok)
	assert.Equal(t, 6, result.EdgesWritten)
	assert.Empty(t, runner.Checkpoint("kernel"))
	engine.AssertExpectations(t)
}

func TestRecomputeJobRunner_Submit_FailureKeepsCheckpoint(t *testing.T) {
	// Arrange
	engine := new(MockRecomputer)
	engine.On("CalculateAndUpdateAllSimilarities", mock.Anything, "kernel", mock.Anything).
		Return(&services.RecomputeSummary{ResumeFrom: "k"}, pkgerrors.NewUnavailableError("connection-store"))
	runner := newRunner(engine)

	// Act
	op, err := runner.Submit(context.Background(), "kernel", false)
	require.NoError(t, err)
	done := waitDone(t, runner, op.OperationID)

	// Assert
	assert.Equal(t, ports.OperationStatusFailed, done.Status)
	assert.Contains(t, done.Error, "connection-store")
	assert.Equal(t, "k", done.Metadata["checkpoint"])
	assert.Equal(t, "k", runner.Checkpoint("kernel"))
}

func TestRecomputeJobRunner_OneActiveJobPerCommunity(t *testing.T) {
	// Arrange
	engine := newBlockingRecomputer()
	runner := newRunner(engine)
	ctx := context.Background()

	// Act
	first, err := runner.Submit(ctx, "kernel", false)
	require.NoError(t, err)
	<-engine.started
	second, err := runner.Submit(ctx, "kernel", false)
	require.NoError(t, err)
	other, err := runner.Submit(ctx, "rust", false)
	require.NoError(t, err)
	<-engine.started

	// Assert
	assert.Equal(t, first.OperationID, second.OperationID)
	assert.NotEqual(t, first.OperationID, other.OperationID)

	running, err := runner.Get(ctx, first.OperationID)
	require.NoError(t, err)
	assert.Equal(t, ports.OperationStatusRunning, running.Status)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(shutdownCtx))
}

func TestRecomputeJobRunner_CancelThenResume(t *testing.T) {
	// Arrange
	engine := newBlockingRecomputer()
	runner := newRunner(engine)
	ctx := context.Background()

	op, err := runner.Submit(ctx, "kernel", false)
	require.NoError(t, err)
	first := <-engine.started
	assert.Empty(t, first.ResumeFrom)

	// Act
	require.NoError(t, runner.Cancel(ctx, op.OperationID))
	cancelled := waitDone(t, runner, op.OperationID)

	resumed, err := runner.Submit(ctx, "kernel", true)
	require.NoError(t, err)
	second := <-engine.started

	// Assert
	assert.Equal(t, ports.OperationStatusCancelled, cancelled.Status)
	assert.Equal(t, "m", runner.Checkpoint("kernel"))
	assert.NotEqual(t, op.OperationID, resumed.OperationID)
	assert.Equal(t, "m", second.ResumeFrom)
	assert.Equal(t, "m", resumed.Metadata["resumeFrom"])

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(shutdownCtx))
}

func TestRecomputeJobRunner_ShutdownCancelsJobs(t *testing.T) {
	// Arrange
	engine := newBlockingRecomputer()
	runner := newRunner(engine)
	ctx := context.Background()

	op, err := runner.Submit(ctx, "kernel", false)
	require.NoError(t, err)
	<-engine.started

	// Act
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(shutdownCtx))

	// Assert
	stored, err := runner.Get(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, ports.OperationStatusCancelled, stored.Status)
	assert.Equal(t, "m", runner.Checkpoint("kernel"))

	_, err = runner.Submit(ctx, "kernel", true)
	assert.True(t, pkgerrors.IsUnavailable(err))
}

func TestRecomputeJobRunner_Validation(t *testing.T) {
	runner := newRunner(new(MockRecomputer))
	ctx := context.Background()

	_, err := runner.Submit(ctx, "", false)
	assert.True(t, pkgerrors.IsValidation(err))

	_, err = runner.Get(ctx, "missing")
	assert.True(t, pkgerrors.IsNotFound(err))

	assert.True(t, pkgerrors.IsNotFound(runner.Cancel(ctx, "missing")))
}
