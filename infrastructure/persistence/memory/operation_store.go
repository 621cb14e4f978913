package memory

import (
	"context"
	"sync"
	"time"

	"resonance-backend/application/ports"
	pkgerrors "resonance-backend/pkg/errors"
)

// OperationStore keeps job state in process memory. Values are copied on the
// way in and out so callers can mutate their results freely.
type OperationStore struct {
	mu         sync.RWMutex
	operations map[string]ports.OperationResult
	ttl        time.Duration
}

func NewOperationStore(ttl time.Duration) *OperationStore {
	return &OperationStore{
		operations: make(map[string]ports.OperationResult),
		ttl:        ttl,
	}
}

func (s *OperationStore) Store(ctx context.Context, result *ports.OperationResult) error {
	if result == nil || result.OperationID == "" {
		return pkgerrors.NewValidationError("invalid operation result")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations[result.OperationID] = *result
	return nil
}

func (s *OperationStore) Get(ctx context.Context, operationID string) (*ports.OperationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.operations[operationID]
	if !ok || s.isExpired(result) {
		return nil, pkgerrors.NewNotFoundError("operation " + operationID)
	}
	return &result, nil
}

func (s *OperationStore) Update(ctx context.Context, operationID string, result *ports.OperationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.operations[operationID]; !ok {
		return pkgerrors.NewNotFoundError("operation " + operationID)
	}
	s.operations[operationID] = *result
	return nil
}

func (s *OperationStore) Delete(ctx context.Context, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.operations, operationID)
	return nil
}

func (s *OperationStore) CleanupExpired(ctx context.Context, olderThan time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, op := range s.operations {
		if op.Status.IsTerminal() && now.Sub(op.StartedAt) > olderThan {
			delete(s.operations, id)
		}
	}
	return nil
}

// StartCleanup expires finished operations every interval until ctx is done.
func (s *OperationStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.CleanupExpired(ctx, s.ttl)
			}
		}
	}()
}

func (s *OperationStore) isExpired(result ports.OperationResult) bool {
	return s.ttl > 0 && result.Status.IsTerminal() && time.Since(result.StartedAt) > s.ttl
}
