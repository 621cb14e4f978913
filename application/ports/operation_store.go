package ports

import (
	"context"
	"time"
)

// OperationStatus represents the status of an async operation
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusCancelled OperationStatus = "cancelled"
	OperationStatusFailed    OperationStatus = "failed"
)

// IsTerminal reports whether the operation will not change state again.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusCompleted || s == OperationStatusCancelled || s == OperationStatusFailed
}

// OperationResult stores the state of a background job
type OperationResult struct {
	OperationID string                 `json:"operationId"`
	Kind        string                 `json:"kind"`
	Status      OperationStatus        `json:"status"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Result      interface{}            `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// OperationStore keeps background job state for polling
type OperationStore interface {
	Store(ctx context.Context, result *OperationResult) error
	// Get returns a NotFound error for unknown ids.
	Get(ctx context.Context, operationID string) (*OperationResult, error)
	Update(ctx context.Context, operationID string, result *OperationResult) error
	Delete(ctx context.Context, operationID string) error
	// CleanupExpired removes finished operations older than olderThan.
	CleanupExpired(ctx context.Context, olderThan time.Duration) error
}
