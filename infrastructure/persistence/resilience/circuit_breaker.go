// Package resilience decorates a ConnectionStore with a circuit breaker and
// instrumentation.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
	pkgerrors "resonance-backend/pkg/errors"
)

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  10,
	}
}

// CircuitBreakerStore fails fast with Unavailable once the wrapped store keeps
// failing. Bad input, missing rows and cancellation do not count as failures.
type CircuitBreakerStore struct {
	next    ports.ConnectionStore
	breaker *gobreaker.CircuitBreaker
}

var _ ports.ConnectionStore = (*CircuitBreakerStore)(nil)

func NewCircuitBreakerStore(next ports.ConnectionStore, config BreakerConfig, logger *zap.Logger) *CircuitBreakerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "connection-store"
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				pkgerrors.IsValidation(err) ||
				pkgerrors.IsNotFound(err) ||
				errors.Is(err, context.Canceled)
		},
	})
	return &CircuitBreakerStore{next: next, breaker: breaker}
}

// State exposes the breaker state for health reporting.
func (s *CircuitBreakerStore) State() gobreaker.State {
	return s.breaker.State()
}

func (s *CircuitBreakerStore) execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := s.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, pkgerrors.NewUnavailableError(s.breaker.Name()).WithCause(err).WithCode("CIRCUIT_OPEN")
	}
	return result, err
}

func (s *CircuitBreakerStore) UpsertConnections(ctx context.Context, communityID string, conns []entities.Connection) (map[valueobjects.PairKey]error, error) {
	result, err := s.execute(func() (interface{}, error) {
		return s.next.UpsertConnections(ctx, communityID, conns)
	})
	if err != nil {
		return nil, err
	}
	failed, _ := result.(map[valueobjects.PairKey]error)
	return failed, nil
}

func (s *CircuitBreakerStore) ListConnectionsForUser(ctx context.Context, communityID, userID string) ([]entities.Connection, error) {
	result, err := s.execute(func() (interface{}, error) {
		return s.next.ListConnectionsForUser(ctx, communityID, userID)
	})
	if err != nil {
		return nil, err
	}
	rows, _ := result.([]entities.Connection)
	return rows, nil
}

func (s *CircuitBreakerStore) ReplaceConnectionsForUser(ctx context.Context, communityID, userID string, conns []entities.Connection) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.next.ReplaceConnectionsForUser(ctx, communityID, userID, conns)
	})
	return err
}

func (s *CircuitBreakerStore) Scan(ctx context.Context, q ports.ScanQuery) (*ports.ScanPage, error) {
	result, err := s.execute(func() (interface{}, error) {
		return s.next.Scan(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	page, _ := result.(*ports.ScanPage)
	return page, nil
}

func (s *CircuitBreakerStore) UpdateWeight(ctx context.Context, communityID, fromID, toID string, weight int) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.next.UpdateWeight(ctx, communityID, fromID, toID, weight)
	})
	return err
}
