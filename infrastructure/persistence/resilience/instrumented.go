package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
)

// StoreObserver receives one call per store operation.
type StoreObserver interface {
	RecordStoreOperation(operation string, duration time.Duration, err error)
}

// InstrumentedStore times every store call and wraps it in a span.
type InstrumentedStore struct {
	next     ports.ConnectionStore
	observer StoreObserver
	backend  string
	tracer   trace.Tracer
}

var _ ports.ConnectionStore = (*InstrumentedStore)(nil)

func NewInstrumentedStore(next ports.ConnectionStore, observer StoreObserver, backend string) *InstrumentedStore {
	return &InstrumentedStore{
		next:     next,
		observer: observer,
		backend:  backend,
		tracer:   otel.Tracer("resonance-backend/store"),
	}
}

func (s *InstrumentedStore) observe(ctx context.Context, operation string, fn func(context.Context) error) {
	ctx, span := s.tracer.Start(ctx, "ConnectionStore."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", s.backend)),
	)
	start := time.Now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if s.observer != nil {
		s.observer.RecordStoreOperation(operation, time.Since(start), err)
	}
}

func (s *InstrumentedStore) UpsertConnections(ctx context.Context, communityID string, conns []entities.Connection) (failed map[valueobjects.PairKey]error, err error) {
	s.observe(ctx, "UpsertConnections", func(ctx context.Context) error {
		failed, err = s.next.UpsertConnections(ctx, communityID, conns)
		return err
	})
	return failed, err
}

func (s *InstrumentedStore) ListConnectionsForUser(ctx context.Context, communityID, userID string) (rows []entities.Connection, err error) {
	s.observe(ctx, "ListConnectionsForUser", func(ctx context.Context) error {
		rows, err = s.next.ListConnectionsForUser(ctx, communityID, userID)
		return err
	})
	return rows, err
}

func (s *InstrumentedStore) ReplaceConnectionsForUser(ctx context.Context, communityID, userID string, conns []entities.Connection) (err error) {
	s.observe(ctx, "ReplaceConnectionsForUser", func(ctx context.Context) error {
		err = s.next.ReplaceConnectionsForUser(ctx, communityID, userID, conns)
		return err
	})
	return err
}

func (s *InstrumentedStore) Scan(ctx context.Context, q ports.ScanQuery) (page *ports.ScanPage, err error) {
	s.observe(ctx, "Scan", func(ctx context.Context) error {
		page, err = s.next.Scan(ctx, q)
		return err
	})
	return page, err
}

func (s *InstrumentedStore) UpdateWeight(ctx context.Context, communityID, fromID, toID string, weight int) (err error) {
	s.observe(ctx, "UpdateWeight", func(ctx context.Context) error {
		err = s.next.UpdateWeight(ctx, communityID, fromID, toID, weight)
		return err
	})
	return err
}
