package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"librarycore/internal/infra/persistence/memory"
	"librarycore/pkg/domain"
)

const (
	opCheckout     = "checkout"
	opReturn       = "return"
	opCreateBook   = "create_book"
	opUpdateBook   = "update_book"
	opDeleteBook   = "delete_book"
	opCreatePatron = "create_patron"
	opUpdatePatron = "update_patron"
	opDeletePatron = "delete_patron"
	opCreateTerm   = "create_term"
	opSeed         = "seed"
	opRestore      = "restore"
)

// Service runs the loan lifecycle engine and catalog administration on top of
// a transactional store.
type Service struct {
	store     PersistentStore
	logger    Logger
	clock     Clock
	metrics   MetricsRecorder
	tracer    Tracer
	audit     AuditRecorder
	fines     FinePolicy
	strictDue bool
	location  *time.Location
}

// Option configures optional Service dependencies.
type Option func(*Service)

// WithLogger routes service logs to logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used to derive today's date.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMetricsRecorder installs a recorder for operation outcomes.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer installs a tracer wrapping every service operation.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithAuditRecorder installs a recorder for mutating operations.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithUnitFine sets the fine charged per late day.
func WithUnitFine(unit decimal.Decimal) Option {
	return func(s *Service) {
		if !unit.IsNegative() {
			s.fines = FinePolicy{UnitFine: unit}
		}
	}
}

// WithStrictDueDates rejects due dates earlier than the loan date.
func WithStrictDueDates(strict bool) Option {
	return func(s *Service) { s.strictDue = strict }
}

// WithLocation sets the time zone that defines the library's calendar day.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	svc := &Service{
		store:    store,
		logger:   noopLogger{},
		clock:    ClockFunc(nil),
		metrics:  noopMetrics{},
		tracer:   noopTracer{},
		audit:    noopAudit{},
		fines:    DefaultFinePolicy(),
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// NewInMemoryService creates a service over a fresh in-memory store that
// shares the service clock.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	svc := NewService(nil, opts...)
	svc.store = memory.NewStore(engine, memory.WithNowFunc(svc.clock.Now))
	return svc
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// FinePolicy returns the policy applied at return time.
func (s *Service) FinePolicy() FinePolicy {
	return s.fines
}

// Today is the current calendar day in the library's time zone.
func (s *Service) Today() Date {
	return domain.DateOf(s.clock.Now().In(s.location))
}

// Close releases the underlying store.
func (s *Service) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// run wraps op with tracing, metrics and auditing. fn reports the id of the
// entity it touched for the audit trail.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) (int64, Result, error)) (Result, error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, op)
	id, res, err := fn(ctx)
	elapsed := time.Since(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, elapsed)
	s.logViolations(op, res)
	if err != nil {
		s.logger.Debug("operation failed", "operation", op, "kind", string(domain.KindOf(err)), "error", err)
		s.recordAuditError(ctx, op, id, elapsed, err)
		return res, err
	}
	s.recordAuditSuccess(ctx, op, id, elapsed)
	return res, nil
}

// read wraps a read-only operation with tracing and metrics.
func (s *Service) read(ctx context.Context, op string, fn func(view TransactionView) error) error {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, op)
	err := s.store.View(ctx, fn)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, time.Since(started))
	return err
}

func (s *Service) logViolations(op string, res Result) {
	for _, v := range res.Violations {
		switch v.Severity {
		case SeverityBlock:
			s.logger.Error("rule blocked transaction", "operation", op, "rule", v.Rule, "entity", string(v.Entity), "id", v.EntityID, "message", v.Message)
		case SeverityWarn:
			s.logger.Warn("rule warning", "operation", op, "rule", v.Rule, "entity", string(v.Entity), "id", v.EntityID, "message", v.Message)
		default:
			s.logger.Info("rule note", "operation", op, "rule", v.Rule, "message", v.Message)
		}
	}
}

func (s *Service) recordAuditSuccess(ctx context.Context, op string, id int64, elapsed time.Duration) {
	meta, ok := auditedOperations[op]
	if !ok {
		return
	}
	s.audit.Record(ctx, AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  id,
		Status:    AuditStatusSuccess,
		Duration:  elapsed,
		Timestamp: s.clock.Now(),
	})
}

func (s *Service) recordAuditError(ctx context.Context, op string, id int64, elapsed time.Duration, err error) {
	meta, ok := auditedOperations[op]
	if !ok {
		return
	}
	s.audit.Record(ctx, AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  id,
		Status:    AuditStatusError,
		Error:     err.Error(),
		Duration:  elapsed,
		Timestamp: s.clock.Now(),
		Details:   map[string]any{"kind": string(domain.KindOf(err))},
	})
}
