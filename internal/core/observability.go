package core

import (
	"context"
	"time"
)

// Logger is the structured logging surface the service depends on.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock. A nil ClockFunc reports the
// current UTC time.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f().UTC()
}

// MetricsRecorder observes service operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// TraceSpan is ended exactly once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// AuditStatus captures the outcome recorded in an audit entry.
type AuditStatus string

// Audit outcomes.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes a single mutating service call.
type AuditEntry struct {
	Operation string
	Entity    EntityType
	Action    Action
	EntityID  int64
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
	Details   map[string]any
}

// AuditRecorder receives audit entries for mutating operations.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

type operationMeta struct {
	entity EntityType
	action Action
}

// auditedOperations lists the mutating operations that produce audit entries.
var auditedOperations = map[string]operationMeta{
	opCheckout:     {entity: EntityLoan, action: ActionCreate},
	opReturn:       {entity: EntityLoan, action: ActionUpdate},
	opCreateBook:   {entity: EntityBook, action: ActionCreate},
	opUpdateBook:   {entity: EntityBook, action: ActionUpdate},
	opDeleteBook:   {entity: EntityBook, action: ActionDelete},
	opCreatePatron: {entity: EntityPatron, action: ActionCreate},
	opUpdatePatron: {entity: EntityPatron, action: ActionUpdate},
	opDeletePatron: {entity: EntityPatron, action: ActionDelete},
	opCreateTerm:   {entity: EntityTerm, action: ActionCreate},
}
