package hipaa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Audit action tags emitted by the core.
const (
	AuditActionBTGGrant  = "btg.grant"
	AuditActionBTGStatus = "btg.status"
	AuditActionBTGRevoke = "btg.revoke"
	AuditActionBackfill  = "phi.backfill"
	AuditActionAccess    = "phi.access"
)

// AuditIntent is an accountability record emitted by the core. Delivery and
// storage belong to the sink; the core never fails an operation because the
// sink did.
type AuditIntent struct {
	ID          uuid.UUID `json:"id"`
	ActorID     string    `json:"actor_id"`
	ActorRole   string    `json:"actor_role"`
	PatientID   string    `json:"patient_id,omitempty"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	Outcome     string    `json:"outcome,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AuditSink receives audit intents.
type AuditSink interface {
	Emit(ctx context.Context, intent AuditIntent) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, intent AuditIntent) error

func (f AuditSinkFunc) Emit(ctx context.Context, intent AuditIntent) error {
	return f(ctx, intent)
}

// Emit delivers intent to sink on a best-effort basis: a sink error is logged
// and swallowed.
func Emit(ctx context.Context, sink AuditSink, logger zerolog.Logger, intent AuditIntent) {
	if sink == nil {
		return
	}
	if intent.ID == uuid.Nil {
		intent.ID = uuid.New()
	}
	if intent.Timestamp.IsZero() {
		intent.Timestamp = time.Now().UTC()
	}
	if err := sink.Emit(ctx, intent); err != nil {
		logger.Error().Err(err).
			Str("action", intent.Action).
			Str("actor_id", intent.ActorID).
			Str("patient_id", intent.PatientID).
			Msg("failed to emit audit intent")
	}
}

// AuditLogger writes audit intents to the audit_event table.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger creates a new AuditLogger backed by the given connection pool.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Emit inserts the intent.
func (a *AuditLogger) Emit(ctx context.Context, intent AuditIntent) error {
	const query = `
		INSERT INTO audit_event (
			id, action, actor_id, actor_role, patient_id, description, outcome, recorded
		) VALUES ($1,$2,$3,$4,NULLIF($5,'')::uuid,$6,$7,$8)`

	_, err := a.pool.Exec(ctx, query,
		intent.ID, intent.Action, intent.ActorID, intent.ActorRole,
		intent.PatientID, intent.Description, intent.Outcome, intent.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert audit_event: %w", err)
	}
	return nil
}

// LogAuditSink writes audit intents as structured log lines.
type LogAuditSink struct {
	logger zerolog.Logger
}

// NewLogAuditSink creates a sink that logs every intent at WARN level for
// break-the-glass actions and INFO otherwise.
func NewLogAuditSink(logger zerolog.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

func (s *LogAuditSink) Emit(_ context.Context, intent AuditIntent) error {
	evt := s.logger.Info()
	switch intent.Action {
	case AuditActionBTGGrant, AuditActionBTGRevoke:
		evt = s.logger.Warn()
	}
	evt.
		Str("type", "hipaa_audit").
		Str("audit_id", intent.ID.String()).
		Str("action", intent.Action).
		Str("actor_id", intent.ActorID).
		Str("actor_role", intent.ActorRole).
		Str("patient_id", intent.PatientID).
		Str("outcome", intent.Outcome).
		Str("description", intent.Description).
		Time("timestamp", intent.Timestamp).
		Msg("audit")
	return nil
}

// MultiSink fans an intent out to several sinks. Every sink is attempted;
// their errors are joined.
type MultiSink []AuditSink

func (m MultiSink) Emit(ctx context.Context, intent AuditIntent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, intent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
