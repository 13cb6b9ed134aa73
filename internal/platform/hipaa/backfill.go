package hipaa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/telemetry"
)

// DefaultBackfillPageSize is the number of rows read per page.
const DefaultBackfillPageSize = 200

// BackfillMode selects whether the backfill writes.
type BackfillMode string

const (
	BackfillValidateOnly BackfillMode = "validate-only"
	BackfillMigrate      BackfillMode = "migrate"
)

// BackfillTarget gives the backfill raw access to one entity's rows: values
// are returned exactly as stored, without passing through the Hook.
type BackfillTarget interface {
	EntityName() string
	// Page returns up to limit rows ordered after cursor ("" for the first
	// page) and the cursor of the next page ("" when exhausted).
	Page(ctx context.Context, cursor string, limit int) (rows []Protected, next string, err error)
	// SavePage persists rows as one unit of work.
	SavePage(ctx context.Context, rows []Protected) error
}

// EntityReport holds the counters of one entity.
type EntityReport struct {
	Entity      string `json:"entity"`
	Scanned     int    `json:"scanned"`
	Migrated    int    `json:"migrated"`
	StillPlain  int    `json:"still_plain"`
	RowsWritten int    `json:"rows_written"`
	// ForeignKeyID counts envelopes whose key id differs from the active one.
	ForeignKeyID int    `json:"foreign_key_id"`
	Error        string `json:"error,omitempty"`
}

func (r *EntityReport) add(o EntityReport) {
	r.Scanned += o.Scanned
	r.Migrated += o.Migrated
	r.StillPlain += o.StillPlain
	r.RowsWritten += o.RowsWritten
	r.ForeignKeyID += o.ForeignKeyID
}

// BackfillReport summarizes a run.
type BackfillReport struct {
	Mode       BackfillMode   `json:"mode"`
	Entities   []EntityReport `json:"entities"`
	Totals     EntityReport   `json:"totals"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Backfiller encrypts plaintext already present in sensitive attributes.
// It runs sequentially, one page at a time; each page is committed on its
// own so an interrupted run can simply be started again.
type Backfiller struct {
	schema   *Schema
	cipher   FieldCipher
	targets  []BackfillTarget
	pageSize int
	logger   zerolog.Logger
	metrics  telemetry.BusinessMetrics
	audit    AuditSink
	actorID  string
	nowFn    func() time.Time
}

// BackfillOption customizes a Backfiller.
type BackfillOption func(*Backfiller)

// WithPageSize overrides DefaultBackfillPageSize.
func WithPageSize(n int) BackfillOption {
	return func(b *Backfiller) {
		if n > 0 {
			b.pageSize = n
		}
	}
}

// WithBackfillMetrics records per-field and per-run metrics.
func WithBackfillMetrics(m telemetry.BusinessMetrics) BackfillOption {
	return func(b *Backfiller) { b.metrics = m }
}

// WithBackfillAudit emits a run summary to sink on behalf of actorID.
func WithBackfillAudit(sink AuditSink, actorID string) BackfillOption {
	return func(b *Backfiller) {
		b.audit = sink
		b.actorID = actorID
	}
}

// NewBackfiller creates a backfill job over the given targets.
func NewBackfiller(schema *Schema, cipher FieldCipher, targets []BackfillTarget, logger zerolog.Logger, opts ...BackfillOption) *Backfiller {
	b := &Backfiller{
		schema:   schema,
		cipher:   cipher,
		targets:  targets,
		pageSize: DefaultBackfillPageSize,
		logger:   logger.With().Str("component", "phi_backfill").Logger(),
		metrics:  telemetry.Nop(),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run walks every target. Field and page failures are logged and counted as
// StillPlain; a target whose rows cannot be read is reported and skipped.
// The returned error joins per-target read failures and is ctx.Err() if the
// run was cancelled.
func (b *Backfiller) Run(ctx context.Context, mode BackfillMode) (*BackfillReport, error) {
	if mode != BackfillValidateOnly && mode != BackfillMigrate {
		return nil, fmt.Errorf("unknown backfill mode %q", mode)
	}

	report := &BackfillReport{Mode: mode, StartedAt: b.nowFn().UTC()}
	report.Totals.Entity = "*"

	var (
		errs      []error
		cancelled bool
	)
	for _, target := range b.targets {
		er, err := b.runTarget(ctx, target, mode)
		if err != nil && ctx.Err() != nil {
			report.Entities = append(report.Entities, er)
			report.Totals.add(er)
			cancelled = true
			break
		}
		if err != nil {
			er.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", target.EntityName(), err))
		}
		report.Entities = append(report.Entities, er)
		report.Totals.add(er)
	}
	report.FinishedAt = b.nowFn().UTC()

	runErr := errors.Join(errs...)
	if cancelled {
		runErr = ctx.Err()
	}

	// The summary outlives a cancelled run.
	summaryCtx := context.WithoutCancel(ctx)
	b.metrics.RecordDuration(summaryCtx, "backfill", string(mode), report.FinishedAt.Sub(report.StartedAt), telemetry.StatusOf(runErr))
	b.logger.Info().
		Str("mode", string(mode)).
		Bool("cancelled", cancelled).
		Int("scanned", report.Totals.Scanned).
		Int("migrated", report.Totals.Migrated).
		Int("still_plain", report.Totals.StillPlain).
		Int("rows_written", report.Totals.RowsWritten).
		Msg("PHI backfill finished")

	Emit(summaryCtx, b.audit, b.logger, AuditIntent{
		ActorID: b.actorID,
		Action:  AuditActionBackfill,
		Description: fmt.Sprintf("mode=%s cancelled=%t scanned=%d migrated=%d still_plain=%d rows_written=%d",
			mode, cancelled, report.Totals.Scanned, report.Totals.Migrated, report.Totals.StillPlain, report.Totals.RowsWritten),
		Outcome:   telemetry.StatusOf(runErr),
		Timestamp: report.FinishedAt,
	})

	return report, runErr
}

func (b *Backfiller) runTarget(ctx context.Context, target BackfillTarget, mode BackfillMode) (EntityReport, error) {
	entity := target.EntityName()
	er := EntityReport{Entity: entity}
	attrs := b.schema.Attributes(entity)
	if len(attrs) == 0 {
		b.logger.Warn().Str("entity", entity).Msg("backfill target has no sensitive attributes")
		return er, nil
	}

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return er, err
		}

		rows, next, err := target.Page(ctx, cursor, b.pageSize)
		if err != nil {
			b.logger.Error().Err(err).Str("entity", entity).Str("cursor", cursor).Msg("backfill page read failed")
			return er, fmt.Errorf("read page after %q: %w", cursor, err)
		}
		if len(rows) == 0 {
			return er, nil
		}

		var dirty []Protected
		migratedInPage := 0
		for _, row := range rows {
			er.Scanned++
			n := b.processRow(ctx, row, attrs, mode, &er)
			if n > 0 {
				dirty = append(dirty, row)
				migratedInPage += n
			}
		}

		if mode == BackfillMigrate && len(dirty) > 0 {
			if err := target.SavePage(ctx, dirty); err != nil {
				b.logger.Error().Err(err).
					Str("entity", entity).
					Int("rows", len(dirty)).
					Msg("backfill page write failed")
				er.Migrated -= migratedInPage
				er.StillPlain += migratedInPage
			} else {
				er.RowsWritten += len(dirty)
			}
		}

		if next == "" {
			return er, nil
		}
		cursor = next
	}
}

// processRow inspects one row and returns the number of attributes it
// encrypted in place.
func (b *Backfiller) processRow(ctx context.Context, row Protected, attrs []SensitiveAttribute, mode BackfillMode, er *EntityReport) int {
	fields := row.PHIFields()
	migrated := 0

	for _, attr := range attrs {
		value := fields[attr.Attribute]
		if value == nil || strings.TrimSpace(*value) == "" {
			continue
		}

		if LooksEncrypted(*value) {
			if id := EnvelopeKeyID(*value); id != "" && id != b.cipher.ActiveKeyID() {
				er.ForeignKeyID++
			}
			continue
		}

		if mode == BackfillValidateOnly {
			er.StillPlain++
			continue
		}

		enc, err := Encrypt(b.cipher, attr.Mode, attr.LogicalKey(), *value)
		b.metrics.RecordOperation(ctx, "backfill", "migrate_field", telemetry.StatusOf(err))
		if err != nil {
			b.logger.Error().Err(err).
				Str("entity", attr.Entity).
				Str("attribute", attr.Attribute).
				Msg("backfill field encryption failed")
			er.StillPlain++
			continue
		}
		*value = enc
		er.Migrated++
		migrated++
	}
	return migrated
}
