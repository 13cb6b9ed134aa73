package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/db"
	"github.com/ehr/phicore/internal/platform/hipaa"
	"github.com/ehr/phicore/internal/platform/telemetry"
)

const (
	DefaultBTGMinutes       = 30
	DefaultBTGMaxMinutes    = 240
	DefaultBTGGrantsPerHour = 10

	rateLimitCleanupPeriod = 5 * time.Minute
)

type BreakGlassConfig struct {
	DefaultMinutes   int
	MaxMinutes       int
	MaxGrantsPerHour int
}

func (c BreakGlassConfig) withDefaults() BreakGlassConfig {
	if c.DefaultMinutes <= 0 {
		c.DefaultMinutes = DefaultBTGMinutes
	}
	if c.MaxMinutes <= 0 {
		c.MaxMinutes = DefaultBTGMaxMinutes
	}
	if c.MaxGrantsPerHour == 0 {
		c.MaxGrantsPerHour = DefaultBTGGrantsPerHour
	}
	return c
}

// BreakGlass runs the emergency-access workflow on top of the grant store.
// Grants are time-boxed and expire lazily: nothing sweeps them, every reader
// compares ExpiresAt with the clock. Each grant, status and revoke call emits
// an audit intent.
type BreakGlass struct {
	grants  GrantRepository
	cfg     BreakGlassConfig
	audit   hipaa.AuditSink
	metrics telemetry.BusinessMetrics
	logger  zerolog.Logger
	limiter *grantRateLimit
	inTx    func(ctx context.Context, fn func(ctx context.Context) error) error
	nowFn   func() time.Time
}

type BreakGlassOption func(*BreakGlass)

func WithAuditSink(sink hipaa.AuditSink) BreakGlassOption {
	return func(b *BreakGlass) { b.audit = sink }
}

func WithMetrics(m telemetry.BusinessMetrics) BreakGlassOption {
	return func(b *BreakGlass) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithTransactions runs the close-expired-then-create sequence of Grant in
// one database transaction.
func WithTransactions(beginner db.TxBeginner) BreakGlassOption {
	return func(b *BreakGlass) {
		b.inTx = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.RunInTx(ctx, beginner, fn)
		}
	}
}

func NewBreakGlass(grants GrantRepository, cfg BreakGlassConfig, logger zerolog.Logger, opts ...BreakGlassOption) *BreakGlass {
	b := &BreakGlass{
		grants:  grants,
		cfg:     cfg.withDefaults(),
		metrics: telemetry.Nop(),
		logger:  logger.With().Str("component", "break_glass").Logger(),
		limiter: newGrantRateLimit(),
		inTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		},
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *BreakGlass) Config() BreakGlassConfig {
	return b.cfg
}

// RunCleanup prunes the rate limiter until ctx is done.
func (b *BreakGlass) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(rateLimitCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.limiter.cleanup(b.nowFn())
		}
	}
}

// Grant opens emergency access to patientID for actor. minutes of zero means
// the configured default. An active grant for the pair is returned unchanged.
// An un-revoked grant that has already expired is closed before the new one
// is created so at most one un-revoked grant exists per pair.
func (b *BreakGlass) Grant(ctx context.Context, actor *auth.Actor, patientID uuid.UUID, minutes int, reason string) (*Grant, error) {
	if actor == nil || !(actor.IsAdmin() || actor.IsClinical()) {
		return nil, ErrAccessDenied
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	if minutes == 0 {
		minutes = b.cfg.DefaultMinutes
	}
	if minutes < 1 || minutes > b.cfg.MaxMinutes {
		return nil, fmt.Errorf("%w: minutes must be between 1 and %d", ErrInvalidInput, b.cfg.MaxMinutes)
	}

	now := b.nowFn().UTC()
	var (
		grant    *Grant
		reused   bool
		reserved bool
	)
	err := b.inTx(ctx, func(ctx context.Context) error {
		existing, err := b.grants.FindUnrevoked(ctx, patientID, actor.ID, ScopeBTG)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil && existing.ActiveAt(now) {
			grant, reused = existing, true
			return nil
		}

		// A refused request leaves the store untouched.
		if !b.limiter.reserve(actor.ID, now, b.cfg.MaxGrantsPerHour) {
			return ErrRateLimited
		}
		reserved = true

		if err == nil {
			if err := b.grants.Revoke(ctx, existing.ID, now); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("close expired grant: %w", err)
			}
		}

		expires := now.Add(time.Duration(minutes) * time.Minute)
		grant = &Grant{
			ID:        uuid.New(),
			PatientID: patientID,
			GranteeID: actor.ID,
			Scope:     ScopeBTG,
			GrantedBy: actor.ID,
			Reason:    reason,
			GrantedAt: now,
			ExpiresAt: &expires,
		}
		return b.grants.Create(ctx, grant)
	})
	if err != nil && reserved {
		b.limiter.release(actor.ID, now)
	}
	b.metrics.RecordOperation(ctx, "btg", "grant", telemetry.StatusOf(err))
	if err != nil {
		b.emit(ctx, actor, patientID, hipaa.AuditActionBTGGrant, outcomeOf(err),
			fmt.Sprintf("grant refused: %s reason=%q", classify(err), reason))
		return nil, err
	}

	desc := fmt.Sprintf("grant %s expires_at=%s reason=%q", grant.ID, grant.ExpiresAt.Format(time.RFC3339), reason)
	if reused {
		desc = "existing " + desc
	} else {
		b.logger.Warn().
			Str("actor_id", actor.ID).
			Str("actor_role", actor.Role).
			Str("patient_id", patientID.String()).
			Str("grant_id", grant.ID.String()).
			Int("minutes", minutes).
			Msg("break-glass access granted")
	}
	b.emit(ctx, actor, patientID, hipaa.AuditActionBTGGrant, "success", desc)
	return grant, nil
}

// Status reports whether actor holds an active grant for patientID.
func (b *BreakGlass) Status(ctx context.Context, actor *auth.Actor, patientID uuid.UUID) (BTGStatus, error) {
	if actor == nil {
		return BTGStatus{}, ErrAccessDenied
	}

	var st BTGStatus
	g, err := b.grants.FindUnrevoked(ctx, patientID, actor.ID, ScopeBTG)
	switch {
	case errors.Is(err, ErrNotFound):
		err = nil
	case err != nil:
	case g.ActiveAt(b.nowFn()):
		st = BTGStatus{Active: true, GrantID: &g.ID, ExpiresAt: g.ExpiresAt}
	}
	b.metrics.RecordOperation(ctx, "btg", "status", telemetry.StatusOf(err))
	if err != nil {
		b.emit(ctx, actor, patientID, hipaa.AuditActionBTGStatus, "error", "status lookup failed")
		return BTGStatus{}, err
	}

	b.emit(ctx, actor, patientID, hipaa.AuditActionBTGStatus, "success", fmt.Sprintf("active=%t", st.Active))
	return st, nil
}

// Revoke closes actor's active grant for patientID. It reports false when
// there was nothing active to revoke.
func (b *BreakGlass) Revoke(ctx context.Context, actor *auth.Actor, patientID uuid.UUID) (bool, error) {
	if actor == nil {
		return false, ErrAccessDenied
	}

	now := b.nowFn().UTC()
	revoked := false
	var grantID uuid.UUID
	g, err := b.grants.FindUnrevoked(ctx, patientID, actor.ID, ScopeBTG)
	switch {
	case errors.Is(err, ErrNotFound):
		err = nil
	case err != nil:
	case g.ActiveAt(now):
		grantID = g.ID
		err = b.grants.Revoke(ctx, g.ID, now)
		if errors.Is(err, ErrNotFound) {
			err = nil
		} else if err == nil {
			revoked = true
		}
	}
	b.metrics.RecordOperation(ctx, "btg", "revoke", telemetry.StatusOf(err))
	if err != nil {
		b.emit(ctx, actor, patientID, hipaa.AuditActionBTGRevoke, "error", "revoke failed")
		return false, err
	}

	desc := "no active grant"
	if revoked {
		desc = "revoked grant " + grantID.String()
	}
	b.emit(ctx, actor, patientID, hipaa.AuditActionBTGRevoke, "success", desc)
	return revoked, nil
}

func (b *BreakGlass) emit(ctx context.Context, actor *auth.Actor, patientID uuid.UUID, action, outcome, desc string) {
	hipaa.Emit(ctx, b.audit, b.logger, hipaa.AuditIntent{
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
		PatientID:   patientID.String(),
		Action:      action,
		Description: desc,
		Outcome:     outcome,
		Timestamp:   b.nowFn().UTC(),
	})
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrAccessDenied) {
		return "denied"
	}
	return "error"
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate limited"
	case errors.Is(err, ErrAccessDenied):
		return "access denied"
	default:
		return "store error"
	}
}
