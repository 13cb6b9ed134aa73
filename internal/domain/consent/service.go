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
	"github.com/ehr/phicore/internal/platform/hipaa"
)

// Service manages ordinary read and write consent grants. Break-the-glass
// grants go through BreakGlass instead.
type Service struct {
	grants GrantRepository
	audit  hipaa.AuditSink
	logger zerolog.Logger
	nowFn  func() time.Time
}

func NewService(grants GrantRepository, audit hipaa.AuditSink, logger zerolog.Logger) *Service {
	return &Service{grants: grants, audit: audit, logger: logger, nowFn: time.Now}
}

// GrantConsent records that granteeID may act on patientID within scope. An
// un-revoked grant for the same triple is superseded.
func (s *Service) GrantConsent(ctx context.Context, actor *auth.Actor, g *Grant) error {
	if !actor.IsAdmin() {
		return ErrAccessDenied
	}
	if g.PatientID == uuid.Nil || strings.TrimSpace(g.GranteeID) == "" {
		return fmt.Errorf("%w: patient_id and grantee_id are required", ErrInvalidInput)
	}
	if g.Scope != ScopeRead && g.Scope != ScopeWrite {
		return fmt.Errorf("%w: scope must be read or write", ErrInvalidInput)
	}

	now := s.nowFn().UTC()
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}

	prev, err := s.grants.FindUnrevoked(ctx, g.PatientID, g.GranteeID, g.Scope)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		if err := s.grants.Revoke(ctx, prev.ID, now); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("supersede grant: %w", err)
		}
	}

	g.ID = uuid.New()
	g.GrantedBy = actor.ID
	g.GrantedAt = now
	g.RevokedAt = nil
	if err := s.grants.Create(ctx, g); err != nil {
		return err
	}

	hipaa.Emit(ctx, s.audit, s.logger, hipaa.AuditIntent{
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
		PatientID:   g.PatientID.String(),
		Action:      "consent.grant",
		Description: fmt.Sprintf("grant %s scope=%s grantee=%s", g.ID, g.Scope, g.GranteeID),
		Outcome:     "success",
	})
	return nil
}

func (s *Service) RevokeConsent(ctx context.Context, actor *auth.Actor, patientID, grantID uuid.UUID) error {
	if !actor.IsAdmin() {
		return ErrAccessDenied
	}
	if err := s.grants.Revoke(ctx, grantID, s.nowFn().UTC()); err != nil {
		return err
	}
	hipaa.Emit(ctx, s.audit, s.logger, hipaa.AuditIntent{
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
		PatientID:   patientID.String(),
		Action:      "consent.revoke",
		Description: "revoked grant " + grantID.String(),
		Outcome:     "success",
	})
	return nil
}

func (s *Service) ListConsents(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	return s.grants.ListByPatient(ctx, patientID, limit, offset)
}
