package consent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/auth"
)

// Authorizer decides whether an actor may read, write or delete a patient's
// data. Admins always pass. Clinical roles pass for patients they created or
// hold an active grant for; an active break-the-glass grant counts for read
// and write but never for delete. Everyone else is refused. Store failures
// refuse.
type Authorizer struct {
	grants GrantRepository
	owners OwnerLookup
	logger zerolog.Logger
	nowFn  func() time.Time
}

func NewAuthorizer(grants GrantRepository, owners OwnerLookup, logger zerolog.Logger) *Authorizer {
	return &Authorizer{
		grants: grants,
		owners: owners,
		logger: logger.With().Str("component", "authorizer").Logger(),
		nowFn:  time.Now,
	}
}

func (a *Authorizer) CanRead(ctx context.Context, actor *auth.Actor, patientID string) bool {
	return a.allowed(ctx, actor, patientID, ScopeRead)
}

func (a *Authorizer) CanWrite(ctx context.Context, actor *auth.Actor, patientID string) bool {
	return a.allowed(ctx, actor, patientID, ScopeWrite)
}

// CanDelete is admin-only.
func (a *Authorizer) CanDelete(_ context.Context, actor *auth.Actor, _ string) bool {
	return actor.IsAdmin()
}

func (a *Authorizer) AssertCanRead(ctx context.Context, actor *auth.Actor, patientID string) error {
	return assert(a.CanRead(ctx, actor, patientID))
}

func (a *Authorizer) AssertCanWrite(ctx context.Context, actor *auth.Actor, patientID string) error {
	return assert(a.CanWrite(ctx, actor, patientID))
}

func (a *Authorizer) AssertCanDelete(ctx context.Context, actor *auth.Actor, patientID string) error {
	return assert(a.CanDelete(ctx, actor, patientID))
}

func assert(ok bool) error {
	if !ok {
		return ErrAccessDenied
	}
	return nil
}

func (a *Authorizer) allowed(ctx context.Context, actor *auth.Actor, patientID string, scope Scope) bool {
	if actor == nil {
		return false
	}
	if actor.IsAdmin() {
		return true
	}
	if !actor.IsClinical() {
		return false
	}

	pid, err := uuid.Parse(patientID)
	if err != nil {
		return false
	}

	if a.isCreator(ctx, actor, pid) {
		return true
	}
	if a.hasActiveGrant(ctx, actor, pid, scope) {
		return true
	}
	return a.hasActiveGrant(ctx, actor, pid, ScopeBTG)
}

func (a *Authorizer) isCreator(ctx context.Context, actor *auth.Actor, patientID uuid.UUID) bool {
	if a.owners == nil {
		return false
	}
	creator, err := a.owners.CreatorOf(ctx, patientID)
	if err != nil {
		a.logger.Error().Err(err).
			Str("actor_id", actor.ID).
			Str("patient_id", patientID.String()).
			Msg("ownership lookup failed, denying")
		return false
	}
	return creator != "" && creator == actor.ID
}

func (a *Authorizer) hasActiveGrant(ctx context.Context, actor *auth.Actor, patientID uuid.UUID, scope Scope) bool {
	g, err := a.grants.FindUnrevoked(ctx, patientID, actor.ID, scope)
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if err != nil {
		a.logger.Error().Err(err).
			Str("actor_id", actor.ID).
			Str("patient_id", patientID.String()).
			Str("scope", string(scope)).
			Msg("grant lookup failed, denying")
		return false
	}
	return g.ActiveAt(a.nowFn())
}
