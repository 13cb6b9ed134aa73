package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type GrantRepository interface {
	Create(ctx context.Context, g *Grant) error
	// FindUnrevoked returns the most recent grant with no revocation for the
	// triple, or ErrNotFound. The caller checks expiry.
	FindUnrevoked(ctx context.Context, patientID uuid.UUID, granteeID string, scope Scope) (*Grant, error)
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error)
}

// OwnerLookup resolves the actor recorded as a patient's creator. An unknown
// patient yields an empty creator and a nil error.
type OwnerLookup interface {
	CreatorOf(ctx context.Context, patientID uuid.UUID) (string, error)
}

// OwnerLookupFunc adapts a function to OwnerLookup.
type OwnerLookupFunc func(ctx context.Context, patientID uuid.UUID) (string, error)

func (f OwnerLookupFunc) CreatorOf(ctx context.Context, patientID uuid.UUID) (string, error) {
	return f(ctx, patientID)
}
