package clinical

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrInvalidInput = errors.New("invalid input")

type NoteRepository interface {
	Create(ctx context.Context, n *Note) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Note, int, error)
}
