package clinical

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/phicore/internal/platform/auth"
)

type Service struct {
	notes NoteRepository
}

func NewService(notes NoteRepository) *Service {
	return &Service{notes: notes}
}

func (s *Service) CreateNote(ctx context.Context, actor *auth.Actor, n *Note) error {
	if actor == nil {
		return fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	if n.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	n.AuthorID = actor.ID
	return s.notes.Create(ctx, n)
}

func (s *Service) ListNotes(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Note, int, error) {
	return s.notes.ListByPatient(ctx, patientID, limit, offset)
}
