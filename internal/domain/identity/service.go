package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/phicore/internal/platform/auth"
)

type Service struct {
	patients PatientRepository
}

func NewService(patients PatientRepository) *Service {
	return &Service{patients: patients}
}

// CreatePatient records actor as the patient's creator, which is what grants
// the creating clinician ongoing access.
func (s *Service) CreatePatient(ctx context.Context, actor *auth.Actor, p *Patient) error {
	if actor == nil {
		return fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	if err := validate(p); err != nil {
		return err
	}
	p.CreatedBy = actor.ID
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) FindPatientBySSN(ctx context.Context, ssn string) (*Patient, error) {
	if strings.TrimSpace(ssn) == "" {
		return nil, fmt.Errorf("%w: ssn is required", ErrInvalidInput)
	}
	return s.patients.FindBySSN(ctx, ssn)
}

// UpdatePatient keeps the stored creator and creation time.
func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	if err := validate(p); err != nil {
		return err
	}
	existing, err := s.patients.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	p.CreatedBy = existing.CreatedBy
	p.CreatedAt = existing.CreatedAt
	return s.patients.Update(ctx, p)
}

func (s *Service) DeletePatient(ctx context.Context, id uuid.UUID) error {
	return s.patients.Delete(ctx, id)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, limit, offset)
}

// CreatorOf satisfies consent.OwnerLookup.
func (s *Service) CreatorOf(ctx context.Context, id uuid.UUID) (string, error) {
	return s.patients.CreatorOf(ctx, id)
}

func validate(p *Patient) error {
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("%w: first_name and last_name are required", ErrInvalidInput)
	}
	if p.MRN == "" {
		return fmt.Errorf("%w: mrn is required", ErrInvalidInput)
	}
	return nil
}
