package identity

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/phicore/internal/platform/hipaa"
)

// EntityPatient is the storage name of patients in the PHI schema.
const EntityPatient = "patient"

// PatientPHI declares the encrypted patient columns. SSN, phone and email are
// deterministic so they can be looked up by exact value.
var PatientPHI = []hipaa.SensitiveAttribute{
	{Entity: EntityPatient, Attribute: "ssn", Mode: hipaa.ModeDeterministic},
	{Entity: EntityPatient, Attribute: "phone", Mode: hipaa.ModeDeterministic},
	{Entity: EntityPatient, Attribute: "email", Mode: hipaa.ModeDeterministic},
	{Entity: EntityPatient, Attribute: "address_line", Mode: hipaa.ModeRandom},
}

// Patient maps to the patient table.
type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	MRN         string     `db:"mrn" json:"mrn"`
	FirstName   string     `db:"first_name" json:"first_name"`
	LastName    string     `db:"last_name" json:"last_name"`
	BirthDate   *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	SSN         *string    `db:"ssn" json:"ssn,omitempty"`
	Phone       *string    `db:"phone" json:"phone,omitempty"`
	Email       *string    `db:"email" json:"email,omitempty"`
	AddressLine *string    `db:"address_line" json:"address_line,omitempty"`
	CreatedBy   string     `db:"created_by" json:"created_by"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *Patient) EntityName() string { return EntityPatient }

func (p *Patient) PHIFields() map[string]*string {
	return map[string]*string{
		"ssn":          p.SSN,
		"phone":        p.Phone,
		"email":        p.Email,
		"address_line": p.AddressLine,
	}
}

// clone copies p including the strings behind its pointer fields, so the hook
// can encrypt the copy without touching the caller's values.
func (p *Patient) clone() *Patient {
	cp := *p
	cp.SSN = copyStr(p.SSN)
	cp.Phone = copyStr(p.Phone)
	cp.Email = copyStr(p.Email)
	cp.AddressLine = copyStr(p.AddressLine)
	if p.BirthDate != nil {
		bd := *p.BirthDate
		cp.BirthDate = &bd
	}
	return &cp
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
