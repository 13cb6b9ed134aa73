package clinical

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/phicore/internal/platform/hipaa"
)

const EntityNote = "clinical_note"

// NotePHI declares the encrypted note columns. Bodies are free text and are
// never searched by value.
var NotePHI = []hipaa.SensitiveAttribute{
	{Entity: EntityNote, Attribute: "body", Mode: hipaa.ModeRandom},
}

// Note maps to the clinical_note table.
type Note struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	AuthorID  string    `db:"author_id" json:"author_id"`
	Title     string    `db:"title" json:"title"`
	Body      *string   `db:"body" json:"body,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

func (n *Note) EntityName() string { return EntityNote }

func (n *Note) PHIFields() map[string]*string {
	return map[string]*string{"body": n.Body}
}

func (n *Note) clone() *Note {
	cp := *n
	if n.Body != nil {
		b := *n.Body
		cp.Body = &b
	}
	return &cp
}
