package clinical

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

type memNoteRepo struct {
	mu   sync.Mutex
	hook *hipaa.Hook
	rows []*Note
}

func newMemNoteRepo(t *testing.T) *memNoteRepo {
	t.Helper()
	key := make([]byte, hipaa.MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	enc, err := hipaa.NewPHIEncryptor(key, "k1")
	if err != nil {
		t.Fatal(err)
	}
	return &memNoteRepo{hook: hipaa.NewHook(hipaa.MustSchema(NotePHI), enc, zerolog.Nop(), nil)}
}

func (m *memNoteRepo) Create(ctx context.Context, n *Note) error {
	n.ID = uuid.New()
	s := n.clone()
	if err := m.hook.BeforeWrite(ctx, s); err != nil {
		return err
	}
	m.mu.Lock()
	m.rows = append(m.rows, s)
	m.mu.Unlock()
	return nil
}

func (m *memNoteRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Note, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Note
	for _, s := range m.rows {
		if s.PatientID != patientID {
			continue
		}
		n := s.clone()
		if err := m.hook.AfterRead(ctx, n); err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func strPtr(s string) *string { return &s }

func TestService_CreateNoteRandomizesBody(t *testing.T) {
	ctx := context.Background()
	repo := newMemNoteRepo(t)
	svc := NewService(repo)
	actor := &auth.Actor{ID: "nurse-1", Role: auth.RoleNurse}
	patient := uuid.New()

	for i := 0; i < 2; i++ {
		n := &Note{PatientID: patient, Title: "triage", Body: strPtr("chest pain since 3am")}
		if err := svc.CreateNote(ctx, actor, n); err != nil {
			t.Fatalf("CreateNote: %v", err)
		}
		if n.AuthorID != "nurse-1" {
			t.Errorf("AuthorID = %q", n.AuthorID)
		}
	}

	a, b := *repo.rows[0].Body, *repo.rows[1].Body
	if !strings.HasPrefix(a, "v1r:k1:") {
		t.Errorf("body stored as %q", a)
	}
	if a == b {
		t.Error("identical bodies must not produce identical envelopes")
	}

	notes, total, err := svc.ListNotes(ctx, patient, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || *notes[0].Body != "chest pain since 3am" {
		t.Errorf("unexpected notes: total=%d", total)
	}
}

func TestService_CreateNoteValidation(t *testing.T) {
	svc := NewService(newMemNoteRepo(t))
	actor := &auth.Actor{ID: "d", Role: auth.RoleDoctor}

	tests := []struct {
		name  string
		actor *auth.Actor
		note  *Note
	}{
		{"no actor", nil, &Note{PatientID: uuid.New(), Title: "x"}},
		{"no patient", actor, &Note{Title: "x"}},
		{"blank title", actor, &Note{PatientID: uuid.New(), Title: " "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.CreateNote(context.Background(), tt.actor, tt.note); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestNotePHI_Binding(t *testing.T) {
	schema := hipaa.MustSchema(NotePHI)
	fields := (&Note{}).PHIFields()
	for _, a := range schema.Attributes(EntityNote) {
		if _, ok := fields[a.Attribute]; !ok {
			t.Errorf("attribute %s unbound", a.Attribute)
		}
	}
}
