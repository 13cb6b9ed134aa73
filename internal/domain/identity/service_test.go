package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

// memPatientRepo stores rows the way patientRepoPG does: sealed by the hook
// on write, opened on read.
type memPatientRepo struct {
	mu   sync.Mutex
	hook *hipaa.Hook
	rows map[uuid.UUID]*Patient
}

func newMemPatientRepo(t *testing.T) *memPatientRepo {
	t.Helper()
	key := make([]byte, hipaa.MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	enc, err := hipaa.NewPHIEncryptor(key, "k1")
	if err != nil {
		t.Fatal(err)
	}
	hook := hipaa.NewHook(hipaa.MustSchema(PatientPHI), enc, zerolog.Nop(), nil)
	return &memPatientRepo{hook: hook, rows: make(map[uuid.UUID]*Patient)}
}

func (m *memPatientRepo) store(ctx context.Context, p *Patient) error {
	s := p.clone()
	if err := m.hook.BeforeWrite(ctx, s); err != nil {
		return err
	}
	m.mu.Lock()
	m.rows[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *memPatientRepo) load(ctx context.Context, s *Patient) (*Patient, error) {
	p := s.clone()
	if err := m.hook.AfterRead(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *memPatientRepo) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	return m.store(ctx, p)
}

func (m *memPatientRepo) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	s, ok := m.rows[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.load(ctx, s)
}

func (m *memPatientRepo) FindBySSN(ctx context.Context, ssn string) (*Patient, error) {
	token, err := m.hook.SearchToken(EntityPatient, "ssn", ssn)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.SSN != nil && (*s.SSN == token || *s.SSN == ssn) {
			return m.load(ctx, s)
		}
	}
	return nil, ErrNotFound
}

func (m *memPatientRepo) Update(ctx context.Context, p *Patient) error {
	m.mu.Lock()
	_, ok := m.rows[p.ID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return m.store(ctx, p)
}

func (m *memPatientRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memPatientRepo) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	m.mu.Lock()
	all := make([]*Patient, 0, len(m.rows))
	for _, s := range m.rows {
		all = append(all, s)
	}
	m.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].MRN < all[j].MRN })

	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	var out []*Patient
	for _, s := range all[offset:end] {
		p, err := m.load(ctx, s)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, nil
}

func (m *memPatientRepo) CreatorOf(_ context.Context, id uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		return s.CreatedBy, nil
	}
	return "", nil
}

func strPtr(s string) *string { return &s }

func newTestPatient() *Patient {
	return &Patient{
		MRN:         "MRN-001",
		FirstName:   "Jane",
		LastName:    "Doe",
		SSN:         strPtr("123-45-6789"),
		Phone:       strPtr("+1-555-0100"),
		Email:       strPtr("jane@example.com"),
		AddressLine: strPtr("1 Main St"),
	}
}

var testDoctor = &auth.Actor{ID: "dr-1", Role: auth.RoleDoctor}

func TestService_CreatePatientEncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	repo := newMemPatientRepo(t)
	svc := NewService(repo)

	p := newTestPatient()
	if err := svc.CreatePatient(ctx, testDoctor, p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	if p.CreatedBy != "dr-1" {
		t.Errorf("CreatedBy = %q", p.CreatedBy)
	}
	if *p.SSN != "123-45-6789" {
		t.Errorf("caller's value must stay plaintext, got %q", *p.SSN)
	}

	stored := repo.rows[p.ID]
	for name, v := range map[string]*string{"ssn": stored.SSN, "phone": stored.Phone, "email": stored.Email} {
		if !strings.HasPrefix(*v, "v1d:k1:") {
			t.Errorf("%s stored as %q, want deterministic envelope", name, *v)
		}
	}
	if !strings.HasPrefix(*stored.AddressLine, "v1r:k1:") {
		t.Errorf("address_line stored as %q, want randomized envelope", *stored.AddressLine)
	}
	if stored.FirstName != "Jane" {
		t.Error("non-sensitive columns are stored as-is")
	}

	got, err := svc.GetPatient(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *got.SSN != "123-45-6789" || *got.AddressLine != "1 Main St" {
		t.Errorf("round trip failed: %+v", got)
	}
}

func TestService_FindPatientBySSN(t *testing.T) {
	ctx := context.Background()
	repo := newMemPatientRepo(t)
	svc := NewService(repo)

	p := newTestPatient()
	if err := svc.CreatePatient(ctx, testDoctor, p); err != nil {
		t.Fatal(err)
	}

	// A row written before encryption was enabled.
	legacy := &Patient{ID: uuid.New(), MRN: "MRN-OLD", FirstName: "Old", LastName: "Row", SSN: strPtr("987-65-4321")}
	repo.rows[legacy.ID] = legacy

	for _, ssn := range []string{"123-45-6789", "987-65-4321"} {
		got, err := svc.FindPatientBySSN(ctx, ssn)
		if err != nil {
			t.Fatalf("FindPatientBySSN(%s): %v", ssn, err)
		}
		if *got.SSN != ssn {
			t.Errorf("got %q", *got.SSN)
		}
	}

	if _, err := svc.FindPatientBySSN(ctx, "000-00-0000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.FindPatientBySSN(ctx, " "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestService_TamperedRowFailsRead(t *testing.T) {
	ctx := context.Background()
	repo := newMemPatientRepo(t)
	svc := NewService(repo)

	p := newTestPatient()
	_ = svc.CreatePatient(ctx, testDoctor, p)
	stored := repo.rows[p.ID]
	b := []byte(*stored.Email)
	i := len(b) - 10
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	tampered := string(b)
	stored.Email = &tampered

	_, err := svc.GetPatient(ctx, p.ID)
	if !errors.Is(err, hipaa.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure, got %v", err)
	}
	if strings.Contains(err.Error(), "jane@example.com") {
		t.Error("error must not contain plaintext")
	}
}

func TestService_Validation(t *testing.T) {
	svc := NewService(newMemPatientRepo(t))
	ctx := context.Background()

	tests := []struct {
		name  string
		actor *auth.Actor
		p     *Patient
	}{
		{"no actor", nil, newTestPatient()},
		{"no name", testDoctor, &Patient{MRN: "x"}},
		{"no mrn", testDoctor, &Patient{FirstName: "a", LastName: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.CreatePatient(ctx, tt.actor, tt.p); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestService_UpdateKeepsCreator(t *testing.T) {
	ctx := context.Background()
	repo := newMemPatientRepo(t)
	svc := NewService(repo)

	p := newTestPatient()
	_ = svc.CreatePatient(ctx, testDoctor, p)

	upd := newTestPatient()
	upd.ID = p.ID
	upd.CreatedBy = "someone-else"
	upd.Email = strPtr("jane.doe@example.com")
	if err := svc.UpdatePatient(ctx, upd); err != nil {
		t.Fatal(err)
	}

	creator, _ := svc.CreatorOf(ctx, p.ID)
	if creator != "dr-1" {
		t.Errorf("creator = %q, want dr-1", creator)
	}
	got, _ := svc.GetPatient(ctx, p.ID)
	if *got.Email != "jane.doe@example.com" {
		t.Errorf("email = %q", *got.Email)
	}
}
