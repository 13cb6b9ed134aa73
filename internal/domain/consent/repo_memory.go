package consent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is a thread-safe in-memory GrantRepository for development
// servers and tests.
type MemoryRepo struct {
	mu     sync.RWMutex
	grants []*Grant
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

func (m *MemoryRepo) Create(_ context.Context, g *Grant) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	cp := *g
	m.mu.Lock()
	m.grants = append(m.grants, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepo) FindUnrevoked(_ context.Context, patientID uuid.UUID, granteeID string, scope Scope) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Grant
	for _, g := range m.grants {
		if g.PatientID != patientID || g.GranteeID != granteeID || g.Scope != scope || g.RevokedAt != nil {
			continue
		}
		if found == nil || g.GrantedAt.After(found.GrantedAt) {
			found = g
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryRepo) Revoke(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.grants {
		if g.ID == id && g.RevokedAt == nil {
			t := at
			g.RevokedAt = &t
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	m.mu.RLock()
	var matched []*Grant
	for _, g := range m.grants {
		if g.PatientID == patientID {
			cp := *g
			matched = append(matched, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].GrantedAt.After(matched[j].GrantedAt) })
	total := len(matched)
	if offset >= total {
		return []*Grant{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
