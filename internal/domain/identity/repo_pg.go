package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/phicore/internal/platform/db"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

// patientRepoPG stores patients with their sensitive columns encrypted by
// the hook. A write aborts on any field error so plaintext never reaches the
// table by accident.
type patientRepoPG struct {
	pool *pgxpool.Pool
	hook *hipaa.Hook
}

func NewPatientRepo(pool *pgxpool.Pool, hook *hipaa.Hook) PatientRepository {
	return &patientRepoPG{pool: pool, hook: hook}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientCols = `id, mrn, first_name, last_name, birth_date, ssn, phone, email, address_line,
	created_by, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate,
		&p.SSN, &p.Phone, &p.Email, &p.AddressLine,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) sealed(ctx context.Context, p *Patient) (*Patient, error) {
	stored := p.clone()
	if err := r.hook.BeforeWrite(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *patientRepoPG) open(ctx context.Context, p *Patient) (*Patient, error) {
	if err := r.hook.AfterRead(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	s, err := r.sealed(ctx, p)
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (`+patientCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		s.ID, s.MRN, s.FirstName, s.LastName, s.BirthDate,
		s.SSN, s.Phone, s.Email, s.AddressLine,
		s.CreatedBy, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if p, err = r.open(ctx, p); err != nil {
		return nil, fmt.Errorf("patient get by id: %w", err)
	}
	return p, nil
}

func (r *patientRepoPG) FindBySSN(ctx context.Context, ssn string) (*Patient, error) {
	token, err := r.hook.SearchToken(EntityPatient, "ssn", ssn)
	if err != nil {
		return nil, fmt.Errorf("patient find by ssn: %w", err)
	}
	// Rows not yet backfilled still hold the plaintext.
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE ssn = $1 OR ssn = $2 LIMIT 1`, token, ssn))
	if err != nil {
		return nil, err
	}
	if p, err = r.open(ctx, p); err != nil {
		return nil, fmt.Errorf("patient find by ssn: %w", err)
	}
	return p, nil
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	p.UpdatedAt = time.Now().UTC()
	s, err := r.sealed(ctx, p)
	if err != nil {
		return fmt.Errorf("patient update: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET
			mrn=$2, first_name=$3, last_name=$4, birth_date=$5,
			ssn=$6, phone=$7, email=$8, address_line=$9, updated_at=$10
		WHERE id = $1`,
		s.ID, s.MRN, s.FirstName, s.LastName, s.BirthDate,
		s.SSN, s.Phone, s.Email, s.AddressLine, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("patient update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("patient delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("patient count: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("patient list: %w", err)
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		if p, err = r.open(ctx, p); err != nil {
			return nil, 0, fmt.Errorf("patient list: %w", err)
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *patientRepoPG) CreatorOf(ctx context.Context, id uuid.UUID) (string, error) {
	var createdBy string
	err := r.conn(ctx).QueryRow(ctx, `SELECT created_by FROM patient WHERE id = $1`, id).Scan(&createdBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("patient creator: %w", err)
	}
	return createdBy, nil
}
