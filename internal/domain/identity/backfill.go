package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/phicore/internal/platform/db"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

// patientBackfill exposes raw patient rows to the backfill, bypassing the hook.
type patientBackfill struct {
	pool *pgxpool.Pool
}

func NewPatientBackfillTarget(pool *pgxpool.Pool) hipaa.BackfillTarget {
	return &patientBackfill{pool: pool}
}

func (b *patientBackfill) EntityName() string { return EntityPatient }

// Page walks patients in id order; the cursor is the last id seen.
func (b *patientBackfill) Page(ctx context.Context, cursor string, limit int) ([]hipaa.Protected, string, error) {
	after := uuid.Nil
	if cursor != "" {
		id, err := uuid.Parse(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid patient cursor %q: %w", cursor, err)
		}
		after = id
	}

	rows, err := db.Conn(ctx, b.pool).Query(ctx, `
		SELECT id, ssn, phone, email, address_line FROM patient
		WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, "", fmt.Errorf("patient backfill page: %w", err)
	}
	defer rows.Close()

	var page []hipaa.Protected
	var last uuid.UUID
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.SSN, &p.Phone, &p.Email, &p.AddressLine); err != nil {
			return nil, "", err
		}
		last = p.ID
		page = append(page, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(page) < limit {
		return page, "", nil
	}
	return page, last.String(), nil
}

// SavePage writes the sensitive columns of every row in one transaction.
func (b *patientBackfill) SavePage(ctx context.Context, rows []hipaa.Protected) error {
	return db.RunInTx(ctx, b.pool, func(ctx context.Context) error {
		tx := db.Conn(ctx, b.pool)
		for _, row := range rows {
			p, ok := row.(*Patient)
			if !ok {
				return fmt.Errorf("patient backfill: unexpected row type %T", row)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE patient SET ssn=$2, phone=$3, email=$4, address_line=$5 WHERE id = $1`,
				p.ID, p.SSN, p.Phone, p.Email, p.AddressLine); err != nil {
				return fmt.Errorf("patient backfill save %s: %w", p.ID, err)
			}
		}
		return nil
	})
}
