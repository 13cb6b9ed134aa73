package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/phicore/internal/platform/db"
)

type grantRepoPG struct {
	pool *pgxpool.Pool
}

func NewGrantRepoPG(pool *pgxpool.Pool) GrantRepository {
	return &grantRepoPG{pool: pool}
}

func (r *grantRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const grantCols = `id, patient_id, grantee_id, scope, granted_by, reason, granted_at, expires_at, revoked_at`

func scanGrant(row pgx.Row) (*Grant, error) {
	var g Grant
	var scope string
	err := row.Scan(&g.ID, &g.PatientID, &g.GranteeID, &scope, &g.GrantedBy, &g.Reason,
		&g.GrantedAt, &g.ExpiresAt, &g.RevokedAt)
	if err != nil {
		return nil, err
	}
	g.Scope = Scope(scope)
	return &g, nil
}

func (r *grantRepoPG) Create(ctx context.Context, g *Grant) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_grant (`+grantCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		g.ID, g.PatientID, g.GranteeID, string(g.Scope), g.GrantedBy, g.Reason,
		g.GrantedAt, g.ExpiresAt, g.RevokedAt)
	if err != nil {
		return fmt.Errorf("insert consent grant: %w", err)
	}
	return nil
}

func (r *grantRepoPG) FindUnrevoked(ctx context.Context, patientID uuid.UUID, granteeID string, scope Scope) (*Grant, error) {
	g, err := scanGrant(r.conn(ctx).QueryRow(ctx, `
		SELECT `+grantCols+` FROM consent_grant
		WHERE patient_id = $1 AND grantee_id = $2 AND scope = $3 AND revoked_at IS NULL
		ORDER BY granted_at DESC
		LIMIT 1`, patientID, granteeID, string(scope)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find consent grant: %w", err)
	}
	return g, nil
}

func (r *grantRepoPG) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE consent_grant SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("revoke consent grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *grantRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM consent_grant WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count consent grants: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+grantCols+` FROM consent_grant
		WHERE patient_id = $1
		ORDER BY granted_at DESC
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list consent grants: %w", err)
	}
	defer rows.Close()

	var items []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, g)
	}
	return items, total, rows.Err()
}
