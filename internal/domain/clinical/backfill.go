package clinical

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/phicore/internal/platform/db"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

type noteBackfill struct {
	pool *pgxpool.Pool
}

func NewNoteBackfillTarget(pool *pgxpool.Pool) hipaa.BackfillTarget {
	return &noteBackfill{pool: pool}
}

func (b *noteBackfill) EntityName() string { return EntityNote }

func (b *noteBackfill) Page(ctx context.Context, cursor string, limit int) ([]hipaa.Protected, string, error) {
	after := uuid.Nil
	if cursor != "" {
		id, err := uuid.Parse(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid note cursor %q: %w", cursor, err)
		}
		after = id
	}

	rows, err := db.Conn(ctx, b.pool).Query(ctx,
		`SELECT id, body FROM clinical_note WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, "", fmt.Errorf("note backfill page: %w", err)
	}
	defer rows.Close()

	var page []hipaa.Protected
	var last uuid.UUID
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Body); err != nil {
			return nil, "", err
		}
		last = n.ID
		page = append(page, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(page) < limit {
		return page, "", nil
	}
	return page, last.String(), nil
}

func (b *noteBackfill) SavePage(ctx context.Context, rows []hipaa.Protected) error {
	return db.RunInTx(ctx, b.pool, func(ctx context.Context) error {
		tx := db.Conn(ctx, b.pool)
		for _, row := range rows {
			n, ok := row.(*Note)
			if !ok {
				return fmt.Errorf("note backfill: unexpected row type %T", row)
			}
			if _, err := tx.Exec(ctx, `UPDATE clinical_note SET body = $2 WHERE id = $1`, n.ID, n.Body); err != nil {
				return fmt.Errorf("note backfill save %s: %w", n.ID, err)
			}
		}
		return nil
	})
}
