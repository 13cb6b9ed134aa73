package clinical

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/phicore/internal/platform/db"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

type noteRepoPG struct {
	pool *pgxpool.Pool
	hook *hipaa.Hook
}

func NewNoteRepo(pool *pgxpool.Pool, hook *hipaa.Hook) NoteRepository {
	return &noteRepoPG{pool: pool, hook: hook}
}

func (r *noteRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const noteCols = `id, patient_id, author_id, title, body, created_at`

func scanNote(row pgx.Row) (*Note, error) {
	var n Note
	if err := row.Scan(&n.ID, &n.PatientID, &n.AuthorID, &n.Title, &n.Body, &n.CreatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *noteRepoPG) Create(ctx context.Context, n *Note) error {
	n.ID = uuid.New()
	n.CreatedAt = time.Now().UTC()

	s := n.clone()
	if err := r.hook.BeforeWrite(ctx, s); err != nil {
		return fmt.Errorf("note create: %w", err)
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO clinical_note (`+noteCols+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		s.ID, s.PatientID, s.AuthorID, s.Title, s.Body, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("note create: %w", err)
	}
	return nil
}

func (r *noteRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Note, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM clinical_note WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("note count: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+noteCols+` FROM clinical_note
		WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("note list: %w", err)
	}
	defer rows.Close()

	var items []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, 0, err
		}
		if err := r.hook.AfterRead(ctx, n); err != nil {
			return nil, 0, fmt.Errorf("note list: %w", err)
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}
