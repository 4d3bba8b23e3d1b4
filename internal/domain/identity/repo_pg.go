package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgDirectory implements Directory against the person table.
type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) GetPersonsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Person, error) {
	out := make(map[uuid.UUID]*Person, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := d.pool.Query(ctx, `
		SELECT id, first_name, last_name, role, mrn, specialty, created_at
		FROM person
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Role, &p.MRN, &p.Specialty, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out[p.ID] = &p
	}
	return out, rows.Err()
}
