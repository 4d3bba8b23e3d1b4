package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const testDefinitionColumns = `id, code, name, category, specimen_type, price_cents, turnaround_hours, active, created_at, updated_at`

// PgRepository implements Repository backed by PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanTestDefinition(row pgx.Row) (*TestDefinition, error) {
	var d TestDefinition
	err := row.Scan(&d.ID, &d.Code, &d.Name, &d.Category, &d.SpecimenType,
		&d.PriceCents, &d.TurnaroundHours, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *PgRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*TestDefinition, error) {
	out := make(map[uuid.UUID]*TestDefinition, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM test_definition WHERE id = ANY($1)`, testDefinitionColumns)
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query test definitions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanTestDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test definition: %w", err)
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

func (r *PgRepository) GetActiveDefinition(ctx context.Context, id uuid.UUID) (*TestDefinition, error) {
	query := fmt.Sprintf(`SELECT %s FROM test_definition WHERE id = $1 AND active = TRUE`, testDefinitionColumns)
	d, err := scanTestDefinition(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get test definition: %w", err)
	}
	return d, nil
}

func (r *PgRepository) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*TestDefinition, int, error) {
	where := ""
	if activeOnly {
		where = " WHERE active = TRUE"
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM test_definition`+where).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count test definitions: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM test_definition%s ORDER BY code LIMIT $1 OFFSET $2`,
		testDefinitionColumns, where)
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list test definitions: %w", err)
	}
	defer rows.Close()

	defs := make([]*TestDefinition, 0, limit)
	for rows.Next() {
		d, err := scanTestDefinition(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan test definition: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, total, rows.Err()
}

// Upsert inserts the definition if its ID is not present and reports whether
// a row was written. Existing rows are left untouched so a repair can never
// clobber catalog data that arrived through the normal channel.
func (r *PgRepository) Upsert(ctx context.Context, def *TestDefinition) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO test_definition (id, code, name, category, specimen_type, price_cents, turnaround_hours, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		def.ID, def.Code, def.Name, def.Category, def.SpecimenType,
		def.PriceCents, def.TurnaroundHours, def.Active)
	if err != nil {
		return false, fmt.Errorf("upsert test definition: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE test_definition SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate test definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
