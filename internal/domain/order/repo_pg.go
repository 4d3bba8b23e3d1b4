package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderColumns = `id, order_number, patient_id, doctor_id, encounter_id, clinical_info, status, total_amount_cents, version, ordered_at, updated_at`

// PgRepository implements Repository backed by PostgreSQL. LabOrder rows
// live in lab_order, test items in lab_order_test keyed by (order_id,
// position) so the list order survives round trips. Order numbers come
// from the lab_order_number_seq sequence, which serializes assignment.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanOrder(row pgx.Row) (*LabOrder, error) {
	var o LabOrder
	err := row.Scan(&o.ID, &o.OrderNumber, &o.PatientID, &o.DoctorID, &o.EncounterID,
		&o.ClinicalInfo, &o.Status, &o.TotalAmountCents, &o.Version, &o.OrderedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *PgRepository) Create(ctx context.Context, o *LabOrder) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create order: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO lab_order (id, order_number, patient_id, doctor_id, encounter_id, clinical_info, status, total_amount_cents, version)
		VALUES ($1, nextval('lab_order_number_seq'), $2, $3, $4, $5, $6, $7, 1)
		RETURNING order_number, version, ordered_at, updated_at`,
		o.ID, o.PatientID, o.DoctorID, o.EncounterID, o.ClinicalInfo, o.Status, o.TotalAmountCents,
	).Scan(&o.OrderNumber, &o.Version, &o.OrderedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	if err := insertTests(ctx, tx, o.ID, o.Tests); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertTests(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, tests []TestItem) error {
	for i, t := range tests {
		_, err := tx.Exec(ctx, `
			INSERT INTO lab_order_test (id, order_id, position, test_id, price_snapshot_cents, priority, status, instructions)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.ID, orderID, i, t.TestID, t.PriceSnapshotCents, t.Priority, t.Status, t.Instructions)
		if err != nil {
			return fmt.Errorf("insert order test: %w", err)
		}
	}
	return nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM lab_order WHERE id = $1`, orderColumns)
	o, err := scanOrder(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	byOrder, err := r.loadTests(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	o.Tests = byOrder[id]
	return o, nil
}

func (r *PgRepository) loadTests(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID][]TestItem, error) {
	out := make(map[uuid.UUID][]TestItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, test_id, price_snapshot_cents, priority, status, instructions
		FROM lab_order_test
		WHERE order_id = ANY($1)
		ORDER BY order_id, position`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("load order tests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t TestItem
		var orderID uuid.UUID
		err := rows.Scan(&t.ID, &orderID, &t.TestID, &t.PriceSnapshotCents, &t.Priority, &t.Status, &t.Instructions)
		if err != nil {
			return nil, fmt.Errorf("scan order test: %w", err)
		}
		out[orderID] = append(out[orderID], t)
	}
	return out, rows.Err()
}

func (r *PgRepository) List(ctx context.Context, filter Filter) ([]*LabOrder, int, error) {
	conditions := []string{}
	args := []interface{}{}
	argNum := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, filter.Status)
		argNum++
	} else if !filter.IncludeClosed {
		conditions = append(conditions, fmt.Sprintf("status NOT IN ($%d, $%d)", argNum, argNum+1))
		args = append(args, StatusCompleted, StatusCancelled)
		argNum += 2
	}
	if filter.Priority != "" {
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM lab_order_test t WHERE t.order_id = lab_order.id AND t.priority = $%d)", argNum))
		args = append(args, filter.Priority)
		argNum++
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM lab_order"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM lab_order%s ORDER BY ordered_at, order_number`, orderColumns, where)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*LabOrder
	var ids []uuid.UUID
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	byOrder, err := r.loadTests(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, o := range orders {
		o.Tests = byOrder[o.ID]
	}
	return orders, total, nil
}

// UpdateAggregate writes the whole aggregate back in one transaction. The
// order row update is guarded by expectedVersion; child rows are rewritten
// so appends, removals and reorderings all take the same path. On success
// o.Version carries the new version.
func (r *PgRepository) UpdateAggregate(ctx context.Context, o *LabOrder, expectedVersion int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update order: %w", err)
	}
	defer tx.Rollback(ctx)

	var newVersion int
	err = tx.QueryRow(ctx, `
		UPDATE lab_order
		SET status = $1, total_amount_cents = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
		RETURNING version`,
		o.Status, o.TotalAmountCents, o.ID, expectedVersion,
	).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a stale version from a deleted order.
		var exists bool
		if checkErr := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM lab_order WHERE id = $1)`, o.ID).Scan(&exists); checkErr != nil {
			return fmt.Errorf("check order exists: %w", checkErr)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM lab_order_test WHERE order_id = $1`, o.ID); err != nil {
		return fmt.Errorf("clear order tests: %w", err)
	}
	if err := insertTests(ctx, tx, o.ID, o.Tests); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update order: %w", err)
	}
	o.Version = newVersion
	return nil
}

func (r *PgRepository) Rebind(ctx context.Context, id uuid.UUID, field RebindField, newID uuid.UUID) error {
	var column string
	switch field {
	case RebindPatient:
		column = "patient_id"
	case RebindDoctor:
		column = "doctor_id"
	default:
		return fmt.Errorf("%w: field %q is not rebindable", ErrInvalidInput, field)
	}

	query := fmt.Sprintf(`UPDATE lab_order SET %s = $1, updated_at = NOW() WHERE id = $2`, column)
	tag, err := r.pool.Exec(ctx, query, newID, id)
	if err != nil {
		return fmt.Errorf("rebind order reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM lab_order WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PgStatusHistoryRepository persists the order status audit trail.
type PgStatusHistoryRepository struct {
	pool *pgxpool.Pool
}

func NewPgStatusHistoryRepository(pool *pgxpool.Pool) *PgStatusHistoryRepository {
	return &PgStatusHistoryRepository{pool: pool}
}

func (r *PgStatusHistoryRepository) Append(ctx context.Context, change *StatusChange) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO lab_order_status_history (id, order_id, test_item_id, from_status, to_status, changed_by)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		change.ID, change.OrderID, change.TestItemID, change.FromStatus, change.ToStatus, change.ChangedBy)
	if err != nil {
		return fmt.Errorf("append status history: %w", err)
	}
	return nil
}

func (r *PgStatusHistoryRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, test_item_id, from_status, to_status, changed_by, changed_at
		FROM lab_order_status_history
		WHERE order_id = $1
		ORDER BY changed_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	var changes []*StatusChange
	for rows.Next() {
		var c StatusChange
		err := rows.Scan(&c.ID, &c.OrderID, &c.TestItemID, &c.FromStatus, &c.ToStatus, &c.ChangedBy, &c.ChangedAt)
		if err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}
