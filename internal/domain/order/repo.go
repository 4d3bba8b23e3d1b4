package order

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RebindField names the reference fields an administrative rebind may touch.
// Price snapshots are frozen and deliberately absent from this set.
type RebindField string

const (
	RebindPatient RebindField = "patientId"
	RebindDoctor  RebindField = "doctorId"
)

// Filter narrows List and queue fetches. Zero values mean "no constraint";
// by default only non-terminal orders are returned.
type Filter struct {
	Status        OrderStatus
	Priority      Priority
	IncludeClosed bool
	Limit         int
	Offset        int
}

// Repository owns LabOrder persistence. UpdateAggregate replaces the whole
// aggregate (order row plus child test rows) guarded by expectedVersion and
// returns ErrVersionConflict when the guard fails, so callers can reload
// and retry.
type Repository interface {
	Create(ctx context.Context, o *LabOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error)
	List(ctx context.Context, filter Filter) ([]*LabOrder, int, error)
	UpdateAggregate(ctx context.Context, o *LabOrder, expectedVersion int) error
	Rebind(ctx context.Context, id uuid.UUID, field RebindField, newID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// StatusChange is one audit row of the order's status history.
type StatusChange struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	OrderID    uuid.UUID  `db:"order_id" json:"order_id"`
	TestItemID *uuid.UUID `db:"test_item_id" json:"test_item_id,omitempty"`
	FromStatus string     `db:"from_status" json:"from_status"`
	ToStatus   string     `db:"to_status" json:"to_status"`
	ChangedBy  string     `db:"changed_by" json:"changed_by"`
	ChangedAt  time.Time  `db:"changed_at" json:"changed_at"`
}

type StatusHistoryRepository interface {
	Append(ctx context.Context, change *StatusChange) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*StatusChange, error)
}
