package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the catalog read/repair surface. GetByIDs returns only the
// definitions that exist; callers diff against the requested IDs to find
// what is missing. GetActiveDefinition returns (nil, nil) when the ID is
// unknown or the definition has been deactivated.
type Repository interface {
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*TestDefinition, error)
	GetActiveDefinition(ctx context.Context, id uuid.UUID) (*TestDefinition, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*TestDefinition, int, error)
	Upsert(ctx context.Context, def *TestDefinition) (bool, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}
