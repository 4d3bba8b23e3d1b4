package identity

import (
	"context"

	"github.com/google/uuid"
)

// Directory is the read surface over the person projection. GetPersonsByIDs
// returns only the persons that exist; callers diff against the requested
// IDs to detect dangling references.
type Directory interface {
	GetPersonsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Person, error)
}
