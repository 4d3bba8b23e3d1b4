package catalog

import (
	"time"

	"github.com/google/uuid"
)

// TestDefinition maps to the test_definition table. The catalog is owned by
// a catalog-management collaborator; this engine reads it and, through the
// reconciliation tool, may backfill missing entries. Prices are integer
// cents so order totals stay reproducible.
type TestDefinition struct {
	ID              uuid.UUID `db:"id" json:"id"`
	Code            string    `db:"code" json:"code"`
	Name            string    `db:"name" json:"name"`
	Category        string    `db:"category" json:"category"`
	SpecimenType    string    `db:"specimen_type" json:"specimen_type"`
	PriceCents      int64     `db:"price_cents" json:"price_cents"`
	TurnaroundHours int       `db:"turnaround_hours" json:"turnaround_hours"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}
