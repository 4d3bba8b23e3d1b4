package identity

import (
	"time"

	"github.com/google/uuid"
)

// Person roles as projected from the identity system.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
)

// Person is a read-only projection of the identity system's person record.
// The fulfillment engine never writes to it; it exists so that orders and
// queue entries can be annotated with human-readable names.
type Person struct {
	ID        uuid.UUID `db:"id" json:"id"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
	Role      string    `db:"role" json:"role"`
	MRN       *string   `db:"mrn" json:"mrn,omitempty"`
	Specialty *string   `db:"specialty" json:"specialty,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

func (p *Person) DisplayName() string {
	if p.FirstName == "" {
		return p.LastName
	}
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}
