package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient is the read-only demographic view the engine needs to answer
// worklist queries. The patient record itself is owned by the clinic
// collaborator; the engine never mutates it.
type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	MRN       string     `db:"mrn" json:"mrn"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	Sex       *string    `db:"sex" json:"sex,omitempty"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	DeletedAt *time.Time `db:"deleted_at" json:"-"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// DisplayName renders the name in family^given order as imaging devices
// expect it.
func (p *Patient) DisplayName() string {
	return p.LastName + "^" + p.FirstName
}
