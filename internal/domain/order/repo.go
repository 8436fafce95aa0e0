package order

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByAccession(ctx context.Context, accessionNumber string) (*Order, error)
	// AssignKeys writes the key triple only when the order has none yet and
	// reports whether the write happened. A unique-constraint violation on
	// accession_number surfaces as faults.ErrConflict.
	AssignKeys(ctx context.Context, id uuid.UUID, keys Keys) (bool, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	// ListWorklistEligible returns published, non-deleted orders in a
	// worklist-eligible status, optionally restricted to one calendar day.
	ListWorklistEligible(ctx context.Context, day *time.Time) ([]*Order, error)
}
