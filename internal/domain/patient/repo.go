package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the read-only lookup contract consumed from the clinic
// collaborator. Soft-deleted patients are never returned.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
}
