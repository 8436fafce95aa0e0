package visit

import (
	"context"

	"github.com/google/uuid"
)

type VisitRepository interface {
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	// GetByAccession excludes soft-deleted visits.
	GetByAccession(ctx context.Context, accessionNumber string) (*Visit, error)
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*Visit, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	// SetStudyUIDIfEmpty records the study UID only when the column is
	// currently NULL and reports whether the write happened.
	SetStudyUIDIfEmpty(ctx context.Context, id uuid.UUID, studyUID string) (bool, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
}
