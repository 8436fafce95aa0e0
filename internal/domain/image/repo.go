package image

import (
	"context"
)

type ImageRepository interface {
	Create(ctx context.Context, img *Image) error
	GetBySOPInstanceUID(ctx context.Context, sopInstanceUID string) (*Image, error)
	ListByStudyUID(ctx context.Context, studyInstanceUID string) ([]*Image, error)
	CreateMeasurement(ctx context.Context, m *Measurement) error
	ListMeasurementsByStudyUID(ctx context.Context, studyInstanceUID string) ([]*Measurement, error)
}
