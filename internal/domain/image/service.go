package image

import (
	"context"

	"github.com/rs/zerolog"
)

// StudyImages is the browse payload for one study: every stored instance
// plus any derived measurements.
type StudyImages struct {
	StudyInstanceUID string         `json:"study_instance_uid"`
	Images           []*Image       `json:"images"`
	Measurements     []*Measurement `json:"measurements,omitempty"`
}

type Service struct {
	repo   ImageRepository
	logger zerolog.Logger
}

func NewService(repo ImageRepository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "image").Logger(),
	}
}

// ImagesForStudy returns all instances recorded under a StudyInstanceUID.
// An unknown study yields an empty list, not an error; the caller cannot
// distinguish "no such study" from "study with no images yet".
func (s *Service) ImagesForStudy(ctx context.Context, studyInstanceUID string) (*StudyImages, error) {
	images, err := s.repo.ListByStudyUID(ctx, studyInstanceUID)
	if err != nil {
		return nil, err
	}
	measurements, err := s.repo.ListMeasurementsByStudyUID(ctx, studyInstanceUID)
	if err != nil {
		return nil, err
	}
	if images == nil {
		images = []*Image{}
	}
	return &StudyImages{
		StudyInstanceUID: studyInstanceUID,
		Images:           images,
		Measurements:     measurements,
	}, nil
}

func (s *Service) GetBySOPInstanceUID(ctx context.Context, sopInstanceUID string) (*Image, error) {
	return s.repo.GetBySOPInstanceUID(ctx, sopInstanceUID)
}
