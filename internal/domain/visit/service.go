package visit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service enforces the visit state machine and the one-visit-one-study
// binding rule.
type Service struct {
	repo   VisitRepository
	logger zerolog.Logger
}

func NewService(repo VisitRepository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "visit").Logger()}
}

func (s *Service) GetByAccession(ctx context.Context, accessionNumber string) (*Visit, error) {
	return s.repo.GetByAccession(ctx, accessionNumber)
}

// Transition moves a visit to the target status after checking legality.
func (s *Service) Transition(ctx context.Context, v *Visit, to Status) error {
	if !CanTransition(v.Status, to) {
		return fmt.Errorf("illegal visit transition %s -> %s for %s", v.Status, to, v.AccessionNumber)
	}
	if err := s.repo.UpdateStatus(ctx, v.ID, to); err != nil {
		return err
	}
	v.Status = to
	return nil
}

// RecordStudyUID binds the device-assigned StudyInstanceUID to the visit with
// first-writer-wins semantics. A later event reporting a different UID is
// logged and ignored; a late out-of-order event must not corrupt an
// established study binding.
func (s *Service) RecordStudyUID(ctx context.Context, v *Visit, studyUID string) error {
	if studyUID == "" {
		return nil
	}
	if v.StudyInstanceUID != nil {
		if *v.StudyInstanceUID != studyUID {
			s.logger.Warn().
				Str("accession_number", v.AccessionNumber).
				Str("bound_study_uid", *v.StudyInstanceUID).
				Str("reported_study_uid", studyUID).
				Msg("conflicting study UID reported, keeping established binding")
		}
		return nil
	}

	wrote, err := s.repo.SetStudyUIDIfEmpty(ctx, v.ID, studyUID)
	if err != nil {
		return err
	}
	if wrote {
		uid := studyUID
		v.StudyInstanceUID = &uid
		return nil
	}

	// Another handler won the race; re-read to reflect the winner.
	fresh, err := s.repo.GetByID(ctx, v.ID)
	if err != nil {
		return err
	}
	v.StudyInstanceUID = fresh.StudyInstanceUID
	if fresh.StudyInstanceUID != nil && *fresh.StudyInstanceUID != studyUID {
		s.logger.Warn().
			Str("accession_number", v.AccessionNumber).
			Str("bound_study_uid", *fresh.StudyInstanceUID).
			Str("reported_study_uid", studyUID).
			Msg("lost study UID race, keeping winner's binding")
	}
	return nil
}

// SoftDelete marks a visit deleted. Visits with images are never hard
// deleted.
func (s *Service) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return s.repo.SoftDelete(ctx, id)
}
