package report

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ris/ris/internal/platform/faults"
)

// ErrImmutable is returned for any edit or delete attempted against a
// report that left the draft state. The same error is returned regardless
// of who the actor is.
var ErrImmutable = errors.New("report is validated or archived and cannot be modified")

type Service struct {
	repo   ReportRepository
	logger zerolog.Logger
}

func NewService(repo ReportRepository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "report").Logger(),
	}
}

// CreateDraft opens a new draft report for a visit.
func (s *Service) CreateDraft(ctx context.Context, visitID uuid.UUID, templateID *uuid.UUID, authorID *uuid.UUID, data map[string]string) (*Report, error) {
	if data == nil {
		data = map[string]string{}
	}
	rep := &Report{
		VisitID:    visitID,
		TemplateID: templateID,
		State:      StateDraft,
		Data:       data,
		AuthorID:   authorID,
	}
	if err := s.repo.Create(ctx, rep); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("report_id", rep.ID.String()).
		Str("visit_id", visitID.String()).
		Msg("draft report created")
	return rep, nil
}

// UpdateDraft replaces the captured data of a draft report. Validated and
// archived reports are immutable.
func (s *Service) UpdateDraft(ctx context.Context, id uuid.UUID, data map[string]string) (*Report, error) {
	rep, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rep.State.Mutable() {
		return nil, ErrImmutable
	}
	rep.Data = data
	if err := s.repo.Update(ctx, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// Validate transitions a draft report to validated. If a template is
// attached, every mandatory template field must be present and non-empty.
// The transition is one-way.
func (s *Service) Validate(ctx context.Context, id uuid.UUID, actorID uuid.UUID) (*Report, error) {
	rep, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rep.State != StateDraft {
		return nil, faults.Validationf("report %s is already %s", id, rep.State)
	}
	if rep.TemplateID != nil {
		tpl, err := s.repo.GetTemplate(ctx, *rep.TemplateID)
		if err != nil {
			return nil, err
		}
		if missing := tpl.MissingMandatory(rep.Data); len(missing) > 0 {
			return nil, faults.Validationf("mandatory fields missing: %v", missing)
		}
	}

	now := time.Now()
	rep.State = StateValidated
	rep.ValidatedBy = &actorID
	rep.ValidatedAt = &now
	if err := s.repo.Update(ctx, rep); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("report_id", rep.ID.String()).
		Str("actor_id", actorID.String()).
		Msg("report validated")
	return rep, nil
}

// Delete removes a report. Only drafts may be deleted.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	rep, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !rep.State.Mutable() {
		return ErrImmutable
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("report_id", id.String()).Msg("draft report deleted")
	return nil
}

func (s *Service) GetReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	return s.repo.GetByID(ctx, id)
}
