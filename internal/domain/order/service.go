package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ris/ris/internal/domain/visit"
	"github.com/ris/ris/internal/platform/db"
	"github.com/ris/ris/internal/platform/faults"
)

// Service is the order key authority. It mints the immutable
// AccessionNumber / RequestedProcedureID / ScheduledProcedureStepID triple
// exactly once per order and creates the matching visit.
type Service struct {
	repo   OrderRepository
	visits visit.VisitRepository
	tx     db.Runner
	logger zerolog.Logger
}

func NewService(repo OrderRepository, visits visit.VisitRepository, tx db.Runner, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		visits: visits,
		tx:     tx,
		logger: logger.With().Str("component", "order").Logger(),
	}
}

// DeriveKeys builds the fixed-width key triple from the order's sequence
// number.
func DeriveKeys(seq int64) Keys {
	return Keys{
		AccessionNumber:          fmt.Sprintf("ACC%08d", seq),
		RequestedProcedureID:     fmt.Sprintf("RQ%08d", seq),
		ScheduledProcedureStepID: fmt.Sprintf("SP%08d", seq),
	}
}

// PublishToWorklist assigns the key triple to an order and ensures its visit
// exists. Idempotent: an already-published order returns its existing keys
// unchanged. Two concurrent publishers race on a conditional update; the
// loser re-reads once and returns the winner's keys.
func (s *Service) PublishToWorklist(ctx context.Context, orderID uuid.UUID) (Keys, error) {
	keys, err := s.publishOnce(ctx, orderID)
	if errors.Is(err, faults.ErrConflict) {
		s.logger.Debug().Str("order_id", orderID.String()).Msg("publish raced, retrying once")
		return s.publishOnce(ctx, orderID)
	}
	return keys, err
}

func (s *Service) publishOnce(ctx context.Context, orderID uuid.UUID) (Keys, error) {
	var keys Keys
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.repo.GetByID(ctx, orderID)
		if err != nil {
			return err
		}

		if o.HasKeys() {
			keys = Keys{
				AccessionNumber:          *o.AccessionNumber,
				RequestedProcedureID:     *o.RequestedProcedureID,
				ScheduledProcedureStepID: *o.ScheduledStepID,
			}
			return s.ensureVisit(ctx, o, keys)
		}

		derived := DeriveKeys(o.Seq)
		assigned, err := s.repo.AssignKeys(ctx, o.ID, derived)
		if err != nil {
			return err
		}
		if !assigned {
			// A concurrent publisher won; re-read and take its keys.
			fresh, err := s.repo.GetByID(ctx, o.ID)
			if err != nil {
				return err
			}
			if !fresh.HasKeys() {
				return faults.Conflictf("order %s keys vanished after lost race", o.ID)
			}
			keys = Keys{
				AccessionNumber:          *fresh.AccessionNumber,
				RequestedProcedureID:     *fresh.RequestedProcedureID,
				ScheduledProcedureStepID: *fresh.ScheduledStepID,
			}
			return s.ensureVisit(ctx, fresh, keys)
		}

		keys = derived
		s.logger.Info().
			Str("order_id", o.ID.String()).
			Str("accession_number", keys.AccessionNumber).
			Msg("order published to worklist")
		return s.ensureVisit(ctx, o, keys)
	})
	return keys, err
}

// ensureVisit creates the 1:1 visit record for a published order if it does
// not exist yet, copying patient, schedule and modality from the order.
func (s *Service) ensureVisit(ctx context.Context, o *Order, keys Keys) error {
	_, err := s.visits.GetByAccession(ctx, keys.AccessionNumber)
	if err == nil {
		return nil
	}
	if !errors.Is(err, faults.ErrNotFound) {
		return err
	}

	v := &visit.Visit{
		OrderID:         o.ID,
		PatientID:       o.PatientID,
		AccessionNumber: keys.AccessionNumber,
		Status:          visit.StatusScheduled,
		Modality:        o.Modality,
		ExamType:        o.ExamType,
		ScheduledFor:    o.ScheduledAt,
	}
	if err := s.visits.Create(ctx, v); err != nil {
		if errors.Is(err, faults.ErrConflict) {
			// Concurrent publisher created it first.
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByAccession(ctx context.Context, accessionNumber string) (*Order, error) {
	return s.repo.GetByAccession(ctx, accessionNumber)
}

func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	return s.repo.UpdateStatus(ctx, id, status)
}
