package dimse

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/ris/ris/internal/domain/order"
	"github.com/ris/ris/internal/domain/visit"
	"github.com/ris/ris/internal/platform/db"
	"github.com/ris/ris/internal/platform/faults"
)

// Reported procedure-step status values.
const (
	stepInProgress   = "IN PROGRESS"
	stepCompleted    = "COMPLETED"
	stepDiscontinued = "DISCONTINUED"
)

// VisitWorkflow is the visit-side state machine the relay drives.
type VisitWorkflow interface {
	GetByAccession(ctx context.Context, accessionNumber string) (*visit.Visit, error)
	Transition(ctx context.Context, v *visit.Visit, to visit.Status) error
	RecordStudyUID(ctx context.Context, v *visit.Visit, studyUID string) error
}

// OrderWorkflow is the order-side status surface the relay drives.
type OrderWorkflow interface {
	GetByAccession(ctx context.Context, accessionNumber string) (*order.Order, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status order.Status) error
}

// MPPSSCP applies device procedure-step events to order state. Events are
// keyed by accession number; an unknown accession is logged and acknowledged
// as success because the device has no useful recovery action.
type MPPSSCP struct {
	visits VisitWorkflow
	orders OrderWorkflow
	tx     db.Runner
	logger zerolog.Logger

	unknownEvents atomic.Int64
}

func NewMPPSSCP(visits VisitWorkflow, orders OrderWorkflow, tx db.Runner, logger zerolog.Logger) *MPPSSCP {
	return &MPPSSCP{
		visits: visits,
		orders: orders,
		tx:     tx,
		logger: logger.With().Str("component", "mpps-scp").Logger(),
	}
}

// UnknownEventCount reports how many events referenced an accession this
// engine does not know.
func (m *MPPSSCP) UnknownEventCount() int64 {
	return m.unknownEvents.Load()
}

// Handle implements Handler for procedure-step events.
func (m *MPPSSCP) Handle(msg *Message) []*Message {
	if msg.Command != CmdNCreateRQ && msg.Command != CmdNSetRQ {
		return []*Message{msg.Response(StatusCannotUnderstand, nil)}
	}

	ds, err := DecodeDataset(msg.Payload)
	if err != nil {
		m.logger.Warn().Err(err).Msg("malformed event dataset")
		return []*Message{msg.Response(StatusCannotUnderstand, nil)}
	}
	accession := datasetString(ds, tag.AccessionNumber)
	if accession == "" {
		m.logger.Warn().Msg("event without accession number")
		return []*Message{msg.Response(StatusCannotUnderstand, nil)}
	}
	studyUID := datasetString(ds, tag.StudyInstanceUID)

	ctx := context.Background()
	if msg.Command == CmdNCreateRQ {
		err = m.HandleProcedureStarted(ctx, accession, studyUID)
	} else {
		err = m.HandleStatusUpdate(ctx, accession, datasetString(ds, tag.PerformedProcedureStepStatus), studyUID)
	}
	if err != nil {
		m.logger.Error().Err(err).Str("accession_number", accession).Msg("event processing failed")
		return []*Message{msg.Response(StatusProcessingFailure, nil)}
	}
	return []*Message{msg.Response(StatusSuccess, nil)}
}

// HandleProcedureStarted moves the visit to in_progress, binds the study UID
// first-writer-wins, and advances a still-waiting order to With-Technician.
func (m *MPPSSCP) HandleProcedureStarted(ctx context.Context, accession, studyUID string) error {
	v, err := m.visits.GetByAccession(ctx, accession)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			m.noteUnknown(accession, "procedure-started")
			return nil
		}
		return err
	}

	return m.tx.InTx(ctx, func(ctx context.Context) error {
		if err := m.visits.RecordStudyUID(ctx, v, studyUID); err != nil {
			return err
		}
		if v.Status == visit.StatusScheduled {
			if err := m.visits.Transition(ctx, v, visit.StatusInProgress); err != nil {
				return err
			}
		}

		o, err := m.orders.GetByAccession(ctx, accession)
		if err != nil {
			if errors.Is(err, faults.ErrNotFound) {
				return nil
			}
			return err
		}
		if o.Status == order.StatusWaiting {
			return m.orders.UpdateStatus(ctx, o.ID, order.StatusWithTechnician)
		}
		return nil
	})
}

// HandleStatusUpdate applies a reported step status. completed finishes
// visit and order; discontinued cancels the visit and leaves the order
// alone; anything else is acknowledged with no state change.
func (m *MPPSSCP) HandleStatusUpdate(ctx context.Context, accession, status, studyUID string) error {
	switch status {
	case stepCompleted, stepDiscontinued:
	default:
		m.logger.Debug().
			Str("accession_number", accession).
			Str("status", status).
			Msg("event status ignored")
		return nil
	}

	v, err := m.visits.GetByAccession(ctx, accession)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			m.noteUnknown(accession, "status-update")
			return nil
		}
		return err
	}

	return m.tx.InTx(ctx, func(ctx context.Context) error {
		if status == stepDiscontinued {
			if visit.CanTransition(v.Status, visit.StatusCancelled) {
				return m.visits.Transition(ctx, v, visit.StatusCancelled)
			}
			return nil
		}

		if err := m.visits.RecordStudyUID(ctx, v, studyUID); err != nil {
			return err
		}
		if visit.CanTransition(v.Status, visit.StatusCompleted) {
			if err := m.visits.Transition(ctx, v, visit.StatusCompleted); err != nil {
				return err
			}
		}

		o, err := m.orders.GetByAccession(ctx, accession)
		if err != nil {
			if errors.Is(err, faults.ErrNotFound) {
				return nil
			}
			return err
		}
		return m.orders.UpdateStatus(ctx, o.ID, order.StatusCompleted)
	})
}

func (m *MPPSSCP) noteUnknown(accession, kind string) {
	m.unknownEvents.Add(1)
	m.logger.Warn().
		Str("accession_number", accession).
		Str("event", kind).
		Msg("event references unknown accession, acknowledged")
}
