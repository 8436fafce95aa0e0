package dimse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/ris/ris/internal/domain/order"
	"github.com/ris/ris/internal/domain/patient"
	"github.com/ris/ris/internal/platform/faults"
)

type OrderSource interface {
	ListWorklistEligible(ctx context.Context, day *time.Time) ([]*order.Order, error)
}

type PatientSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

const (
	worklistSOPClassUID  = "1.2.840.10008.5.1.4.31"
	worklistEntryUIDRoot = "1.2.840.99999.31"
)

// WorklistSCP answers device queries with the published, eligible orders.
// Each query is answered fresh; one pending response per match followed by a
// single terminal success.
type WorklistSCP struct {
	orders   OrderSource
	patients PatientSource
	aeTitle  string
	// modality is the family this responder serves. Queries naming another
	// modality yield an empty result set, not an error.
	modality string
	logger   zerolog.Logger
}

func NewWorklistSCP(orders OrderSource, patients PatientSource, aeTitle, modality string, logger zerolog.Logger) *WorklistSCP {
	return &WorklistSCP{
		orders:   orders,
		patients: patients,
		aeTitle:  aeTitle,
		modality: modality,
		logger:   logger.With().Str("component", "worklist-scp").Logger(),
	}
}

// Handle implements Handler for worklist queries.
func (w *WorklistSCP) Handle(msg *Message) []*Message {
	if msg.Command != CmdCFindRQ {
		return []*Message{msg.Response(StatusCannotUnderstand, nil)}
	}

	day, modality, err := w.parseFilters(msg.Payload)
	if err != nil {
		w.logger.Warn().Err(err).Msg("malformed query dataset")
		return []*Message{msg.Response(StatusCannotUnderstand, nil)}
	}
	if modality != "" && w.modality != "" && modality != w.modality {
		return []*Message{msg.Response(StatusSuccess, nil)}
	}

	ctx := context.Background()
	orders, err := w.orders.ListWorklistEligible(ctx, day)
	if err != nil {
		w.logger.Error().Err(err).Msg("worklist lookup failed")
		return []*Message{msg.Response(StatusProcessingFailure, nil)}
	}

	var responses []*Message
	for _, o := range orders {
		if w.modality != "" && o.Modality != w.modality {
			continue
		}
		p, err := w.patients.GetByID(ctx, o.PatientID)
		if err != nil {
			if errors.Is(err, faults.ErrNotFound) {
				// A missing patient omits the entry, never fails the query.
				w.logger.Warn().
					Str("order_id", o.ID.String()).
					Str("patient_id", o.PatientID.String()).
					Msg("skipping worklist entry, patient unavailable")
				continue
			}
			w.logger.Error().Err(err).Msg("patient lookup failed")
			return []*Message{msg.Response(StatusProcessingFailure, nil)}
		}

		payload, err := w.encodeEntry(o, p)
		if err != nil {
			w.logger.Error().Err(err).Str("order_id", o.ID.String()).Msg("encode worklist entry failed")
			return []*Message{msg.Response(StatusProcessingFailure, nil)}
		}
		responses = append(responses, msg.Response(StatusPending, payload))
	}

	w.logger.Debug().Int("matches", len(responses)).Msg("worklist query answered")
	return append(responses, msg.Response(StatusSuccess, nil))
}

// parseFilters pulls the optional scheduled-date and modality filters out of
// the query dataset. An empty payload means no filters.
func (w *WorklistSCP) parseFilters(payload []byte) (*time.Time, string, error) {
	if len(payload) == 0 {
		return nil, "", nil
	}
	ds, err := DecodeDataset(payload)
	if err != nil {
		return nil, "", err
	}

	var day *time.Time
	if raw := datasetString(ds, tag.ScheduledProcedureStepStartDate); raw != "" {
		d, err := time.Parse("20060102", raw)
		if err != nil {
			return nil, "", err
		}
		day = &d
	}
	return day, datasetString(ds, tag.Modality), nil
}

func (w *WorklistSCP) encodeEntry(o *order.Order, p *patient.Patient) ([]byte, error) {
	sex := ""
	if p.Sex != nil {
		sex = *p.Sex
	}
	birthDate := ""
	if p.BirthDate != nil {
		birthDate = p.BirthDate.Format("20060102")
	}

	elements, err := newElements(map[tag.Tag][]string{
		tag.TransferSyntaxUID:               {"1.2.840.10008.1.2.1"},
		tag.SOPClassUID:                     {worklistSOPClassUID},
		tag.SOPInstanceUID:                  {fmt.Sprintf("%s.%d", worklistEntryUIDRoot, o.Seq)},
		tag.AccessionNumber:                 {deref(o.AccessionNumber)},
		tag.PatientName:                     {p.DisplayName()},
		tag.PatientID:                       {p.MRN},
		tag.PatientBirthDate:                {birthDate},
		tag.PatientSex:                      {sex},
		tag.Modality:                        {o.Modality},
		tag.RequestedProcedureID:            {deref(o.RequestedProcedureID)},
		tag.ScheduledProcedureStepID:        {deref(o.ScheduledStepID)},
		tag.ScheduledProcedureStepStartDate: {o.ScheduledAt.Format("20060102")},
		tag.ScheduledProcedureStepStartTime: {o.ScheduledAt.Format("150405")},
		tag.ScheduledStationAETitle:         {w.aeTitle},
		tag.ScheduledProcedureStepStatus:    {"SCHEDULED"},
	})
	if err != nil {
		return nil, err
	}
	return EncodeDataset(dicom.Dataset{Elements: elements})
}

// newElements builds string elements in ascending tag order, which also
// puts the transfer syntax first as the encoder requires.
func newElements(values map[tag.Tag][]string) ([]*dicom.Element, error) {
	elements := make([]*dicom.Element, 0, len(values))
	for t, v := range values {
		elem, err := dicom.NewElement(t, v)
		if err != nil {
			return nil, err
		}
		elements = append(elements, elem)
	}
	sort.Slice(elements, func(i, j int) bool {
		a, b := elements[i].Tag, elements[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})
	return elements, nil
}

func datasetString(ds *dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return ""
	}
	if vals, ok := elem.Value.GetValue().([]string); ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
