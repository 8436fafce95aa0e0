package dimse

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/ris/ris/internal/domain/image"
	"github.com/ris/ris/internal/domain/visit"
	"github.com/ris/ris/internal/platform/db"
	"github.com/ris/ris/internal/platform/extract"
	"github.com/ris/ris/internal/platform/faults"
	"github.com/ris/ris/internal/platform/imagestore"
)

// acceptedSOPClasses is the fixed set of storage classes this receiver
// negotiates: single-frame and multi-frame ultrasound image storage.
var acceptedSOPClasses = map[string]struct{}{
	"1.2.840.10008.5.1.4.1.1.6.1": {}, // Ultrasound Image Storage
	"1.2.840.10008.5.1.4.1.1.3.1": {}, // Ultrasound Multi-frame Image Storage
}

// StudyBinder binds received instances to their visit by accession number.
type StudyBinder interface {
	GetByAccession(ctx context.Context, accessionNumber string) (*visit.Visit, error)
	RecordStudyUID(ctx context.Context, v *visit.Visit, studyUID string) error
}

// Enqueuer hands stored instances to asynchronous post-processing.
type Enqueuer interface {
	PublishStored(ctx context.Context, sopInstanceUID, studyInstanceUID string) error
}

// StoreSCP ingests uploaded instances: validate, dedupe, capacity-check,
// persist file and thumbnail, then catalog and visit-bind in one
// transaction.
type StoreSCP struct {
	images image.ImageRepository
	binder StudyBinder
	store  *imagestore.Store
	tx     db.Runner
	queue  Enqueuer
	// measuredModality is the family that gets derived measurements.
	measuredModality string
	logger           zerolog.Logger
}

func NewStoreSCP(images image.ImageRepository, binder StudyBinder, store *imagestore.Store, tx db.Runner, queue Enqueuer, measuredModality string, logger zerolog.Logger) *StoreSCP {
	return &StoreSCP{
		images:           images,
		binder:           binder,
		store:            store,
		tx:               tx,
		queue:            queue,
		measuredModality: measuredModality,
		logger:           logger.With().Str("component", "store-scp").Logger(),
	}
}

// Handle implements Handler for instance uploads.
func (s *StoreSCP) Handle(msg *Message) []*Message {
	if msg.Command != CmdCStoreRQ {
		return []*Message{msg.Response(StatusCannotUnderstand, nil)}
	}
	return []*Message{msg.Response(s.ingest(context.Background(), msg.Payload), nil)}
}

func (s *StoreSCP) ingest(ctx context.Context, payload []byte) uint16 {
	ds, err := extract.Parse(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upload rejected, unparseable dataset")
		return StatusCannotUnderstand
	}
	meta, err := extract.FromDataset(ds)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upload rejected, missing identifiers")
		return StatusCannotUnderstand
	}
	if _, ok := acceptedSOPClasses[meta.SOPClassUID]; !ok {
		s.logger.Warn().
			Str("sop_class_uid", meta.SOPClassUID).
			Str("sop_instance_uid", meta.SOPInstanceUID).
			Msg("upload rejected, unsupported storage class")
		return StatusCannotUnderstand
	}
	log := s.logger.With().
		Str("sop_instance_uid", meta.SOPInstanceUID).
		Str("study_instance_uid", meta.StudyInstanceUID).
		Logger()

	// Retransmission of a known instance is an idempotent success.
	if _, err := s.images.GetBySOPInstanceUID(ctx, meta.SOPInstanceUID); err == nil {
		log.Debug().Msg("duplicate upload acknowledged")
		return StatusSuccess
	} else if !errors.Is(err, faults.ErrNotFound) {
		log.Error().Err(err).Msg("dedup lookup failed")
		return StatusProcessingFailure
	}

	// Capacity is checked before any write.
	if err := s.store.CheckCapacity(int64(len(payload))); err != nil {
		log.Warn().Err(err).Msg("upload rejected, capacity")
		return StatusOutOfResources
	}

	filePath, err := s.store.WriteInstance(meta.SOPInstanceUID, meta.StudyDate, payload)
	if err != nil {
		if errors.Is(err, faults.ErrValidation) {
			log.Warn().Err(err).Msg("upload rejected, bad path")
			return StatusCannotUnderstand
		}
		log.Error().Err(err).Msg("file write failed")
		return StatusProcessingFailure
	}

	// Thumbnails are best-effort; a failure never fails the ingest.
	thumbPath := ""
	if p, err := s.store.WriteThumbnail(meta.SOPInstanceUID, ds); err != nil {
		log.Debug().Err(err).Msg("thumbnail skipped")
	} else {
		thumbPath = p
	}

	if err := s.catalog(ctx, meta, ds, filePath, thumbPath, int64(len(payload))); err != nil {
		if errors.Is(err, faults.ErrDuplicate) {
			// Lost a same-instance race; the winner's files are identical.
			log.Debug().Msg("duplicate upload acknowledged after insert race")
			return StatusSuccess
		}
		s.store.Remove(filePath, thumbPath)
		log.Error().Err(err).Msg("catalog transaction failed, files removed")
		return StatusProcessingFailure
	}

	if s.queue != nil {
		if err := s.queue.PublishStored(ctx, meta.SOPInstanceUID, meta.StudyInstanceUID); err != nil {
			log.Warn().Err(err).Msg("post-processing enqueue failed")
		}
	}

	log.Info().Str("path", filePath).Msg("instance stored")
	return StatusSuccess
}

// catalog inserts the image record, derived measurements and the visit
// study binding in one transaction.
func (s *StoreSCP) catalog(ctx context.Context, meta *extract.Metadata, ds *dicom.Dataset, filePath, thumbPath string, size int64) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		img := &image.Image{
			SOPInstanceUID:    meta.SOPInstanceUID,
			SOPClassUID:       meta.SOPClassUID,
			StudyInstanceUID:  meta.StudyInstanceUID,
			SeriesInstanceUID: meta.SeriesInstanceUID,
			Modality:          meta.Modality,
			StudyDate:         meta.StudyDate,
			FilePath:          filePath,
			FileSize:          size,
			Metadata:          meta.All,
		}
		if meta.AccessionNumber != "" {
			img.AccessionNumber = &meta.AccessionNumber
		}
		if meta.PatientID != "" {
			img.PatientID = &meta.PatientID
		}
		if meta.PatientName != "" {
			img.PatientName = &meta.PatientName
		}
		if thumbPath != "" {
			img.ThumbnailPath = &thumbPath
		}
		if err := s.images.Create(ctx, img); err != nil {
			return err
		}

		if meta.Modality == s.measuredModality {
			for _, m := range deriveMeasurements(meta, ds) {
				m.ImageID = img.ID
				m.StudyInstanceUID = meta.StudyInstanceUID
				if err := s.images.CreateMeasurement(ctx, m); err != nil {
					return err
				}
			}
		}

		return s.bindVisit(ctx, meta)
	})
}

// bindVisit records the study UID on the visit matching the accession.
// An unknown or absent accession is tolerated; ingestion never blocks on a
// scheduling gap.
func (s *StoreSCP) bindVisit(ctx context.Context, meta *extract.Metadata) error {
	if meta.AccessionNumber == "" {
		return nil
	}
	v, err := s.binder.GetByAccession(ctx, meta.AccessionNumber)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			s.logger.Warn().
				Str("accession_number", meta.AccessionNumber).
				Str("sop_instance_uid", meta.SOPInstanceUID).
				Msg("upload references unknown accession")
			return nil
		}
		return err
	}
	return s.binder.RecordStudyUID(ctx, v, meta.StudyInstanceUID)
}

// deriveMeasurements computes the field-of-view extent from pixel spacing
// and the image matrix when both are present.
func deriveMeasurements(meta *extract.Metadata, ds *dicom.Dataset) []*image.Measurement {
	if meta.Rows == 0 || meta.Columns == 0 {
		return nil
	}
	elem, err := ds.FindElementByTag(tag.PixelSpacing)
	if err != nil || elem == nil {
		return nil
	}
	spacing, ok := elem.Value.GetValue().([]string)
	if !ok || len(spacing) < 2 {
		return nil
	}
	rowSpacing, err1 := strconv.ParseFloat(spacing[0], 64)
	colSpacing, err2 := strconv.ParseFloat(spacing[1], 64)
	if err1 != nil || err2 != nil || rowSpacing <= 0 || colSpacing <= 0 {
		return nil
	}
	return []*image.Measurement{
		{Kind: "fov_height", Value: rowSpacing * float64(meta.Rows), Unit: "mm"},
		{Kind: "fov_width", Value: colSpacing * float64(meta.Columns), Unit: "mm"},
	}
}
