package image

import (
	"time"

	"github.com/google/uuid"
)

// Image is one received instance. SOPInstanceUID is the dedup key: a second
// upload with the same UID is an idempotent no-op, never a duplicate row.
// Records are immutable after creation.
type Image struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	SOPInstanceUID    string            `db:"sop_instance_uid" json:"sop_instance_uid"`
	SOPClassUID       string            `db:"sop_class_uid" json:"sop_class_uid"`
	StudyInstanceUID  string            `db:"study_instance_uid" json:"study_instance_uid"`
	SeriesInstanceUID string            `db:"series_instance_uid" json:"series_instance_uid"`
	AccessionNumber   *string           `db:"accession_number" json:"accession_number,omitempty"`
	Modality          string            `db:"modality" json:"modality"`
	PatientID         *string           `db:"patient_id" json:"patient_id,omitempty"`
	PatientName       *string           `db:"patient_name" json:"patient_name,omitempty"`
	StudyDate         *time.Time        `db:"study_date" json:"study_date,omitempty"`
	FilePath          string            `db:"file_path" json:"file_path"`
	ThumbnailPath     *string           `db:"thumbnail_path" json:"thumbnail_path,omitempty"`
	FileSize          int64             `db:"file_size" json:"file_size"`
	Metadata          map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
}

// Measurement is a derived annotation tied to one image, created as a side
// effect of ultrasound ingestion and read-only afterward.
type Measurement struct {
	ID               uuid.UUID `db:"id" json:"id"`
	ImageID          uuid.UUID `db:"image_id" json:"image_id"`
	StudyInstanceUID string    `db:"study_instance_uid" json:"study_instance_uid"`
	Kind             string    `db:"kind" json:"kind"`
	Value            float64   `db:"value" json:"value"`
	Unit             string    `db:"unit" json:"unit"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
