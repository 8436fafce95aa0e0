package order

import (
	"time"

	"github.com/google/uuid"
)

// Status is the staff-facing workflow status of a scheduled exam.
type Status string

const (
	StatusWaiting        Status = "Waiting"
	StatusInRoom         Status = "In-Room"
	StatusInScan         Status = "In-Scan"
	StatusWithDoctor     Status = "With-Doctor"
	StatusWithTechnician Status = "With-Technician"
	StatusReview         Status = "Review"
	StatusCompleted      Status = "Completed"
)

// WorklistEligible reports whether an order in this status may appear in
// device worklist results.
func (s Status) WorklistEligible() bool {
	switch s {
	case StatusWaiting, StatusWithDoctor, StatusWithTechnician, StatusCompleted:
		return true
	}
	return false
}

// Order is a scheduled clinical encounter published to the imaging network.
// The AccessionNumber / RequestedProcedureID / ScheduledStepID triple is nil
// until the first publication and immutable thereafter.
type Order struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Seq         int64      `db:"seq" json:"seq"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	PerformerID *uuid.UUID `db:"performer_id" json:"performer_id,omitempty"`
	ScheduledAt time.Time  `db:"scheduled_at" json:"scheduled_at"`
	Status      Status     `db:"status" json:"status"`
	Modality    string     `db:"modality" json:"modality"`
	ExamType    *string    `db:"exam_type" json:"exam_type,omitempty"`

	AccessionNumber      *string `db:"accession_number" json:"accession_number,omitempty"`
	RequestedProcedureID *string `db:"requested_procedure_id" json:"requested_procedure_id,omitempty"`
	ScheduledStepID      *string `db:"scheduled_step_id" json:"scheduled_step_id,omitempty"`

	DeletedAt *time.Time `db:"deleted_at" json:"-"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// HasKeys reports whether the order has already been published.
func (o *Order) HasKeys() bool {
	return o.AccessionNumber != nil && o.RequestedProcedureID != nil && o.ScheduledStepID != nil
}

// Keys is the immutable identifier triple minted on first publication.
type Keys struct {
	AccessionNumber          string `json:"accession_number"`
	RequestedProcedureID     string `json:"requested_procedure_id"`
	ScheduledProcedureStepID string `json:"scheduled_procedure_step_id"`
}
