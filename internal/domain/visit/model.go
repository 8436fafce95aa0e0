package visit

import (
	"time"

	"github.com/google/uuid"
)

// Status is the visit workflow state. Legal transitions:
//
//	scheduled -> in_progress -> completed
//	scheduled | in_progress -> cancelled
//
// completed and cancelled are terminal.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusScheduled:
		return to == StatusInProgress || to == StatusCompleted || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusCancelled
	default:
		return false
	}
}

// Visit is the device-integration view of exactly one order: one visit, one
// study, one report. StudyInstanceUID is first-writer-wins; once non-null it
// is never overwritten.
type Visit struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	OrderID          uuid.UUID  `db:"order_id" json:"order_id"`
	PatientID        uuid.UUID  `db:"patient_id" json:"patient_id"`
	AccessionNumber  string     `db:"accession_number" json:"accession_number"`
	Status           Status     `db:"status" json:"status"`
	Modality         string     `db:"modality" json:"modality"`
	ExamType         *string    `db:"exam_type" json:"exam_type,omitempty"`
	StudyInstanceUID *string    `db:"study_instance_uid" json:"study_instance_uid,omitempty"`
	ScheduledFor     time.Time  `db:"scheduled_for" json:"scheduled_for"`
	DeletedAt        *time.Time `db:"deleted_at" json:"-"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}
