package report

import (
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateDraft     State = "draft"
	StateValidated State = "validated"
	StateArchived  State = "archived"
)

// Mutable reports true while the report may still be edited or deleted.
// Validation and archival are one-way; there is no path back to draft.
func (s State) Mutable() bool {
	return s == StateDraft
}

// Report is the clinical document bound to one visit. Data holds the
// captured field values keyed by template field name.
type Report struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	VisitID     uuid.UUID         `db:"visit_id" json:"visit_id"`
	TemplateID  *uuid.UUID        `db:"template_id" json:"template_id,omitempty"`
	State       State             `db:"lifecycle_state" json:"lifecycle_state"`
	Data        map[string]string `db:"data" json:"data"`
	AuthorID    *uuid.UUID        `db:"author_id" json:"author_id,omitempty"`
	ValidatedBy *uuid.UUID        `db:"validated_by" json:"validated_by,omitempty"`
	ValidatedAt *time.Time        `db:"validated_at" json:"validated_at,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`
}

// TemplateField is one declared field of a structured report template.
type TemplateField struct {
	Name      string `json:"name"`
	Mandatory bool   `json:"mandatory"`
}

// Template is a structured report layout. Fields is stored as JSON.
type Template struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Modality  string          `db:"modality" json:"modality"`
	Fields    []TemplateField `db:"fields" json:"fields"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// MissingMandatory returns the names of mandatory template fields that are
// absent or empty in data.
func (t *Template) MissingMandatory(data map[string]string) []string {
	var missing []string
	for _, f := range t.Fields {
		if !f.Mandatory {
			continue
		}
		if v, ok := data[f.Name]; !ok || v == "" {
			missing = append(missing, f.Name)
		}
	}
	return missing
}
