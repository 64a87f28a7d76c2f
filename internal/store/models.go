package store

import (
	"time"

	"intakeflow/api/internal/catalog"
	"intakeflow/api/internal/forms"
	"intakeflow/api/internal/lifecycle"
)

type Client struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// FormInstance is the persisted record of one form for one client.
type FormInstance struct {
	ID                   string
	ClientID             string
	FormType             string
	Status               lifecycle.Status
	Priority             catalog.Priority
	Payload              forms.Payload
	CompletionPercentage int
	SubmissionID         *string
	CreatedBy            string
	UpdatedBy            string
	CompletedBy          *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
	LastAutoSaveAt       *time.Time
}

type Submission struct {
	ID          string
	ClientID    string
	Notes       string
	SubmittedBy string
	SubmittedAt time.Time
	Status      string
}

// FormMutator builds the next version of a form from the row locked for
// update. existing is nil when the pair has no row yet. Returning
// write=false leaves storage untouched.
type FormMutator func(existing *FormInstance) (next FormInstance, write bool, err error)

type UpsertResult struct {
	Form    FormInstance
	Created bool
	Written bool
}

type BulkItem struct {
	FormType string
	Mutate   FormMutator
}

// SubmissionGate inspects every locked form of a client before a
// submission is recorded. A non-nil error aborts the transaction.
type SubmissionGate func(locked []FormInstance) error

type SubmitResult struct {
	Submission     Submission
	SubmittedForms []string
}
