package app

import (
	"time"

	"intakeflow/api/internal/catalog"
	"intakeflow/api/internal/forms"
	"intakeflow/api/internal/statuscache"
	"intakeflow/api/internal/store"
)

type FormView struct {
	ID                   string          `json:"id"`
	ClientID             string          `json:"clientId"`
	FormType             string          `json:"formType"`
	Title                string          `json:"title"`
	Status               string          `json:"status"`
	Priority             string          `json:"priority"`
	Checkboxes           map[string]bool `json:"checkboxes"`
	Acknowledged         *bool           `json:"acknowledged"`
	Signature            string          `json:"signature"`
	Data                 map[string]any  `json:"data"`
	CompletionPercentage int             `json:"completionPercentage"`
	SubmissionID         *string         `json:"submissionId"`
	CreatedBy            string          `json:"createdBy"`
	UpdatedBy            string          `json:"updatedBy"`
	CompletedBy          *string         `json:"completedBy"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
	CompletedAt          *time.Time      `json:"completedAt"`
	LastAutoSaveAt       *time.Time      `json:"lastAutoSaveAt"`
}

type SaveResult struct {
	Form    FormView
	Created bool
}

type AutosaveResult struct {
	Form          FormView `json:"form"`
	Saved         bool     `json:"saved"`
	DroppedFields []string `json:"droppedFields,omitempty"`
}

type BulkEntry struct {
	FormType string         `json:"formType"`
	Payload  map[string]any `json:"payload"`
}

type BulkResult struct {
	Forms            []FormView `json:"forms"`
	SkippedFormTypes []string   `json:"skippedFormTypes"`
}

type SubmissionView struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"clientId"`
	Notes          string    `json:"submissionNotes"`
	SubmittedBy    string    `json:"submittedBy"`
	SubmittedAt    time.Time `json:"submittedAt"`
	Status         string    `json:"status"`
	SubmittedForms []string  `json:"submittedForms"`
}

// SubmissionStatusView is either the latest submission or a draft
// placeholder for clients that have never submitted.
type SubmissionStatusView struct {
	ClientID     string     `json:"clientId"`
	SubmissionID string     `json:"submissionId,omitempty"`
	Status       string     `json:"status"`
	Notes        string     `json:"submissionNotes,omitempty"`
	SubmittedBy  string     `json:"submittedBy,omitempty"`
	SubmittedAt  *time.Time `json:"submittedAt,omitempty"`
}

type PackageView struct {
	ClientID       string     `json:"clientId"`
	Forms          []FormView `json:"forms"`
	TotalForms     int        `json:"totalForms"`
	CompletedForms int        `json:"completedForms"`
	Remaining      int        `json:"remaining"`
	ReadyToSubmit  bool       `json:"readyToSubmit"`
}

type FormTypeView struct {
	Key            string   `json:"key"`
	Title          string   `json:"title"`
	Kind           string   `json:"kind"`
	Priority       string   `json:"priority"`
	RequiredFields []string `json:"requiredFields"`
}

func toFormView(entry catalog.Entry, item store.FormInstance) FormView {
	payload := item.Payload.Clone()
	checkboxes := payload.Checkboxes
	if checkboxes == nil {
		checkboxes = map[string]bool{}
	}
	data := payload.Data
	if data == nil {
		data = map[string]any{}
	}
	return FormView{
		ID:                   item.ID,
		ClientID:             item.ClientID,
		FormType:             item.FormType,
		Title:                entry.Title,
		Status:               string(item.Status),
		Priority:             string(item.Priority),
		Checkboxes:           checkboxes,
		Acknowledged:         payload.Acknowledged,
		Signature:            payload.Signature,
		Data:                 data,
		CompletionPercentage: item.CompletionPercentage,
		SubmissionID:         item.SubmissionID,
		CreatedBy:            item.CreatedBy,
		UpdatedBy:            item.UpdatedBy,
		CompletedBy:          item.CompletedBy,
		CreatedAt:            item.CreatedAt,
		UpdatedAt:            item.UpdatedAt,
		CompletedAt:          item.CompletedAt,
		LastAutoSaveAt:       item.LastAutoSaveAt,
	}
}

func toSubmissionView(result store.SubmitResult) SubmissionView {
	submitted := result.SubmittedForms
	if submitted == nil {
		submitted = []string{}
	}
	return SubmissionView{
		ID:             result.Submission.ID,
		ClientID:       result.Submission.ClientID,
		Notes:          result.Submission.Notes,
		SubmittedBy:    result.Submission.SubmittedBy,
		SubmittedAt:    result.Submission.SubmittedAt,
		Status:         result.Submission.Status,
		SubmittedForms: submitted,
	}
}

func statusFromSubmission(clientID string, submission *store.Submission) SubmissionStatusView {
	if submission == nil {
		return SubmissionStatusView{ClientID: clientID, Status: "draft"}
	}
	submittedAt := submission.SubmittedAt
	return SubmissionStatusView{
		ClientID:     clientID,
		SubmissionID: submission.ID,
		Status:       submission.Status,
		Notes:        submission.Notes,
		SubmittedBy:  submission.SubmittedBy,
		SubmittedAt:  &submittedAt,
	}
}

func statusFromCache(entry statuscache.Entry) SubmissionStatusView {
	return SubmissionStatusView{
		ClientID:     entry.ClientID,
		SubmissionID: entry.SubmissionID,
		Status:       entry.Status,
		Notes:        entry.Notes,
		SubmittedBy:  entry.SubmittedBy,
		SubmittedAt:  entry.SubmittedAt,
	}
}

func (v SubmissionStatusView) cacheEntry() statuscache.Entry {
	return statuscache.Entry{
		ClientID:     v.ClientID,
		SubmissionID: v.SubmissionID,
		Status:       v.Status,
		Notes:        v.Notes,
		SubmittedBy:  v.SubmittedBy,
		SubmittedAt:  v.SubmittedAt,
	}
}

func toFormTypeView(entry catalog.Entry) FormTypeView {
	required := append([]string(nil), entry.RequiredFields...)
	return FormTypeView{
		Key:            entry.Key,
		Title:          entry.Title,
		Kind:           string(entry.Kind),
		Priority:       string(entry.Priority),
		RequiredFields: required,
	}
}

// payloadSnapshot flattens a stored payload for archive snapshots.
func payloadSnapshot(p forms.Payload) map[string]any {
	return p.Raw()
}
