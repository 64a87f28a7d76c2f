// Package lifecycle implements the form status state machine and the
// guard that keeps finalized forms from being rewritten.
package lifecycle

import (
	"fmt"

	"intakeflow/api/internal/catalog"
	"intakeflow/api/internal/forms"
)

// Status is the lifecycle state of a form instance.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusSubmitted  Status = "submitted"
	StatusApproved   Status = "approved"
)

var rank = map[Status]int{
	StatusDraft:      0,
	StatusInProgress: 1,
	StatusCompleted:  2,
	StatusSubmitted:  3,
	StatusApproved:   4,
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := rank[s]
	return ok
}

// IsFinal reports whether the form has left the client's hands.
func (s Status) IsFinal() bool {
	return s == StatusSubmitted || s == StatusApproved
}

// AtLeast reports whether s is the same as or further along than other.
func (s Status) AtLeast(other Status) bool {
	return rank[s] >= rank[other]
}

func (s Status) String() string {
	return string(s)
}

// ConflictError rejects a mutation of a finalized form.
type ConflictError struct {
	Current   Status
	Attempted Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("form is %s and cannot move to %s", e.Current, e.Attempted)
}

// TransitionError rejects a status an ordinary save may not request.
type TransitionError struct {
	Requested Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("status %q cannot be set by a save", e.Requested)
}

// Derive computes the status an ordinary save produces for a payload.
func Derive(entry catalog.Entry, p forms.Payload) Status {
	if p.Has(entry.CompletionField) {
		return StatusCompleted
	}
	if p.IsEmpty() {
		return StatusDraft
	}
	return StatusInProgress
}

// Resolve picks the target status of an explicit save. existing is nil
// for a first save. A requested status equal to the existing finalized
// status is the idempotent re-save; any other request for a finalized
// status is refused because only submission and review reach them.
func Resolve(existing *Status, requested, computed Status) (Status, error) {
	if requested == "" {
		return computed, nil
	}
	if !requested.IsValid() {
		return "", &TransitionError{Requested: requested}
	}
	if existing != nil && existing.IsFinal() && requested == *existing {
		return requested, nil
	}
	if requested.IsFinal() {
		return "", &TransitionError{Requested: requested}
	}
	return computed, nil
}

// Guard evaluates the mutation rule against the freshest read of the row.
func Guard(existing *Status, target Status) error {
	if existing == nil || !existing.IsFinal() {
		return nil
	}
	if target != *existing {
		return &ConflictError{Current: *existing, Attempted: target}
	}
	return nil
}

// Autosave returns the status a best-effort save should store and whether
// the write should happen at all. Finalized forms are never touched and
// completed forms are never downgraded.
func Autosave(existing *Status, computed Status) (Status, bool) {
	if existing == nil {
		return computed, true
	}
	if existing.IsFinal() {
		return *existing, false
	}
	if existing.AtLeast(computed) {
		return *existing, true
	}
	return computed, true
}
