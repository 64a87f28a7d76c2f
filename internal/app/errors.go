package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"intakeflow/api/internal/auth"
	"intakeflow/api/internal/catalog"
	"intakeflow/api/internal/forms"
	"intakeflow/api/internal/lifecycle"
	"intakeflow/api/internal/store"
)

const (
	codeInvalidFormType      = "INVALID_FORM_TYPE"
	codeNotFound             = "NOT_FOUND"
	codeValidation           = "VALIDATION_ERROR"
	codeSerialization        = "SERIALIZATION_ERROR"
	codeConflict             = "CONFLICT"
	codeSubmissionIncomplete = "SUBMISSION_INCOMPLETE"
	codeUnauthorized         = "UNAUTHORIZED"
	codeInvalidBody          = "INVALID_BODY"
	codeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	codeRequestTimeout       = "REQUEST_TIMEOUT"
	codeStoragePermission    = "STORAGE_PERMISSION"
	codeServerError          = "SERVER_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// SubmissionIncompleteError reports the gating counts that blocked a submit.
type SubmissionIncompleteError struct {
	TotalForms     int
	CompletedForms int
	Pending        []string
}

func (e *SubmissionIncompleteError) Error() string {
	return fmt.Sprintf("%d of %d required forms completed", e.CompletedForms, e.TotalForms)
}

func (e *SubmissionIncompleteError) Remaining() int {
	return e.TotalForms - e.CompletedForms
}

var errClientNotFound = domainError(http.StatusNotFound, codeNotFound, "Client not found", nil)

// isInfraError reports whether err comes from storage rather than from a
// rule the caller broke.
func isInfraError(err error) bool {
	var domainErr *DomainError
	var invalidType *catalog.InvalidFormTypeError
	var validation forms.ValidationErrors
	var serialization *forms.SerializationError
	var conflict *lifecycle.ConflictError
	var transition *lifecycle.TransitionError
	var incomplete *SubmissionIncompleteError
	switch {
	case err == nil,
		errors.As(err, &domainErr),
		errors.As(err, &invalidType),
		errors.As(err, &validation),
		errors.As(err, &serialization),
		errors.As(err, &conflict),
		errors.As(err, &transition),
		errors.As(err, &incomplete),
		errors.Is(err, sql.ErrNoRows),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return false
	}
	return true
}

// mapError translates any service error into the response envelope. Raw
// infrastructure messages are only exposed when exposeInternal is set.
func mapError(err error, exposeInternal bool) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var invalidType *catalog.InvalidFormTypeError
	if errors.As(err, &invalidType) {
		return http.StatusBadRequest, codeInvalidFormType, invalidType.Error(), map[string]any{
			"formType":   invalidType.FormType,
			"validTypes": invalidType.ValidTypes,
		}
	}

	var validation forms.ValidationErrors
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, codeValidation, "Validation failed", map[string]any{
			"fields": map[string]string(validation),
		}
	}

	var serialization *forms.SerializationError
	if errors.As(err, &serialization) {
		return http.StatusUnprocessableEntity, codeSerialization, serialization.Field + " cannot be serialized", map[string]any{
			"fields": map[string]string{serialization.Field: "value cannot be serialized"},
		}
	}

	var conflict *lifecycle.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, codeConflict, "Form is " + conflict.Current.String() + " and can no longer be changed", map[string]any{
			"currentStatus": conflict.Current,
		}
	}

	var transition *lifecycle.TransitionError
	if errors.As(err, &transition) {
		return http.StatusUnprocessableEntity, codeValidation, "Validation failed", map[string]any{
			"fields": map[string]string{"status": transition.Error()},
		}
	}

	var incomplete *SubmissionIncompleteError
	if errors.As(err, &incomplete) {
		return http.StatusBadRequest, codeSubmissionIncomplete, "All required forms must be completed before submission", map[string]any{
			"totalForms":     incomplete.TotalForms,
			"completedForms": incomplete.CompletedForms,
			"remaining":      incomplete.Remaining(),
			"pendingForms":   incomplete.Pending,
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, codeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil
	}

	switch store.ClassifyError(err) {
	case store.CategoryConnection:
		status, code, message = http.StatusServiceUnavailable, codeServiceUnavailable, "Storage is unavailable, try again shortly"
	case store.CategoryTimeout:
		status, code, message = http.StatusRequestTimeout, codeRequestTimeout, "The request timed out"
	case store.CategoryPermission:
		status, code, message = http.StatusInternalServerError, codeStoragePermission, "Storage rejected the operation"
	default:
		status, code, message = http.StatusInternalServerError, codeServerError, "Server error"
	}
	if exposeInternal && err != nil {
		details = map[string]any{"internal": err.Error()}
	}
	return status, code, message, details
}
