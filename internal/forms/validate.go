package forms

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"intakeflow/api/internal/catalog"
)

const (
	minSignatureLength = 2
	maxSignatureLength = 200
)

// ValidationErrors maps a field name to a human-readable message.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for field := range v {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+v[field])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// SerializationError reports a structured field that cannot be encoded
// for storage.
type SerializationError struct {
	Field string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("field %s is not serializable: %v", e.Field, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

type validator func(raw map[string]any, errs ValidationErrors)

var validators = map[catalog.Kind]validator{
	catalog.KindCheckbox:        validateCheckbox,
	catalog.KindAcknowledgement: validateAcknowledgement,
	catalog.KindMediaConsent:    validateMediaConsent,
	catalog.KindSimpleConsent:   validateSimpleConsent,
}

// Validate checks raw input against the rules of the entry's kind. It
// returns nil or a ValidationErrors value.
func Validate(entry catalog.Entry, clientID string, raw map[string]any) error {
	errs := ValidationErrors{}
	if strings.TrimSpace(clientID) == "" {
		errs["clientId"] = "clientId is required"
	}
	validate, ok := validators[entry.Kind]
	if !ok {
		errs["formType"] = fmt.Sprintf("form kind %q has no validator", entry.Kind)
	} else {
		validate(raw, errs)
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// CheckEncodable verifies each structured field can be JSON encoded on
// its own.
func CheckEncodable(p Payload) error {
	for _, key := range p.DataKeys() {
		if _, err := json.Marshal(p.Data[key]); err != nil {
			return &SerializationError{Field: key, Err: err}
		}
	}
	return nil
}

// DropUnencodable removes fields that cannot be encoded and returns their
// names. Used on best-effort paths that skip validation.
func DropUnencodable(p *Payload) []string {
	var dropped []string
	for _, key := range p.DataKeys() {
		if _, err := json.Marshal(p.Data[key]); err != nil {
			delete(p.Data, key)
			dropped = append(dropped, key)
		}
	}
	return dropped
}

func validateCheckbox(raw map[string]any, errs ValidationErrors) {
	switch boxes := raw["checkboxes"].(type) {
	case map[string]any:
		if len(boxes) == 0 {
			errs["checkboxes"] = "checkboxes must have at least one entry"
			break
		}
		keys := make([]string, 0, len(boxes))
		for key := range boxes {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if _, ok := boxes[key].(bool); !ok {
				errs["checkboxes"] = fmt.Sprintf("checkboxes.%s must be a boolean", key)
				break
			}
		}
	case map[string]bool:
		if len(boxes) == 0 {
			errs["checkboxes"] = "checkboxes must have at least one entry"
		}
	default:
		errs["checkboxes"] = "checkboxes must be an object"
	}
	requireSignature(raw, errs, minSignatureLength, maxSignatureLength)
}

func validateAcknowledgement(raw map[string]any, errs ValidationErrors) {
	ack, ok := raw["acknowledged"].(bool)
	switch {
	case !ok:
		errs["acknowledged"] = "acknowledged must be a boolean"
	case !ack:
		errs["acknowledged"] = "acknowledged must be true"
	}
	requireSignature(raw, errs, minSignatureLength, 0)
}

func validateMediaConsent(raw map[string]any, errs ValidationErrors) {
	for _, field := range []string{"releaseItems", "releasePurposes"} {
		if msg := checkValueArray(raw, field); msg != "" {
			errs[field] = msg
		}
	}
	requireSignature(raw, errs, 1, 0)

	effective, effectiveOK := checkDate(raw, "effectiveDate", errs)
	expire, expireOK := checkDate(raw, "expireDate", errs)
	if effectiveOK && expireOK && !expire.After(effective) {
		errs["expireDate"] = "expireDate must be after effectiveDate"
	}
}

func validateSimpleConsent(raw map[string]any, errs ValidationErrors) {
	requireSignature(raw, errs, 1, 0)
}

func requireSignature(raw map[string]any, errs ValidationErrors, minLen, maxLen int) {
	value, ok := raw["signature"].(string)
	trimmed := strings.TrimSpace(value)
	if !ok || trimmed == "" {
		errs["signature"] = "signature is required"
		return
	}
	length := utf8.RuneCountInString(trimmed)
	if length < minLen {
		errs["signature"] = fmt.Sprintf("signature must be at least %d characters", minLen)
		return
	}
	if maxLen > 0 && length > maxLen {
		errs["signature"] = fmt.Sprintf("signature must be at most %d characters", maxLen)
	}
}

func checkValueArray(raw map[string]any, field string) string {
	value, _ := lookup(raw, field)
	items, ok := value.([]any)
	if !ok {
		if typed, isMaps := value.([]map[string]any); isMaps {
			items = make([]any, 0, len(typed))
			for _, item := range typed {
				items = append(items, item)
			}
			ok = true
		}
	}
	if !ok || len(items) == 0 {
		return field + " must be a non-empty array"
	}
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return fmt.Sprintf("%s[%d] must be an object", field, i)
		}
		if !hasContent(obj["value"]) {
			return fmt.Sprintf("%s[%d] must carry a value", field, i)
		}
	}
	return ""
}

func checkDate(raw map[string]any, field string, errs ValidationErrors) (time.Time, bool) {
	value, ok := lookup(raw, field)
	if !ok || value == nil {
		return time.Time{}, false
	}
	if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
		return time.Time{}, false
	}
	parsed, ok := ParseDate(value)
	if !ok {
		errs[field] = field + " must be a valid date"
		return time.Time{}, false
	}
	return parsed, true
}
