// Package forms validates, sanitizes and scores intake form payloads.
// It has no storage dependencies so the sync client can run the same
// rules locally.
package forms

import (
	"encoding/json"
	"sort"
	"strings"
)

// Payload is the sanitized content of a form instance.
type Payload struct {
	Checkboxes   map[string]bool `json:"checkboxes"`
	Acknowledged *bool           `json:"acknowledged,omitempty"`
	Signature    string          `json:"signature"`
	Data         map[string]any  `json:"data"`

	// ReportedCompletion is the client-reported percentage after clamping.
	// The stored percentage always comes from the completion rule.
	ReportedCompletion int `json:"-"`
}

var reservedKeys = map[string]struct{}{
	"clientId":             {},
	"formType":             {},
	"status":               {},
	"completionPercentage": {},
	"checkboxes":           {},
	"acknowledged":         {},
	"signature":            {},
	"data":                 {},
}

// Has reports whether a named field carries content.
func (p Payload) Has(field string) bool {
	switch field {
	case "signature":
		return strings.TrimSpace(p.Signature) != ""
	case "acknowledged":
		return p.Acknowledged != nil && *p.Acknowledged
	case "checkboxes":
		for _, checked := range p.Checkboxes {
			if checked {
				return true
			}
		}
		return false
	}
	value, ok := p.Data[field]
	if !ok {
		return false
	}
	return hasContent(value)
}

// IsEmpty reports whether nothing meaningful has been entered yet.
func (p Payload) IsEmpty() bool {
	if p.Has("signature") || p.Acknowledged != nil || len(p.Checkboxes) > 0 {
		return false
	}
	for _, value := range p.Data {
		if hasContent(value) {
			return false
		}
	}
	return true
}

// Raw flattens the payload back into the request shape accepted by
// Sanitize and Validate.
func (p Payload) Raw() map[string]any {
	raw := make(map[string]any, len(p.Data)+3)
	for key, value := range p.Data {
		raw[key] = value
	}
	if p.Checkboxes != nil {
		boxes := make(map[string]any, len(p.Checkboxes))
		for key, checked := range p.Checkboxes {
			boxes[key] = checked
		}
		raw["checkboxes"] = boxes
	}
	if p.Acknowledged != nil {
		raw["acknowledged"] = *p.Acknowledged
	}
	if p.Signature != "" {
		raw["signature"] = p.Signature
	}
	return raw
}

// DataKeys returns the structured sub-document keys in sorted order.
func (p Payload) DataKeys() []string {
	keys := make([]string, 0, len(p.Data))
	for key := range p.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy using a JSON round trip of the data section.
func (p Payload) Clone() Payload {
	out := Payload{
		Signature:          p.Signature,
		ReportedCompletion: p.ReportedCompletion,
	}
	if p.Checkboxes != nil {
		out.Checkboxes = make(map[string]bool, len(p.Checkboxes))
		for key, checked := range p.Checkboxes {
			out.Checkboxes[key] = checked
		}
	}
	if p.Acknowledged != nil {
		ack := *p.Acknowledged
		out.Acknowledged = &ack
	}
	if p.Data != nil {
		out.Data = make(map[string]any, len(p.Data))
		for key, value := range p.Data {
			encoded, err := json.Marshal(value)
			if err != nil {
				out.Data[key] = value
				continue
			}
			var decoded any
			if err := json.Unmarshal(encoded, &decoded); err != nil {
				out.Data[key] = value
				continue
			}
			out.Data[key] = decoded
		}
	}
	return out
}

func hasContent(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(typed) != ""
	case bool:
		return typed
	case []any:
		return len(typed) > 0
	case []map[string]any:
		return len(typed) > 0
	case []string:
		return len(typed) > 0
	case map[string]any:
		return len(typed) > 0
	default:
		return true
	}
}

// lookup reads a field from the top level or from a nested "data" object.
func lookup(raw map[string]any, field string) (any, bool) {
	if value, ok := raw[field]; ok {
		return value, true
	}
	if nested, ok := raw["data"].(map[string]any); ok {
		value, ok := nested[field]
		return value, ok
	}
	return nil, false
}
