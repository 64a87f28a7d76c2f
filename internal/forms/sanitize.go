package forms

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"intakeflow/api/internal/catalog"
)

// Sanitize normalizes raw input into a storable payload. It never fails:
// values it cannot normalize are coerced to a safe default or dropped.
func Sanitize(entry catalog.Entry, raw map[string]any) Payload {
	p := Payload{
		Checkboxes: sanitizeCheckboxes(raw["checkboxes"]),
		Data:       make(map[string]any),
	}
	if value, ok := raw["acknowledged"]; ok {
		if ack, ok := coerceBool(value); ok {
			p.Acknowledged = &ack
		}
	}
	if signature, ok := raw["signature"].(string); ok {
		p.Signature = strings.TrimSpace(signature)
	}
	p.ReportedCompletion = ClampPercentage(raw["completionPercentage"])

	if nested, ok := raw["data"].(map[string]any); ok {
		for key, value := range nested {
			if _, reserved := reservedKeys[key]; reserved {
				continue
			}
			p.Data[key] = value
		}
	}
	for key, value := range raw {
		if _, reserved := reservedKeys[key]; reserved {
			continue
		}
		p.Data[key] = value
	}

	for _, field := range entry.SignatureFields {
		if field == "signature" {
			continue
		}
		if value, ok := p.Data[field].(string); ok {
			p.Data[field] = strings.TrimSpace(value)
		}
	}
	for _, field := range entry.ArrayFields {
		p.Data[field] = sanitizeArray(p.Data[field])
	}
	for _, field := range entry.DateFields {
		value, ok := p.Data[field]
		if !ok {
			continue
		}
		normalized, ok := NormalizeDate(value)
		if !ok {
			delete(p.Data, field)
			continue
		}
		p.Data[field] = normalized
	}
	return p
}

// ClampPercentage converts a reported percentage into [0,100]. Anything
// non-numeric becomes 0.
func ClampPercentage(value any) int {
	var f float64
	switch typed := value.(type) {
	case float64:
		f = typed
	case float32:
		f = float64(typed)
	case int:
		f = float64(typed)
	case int64:
		f = float64(typed)
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) {
		return 0
	}
	if f < 0 {
		return 0
	}
	if f > 100 {
		return 100
	}
	return int(math.Round(f))
}

// NormalizeDate renders a date value as YYYY-MM-DD.
func NormalizeDate(value any) (string, bool) {
	parsed, ok := ParseDate(value)
	if !ok {
		return "", false
	}
	return parsed.Format(dateLayout), true
}

const dateLayout = "2006-01-02"

var acceptedDateLayouts = []string{
	dateLayout,
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
}

// ParseDate accepts the date encodings clients are known to send.
func ParseDate(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		if typed.IsZero() {
			return time.Time{}, false
		}
		return time.Date(typed.Year(), typed.Month(), typed.Day(), 0, 0, 0, 0, time.UTC), true
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return time.Time{}, false
		}
		for _, layout := range acceptedDateLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC), true
			}
		}
	}
	return time.Time{}, false
}

func sanitizeCheckboxes(value any) map[string]bool {
	out := make(map[string]bool)
	switch typed := value.(type) {
	case map[string]bool:
		for key, checked := range typed {
			out[key] = checked
		}
	case map[string]any:
		for key, raw := range typed {
			if checked, ok := coerceBool(raw); ok {
				out[key] = checked
			}
		}
	}
	return out
}

func sanitizeArray(value any) []any {
	switch typed := value.(type) {
	case []any:
		return typed
	case []map[string]any:
		items := make([]any, 0, len(typed))
		for _, item := range typed {
			items = append(items, item)
		}
		return items
	case []string:
		items := make([]any, 0, len(typed))
		for _, item := range typed {
			items = append(items, item)
		}
		return items
	default:
		return []any{}
	}
}

func coerceBool(value any) (bool, bool) {
	switch typed := value.(type) {
	case bool:
		return typed, true
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true", "on", "yes", "1", "checked":
			return true, true
		case "false", "off", "no", "0", "":
			return false, true
		}
	case float64:
		if typed == 1 {
			return true, true
		}
		if typed == 0 {
			return false, true
		}
	case int:
		if typed == 1 {
			return true, true
		}
		if typed == 0 {
			return false, true
		}
	}
	return false, false
}
