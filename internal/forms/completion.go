package forms

import (
	"math"

	"intakeflow/api/internal/catalog"
)

// Completion scores a sanitized payload for its form type. The result is
// deterministic and always in [0,100].
func Completion(entry catalog.Entry, p Payload) int {
	total := len(entry.RequiredFields)
	if total == 0 {
		return 0
	}
	present := 0
	if entry.Kind == catalog.KindCheckbox {
		for _, key := range entry.RequiredFields {
			if p.Checkboxes[key] {
				present++
			}
		}
	} else {
		for _, field := range entry.RequiredFields {
			if p.Has(field) {
				present++
			}
		}
	}
	return percent(present, total)
}

func percent(part, total int) int {
	value := int(math.Round(float64(part) * 100 / float64(total)))
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
