// Package catalog holds the fixed registry of intake form types.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Priority drives submission gating: high and medium forms must be
// completed before a package can be submitted.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Gating reports whether forms of this priority count toward submission.
func (p Priority) Gating() bool {
	return p == PriorityHigh || p == PriorityMedium
}

// Kind selects the validator and completion rule for a form type.
type Kind string

const (
	KindCheckbox        Kind = "checkbox"
	KindAcknowledgement Kind = "acknowledgement"
	KindMediaConsent    Kind = "media_consent"
	KindSimpleConsent   Kind = "simple_consent"
)

// Entry describes one form type.
type Entry struct {
	Key      string
	Title    string
	Kind     Kind
	Priority Priority
	// RequiredFields are checkbox keys for KindCheckbox and payload field
	// names for every other kind.
	RequiredFields []string
	// CompletionField is the signature-equivalent field whose presence
	// marks the form completed.
	CompletionField string
	SignatureFields []string
	ArrayFields     []string
	DateFields      []string
}

// InvalidFormTypeError is returned for keys missing from the catalog.
type InvalidFormTypeError struct {
	FormType   string
	ValidTypes []string
}

func (e *InvalidFormTypeError) Error() string {
	return fmt.Sprintf("invalid form type %q (valid types: %s)", e.FormType, strings.Join(e.ValidTypes, ", "))
}

// Catalog is immutable after construction and safe for concurrent reads.
type Catalog struct {
	entries map[string]Entry
	keys    []string
}

// New builds a catalog from entries. Duplicate or empty keys are rejected.
func New(entries []Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			return nil, fmt.Errorf("catalog entry with empty key")
		}
		if _, exists := c.entries[key]; exists {
			return nil, fmt.Errorf("duplicate catalog entry %q", key)
		}
		if entry.CompletionField == "" {
			entry.CompletionField = "signature"
		}
		entry.RequiredFields = append([]string(nil), entry.RequiredFields...)
		entry.SignatureFields = append([]string(nil), entry.SignatureFields...)
		entry.ArrayFields = append([]string(nil), entry.ArrayFields...)
		entry.DateFields = append([]string(nil), entry.DateFields...)
		c.entries[key] = entry
		c.keys = append(c.keys, key)
	}
	sort.Strings(c.keys)
	return c, nil
}

// Lookup resolves a form type key.
func (c *Catalog) Lookup(formType string) (Entry, error) {
	entry, ok := c.entries[strings.TrimSpace(formType)]
	if !ok {
		return Entry{}, &InvalidFormTypeError{FormType: formType, ValidTypes: c.Keys()}
	}
	return entry, nil
}

// Has reports whether the key is registered.
func (c *Catalog) Has(formType string) bool {
	_, ok := c.entries[strings.TrimSpace(formType)]
	return ok
}

// Keys returns a sorted copy of every registered key.
func (c *Catalog) Keys() []string {
	return append([]string(nil), c.keys...)
}

// Entries returns every entry ordered by key.
func (c *Catalog) Entries() []Entry {
	items := make([]Entry, 0, len(c.keys))
	for _, key := range c.keys {
		items = append(items, c.entries[key])
	}
	return items
}
