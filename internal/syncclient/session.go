package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"intakeflow/api/internal/catalog"
	"intakeflow/api/internal/forms"
)

type formAPI interface {
	GetForm(ctx context.Context, clientID, formType string) (Form, error)
	SaveForm(ctx context.Context, clientID, formType string, payload map[string]any) (Form, bool, error)
	AutosaveForm(ctx context.Context, clientID, formType string, payload map[string]any) (Form, bool, error)
}

// Session holds the in-memory draft of one form. Edits never perform I/O;
// Autosave and Save push the draft to the server.
type Session struct {
	api      formAPI
	entry    catalog.Entry
	clientID string
	logger   *zap.Logger

	mu          sync.Mutex
	draft       map[string]any
	canonical   *Form
	revision    uint64
	completion  int
	dirty       bool
	pending     bool
	autosaveAt  time.Time
	autosaveErr error

	background sync.WaitGroup
}

func NewSession(api formAPI, formCatalog *catalog.Catalog, clientID, formType string, logger *zap.Logger) (*Session, error) {
	entry, err := formCatalog.Lookup(formType)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		api:      api,
		entry:    entry,
		clientID: clientID,
		logger:   logger.With(zap.String("client_id", clientID), zap.String("form_type", entry.Key)),
		draft:    map[string]any{},
	}
	return s, nil
}

// Load replaces the draft with the stored form. A form that does not exist
// yet leaves an empty draft.
func (s *Session) Load(ctx context.Context) error {
	form, err := s.api.GetForm(ctx, s.clientID, s.entry.Key)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adoptLocked(form)
	return nil
}

func draftFromForm(form Form) map[string]any {
	payload := forms.Payload{
		Checkboxes:   form.Checkboxes,
		Acknowledged: form.Acknowledged,
		Signature:    form.Signature,
		Data:         form.Data,
	}
	return payload.Clone().Raw()
}

func (s *Session) adoptLocked(form Form) {
	s.draft = draftFromForm(form)
	s.canonical = &form
	s.dirty = false
	s.recomputeLocked()
}

func (s *Session) recomputeLocked() {
	s.completion = forms.Completion(s.entry, forms.Sanitize(s.entry, s.draft))
}

// Edit sets a top-level draft field and recomputes completion locally.
func (s *Session) Edit(field string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]any, len(s.draft)+1)
	for key, existing := range s.draft {
		next[key] = existing
	}
	next[field] = value
	s.draft = next
	s.touchLocked()
}

// SetCheckbox toggles one acknowledgement checkbox.
func (s *Session) SetCheckbox(item string, checked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	boxes := map[string]any{}
	if current, ok := s.draft["checkboxes"].(map[string]any); ok {
		for key, value := range current {
			boxes[key] = value
		}
	}
	boxes[item] = checked
	next := make(map[string]any, len(s.draft)+1)
	for key, existing := range s.draft {
		next[key] = existing
	}
	next["checkboxes"] = boxes
	s.draft = next
	s.touchLocked()
}

func (s *Session) touchLocked() {
	s.revision++
	s.dirty = true
	s.recomputeLocked()
}

func (s *Session) Completion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completion
}

// Draft returns a copy of the current draft.
func (s *Session) Draft() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.draft))
	for key, value := range s.draft {
		out[key] = value
	}
	return out
}

// Dirty reports whether the draft holds edits the server has not seen.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Canonical returns the last record confirmed by the server.
func (s *Session) Canonical() (Form, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canonical == nil {
		return Form{}, false
	}
	return *s.canonical, true
}

// AutosaveError is the last background autosave failure, cleared by the
// next success.
func (s *Session) AutosaveError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autosaveErr
}

func (s *Session) LastAutosave() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autosaveAt
}

// Autosave starts a background autosave of the current draft. It returns
// false without doing anything when one is already in flight.
func (s *Session) Autosave(ctx context.Context) bool {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return false
	}
	s.pending = true
	snapshot := s.draft
	revision := s.revision
	s.mu.Unlock()

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		form, saved, err := s.api.AutosaveForm(ctx, s.clientID, s.entry.Key, snapshot)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.pending = false
		if err != nil {
			s.autosaveErr = err
			s.logger.Warn("autosave failed", zap.Error(err))
			return
		}
		s.autosaveErr = nil
		s.autosaveAt = time.Now()
		s.canonical = &form
		if saved && s.revision == revision {
			s.dirty = false
		}
	}()
	return true
}

// Run autosaves dirty drafts every interval until ctx is done.
func (s *Session) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Dirty() {
				s.Autosave(ctx)
			}
		}
	}
}

// Save performs a validated save. On success the draft is replaced by the
// canonical record unless it was edited while the request was in flight.
// On failure the draft is kept as is.
func (s *Session) Save(ctx context.Context) (Form, error) {
	s.mu.Lock()
	snapshot := s.draft
	revision := s.revision
	s.mu.Unlock()

	form, _, err := s.api.SaveForm(ctx, s.clientID, s.entry.Key, snapshot)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			s.logger.Info("save rejected", zap.Int("status", apiErr.Status), zap.String("code", apiErr.Code))
			return Form{}, err
		}
		return Form{}, fmt.Errorf("save form: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revision != revision {
		s.canonical = &form
		s.dirty = true
		return form, nil
	}
	s.adoptLocked(form)
	return form, nil
}

// Wait blocks until background autosaves have finished.
func (s *Session) Wait() {
	s.background.Wait()
}
