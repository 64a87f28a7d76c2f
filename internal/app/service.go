package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"intakeflow/api/internal/archive"
	"intakeflow/api/internal/catalog"
	"intakeflow/api/internal/config"
	"intakeflow/api/internal/forms"
	"intakeflow/api/internal/lifecycle"
	"intakeflow/api/internal/search"
	"intakeflow/api/internal/statuscache"
	"intakeflow/api/internal/store"
	"intakeflow/api/internal/util"
)

type dataStore interface {
	ClientExists(context.Context, string) (bool, error)
	GetForm(context.Context, string, string) (store.FormInstance, error)
	ListForms(context.Context, string) ([]store.FormInstance, error)
	UpsertForm(context.Context, string, string, store.FormMutator) (store.UpsertResult, error)
	BulkUpsertForms(context.Context, string, []store.BulkItem) ([]store.UpsertResult, error)
	SubmitForms(context.Context, store.Submission, store.SubmissionGate) (store.SubmitResult, error)
	LatestSubmission(context.Context, string) (*store.Submission, error)
	Ping(context.Context) error
}

type statusCache interface {
	Get(context.Context, string) (statuscache.Entry, bool, error)
	Set(context.Context, statuscache.Entry) error
	Invalidate(context.Context, string) error
}

type snapshotArchive interface {
	Store(context.Context, archive.Snapshot) (string, error)
}

type submissionSearch interface {
	Search(context.Context, search.Query) search.Response
	IndexSubmission(search.SubmissionRecord)
}

type Option func(*Service)

// WithStatusCache serves submission status through cache.
func WithStatusCache(cache statusCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithArchive hands a snapshot of every submission to the archive sink.
func WithArchive(sink snapshotArchive) Option {
	return func(s *Service) { s.archive = sink }
}

func WithSearch(index submissionSearch) Option {
	return func(s *Service) { s.search = index }
}

type Service struct {
	cfg     config.Config
	catalog *catalog.Catalog
	store   dataStore
	cache   statusCache
	archive snapshotArchive
	search  submissionSearch
	logger  *zap.Logger

	now   func() time.Time
	newID func(string) string

	background sync.WaitGroup
}

func New(cfg config.Config, formCatalog *catalog.Catalog, dataStore *store.PostgresStore, logger *zap.Logger, opts ...Option) *Service {
	return newService(cfg, formCatalog, dataStore, logger, opts...)
}

func newService(cfg config.Config, formCatalog *catalog.Catalog, data dataStore, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:     cfg,
		catalog: formCatalog,
		store:   data,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   util.NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until post-submit side effects have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) FormTypes() []FormTypeView {
	entries := s.catalog.Entries()
	views := make([]FormTypeView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, toFormTypeView(entry))
	}
	return views
}

func (s *Service) requireClient(ctx context.Context, clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return forms.ValidationErrors{"clientId": "clientId is required"}
	}
	exists, err := s.store.ClientExists(ctx, clientID)
	if err != nil {
		return err
	}
	if !exists {
		return errClientNotFound
	}
	return nil
}

func (s *Service) GetForm(ctx context.Context, clientID, formType string) (FormView, error) {
	entry, err := s.catalog.Lookup(formType)
	if err != nil {
		return FormView{}, err
	}
	item, err := s.store.GetForm(ctx, clientID, entry.Key)
	if err != nil {
		return FormView{}, err
	}
	return toFormView(entry, item), nil
}

func (s *Service) ListForms(ctx context.Context, clientID string) (PackageView, error) {
	if err := s.requireClient(ctx, clientID); err != nil {
		return PackageView{}, err
	}
	items, err := s.store.ListForms(ctx, clientID)
	if err != nil {
		return PackageView{}, err
	}
	view := PackageView{ClientID: clientID, Forms: make([]FormView, 0, len(items))}
	for _, item := range items {
		entry, err := s.catalog.Lookup(item.FormType)
		if err != nil {
			s.logger.Warn("stored form has unknown type", zap.String("client_id", clientID), zap.String("form_type", item.FormType))
			continue
		}
		view.Forms = append(view.Forms, toFormView(entry, item))
	}
	gate := evaluateGate(items)
	view.TotalForms = gate.TotalForms
	view.CompletedForms = gate.CompletedForms
	view.Remaining = gate.Remaining()
	view.ReadyToSubmit = gate.Remaining() == 0 && gate.TotalForms > 0
	return view, nil
}

// requestedStatus pulls the optional explicit status out of a save body.
func requestedStatus(raw map[string]any) (lifecycle.Status, error) {
	value, ok := raw["status"]
	if !ok || value == nil {
		return "", nil
	}
	text, ok := value.(string)
	if !ok {
		return "", forms.ValidationErrors{"status": "status must be a string"}
	}
	return lifecycle.Status(strings.TrimSpace(text)), nil
}

type preparedSave struct {
	entry      catalog.Entry
	payload    forms.Payload
	completion int
	computed   lifecycle.Status
	requested  lifecycle.Status
}

// prepareSave runs the full validation pipeline that precedes any explicit
// save, single or bulk.
func (s *Service) prepareSave(entry catalog.Entry, clientID string, raw map[string]any) (preparedSave, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	requested, err := requestedStatus(raw)
	if err != nil {
		return preparedSave{}, err
	}
	if err := forms.Validate(entry, clientID, raw); err != nil {
		return preparedSave{}, err
	}
	payload := forms.Sanitize(entry, raw)
	if err := forms.CheckEncodable(payload); err != nil {
		return preparedSave{}, err
	}
	completion := forms.Completion(entry, payload)
	if _, reported := raw["completionPercentage"]; reported && payload.ReportedCompletion != completion {
		s.logger.Debug("reported completion differs from computed value",
			zap.String("client_id", clientID),
			zap.String("form_type", entry.Key),
			zap.Int("reported", payload.ReportedCompletion),
			zap.Int("computed", completion),
		)
	}
	return preparedSave{
		entry:      entry,
		payload:    payload,
		completion: completion,
		computed:   lifecycle.Derive(entry, payload),
		requested:  requested,
	}, nil
}

func existingStatus(existing *store.FormInstance) *lifecycle.Status {
	if existing == nil {
		return nil
	}
	status := existing.Status
	return &status
}

// nextForm builds the row to write on top of the locked existing row.
func (s *Service) nextForm(existing *store.FormInstance, clientID string, entry catalog.Entry, payload forms.Payload, completion int, status lifecycle.Status, actor string) store.FormInstance {
	now := s.now()
	next := store.FormInstance{
		ID:                   s.newID("form"),
		ClientID:             clientID,
		FormType:             entry.Key,
		Status:               status,
		Priority:             entry.Priority,
		Payload:              payload,
		CompletionPercentage: completion,
		CreatedBy:            actor,
		UpdatedBy:            actor,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if existing != nil {
		next.ID = existing.ID
		next.CreatedBy = existing.CreatedBy
		next.CreatedAt = existing.CreatedAt
		next.CompletedAt = existing.CompletedAt
		next.CompletedBy = existing.CompletedBy
		next.LastAutoSaveAt = existing.LastAutoSaveAt
	}
	switch {
	case !status.AtLeast(lifecycle.StatusCompleted):
		next.CompletedAt = nil
		next.CompletedBy = nil
	case next.CompletedAt == nil:
		completedBy := actor
		next.CompletedAt = &now
		next.CompletedBy = &completedBy
	}
	return next
}

func (s *Service) saveMutator(clientID, actor string, prepared preparedSave) store.FormMutator {
	return func(existing *store.FormInstance) (store.FormInstance, bool, error) {
		current := existingStatus(existing)
		target, err := lifecycle.Resolve(current, prepared.requested, prepared.computed)
		if err != nil {
			return store.FormInstance{}, false, err
		}
		if err := lifecycle.Guard(current, target); err != nil {
			return store.FormInstance{}, false, err
		}
		if current != nil && current.IsFinal() {
			return *existing, false, nil
		}
		return s.nextForm(existing, clientID, prepared.entry, prepared.payload, prepared.completion, target, actor), true, nil
	}
}

// SaveForm performs a fully validated upsert. Created reports whether the
// row was inserted.
func (s *Service) SaveForm(ctx context.Context, actor, clientID, formType string, raw map[string]any) (SaveResult, error) {
	entry, err := s.catalog.Lookup(formType)
	if err != nil {
		return SaveResult{}, err
	}
	prepared, err := s.prepareSave(entry, clientID, raw)
	if err != nil {
		return SaveResult{}, err
	}
	if err := s.requireClient(ctx, clientID); err != nil {
		return SaveResult{}, err
	}

	result, err := s.store.UpsertForm(ctx, clientID, entry.Key, s.saveMutator(clientID, actor, prepared))
	if err != nil {
		return SaveResult{}, err
	}
	if !result.Written {
		s.logger.Debug("idempotent save of finalized form",
			zap.String("client_id", clientID),
			zap.String("form_type", entry.Key),
			zap.String("status", string(result.Form.Status)),
		)
	}
	return SaveResult{Form: toFormView(entry, result.Form), Created: result.Created}, nil
}

// AutosaveForm persists whatever is present without validation. It never
// downgrades a form and leaves finalized forms untouched.
func (s *Service) AutosaveForm(ctx context.Context, actor, clientID, formType string, raw map[string]any) (AutosaveResult, error) {
	entry, err := s.catalog.Lookup(formType)
	if err != nil {
		return AutosaveResult{}, err
	}
	if err := s.requireClient(ctx, clientID); err != nil {
		return AutosaveResult{}, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	payload := forms.Sanitize(entry, raw)
	dropped := forms.DropUnencodable(&payload)
	if len(dropped) > 0 {
		s.logger.Warn("autosave dropped unencodable fields",
			zap.String("client_id", clientID),
			zap.String("form_type", entry.Key),
			zap.Strings("fields", dropped),
		)
	}
	completion := forms.Completion(entry, payload)
	computed := lifecycle.Derive(entry, payload)

	result, err := s.store.UpsertForm(ctx, clientID, entry.Key, func(existing *store.FormInstance) (store.FormInstance, bool, error) {
		status, write := lifecycle.Autosave(existingStatus(existing), computed)
		if !write {
			return *existing, false, nil
		}
		next := s.nextForm(existing, clientID, entry, payload, completion, status, actor)
		stamp := s.now()
		next.LastAutoSaveAt = &stamp
		return next, true, nil
	})
	if err != nil {
		return AutosaveResult{}, err
	}
	return AutosaveResult{
		Form:          toFormView(entry, result.Form),
		Saved:         result.Written,
		DroppedFields: dropped,
	}, nil
}

// BulkSaveForms saves several forms in one transaction. Unknown form types
// are skipped before the transaction starts; any other failure rejects the
// whole batch.
func (s *Service) BulkSaveForms(ctx context.Context, actor, clientID string, entries []BulkEntry) (BulkResult, error) {
	result := BulkResult{Forms: []FormView{}, SkippedFormTypes: []string{}}

	byType := make(map[string]BulkEntry, len(entries))
	for _, item := range entries {
		entry, err := s.catalog.Lookup(item.FormType)
		if err != nil {
			result.SkippedFormTypes = append(result.SkippedFormTypes, item.FormType)
			continue
		}
		item.FormType = entry.Key
		byType[entry.Key] = item
	}
	if len(byType) == 0 {
		return result, nil
	}

	formTypes := make([]string, 0, len(byType))
	for formType := range byType {
		formTypes = append(formTypes, formType)
	}
	sort.Strings(formTypes)

	failures := map[string]any{}
	prepared := make(map[string]preparedSave, len(formTypes))
	for _, formType := range formTypes {
		entry, _ := s.catalog.Lookup(formType)
		save, err := s.prepareSave(entry, clientID, byType[formType].Payload)
		if err != nil {
			var validation forms.ValidationErrors
			var serialization *forms.SerializationError
			switch {
			case errors.As(err, &validation):
				failures[formType] = map[string]string(validation)
			case errors.As(err, &serialization):
				failures[formType] = map[string]string{serialization.Field: "value cannot be serialized"}
			default:
				return BulkResult{}, err
			}
			continue
		}
		prepared[formType] = save
	}
	if len(failures) > 0 {
		return BulkResult{}, domainError(http.StatusUnprocessableEntity, codeValidation, "Validation failed", map[string]any{
			"forms": failures,
		})
	}
	if err := s.requireClient(ctx, clientID); err != nil {
		return BulkResult{}, err
	}

	items := make([]store.BulkItem, 0, len(formTypes))
	for _, formType := range formTypes {
		items = append(items, store.BulkItem{
			FormType: formType,
			Mutate:   s.saveMutator(clientID, actor, prepared[formType]),
		})
	}
	saved, err := s.store.BulkUpsertForms(ctx, clientID, items)
	if err != nil {
		return BulkResult{}, err
	}
	for _, item := range saved {
		entry, _ := s.catalog.Lookup(item.Form.FormType)
		result.Forms = append(result.Forms, toFormView(entry, item.Form))
	}
	return result, nil
}

type gateResult struct {
	TotalForms     int
	CompletedForms int
	Pending        []string
}

func (g gateResult) Remaining() int {
	return g.TotalForms - g.CompletedForms
}

// evaluateGate counts the gating forms of a package and those that are
// completed or further along.
func evaluateGate(items []store.FormInstance) gateResult {
	result := gateResult{Pending: []string{}}
	for _, item := range items {
		if !item.Priority.Gating() {
			continue
		}
		result.TotalForms++
		if item.Status.AtLeast(lifecycle.StatusCompleted) {
			result.CompletedForms++
			continue
		}
		result.Pending = append(result.Pending, item.FormType)
	}
	sort.Strings(result.Pending)
	return result
}

// Submit records a submission and moves every completed form to submitted
// once all gating forms are complete.
func (s *Service) Submit(ctx context.Context, actor, clientID, notes string) (SubmissionView, error) {
	if err := s.requireClient(ctx, clientID); err != nil {
		return SubmissionView{}, err
	}

	submission := store.Submission{
		ID:          s.newID("sub"),
		ClientID:    clientID,
		Notes:       strings.TrimSpace(notes),
		SubmittedBy: actor,
		Status:      string(lifecycle.StatusSubmitted),
	}
	result, err := s.store.SubmitForms(ctx, submission, func(locked []store.FormInstance) error {
		gate := evaluateGate(locked)
		if gate.CompletedForms < gate.TotalForms {
			return &SubmissionIncompleteError{
				TotalForms:     gate.TotalForms,
				CompletedForms: gate.CompletedForms,
				Pending:        gate.Pending,
			}
		}
		return nil
	})
	if err != nil {
		return SubmissionView{}, err
	}

	s.logger.Info("package submitted",
		zap.String("client_id", clientID),
		zap.String("submission_id", result.Submission.ID),
		zap.Strings("submitted_forms", result.SubmittedForms),
	)
	s.afterSubmit(ctx, result)
	return toSubmissionView(result), nil
}

// afterSubmit runs the best-effort side effects of a committed submission.
// Failures are logged and never reach the caller.
func (s *Service) afterSubmit(ctx context.Context, result store.SubmitResult) {
	submission := result.Submission
	log := s.logger.With(zap.String("client_id", submission.ClientID), zap.String("submission_id", submission.ID))

	if s.cache != nil {
		status := statusFromSubmission(submission.ClientID, &submission)
		if err := s.cache.Set(ctx, status.cacheEntry()); err != nil {
			log.Warn("refresh status cache failed", zap.Error(err))
			if err := s.cache.Invalidate(ctx, submission.ClientID); err != nil {
				log.Warn("invalidate status cache failed", zap.Error(err))
			}
		}
	}

	if s.search != nil {
		s.search.IndexSubmission(search.SubmissionRecord{
			ID:          submission.ID,
			ClientID:    submission.ClientID,
			Notes:       submission.Notes,
			SubmittedBy: submission.SubmittedBy,
			Status:      submission.Status,
			SubmittedAt: submission.SubmittedAt.UTC().Format(time.RFC3339Nano),
			FormTypes:   result.SubmittedForms,
		})
	}

	if s.archive != nil {
		bgCtx := context.WithoutCancel(ctx)
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			archiveCtx, cancel := context.WithTimeout(bgCtx, 30*time.Second)
			defer cancel()
			key, err := s.archiveSubmission(archiveCtx, submission)
			if err != nil {
				log.Warn("archive submission failed", zap.Error(err))
				return
			}
			log.Info("submission archived", zap.String("object_key", key))
		}()
	}
}

func (s *Service) archiveSubmission(ctx context.Context, submission store.Submission) (string, error) {
	items, err := s.store.ListForms(ctx, submission.ClientID)
	if err != nil {
		return "", fmt.Errorf("load submitted forms: %w", err)
	}
	snapshot := archive.Snapshot{
		SubmissionID: submission.ID,
		ClientID:     submission.ClientID,
		Notes:        submission.Notes,
		SubmittedBy:  submission.SubmittedBy,
		SubmittedAt:  submission.SubmittedAt,
		Forms:        []archive.FormSnapshot{},
	}
	for _, item := range items {
		if item.SubmissionID == nil || *item.SubmissionID != submission.ID {
			continue
		}
		form := archive.FormSnapshot{
			FormType:             item.FormType,
			Status:               string(item.Status),
			Priority:             string(item.Priority),
			CompletionPercentage: item.CompletionPercentage,
			Payload:              payloadSnapshot(item.Payload),
			CompletedAt:          item.CompletedAt,
		}
		if item.CompletedBy != nil {
			form.CompletedBy = *item.CompletedBy
		}
		snapshot.Forms = append(snapshot.Forms, form)
	}
	return s.archive.Store(ctx, snapshot)
}

// SubmissionStatus returns the latest submission or a draft placeholder.
func (s *Service) SubmissionStatus(ctx context.Context, clientID string) (SubmissionStatusView, error) {
	if err := s.requireClient(ctx, clientID); err != nil {
		return SubmissionStatusView{}, err
	}
	if s.cache != nil {
		entry, ok, err := s.cache.Get(ctx, clientID)
		if err != nil {
			s.logger.Warn("read status cache failed", zap.String("client_id", clientID), zap.Error(err))
		} else if ok {
			return statusFromCache(entry), nil
		}
	}

	latest, err := s.store.LatestSubmission(ctx, clientID)
	if err != nil {
		return SubmissionStatusView{}, err
	}
	view := statusFromSubmission(clientID, latest)
	if s.cache != nil {
		if err := s.cache.Set(ctx, view.cacheEntry()); err != nil {
			s.logger.Warn("write status cache failed", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	return view, nil
}

func (s *Service) SearchSubmissions(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "none"}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) ExposeInternalErrors() bool {
	return s.cfg.IsDevelopment()
}
