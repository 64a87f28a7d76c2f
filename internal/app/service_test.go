package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"intakeflow/api/internal/archive"
	"intakeflow/api/internal/catalog"
	"intakeflow/api/internal/forms"
	"intakeflow/api/internal/lifecycle"
	"intakeflow/api/internal/search"
	"intakeflow/api/internal/store"
)

func lookupEntry(t *testing.T, key string) catalog.Entry {
	t.Helper()
	entry, err := catalog.Default().Lookup(key)
	if err != nil {
		t.Fatalf("lookup %s: %v", key, err)
	}
	return entry
}

func TestSaveFormCheckboxCompletion(t *testing.T) {
	fs := newFakeStore(testClient)
	svc := newTestService(fs)
	entry := lookupEntry(t, "client-rights")

	result, err := svc.SaveForm(context.Background(), "avery@example.com", testClient, "client-rights", signedCheckboxes(entry, 13))
	if err != nil {
		t.Fatalf("SaveForm() error = %v", err)
	}
	if !result.Created {
		t.Fatalf("expected first save to create the form")
	}
	if result.Form.CompletionPercentage != 87 {
		t.Fatalf("expected completion 87, got %d", result.Form.CompletionPercentage)
	}
	if result.Form.Status != string(lifecycle.StatusCompleted) {
		t.Fatalf("expected completed status, got %s", result.Form.Status)
	}
	if result.Form.CompletedBy == nil || *result.Form.CompletedBy != "avery@example.com" {
		t.Fatalf("expected completedBy to be stamped, got %v", result.Form.CompletedBy)
	}

	second, err := svc.SaveForm(context.Background(), "casey@example.com", testClient, "client-rights", signedCheckboxes(entry, 15))
	if err != nil {
		t.Fatalf("second SaveForm() error = %v", err)
	}
	if second.Created {
		t.Fatalf("expected second save to update")
	}
	if second.Form.CompletionPercentage != 100 {
		t.Fatalf("expected completion 100, got %d", second.Form.CompletionPercentage)
	}
	if second.Form.CreatedBy != "avery@example.com" || second.Form.UpdatedBy != "casey@example.com" {
		t.Fatalf("unexpected actors created=%s updated=%s", second.Form.CreatedBy, second.Form.UpdatedBy)
	}
	if second.Form.ID != result.Form.ID {
		t.Fatalf("expected one row per client and form type")
	}
}

func TestSaveFormRejectsUnknownType(t *testing.T) {
	svc := newTestService(newFakeStore(testClient))

	_, err := svc.SaveForm(context.Background(), "avery@example.com", testClient, "tax-return", signedSimpleConsent())
	var invalid *catalog.InvalidFormTypeError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidFormTypeError, got %v", err)
	}
	if len(invalid.ValidTypes) != 15 {
		t.Fatalf("expected 15 valid types, got %d", len(invalid.ValidTypes))
	}
}

func TestSaveFormUnknownClient(t *testing.T) {
	svc := newTestService(newFakeStore())

	_, err := svc.SaveForm(context.Background(), "avery@example.com", "ghost", "treatment-consent", signedSimpleConsent())
	status, code, _, _ := mapError(err, false)
	if status != 404 || code != codeNotFound {
		t.Fatalf("expected 404 NOT_FOUND, got %d %s", status, code)
	}
}

func TestSaveFormValidationRejectsBeforeWrite(t *testing.T) {
	fs := newFakeStore(testClient)
	svc := newTestService(fs)

	raw := signedMediaConsent()
	raw["expireDate"] = "2025-12-31"
	_, err := svc.SaveForm(context.Background(), "avery@example.com", testClient, "release-of-information", raw)
	var validation forms.ValidationErrors
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation errors, got %v", err)
	}
	if _, ok := validation["expireDate"]; !ok {
		t.Fatalf("expected error keyed on expireDate, got %v", validation)
	}
	if _, err := fs.GetForm(context.Background(), testClient, "release-of-information"); err == nil {
		t.Fatalf("expected nothing to be stored")
	}
}

func TestSaveFormStoresRuleCompletionNotReported(t *testing.T) {
	svc := newTestService(newFakeStore(testClient))

	raw := signedSimpleConsent()
	raw["completionPercentage"] = 150
	result, err := svc.SaveForm(context.Background(), "avery@example.com", testClient, "treatment-consent", raw)
	if err != nil {
		t.Fatalf("SaveForm() error = %v", err)
	}
	if result.Form.CompletionPercentage != 100 {
		t.Fatalf("expected completion 100, got %d", result.Form.CompletionPercentage)
	}

	raw = map[string]any{"acknowledged": true, "signature": "JA", "completionPercentage": 5}
	result, err = svc.SaveForm(context.Background(), "avery@example.com", testClient, "privacy-practices", raw)
	if err != nil {
		t.Fatalf("SaveForm() error = %v", err)
	}
	if result.Form.CompletionPercentage != 100 {
		t.Fatalf("expected rule output 100, got %d", result.Form.CompletionPercentage)
	}
}

func TestSaveFormFinalizedGuard(t *testing.T) {
	fs := newFakeStore(testClient)
	svc := newTestService(fs)
	seedForm(fs, "treatment-consent", lifecycle.StatusSubmitted, catalog.PriorityHigh)

	_, err := svc.SaveForm(context.Background(), "avery@example.com", testClient, "treatment-consent", signedSimpleConsent())
	var conflict *lifecycle.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Current != lifecycle.StatusSubmitted {
		t.Fatalf("expected current status submitted, got %s", conflict.Current)
	}

	reopen := signedSimpleConsent()
	reopen["status"] = "in_progress"
	if _, err := svc.SaveForm(context.Background(), "avery@example.com", testClient, "treatment-consent", reopen); !errors.As(err, &conflict) {
		t.Fatalf("expected reopening a submitted form to conflict, got %v", err)
	}

	raw := signedSimpleConsent()
	raw["status"] = "submitted"
	result, err := svc.SaveForm(context.Background(), "avery@example.com", testClient, "treatment-consent", raw)
	if err != nil {
		t.Fatalf("idempotent resave error = %v", err)
	}
	if result.Form.Status != string(lifecycle.StatusSubmitted) || result.Created {
		t.Fatalf("unexpected resave result %+v", result)
	}
	stored, _ := fs.GetForm(context.Background(), testClient, "treatment-consent")
	if stored.Payload.Signature != "" {
		t.Fatalf("expected finalized form to stay untouched, got signature %q", stored.Payload.Signature)
	}
}

func TestSaveFormCannotRequestFinalStatus(t *testing.T) {
	svc := newTestService(newFakeStore(testClient))

	raw := signedSimpleConsent()
	raw["status"] = "approved"
	_, err := svc.SaveForm(context.Background(), "avery@example.com", testClient, "treatment-consent", raw)
	var transition *lifecycle.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestSaveFormRequiresSignatureOnAcknowledgement(t *testing.T) {
	svc := newTestService(newFakeStore(testClient))
	ctx := context.Background()

	if _, err := svc.SaveForm(ctx, "avery@example.com", testClient, "privacy-practices", signedAcknowledgement()); err != nil {
		t.Fatalf("SaveForm() error = %v", err)
	}
	_, err := svc.SaveForm(ctx, "avery@example.com", testClient, "privacy-practices", map[string]any{"acknowledged": true})
	var validation forms.ValidationErrors
	if !errors.As(err, &validation) {
		t.Fatalf("expected unsigned acknowledgement to fail validation, got %v", err)
	}
}

func TestAutosaveNeverDowngrades(t *testing.T) {
	fs := newFakeStore(testClient)
	svc := newTestService(fs)
	ctx := context.Background()

	if _, err := svc.SaveForm(ctx, "avery@example.com", testClient, "treatment-consent", signedSimpleConsent()); err != nil {
		t.Fatalf("SaveForm() error = %v", err)
	}
	result, err := svc.AutosaveForm(ctx, "avery@example.com", testClient, "treatment-consent", map[string]any{"signature": ""})
	if err != nil {
		t.Fatalf("AutosaveForm() error = %v", err)
	}
	if !result.Saved {
		t.Fatalf("expected autosave to write")
	}
	if result.Form.Status != string(lifecycle.StatusCompleted) {
		t.Fatalf("expected status to stay completed, got %s", result.Form.Status)
	}
	if result.Form.LastAutoSaveAt == nil {
		t.Fatalf("expected lastAutoSaveAt to be stamped")
	}
}

func TestAutosaveSkipsFinalizedForms(t *testing.T) {
	fs := newFakeStore(testClient)
	svc := newTestService(fs)
	seedForm(fs, "client-rights", lifecycle.StatusApproved, catalog.PriorityHigh)

	result, err := svc.AutosaveForm(context.Background(), "avery@example.com", testClient, "client-rights", map[string]any{"signature": "changed"})
	if err != nil {
		t.Fatalf("AutosaveForm() error = %v", err)
	}
	if result.Saved {
		t.Fatalf("expected finalized form to be skipped")
	}
	if result.Form.Status != string(lifecycle.StatusApproved) {
		t.Fatalf("expected approved, got %s", result.Form.Status)
	}
}

func TestAutosaveAcceptsPartialPayload(t *testing.T) {
	svc := newTestService(newFakeStore(testClient))

	result, err := svc.AutosaveForm(context.Background(), "avery@example.com", testClient, "release-of-information", map[string]any{
		"releaseItems":  []any{map[string]any{"value": "lab results"}},
		"effectiveDate": "not a date",
	})
	if err != nil {
		t.Fatalf("AutosaveForm() error = %v", err)
	}
	if result.Form.Status != string(lifecycle.StatusInProgress) {
		t.Fatalf("expected in_progress, got %s", result.Form.Status)
	}
	if _, ok := result.Form.Data["effectiveDate"]; ok {
		t.Fatalf("expected unparsable date to be dropped")
	}
	if result.Form.CompletionPercentage != 25 {
		t.Fatalf("expected completion 25, got %d", result.Form.CompletionPercentage)
	}
}

func TestBulkSaveSkipsUnknownTypes(t *testing.T) {
	fs := newFakeStore(testClient)
	svc := newTestService(fs)

	result, err := svc.BulkSaveForms(context.Background(), "avery@example.com", testClient, []BulkEntry{
		{FormType: "treatment-consent", Payload: signedSimpleConsent()},
		{FormType: "tax-return", Payload: signedSimpleConsent()},
		{FormType: "privacy-practices", Payload: signedAcknowledgement()},
	})
	if err != nil {
		t.Fatalf("BulkSaveForms() error = %v", err)
	}
	if len(result.Forms) != 2 {
		t.Fatalf("expected 2 saved forms, got %d", len(result.Forms))
	}
	if len(result.SkippedFormTypes) != 1 || result.SkippedFormTypes[0] != "tax-return" {
		t.Fatalf("unexpected skipped types %v", result.SkippedFormTypes)
	}
	if result.Forms[0].FormType != "privacy-practices" || result.Forms[1].FormType != "treatment-consent" {
		t.Fatalf("expected forms in form type order, got %s, %s", result.Forms[0].FormType, result.Forms[1].FormType)
	}
}

func TestBulkSaveRejectsWholeBatchOnInvalidEntry(t *testing.T) {
	fs := newFakeStore(testClient)
	svc := newTestService(fs)

	_, err := svc.BulkSaveForms(context.Background(), "avery@example.com", testClient, []BulkEntry{
		{FormType: "treatment-consent", Payload: signedSimpleConsent()},
		{FormType: "privacy-practices", Payload: map[string]any{"acknowledged": false}},
	})
	status, code, _, details := mapError(err, false)
	if status != 422 || code != codeValidation {
		t.Fatalf("expected 422 VALIDATION_ERROR, got %d %s", status, code)
	}
	formsDetail, _ := details.(map[string]any)["forms"].(map[string]any)
	if _, ok := formsDetail["privacy-practices"]; !ok {
		t.Fatalf("expected failure keyed by form type, got %v", details)
	}
	items, _ := fs.ListForms(context.Background(), testClient)
	if len(items) != 0 {
		t.Fatalf("expected no writes, got %d forms", len(items))
	}
}

func TestBulkSaveRollsBackOnConflict(t *testing.T) {
	fs := newFakeStore(testClient)
	svc := newTestService(fs)
	seedForm(fs, "treatment-consent", lifecycle.StatusSubmitted, catalog.PriorityHigh)

	_, err := svc.BulkSaveForms(context.Background(), "avery@example.com", testClient, []BulkEntry{
		{FormType: "privacy-practices", Payload: signedAcknowledgement()},
		{FormType: "treatment-consent", Payload: signedSimpleConsent()},
	})
	var conflict *lifecycle.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := fs.GetForm(context.Background(), testClient, "privacy-practices"); err == nil {
		t.Fatalf("expected earlier write in the batch to roll back")
	}
}

func seedGatingPackage(fs *fakeStore, completed int) {
	gating := []struct {
		formType string
		priority catalog.Priority
	}{
		{"client-rights", catalog.PriorityHigh},
		{"privacy-practices", catalog.PriorityHigh},
		{"treatment-consent", catalog.PriorityHigh},
		{"grievance-procedure", catalog.PriorityMedium},
		{"medication-consent", catalog.PriorityMedium},
	}
	for i, form := range gating {
		status := lifecycle.StatusInProgress
		if i < completed {
			status = lifecycle.StatusCompleted
		}
		seedForm(fs, form.formType, status, form.priority)
	}
	seedForm(fs, "photo-video-release", lifecycle.StatusDraft, catalog.PriorityLow)
}

func TestSubmitBlockedUntilGatingFormsComplete(t *testing.T) {
	fs := newFakeStore(testClient)
	svc := newTestService(fs)
	seedGatingPackage(fs, 3)

	_, err := svc.Submit(context.Background(), "avery@example.com", testClient, "ready")
	var incomplete *SubmissionIncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected incomplete error, got %v", err)
	}
	if incomplete.TotalForms != 5 || incomplete.CompletedForms != 3 || incomplete.Remaining() != 2 {
		t.Fatalf("unexpected counts %+v", incomplete)
	}
	if fs.submissionCount() != 0 {
		t.Fatalf("expected no submission row")
	}
}

func TestSubmitMovesCompletedForms(t *testing.T) {
	fs := newFakeStore(testClient)
	cache := newMemoryCache()
	svc := newTestService(fs, WithStatusCache(cache))
	seedGatingPackage(fs, 5)

	submission, err := svc.Submit(context.Background(), "avery@example.com", testClient, "  all signed  ")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(submission.SubmittedForms) != 5 {
		t.Fatalf("expected 5 submitted forms, got %v", submission.SubmittedForms)
	}
	if submission.Notes != "all signed" {
		t.Fatalf("expected trimmed notes, got %q", submission.Notes)
	}
	items, _ := fs.ListForms(context.Background(), testClient)
	for _, item := range items {
		if item.FormType == "photo-video-release" {
			if item.Status != lifecycle.StatusDraft || item.SubmissionID != nil {
				t.Fatalf("expected optional draft form to be left alone")
			}
			continue
		}
		if item.Status != lifecycle.StatusSubmitted || item.SubmissionID == nil || *item.SubmissionID != submission.ID {
			t.Fatalf("expected %s to be submitted under %s, got %+v", item.FormType, submission.ID, item)
		}
	}

	cached, ok, _ := cache.Get(context.Background(), testClient)
	if !ok || cached.SubmissionID != submission.ID {
		t.Fatalf("expected status cache to hold the new submission, got %+v", cached)
	}

	again, err := svc.Submit(context.Background(), "avery@example.com", testClient, "")
	if err != nil {
		t.Fatalf("resubmit error = %v", err)
	}
	if len(again.SubmittedForms) != 0 {
		t.Fatalf("expected resubmit to move nothing, got %v", again.SubmittedForms)
	}
	if fs.submissionCount() != 2 {
		t.Fatalf("expected a second submission row, got %d", fs.submissionCount())
	}
}

func TestSubmitWithNoGatingFormsPasses(t *testing.T) {
	fs := newFakeStore(testClient)
	svc := newTestService(fs)

	submission, err := svc.Submit(context.Background(), "avery@example.com", testClient, "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(submission.SubmittedForms) != 0 {
		t.Fatalf("expected nothing submitted, got %v", submission.SubmittedForms)
	}
}

type recordingArchive struct {
	mu        sync.Mutex
	snapshots []archive.Snapshot
	err       error
}

func (a *recordingArchive) Store(_ context.Context, snapshot archive.Snapshot) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.snapshots = append(a.snapshots, snapshot)
	return archive.ObjectKey(snapshot.ClientID, snapshot.SubmissionID), nil
}

type recordingIndex struct {
	mu      sync.Mutex
	records []search.SubmissionRecord
}

func (i *recordingIndex) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "memory"}
}

func (i *recordingIndex) IndexSubmission(record search.SubmissionRecord) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.records = append(i.records, record)
}

func TestSubmitArchivesAndIndexes(t *testing.T) {
	fs := newFakeStore(testClient)
	sink := &recordingArchive{}
	index := &recordingIndex{}
	svc := newTestService(fs, WithArchive(sink), WithSearch(index))
	seedGatingPackage(fs, 5)

	submission, err := svc.Submit(context.Background(), "avery@example.com", testClient, "notes")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	svc.Wait()

	if len(sink.snapshots) != 1 {
		t.Fatalf("expected one archived snapshot, got %d", len(sink.snapshots))
	}
	if got := len(sink.snapshots[0].Forms); got != 5 {
		t.Fatalf("expected 5 forms in snapshot, got %d", got)
	}
	if len(index.records) != 1 || index.records[0].ID != submission.ID {
		t.Fatalf("expected submission to be indexed, got %+v", index.records)
	}
	if len(index.records[0].FormTypes) != 5 {
		t.Fatalf("expected indexed form types, got %v", index.records[0].FormTypes)
	}
}

func TestSubmitSucceedsWhenArchiveFails(t *testing.T) {
	fs := newFakeStore(testClient)
	svc := newTestService(fs, WithArchive(&recordingArchive{err: errors.New("bucket offline")}))
	seedGatingPackage(fs, 5)

	if _, err := svc.Submit(context.Background(), "avery@example.com", testClient, ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	svc.Wait()
}

func TestSubmissionStatusDraftPlaceholder(t *testing.T) {
	cache := newMemoryCache()
	svc := newTestService(newFakeStore(testClient), WithStatusCache(cache))

	status, err := svc.SubmissionStatus(context.Background(), testClient)
	if err != nil {
		t.Fatalf("SubmissionStatus() error = %v", err)
	}
	if status.Status != "draft" || status.SubmissionID != "" {
		t.Fatalf("expected draft placeholder, got %+v", status)
	}
	if cache.sets != 1 {
		t.Fatalf("expected read-through to populate cache")
	}
}

func TestSubmissionStatusServedFromCache(t *testing.T) {
	fs := newFakeStore(testClient)
	fs.latestFn = func(context.Context, string) (*store.Submission, error) {
		t.Fatalf("expected cache hit to skip the store")
		return nil, nil
	}
	cache := newMemoryCache()
	_ = cache.Set(context.Background(), SubmissionStatusView{ClientID: testClient, SubmissionID: "sub_1", Status: "submitted"}.cacheEntry())
	svc := newTestService(fs, WithStatusCache(cache))

	status, err := svc.SubmissionStatus(context.Background(), testClient)
	if err != nil {
		t.Fatalf("SubmissionStatus() error = %v", err)
	}
	if status.SubmissionID != "sub_1" {
		t.Fatalf("expected cached submission, got %+v", status)
	}
}

func TestListFormsReportsReadiness(t *testing.T) {
	fs := newFakeStore(testClient)
	svc := newTestService(fs)
	seedGatingPackage(fs, 4)

	view, err := svc.ListForms(context.Background(), testClient)
	if err != nil {
		t.Fatalf("ListForms() error = %v", err)
	}
	if len(view.Forms) != 6 || view.TotalForms != 5 || view.CompletedForms != 4 || view.Remaining != 1 || view.ReadyToSubmit {
		t.Fatalf("unexpected package view %+v", view)
	}
}
