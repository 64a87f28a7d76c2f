package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"intakeflow/api/internal/auth"
	"intakeflow/api/internal/catalog"
	"intakeflow/api/internal/config"
	"intakeflow/api/internal/lifecycle"
	"intakeflow/api/internal/statuscache"
	"intakeflow/api/internal/store"
)

// fakeStore keeps forms in memory and mirrors the transactional contract of
// the Postgres store. The Fn fields override individual calls.
type fakeStore struct {
	mu          sync.Mutex
	clients     map[string]bool
	forms       map[string]store.FormInstance
	submissions []store.Submission
	submitSeq   int

	clientExistsFn func(context.Context, string) (bool, error)
	upsertFormFn   func(context.Context, string, string, store.FormMutator) (store.UpsertResult, error)
	submitFormsFn  func(context.Context, store.Submission, store.SubmissionGate) (store.SubmitResult, error)
	latestFn       func(context.Context, string) (*store.Submission, error)
	pingFn         func(context.Context) error
}

func newFakeStore(clients ...string) *fakeStore {
	f := &fakeStore{
		clients: map[string]bool{},
		forms:   map[string]store.FormInstance{},
	}
	for _, id := range clients {
		f.clients[id] = true
	}
	return f
}

func formKey(clientID, formType string) string {
	return clientID + "/" + formType
}

func (f *fakeStore) ClientExists(ctx context.Context, clientID string) (bool, error) {
	if f.clientExistsFn != nil {
		return f.clientExistsFn(ctx, clientID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[clientID], nil
}

func (f *fakeStore) GetForm(_ context.Context, clientID, formType string) (store.FormInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.forms[formKey(clientID, formType)]
	if !ok {
		return store.FormInstance{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) ListForms(_ context.Context, clientID string) ([]store.FormInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listLocked(clientID), nil
}

func (f *fakeStore) listLocked(clientID string) []store.FormInstance {
	items := []store.FormInstance{}
	for _, item := range f.forms {
		if item.ClientID == clientID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].FormType < items[j].FormType })
	return items
}

func (f *fakeStore) upsertLocked(pending map[string]store.FormInstance, clientID, formType string, mutate store.FormMutator) (store.UpsertResult, error) {
	key := formKey(clientID, formType)
	var existing *store.FormInstance
	if item, ok := pending[key]; ok {
		existing = &item
	} else if item, ok := f.forms[key]; ok {
		existing = &item
	}
	next, write, err := mutate(existing)
	if err != nil {
		return store.UpsertResult{}, err
	}
	if !write {
		if existing != nil {
			return store.UpsertResult{Form: *existing}, nil
		}
		return store.UpsertResult{Form: next}, nil
	}
	next.Payload = next.Payload.Clone()
	pending[key] = next
	return store.UpsertResult{Form: next, Created: existing == nil, Written: true}, nil
}

func (f *fakeStore) UpsertForm(ctx context.Context, clientID, formType string, mutate store.FormMutator) (store.UpsertResult, error) {
	if f.upsertFormFn != nil {
		return f.upsertFormFn(ctx, clientID, formType, mutate)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pending := map[string]store.FormInstance{}
	result, err := f.upsertLocked(pending, clientID, formType, mutate)
	if err != nil {
		return store.UpsertResult{}, err
	}
	for key, item := range pending {
		f.forms[key] = item
	}
	return result, nil
}

func (f *fakeStore) BulkUpsertForms(_ context.Context, clientID string, items []store.BulkItem) ([]store.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending := map[string]store.FormInstance{}
	results := make([]store.UpsertResult, 0, len(items))
	for _, item := range items {
		result, err := f.upsertLocked(pending, clientID, item.FormType, item.Mutate)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	for key, item := range pending {
		f.forms[key] = item
	}
	return results, nil
}

func (f *fakeStore) SubmitForms(ctx context.Context, submission store.Submission, gate store.SubmissionGate) (store.SubmitResult, error) {
	if f.submitFormsFn != nil {
		return f.submitFormsFn(ctx, submission, gate)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := gate(f.listLocked(submission.ClientID)); err != nil {
		return store.SubmitResult{}, err
	}
	f.submitSeq++
	submission.SubmittedAt = time.Date(2026, 3, 1, 9, 0, f.submitSeq, 0, time.UTC)
	f.submissions = append(f.submissions, submission)

	moved := []string{}
	for _, item := range f.listLocked(submission.ClientID) {
		if item.Status != lifecycle.StatusCompleted {
			continue
		}
		id := submission.ID
		item.Status = lifecycle.StatusSubmitted
		item.SubmissionID = &id
		item.UpdatedBy = submission.SubmittedBy
		f.forms[formKey(item.ClientID, item.FormType)] = item
		moved = append(moved, item.FormType)
	}
	return store.SubmitResult{Submission: submission, SubmittedForms: moved}, nil
}

func (f *fakeStore) LatestSubmission(ctx context.Context, clientID string) (*store.Submission, error) {
	if f.latestFn != nil {
		return f.latestFn(ctx, clientID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.submissions) - 1; i >= 0; i-- {
		if f.submissions[i].ClientID == clientID {
			latest := f.submissions[i]
			return &latest, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) put(item store.FormInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms[formKey(item.ClientID, item.FormType)] = item
}

func (f *fakeStore) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]statuscache.Entry
	sets    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]statuscache.Entry{}}
}

func (c *memoryCache) Get(_ context.Context, clientID string) (statuscache.Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[clientID]
	return entry, ok, nil
}

func (c *memoryCache) Set(_ context.Context, entry statuscache.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[entry.ClientID] = entry
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, clientID)
	return nil
}

const testClient = "client-1"

var testSecret = []byte("test-secret")

func newTestService(fs *fakeStore, opts ...Option) *Service {
	return newTestServiceWithConfig(config.Config{Env: "production"}, fs, opts...)
}

func newTestServiceWithConfig(cfg config.Config, fs *fakeStore, opts ...Option) *Service {
	svc := newService(cfg, catalog.Default(), fs, zap.NewNop(), opts...)
	fixed := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	return svc
}

func testToken(t *testing.T, email string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.Claims{Email: email}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func signedSimpleConsent() map[string]any {
	return map[string]any{"signature": "Jordan Avery"}
}

func signedAcknowledgement() map[string]any {
	return map[string]any{"acknowledged": true, "signature": "Jordan Avery"}
}

func signedCheckboxes(entry catalog.Entry, checked int) map[string]any {
	boxes := map[string]any{}
	for i, key := range entry.RequiredFields {
		boxes[key] = i < checked
	}
	return map[string]any{"checkboxes": boxes, "signature": "Jordan Avery"}
}

func signedMediaConsent() map[string]any {
	return map[string]any{
		"releaseItems":    []any{map[string]any{"value": "lab results"}},
		"releasePurposes": []any{map[string]any{"value": "continuity of care"}},
		"effectiveDate":   "2026-01-05",
		"expireDate":      "2027-01-05",
		"signature":       "Jordan Avery",
	}
}

// seedForm stores a form directly with the given status and priority.
func seedForm(fs *fakeStore, formType string, status lifecycle.Status, priority catalog.Priority) {
	fs.put(store.FormInstance{
		ID:       "form_" + formType,
		ClientID: testClient,
		FormType: formType,
		Status:   status,
		Priority: priority,
	})
}
