package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"intakeflow/api/internal/catalog"
	"intakeflow/api/internal/forms"
	"intakeflow/api/internal/lifecycle"
)

const formColumns = `
	id, client_id, form_type, status, priority, checkboxes, acknowledged, signature, form_data,
	completion_percentage, submission_id, created_by, updated_by, completed_by,
	created_at, updated_at, completed_at, last_auto_save_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanForm(row rowScanner) (FormInstance, error) {
	var (
		item          FormInstance
		status        string
		priority      string
		checkboxesRaw []byte
		dataRaw       []byte
		acknowledged  sql.NullBool
		submissionID  sql.NullString
		completedBy   sql.NullString
		completedAt   sql.NullTime
		lastAutoSave  sql.NullTime
	)
	err := row.Scan(
		&item.ID,
		&item.ClientID,
		&item.FormType,
		&status,
		&priority,
		&checkboxesRaw,
		&acknowledged,
		&item.Payload.Signature,
		&dataRaw,
		&item.CompletionPercentage,
		&submissionID,
		&item.CreatedBy,
		&item.UpdatedBy,
		&completedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
		&completedAt,
		&lastAutoSave,
	)
	if err != nil {
		return FormInstance{}, err
	}
	item.Status = lifecycle.Status(status)
	item.Priority = catalog.Priority(priority)
	if err := json.Unmarshal(checkboxesRaw, &item.Payload.Checkboxes); err != nil {
		return FormInstance{}, fmt.Errorf("decode checkboxes for %s: %w", item.ID, err)
	}
	if err := json.Unmarshal(dataRaw, &item.Payload.Data); err != nil {
		return FormInstance{}, fmt.Errorf("decode form data for %s: %w", item.ID, err)
	}
	if acknowledged.Valid {
		value := acknowledged.Bool
		item.Payload.Acknowledged = &value
	}
	if submissionID.Valid {
		item.SubmissionID = &submissionID.String
	}
	if completedBy.Valid {
		item.CompletedBy = &completedBy.String
	}
	if completedAt.Valid {
		item.CompletedAt = &completedAt.Time
	}
	if lastAutoSave.Valid {
		item.LastAutoSaveAt = &lastAutoSave.Time
	}
	return item, nil
}

func listForms(ctx context.Context, q queryer, query string, args ...any) ([]FormInstance, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]FormInstance, 0)
	for rows.Next() {
		item, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forms: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ClientExists(ctx context.Context, clientID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM clients WHERE id=$1)`, clientID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check client: %w", err)
	}
	return exists, nil
}

// UpsertClient provisions a client row. Production clients come from the
// intake system of record; this exists for seeding and tests.
func (s *PostgresStore) UpsertClient(ctx context.Context, client Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name
	`, client.ID, client.DisplayName)
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

// GetForm returns sql.ErrNoRows when the pair has never been saved.
func (s *PostgresStore) GetForm(ctx context.Context, clientID, formType string) (FormInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+formColumns+`
		FROM form_instances
		WHERE client_id=$1 AND form_type=$2
	`, clientID, formType)
	return scanForm(row)
}

func (s *PostgresStore) ListForms(ctx context.Context, clientID string) ([]FormInstance, error) {
	items, err := listForms(ctx, s.db, `SELECT `+formColumns+`
		FROM form_instances
		WHERE client_id=$1
		ORDER BY form_type
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	return items, nil
}

// UpsertForm locks the (clientID, formType) row, hands it to mutate and
// writes the result in the same transaction.
func (s *PostgresStore) UpsertForm(ctx context.Context, clientID, formType string, mutate FormMutator) (UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("begin form tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := upsertFormTx(ctx, tx, clientID, formType, mutate)
	if err != nil {
		return UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit form tx: %w", err)
	}
	return result, nil
}

// BulkUpsertForms applies every item inside one transaction. Items are
// processed in the order given, so callers should pass them sorted by form
// type to keep lock ordering stable across writers.
func (s *PostgresStore) BulkUpsertForms(ctx context.Context, clientID string, items []BulkItem) ([]UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bulk tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	results := make([]UpsertResult, 0, len(items))
	for _, item := range items {
		result, err := upsertFormTx(ctx, tx, clientID, item.FormType, item.Mutate)
		if err != nil {
			return nil, fmt.Errorf("bulk %s: %w", item.FormType, err)
		}
		results = append(results, result)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bulk tx: %w", err)
	}
	return results, nil
}

func upsertFormTx(ctx context.Context, tx *sql.Tx, clientID, formType string, mutate FormMutator) (UpsertResult, error) {
	var existing *FormInstance
	current, err := scanForm(tx.QueryRowContext(ctx, `SELECT `+formColumns+`
		FROM form_instances
		WHERE client_id=$1 AND form_type=$2
		FOR UPDATE
	`, clientID, formType))
	switch {
	case err == nil:
		existing = &current
	case errors.Is(err, sql.ErrNoRows):
	default:
		return UpsertResult{}, fmt.Errorf("lock form: %w", err)
	}

	next, write, err := mutate(existing)
	if err != nil {
		return UpsertResult{}, err
	}
	if !write {
		if existing != nil {
			return UpsertResult{Form: *existing}, nil
		}
		return UpsertResult{Form: next}, nil
	}

	checkboxes := next.Payload.Checkboxes
	if checkboxes == nil {
		checkboxes = map[string]bool{}
	}
	encodedCheckboxes, err := json.Marshal(checkboxes)
	if err != nil {
		return UpsertResult{}, &forms.SerializationError{Field: "checkboxes", Err: err}
	}
	data := next.Payload.Data
	if data == nil {
		data = map[string]any{}
	}
	encodedData, err := json.Marshal(data)
	if err != nil {
		return UpsertResult{}, &forms.SerializationError{Field: "data", Err: err}
	}

	var acknowledged sql.NullBool
	if next.Payload.Acknowledged != nil {
		acknowledged = sql.NullBool{Bool: *next.Payload.Acknowledged, Valid: true}
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO form_instances (
			id, client_id, form_type, status, priority, checkboxes, acknowledged, signature, form_data,
			completion_percentage, submission_id, created_by, updated_by, completed_by,
			completed_at, last_auto_save_at
		)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9::jsonb, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (client_id, form_type) DO UPDATE SET
			status=EXCLUDED.status,
			priority=EXCLUDED.priority,
			checkboxes=EXCLUDED.checkboxes,
			acknowledged=EXCLUDED.acknowledged,
			signature=EXCLUDED.signature,
			form_data=EXCLUDED.form_data,
			completion_percentage=EXCLUDED.completion_percentage,
			submission_id=EXCLUDED.submission_id,
			updated_by=EXCLUDED.updated_by,
			completed_by=EXCLUDED.completed_by,
			completed_at=EXCLUDED.completed_at,
			last_auto_save_at=EXCLUDED.last_auto_save_at,
			updated_at=NOW()
		RETURNING `+formColumns+`, (xmax = 0) AS inserted
	`,
		next.ID,
		clientID,
		formType,
		string(next.Status),
		string(next.Priority),
		string(encodedCheckboxes),
		acknowledged,
		next.Payload.Signature,
		string(encodedData),
		next.CompletionPercentage,
		next.SubmissionID,
		next.CreatedBy,
		next.UpdatedBy,
		next.CompletedBy,
		next.CompletedAt,
		next.LastAutoSaveAt,
	)

	var inserted bool
	saved, err := scanForm(insertedScanner{row: row, inserted: &inserted})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert form: %w", err)
	}
	return UpsertResult{Form: saved, Created: inserted, Written: true}, nil
}

// insertedScanner appends the trailing inserted flag of an upsert to the
// standard form column list.
type insertedScanner struct {
	row      rowScanner
	inserted *bool
}

func (s insertedScanner) Scan(dest ...any) error {
	return s.row.Scan(append(dest, s.inserted)...)
}

// SubmitForms locks every form of the client, runs gate over them and, if
// it passes, records the submission and moves each completed form to
// submitted. Everything happens in one transaction.
func (s *PostgresStore) SubmitForms(ctx context.Context, submission Submission, gate SubmissionGate) (SubmitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("begin submit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	locked, err := listForms(ctx, tx, `SELECT `+formColumns+`
		FROM form_instances
		WHERE client_id=$1
		ORDER BY form_type
		FOR UPDATE
	`, submission.ClientID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("lock forms: %w", err)
	}
	if err := gate(locked); err != nil {
		return SubmitResult{}, err
	}

	status := submission.Status
	if status == "" {
		status = string(lifecycle.StatusSubmitted)
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO submissions (id, client_id, submission_notes, submitted_by, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, client_id, submission_notes, submitted_by, submitted_at, status
	`, submission.ID, submission.ClientID, submission.Notes, submission.SubmittedBy, status).Scan(
		&submission.ID,
		&submission.ClientID,
		&submission.Notes,
		&submission.SubmittedBy,
		&submission.SubmittedAt,
		&submission.Status,
	)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("insert submission: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE form_instances
		SET status='submitted', submission_id=$2, updated_by=$3, updated_at=NOW()
		WHERE client_id=$1 AND status='completed'
		RETURNING form_type
	`, submission.ClientID, submission.ID, submission.SubmittedBy)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit forms: %w", err)
	}
	moved := make([]string, 0)
	for rows.Next() {
		var formType string
		if err := rows.Scan(&formType); err != nil {
			rows.Close()
			return SubmitResult{}, fmt.Errorf("scan submitted form: %w", err)
		}
		moved = append(moved, formType)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return SubmitResult{}, fmt.Errorf("iterate submitted forms: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SubmitResult{}, fmt.Errorf("commit submit tx: %w", err)
	}
	return SubmitResult{Submission: submission, SubmittedForms: moved}, nil
}

// LatestSubmission returns nil when the client has never submitted.
func (s *PostgresStore) LatestSubmission(ctx context.Context, clientID string) (*Submission, error) {
	var item Submission
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, submission_notes, submitted_by, submitted_at, status
		FROM submissions
		WHERE client_id=$1
		ORDER BY submitted_at DESC, id DESC
		LIMIT 1
	`, clientID).Scan(&item.ID, &item.ClientID, &item.Notes, &item.SubmittedBy, &item.SubmittedAt, &item.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest submission: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
