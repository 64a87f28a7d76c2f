package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PgFTS searches submissions with PostgreSQL full-text search. It is the
// fallback whenever Meilisearch is absent or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalizeQuery(q)

	const where = `
		FROM submissions s
		WHERE s.search_vector @@ plainto_tsquery('english', $1)
			AND ($2 = '' OR s.client_id = $2)`

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*)`+where, q.Text, q.ClientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.client_id, s.status, s.submitted_by, s.submitted_at,
			ts_headline('english', coalesce(s.submission_notes, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30')
		`+where+`
		ORDER BY ts_rank(s.search_vector, plainto_tsquery('english', $1)) DESC, s.submitted_at DESC
		LIMIT $3 OFFSET $4
	`, q.Text, q.ClientID, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ClientID, &r.Status, &r.SubmittedBy, &r.SubmittedAt, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every submission with the form types it moved.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SubmissionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.client_id, s.submission_notes, s.submitted_by, s.status, s.submitted_at,
			COALESCE(array_to_json(array_agg(f.form_type ORDER BY f.form_type) FILTER (WHERE f.form_type IS NOT NULL)), '[]'::json)::text
		FROM submissions s
		LEFT JOIN form_instances f ON f.submission_id = s.id
		GROUP BY s.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load submissions: %w", err)
	}
	defer rows.Close()

	records := make([]SubmissionRecord, 0)
	for rows.Next() {
		var (
			r           SubmissionRecord
			submittedAt time.Time
			formTypes   string
		)
		if err := rows.Scan(&r.ID, &r.ClientID, &r.Notes, &r.SubmittedBy, &r.Status, &submittedAt, &formTypes); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		r.SubmittedAt = submittedAt.UTC().Format(time.RFC3339Nano)
		if err := json.Unmarshal([]byte(formTypes), &r.FormTypes); err != nil {
			return nil, fmt.Errorf("decode form types for %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return records, nil
}
