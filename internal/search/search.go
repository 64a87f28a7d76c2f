package search

import "time"

// Result is a single submission hit returned to reviewers.
type Result struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clientId"`
	Status      string    `json:"status"`
	SubmittedBy string    `json:"submittedBy"`
	SubmittedAt time.Time `json:"submittedAt"`
	Snippet     string    `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text     string
	ClientID string // empty = all clients
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// SubmissionRecord is the data we index for a submission.
type SubmissionRecord struct {
	ID          string   `json:"id"`
	ClientID    string   `json:"clientId"`
	Notes       string   `json:"submissionNotes"`
	SubmittedBy string   `json:"submittedBy"`
	Status      string   `json:"status"`
	SubmittedAt string   `json:"submittedAt"`
	FormTypes   []string `json:"formTypes"`
}

const defaultLimit = 20

func normalizeQuery(q Query) Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = defaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
