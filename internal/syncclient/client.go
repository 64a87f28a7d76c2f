// Package syncclient keeps a local draft of one intake form in step with
// the intake API.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Form mirrors the form representation returned by the API.
type Form struct {
	ID                   string          `json:"id"`
	ClientID             string          `json:"clientId"`
	FormType             string          `json:"formType"`
	Status               string          `json:"status"`
	Priority             string          `json:"priority"`
	Checkboxes           map[string]bool `json:"checkboxes"`
	Acknowledged         *bool           `json:"acknowledged"`
	Signature            string          `json:"signature"`
	Data                 map[string]any  `json:"data"`
	CompletionPercentage int             `json:"completionPercentage"`
	SubmissionID         *string         `json:"submissionId"`
	UpdatedAt            time.Time       `json:"updatedAt"`
	LastAutoSaveAt       *time.Time      `json:"lastAutoSaveAt"`
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("intake api %d %s: %s", e.Status, e.Code, e.Message)
}

// FieldErrors returns per-field validation messages, if any.
func (e *APIError) FieldErrors() map[string]string {
	fields, _ := e.Details["fields"].(map[string]any)
	out := make(map[string]string, len(fields))
	for key, value := range fields {
		if message, ok := value.(string); ok {
			out[key] = message
		}
	}
	return out
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsConflict reports whether err is a finalized-form conflict.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient targets an API rooted at baseURL, e.g. "https://intake.example/api".
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func (c *Client) formPath(clientID, formType string) string {
	return fmt.Sprintf("%s/clients/%s/forms/%s", c.baseURL, url.PathEscape(clientID), url.PathEscape(formType))
}

func (c *Client) GetForm(ctx context.Context, clientID, formType string) (Form, error) {
	var response struct {
		Form Form `json:"form"`
	}
	if _, err := c.do(ctx, http.MethodGet, c.formPath(clientID, formType), nil, &response); err != nil {
		return Form{}, err
	}
	return response.Form, nil
}

// SaveForm performs a validated save. created is true when the server
// inserted the form.
func (c *Client) SaveForm(ctx context.Context, clientID, formType string, payload map[string]any) (form Form, created bool, err error) {
	var response struct {
		Form    Form `json:"form"`
		Created bool `json:"created"`
	}
	if _, err := c.do(ctx, http.MethodPost, c.formPath(clientID, formType), payload, &response); err != nil {
		return Form{}, false, err
	}
	return response.Form, response.Created, nil
}

// AutosaveForm persists a partial draft. saved is false when the server
// left a finalized form untouched.
func (c *Client) AutosaveForm(ctx context.Context, clientID, formType string, payload map[string]any) (form Form, saved bool, err error) {
	var response struct {
		Form  Form `json:"form"`
		Saved bool `json:"saved"`
	}
	if _, err := c.do(ctx, http.MethodPost, c.formPath(clientID, formType)+"/autosave", payload, &response); err != nil {
		return Form{}, false, err
	}
	return response.Form, response.Saved, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, target any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var envelope struct {
			Code    string         `json:"code"`
			Error   string         `json:"error"`
			Details map[string]any `json:"details"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return resp.StatusCode, &APIError{
			Status:  resp.StatusCode,
			Code:    envelope.Code,
			Message: envelope.Error,
			Details: envelope.Details,
		}
	}
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
