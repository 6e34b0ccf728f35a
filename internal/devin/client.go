// Package devin is a REST client for the Devin agent API
// (https://api.devin.ai/v1). It implements the agent-client port used by the
// dispatcher and reconciler: sessions are created idempotently with a task
// prompt and polled for status, pull-request, and structured-output updates.
package devin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jaakkos/flagsweep/internal/app"
)

const (
	defaultBaseURL = "https://api.devin.ai/v1"

	// Cap on how much of an error response body ends up in the error message.
	errBodyLimit = 512
)

// Client talks to the Devin API with Bearer authentication.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New returns a client for the given API endpoint. An empty baseURL selects
// the public Devin API.
func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type createSessionRequest struct {
	Prompt      string   `json:"prompt"`
	Idempotent  bool     `json:"idempotent"`
	MaxACULimit int      `json:"max_acu_limit,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Title       string   `json:"title,omitempty"`
}

type createSessionResponse struct {
	SessionID    string `json:"session_id"`
	URL          string `json:"url"`
	IsNewSession *bool  `json:"is_new_session"`
}

// sessionDetails is the wire shape of GET /sessions/{id}. Only the fields
// the orchestrator consumes are declared.
type sessionDetails struct {
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	StatusEnum string `json:"status_enum"`
	Title      string `json:"title"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
	StructuredOutput map[string]any `json:"structured_output"`
	Tags             []string       `json:"tags"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
}

// SessionSummary is one entry of the account-wide session listing.
type SessionSummary struct {
	SessionID  string   `json:"session_id"`
	Status     string   `json:"status"`
	StatusEnum string   `json:"status_enum"`
	Title      string   `json:"title"`
	Tags       []string `json:"tags"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
}

// CreateSession starts a remote agent session for the given task. Creation
// is requested idempotently, so retrying after a dropped response reattaches
// to the session instead of starting a second one.
func (c *Client) CreateSession(ctx context.Context, prompt, title string, tags []string, maxACU int) (*app.CreatedSession, error) {
	body := createSessionRequest{
		Prompt:      prompt,
		Idempotent:  true,
		MaxACULimit: maxACU,
		Tags:        tags,
		Title:       title,
	}
	var decoded createSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &decoded); err != nil {
		return nil, err
	}
	if decoded.SessionID == "" {
		return nil, fmt.Errorf("devin api: create session response missing session_id")
	}
	isNew := true
	if decoded.IsNewSession != nil {
		isNew = *decoded.IsNewSession
	}
	return &app.CreatedSession{
		RemoteID: decoded.SessionID,
		URL:      decoded.URL,
		IsNew:    isNew,
	}, nil
}

// GetSession fetches a fresh snapshot of one remote session. The snapshot's
// status is the API's status_enum when present, otherwise the legacy status
// field; callers normalize it before comparing.
func (c *Client) GetSession(ctx context.Context, remoteID string) (*app.Snapshot, error) {
	var decoded sessionDetails
	if err := c.do(ctx, http.MethodGet, "/sessions/"+remoteID, nil, &decoded); err != nil {
		return nil, err
	}
	status := decoded.StatusEnum
	if status == "" {
		status = decoded.Status
	}
	snap := &app.Snapshot{
		RemoteID: decoded.SessionID,
		Status:   status,
		Output:   decoded.StructuredOutput,
	}
	if decoded.PullRequest != nil {
		snap.PRURL = decoded.PullRequest.URL
	}
	return snap, nil
}

// SendMessage delivers a user message to an active session, typically to
// unblock one that is waiting for input.
func (c *Client) SendMessage(ctx context.Context, remoteID, message string) error {
	body := map[string]string{"message": message}
	return c.do(ctx, http.MethodPost, "/sessions/"+remoteID+"/messages", body, nil)
}

// ListSessions returns the account's sessions as reported by the API.
func (c *Client) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	var decoded []SessionSummary
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// do performs one API call: marshals body (when non-nil), sends the request
// with auth headers, maps non-2xx responses to an error carrying a body
// excerpt, and decodes the response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("devin api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		msg := strings.TrimSpace(string(excerpt))
		if msg == "" {
			return fmt.Errorf("devin api: %s %s: %s", method, path, resp.Status)
		}
		return fmt.Errorf("devin api: %s %s: %s: %s", method, path, resp.Status, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
