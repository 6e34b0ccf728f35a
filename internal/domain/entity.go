// Package domain holds the orchestration entities: removal requests, agent
// sessions, and session logs. It has no dependencies on other packages.
package domain

import (
	"strings"
	"time"
)

// RequestStatus is the aggregate status of a removal request. It is derived
// from the request's sessions and never set independently after creation.
type RequestStatus string

const (
	RequestQueued     RequestStatus = "queued"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Terminal reports whether the request status is final.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// ValidRequestStatus reports whether s is a known request status value.
func ValidRequestStatus(s string) bool {
	switch RequestStatus(s) {
	case RequestQueued, RequestInProgress, RequestCompleted, RequestFailed:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of one agent session.
// pending → claimed → {working, blocked} → {finished, expired};
// any state → failed.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionClaimed  SessionStatus = "claimed"
	SessionWorking  SessionStatus = "working"
	SessionBlocked  SessionStatus = "blocked"
	SessionFinished SessionStatus = "finished"
	SessionExpired  SessionStatus = "expired"
	SessionFailed   SessionStatus = "failed"
)

// Terminal reports whether the session status is final. Transitions into a
// terminal status are idempotent; completion side effects are guarded by
// CompletedAt being unset.
func (s SessionStatus) Terminal() bool {
	return s == SessionFinished || s == SessionExpired || s == SessionFailed
}

// Active reports whether the session occupies a slot under the concurrency
// ceiling: dispatched to the agent service and not yet terminal. Pending
// sessions hold no slot.
func (s SessionStatus) Active() bool {
	return s == SessionClaimed || s == SessionWorking || s == SessionBlocked
}

// MapRemoteStatus normalizes a status string reported by the agent service.
// The remote vocabulary also contains suspend/resume variants this system
// has no transition for; those (and anything else unrecognized) return
// ok=false and the caller logs instead of transitioning.
func MapRemoteStatus(remote string) (SessionStatus, bool) {
	switch SessionStatus(strings.ToLower(strings.TrimSpace(remote))) {
	case SessionClaimed:
		return SessionClaimed, true
	case SessionWorking:
		return SessionWorking, true
	case SessionBlocked:
		return SessionBlocked, true
	case SessionFinished:
		return SessionFinished, true
	case SessionExpired:
		return SessionExpired, true
	}
	return "", false
}

// Log levels for session log entries.
const (
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
)

// Event categories for session log entries.
const (
	EventSessionCreated = "session_created"
	EventStatusChange   = "status_change"
	EventCompletion     = "completion"
	EventTimeout        = "timeout"
	EventError          = "error"
)

// RemovalRequest is one user-submitted order to remove a feature flag,
// fanned out into one AgentSession per target repository.
type RemovalRequest struct {
	ID           int64         `json:"id"`
	FlagKey      string        `json:"flag_key"`
	Repositories []string      `json:"repositories"`
	Provider     string        `json:"feature_flag_provider,omitempty"`
	Mode         string        `json:"mode,omitempty"` // "" (remove) or "dry-run"
	Status       RequestStatus `json:"status"`
	CreatedBy    string        `json:"created_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ErrorMessage string        `json:"error_message,omitempty"`
	TotalACU     int           `json:"total_acu_consumed"`
}

// AgentSession is one unit of delegated work against a single repository.
// RequestID is 0 for standalone discovery sessions that have no parent.
type AgentSession struct {
	ID           int64         `json:"id"`
	RequestID    int64         `json:"removal_request_id,omitempty"`
	Repository   string        `json:"repository"`
	RemoteID     string        `json:"remote_session_id,omitempty"`
	RemoteURL    string        `json:"remote_session_url,omitempty"`
	Status       SessionStatus `json:"status"`
	PRURL        string        `json:"pr_url,omitempty"`
	Output       string        `json:"structured_output,omitempty"` // opaque JSON text
	StartedAt    time.Time     `json:"started_at,omitempty"`        // set once, at dispatch
	CompletedAt  time.Time     `json:"completed_at,omitempty"`      // set once, at first terminal observation
	ErrorMessage string        `json:"error_message,omitempty"`
	ACUConsumed  int           `json:"acu_consumed"`
	MaxACULimit  int           `json:"max_acu_limit"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Standalone reports whether the session has no parent removal request.
func (s *AgentSession) Standalone() bool {
	return s.RequestID == 0
}

// SessionLog is an immutable audit record attached to a session.
// Ordering is by timestamp, ties broken by insertion order (ID).
type SessionLog struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"log_level"`
	Message   string    `json:"message"`
	Event     string    `json:"event_type"`
}

// NewRemovalRequest returns a queued request with timestamps set.
func NewRemovalRequest(flagKey string, repositories []string, provider, mode, createdBy string, now time.Time) *RemovalRequest {
	return &RemovalRequest{
		FlagKey:      flagKey,
		Repositories: repositories,
		Provider:     provider,
		Mode:         mode,
		Status:       RequestQueued,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewPendingSession returns a pending session for one repository.
// requestID 0 creates a standalone discovery session.
func NewPendingSession(requestID int64, repository string, maxACU int, now time.Time) *AgentSession {
	return &AgentSession{
		RequestID:   requestID,
		Repository:  repository,
		Status:      SessionPending,
		MaxACULimit: maxACU,
		CreatedAt:   now,
	}
}

// NewSessionLog returns a log entry for a session.
func NewSessionLog(sessionID int64, level, message, event string, now time.Time) *SessionLog {
	return &SessionLog{
		SessionID: sessionID,
		Timestamp: now,
		Level:     level,
		Message:   message,
		Event:     event,
	}
}
