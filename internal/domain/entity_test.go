package domain

import (
	"testing"
	"time"
)

func TestRequestStatusTerminal(t *testing.T) {
	terminal := map[RequestStatus]bool{
		RequestQueued:     false,
		RequestInProgress: false,
		RequestCompleted:  true,
		RequestFailed:     true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestValidRequestStatus(t *testing.T) {
	for _, s := range []string{"queued", "in_progress", "completed", "failed"} {
		if !ValidRequestStatus(s) {
			t.Errorf("ValidRequestStatus(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "done", "QUEUED", "pending"} {
		if ValidRequestStatus(s) {
			t.Errorf("ValidRequestStatus(%q) = true, want false", s)
		}
	}
}

// Every session status is terminal, active, or pending; no status is two of
// those at once.
func TestSessionStatusPartition(t *testing.T) {
	tests := []struct {
		status   SessionStatus
		active   bool
		terminal bool
	}{
		{SessionPending, false, false},
		{SessionClaimed, true, false},
		{SessionWorking, true, false},
		{SessionBlocked, true, false},
		{SessionFinished, false, true},
		{SessionExpired, false, true},
		{SessionFailed, false, true},
	}
	for _, tt := range tests {
		if got := tt.status.Active(); got != tt.active {
			t.Errorf("%s.Active() = %v, want %v", tt.status, got, tt.active)
		}
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestMapRemoteStatus(t *testing.T) {
	tests := []struct {
		remote string
		want   SessionStatus
		ok     bool
	}{
		{"working", SessionWorking, true},
		{"claimed", SessionClaimed, true},
		{"blocked", SessionBlocked, true},
		{"finished", SessionFinished, true},
		{"expired", SessionExpired, true},
		{"FINISHED", SessionFinished, true},
		{"  working  ", SessionWorking, true},
		{"suspend_requested", "", false},
		{"suspend_requested_frontend", "", false},
		{"resumed", "", false},
		{"resume_requested", "", false},
		{"pending", "", false}, // remote never reports our local-only state
		{"failed", "", false},  // failed is assigned locally, never mapped in
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := MapRemoteStatus(tt.remote)
		if ok != tt.ok || got != tt.want {
			t.Errorf("MapRemoteStatus(%q) = (%q, %v), want (%q, %v)", tt.remote, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNewRemovalRequest(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	req := NewRemovalRequest("checkout-v2", []string{"https://github.com/acme/api"}, "launchdarkly", "dry-run", "alice", now)

	if req.Status != RequestQueued {
		t.Errorf("status = %q, want queued", req.Status)
	}
	if req.FlagKey != "checkout-v2" || req.Provider != "launchdarkly" || req.Mode != "dry-run" || req.CreatedBy != "alice" {
		t.Errorf("request fields = %+v", req)
	}
	if !req.CreatedAt.Equal(now) || !req.UpdatedAt.Equal(now) {
		t.Errorf("timestamps = %v / %v, want both %v", req.CreatedAt, req.UpdatedAt, now)
	}
	if req.TotalACU != 0 {
		t.Errorf("TotalACU = %d, want 0 before any session reports", req.TotalACU)
	}
}

func TestNewPendingSession(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sess := NewPendingSession(7, "https://github.com/acme/api", 500, now)
	if sess.Status != SessionPending {
		t.Errorf("status = %q, want pending", sess.Status)
	}
	if sess.RequestID != 7 || sess.Standalone() {
		t.Errorf("RequestID = %d, Standalone = %v, want parented session", sess.RequestID, sess.Standalone())
	}
	if sess.MaxACULimit != 500 {
		t.Errorf("MaxACULimit = %d, want 500", sess.MaxACULimit)
	}
	if !sess.StartedAt.IsZero() || !sess.CompletedAt.IsZero() {
		t.Error("StartedAt and CompletedAt must be unset until dispatch and completion")
	}

	discovery := NewPendingSession(0, "https://github.com/acme/api", 500, now)
	if !discovery.Standalone() {
		t.Error("requestID 0 must create a standalone discovery session")
	}
}

func TestNewSessionLog(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := NewSessionLog(42, LogError, "Session timed out after 15 minutes", EventTimeout, now)

	if entry.SessionID != 42 {
		t.Errorf("SessionID = %d, want 42", entry.SessionID)
	}
	if entry.Level != LogError || entry.Event != EventTimeout {
		t.Errorf("level/event = %q/%q, want error/timeout", entry.Level, entry.Event)
	}
	if !entry.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", entry.Timestamp, now)
	}
}
