package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaakkos/flagsweep/internal/domain"
)

// markDispatched flips a pending session to claimed with a remote identity,
// the way the dispatcher records a successful create.
func markDispatched(t *testing.T, store *fakeStore, sess *domain.AgentSession, remoteID string, at time.Time) {
	t.Helper()
	sess.Status = domain.SessionClaimed
	sess.RemoteID = remoteID
	sess.RemoteURL = "https://app.devin.ai/sessions/" + remoteID
	sess.StartedAt = at
	if err := store.UpdateSession(sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
}

func TestReconciler_AppliesRemoteStatus(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	req, sessions := seedRequest(t, store, "checkout-v2", "https://github.com/acme/api")
	markDispatched(t, store, sessions[0], "devin-1", time.Now().UTC())
	agent.setSnapshot("devin-1", &Snapshot{RemoteID: "devin-1", Status: "working"})

	r := NewReconciler(store, agent, testLogger())
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	got, _ := store.SessionByID(sessions[0].ID)
	if got.Status != domain.SessionWorking {
		t.Errorf("session status = %q, want working", got.Status)
	}
	if entries := logsByEvent(t, store, got.ID, domain.EventStatusChange); len(entries) != 1 {
		t.Errorf("status_change log entries = %d, want 1", len(entries))
	}
	parent, _ := store.RequestByID(req.ID)
	if parent.Status != domain.RequestInProgress {
		t.Errorf("request status = %q, want in_progress", parent.Status)
	}
}

func TestReconciler_StatusChangeLoggedOnlyOnChange(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	_, sessions := seedRequest(t, store, "checkout-v2", "https://github.com/acme/api")
	markDispatched(t, store, sessions[0], "devin-1", time.Now().UTC())
	agent.setSnapshot("devin-1", &Snapshot{RemoteID: "devin-1", Status: "working"})

	r := NewReconciler(store, agent, testLogger())
	for i := 0; i < 2; i++ {
		if err := r.PollOnce(context.Background()); err != nil {
			t.Fatalf("PollOnce #%d: %v", i+1, err)
		}
	}

	if entries := logsByEvent(t, store, sessions[0].ID, domain.EventStatusChange); len(entries) != 1 {
		t.Errorf("status_change log entries after 2 passes = %d, want 1", len(entries))
	}
}

func TestReconciler_NormalizesRemoteStatusCase(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	_, sessions := seedRequest(t, store, "checkout-v2", "https://github.com/acme/api")
	markDispatched(t, store, sessions[0], "devin-1", time.Now().UTC())
	agent.setSnapshot("devin-1", &Snapshot{RemoteID: "devin-1", Status: "FINISHED"})

	r := NewReconciler(store, agent, testLogger())
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	got, _ := store.SessionByID(sessions[0].ID)
	if got.Status != domain.SessionFinished {
		t.Errorf("session status = %q, want finished", got.Status)
	}
}

func TestReconciler_UnknownRemoteStatusKeepsLocal(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	req, sessions := seedRequest(t, store, "checkout-v2", "https://github.com/acme/api")
	markDispatched(t, store, sessions[0], "devin-1", time.Now().UTC())
	agent.setSnapshot("devin-1", &Snapshot{RemoteID: "devin-1", Status: "suspend_requested_frontend"})

	r := NewReconciler(store, agent, testLogger())
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	got, _ := store.SessionByID(sessions[0].ID)
	if got.Status != domain.SessionClaimed {
		t.Errorf("session status = %q, want claimed kept on unknown remote status", got.Status)
	}
	if entries := logsByEvent(t, store, got.ID, domain.EventStatusChange); len(entries) != 0 {
		t.Errorf("status_change log entries = %d, want 0", len(entries))
	}
	parent, _ := store.RequestByID(req.ID)
	if parent.Status != domain.RequestInProgress {
		t.Errorf("request status = %q, want in_progress", parent.Status)
	}
}

func TestReconciler_CapturesPRURLPayloadAndACU(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	_, sessions := seedRequest(t, store, "checkout-v2", "https://github.com/acme/api")
	markDispatched(t, store, sessions[0], "devin-1", time.Now().UTC())
	agent.setSnapshot("devin-1", &Snapshot{
		RemoteID: "devin-1",
		Status:   "finished",
		PRURL:    "https://github.com/acme/api/pull/41",
		Output: map[string]any{
			"pr_url":              "https://github.com/acme/api/pull/41",
			"occurrences_removed": float64(7),
			"acu_consumed":        float64(100),
			"acu_used":            float64(999), // first key match wins
		},
	})

	r := NewReconciler(store, agent, testLogger())
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	got, _ := store.SessionByID(sessions[0].ID)
	if got.PRURL != "https://github.com/acme/api/pull/41" {
		t.Errorf("PRURL = %q, want the pull request recorded", got.PRURL)
	}
	if got.ACUConsumed != 100 {
		t.Errorf("ACUConsumed = %d, want 100", got.ACUConsumed)
	}
	if !strings.Contains(got.Output, "occurrences_removed") {
		t.Errorf("Output = %q, want the structured payload stored as JSON", got.Output)
	}
}

func TestReconciler_ACUFallbackKeys(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	_, sessions := seedRequest(t, store, "checkout-v2", "https://github.com/acme/api")
	markDispatched(t, store, sessions[0], "devin-1", time.Now().UTC())
	agent.setSnapshot("devin-1", &Snapshot{
		RemoteID: "devin-1",
		Status:   "working",
		Output:   map[string]any{"acus_used": 42},
	})

	r := NewReconciler(store, agent, testLogger())
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	got, _ := store.SessionByID(sessions[0].ID)
	if got.ACUConsumed != 42 {
		t.Errorf("ACUConsumed = %d, want 42 from fallback key", got.ACUConsumed)
	}
}

func TestReconciler_CompletionSetsCompletedAtOnce(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	_, sessions := seedRequest(t, store, "checkout-v2", "https://github.com/acme/api")
	markDispatched(t, store, sessions[0], "devin-1", clock.Now())
	agent.setSnapshot("devin-1", &Snapshot{RemoteID: "devin-1", Status: "finished"})

	r := NewReconciler(store, agent, testLogger(), WithReconcileClock(clock.Now))
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	got, _ := store.SessionByID(sessions[0].ID)
	if got.Status != domain.SessionFinished {
		t.Fatalf("session status = %q, want finished", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("expected CompletedAt set on first terminal observation")
	}
	firstCompleted := got.CompletedAt
	if entries := logsByEvent(t, store, got.ID, domain.EventCompletion); len(entries) != 1 {
		t.Fatalf("completion log entries = %d, want 1", len(entries))
	}

	// Re-observing the same terminal snapshot later must not fire completion
	// handling again.
	clock.Advance(5 * time.Minute)
	if err := r.pollSession(context.Background(), got); err != nil {
		t.Fatalf("pollSession: %v", err)
	}

	got, _ = store.SessionByID(sessions[0].ID)
	if !got.CompletedAt.Equal(firstCompleted) {
		t.Errorf("CompletedAt moved from %v to %v on re-observation", firstCompleted, got.CompletedAt)
	}
	if entries := logsByEvent(t, store, got.ID, domain.EventCompletion); len(entries) != 1 {
		t.Errorf("completion log entries after re-observation = %d, want 1", len(entries))
	}
}

func TestReconciler_TimeoutExpiresWorkingSession(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	req, sessions := seedRequest(t, store, "checkout-v2", "https://github.com/acme/api")
	markDispatched(t, store, sessions[0], "devin-1", start)
	agent.setSnapshot("devin-1", &Snapshot{RemoteID: "devin-1", Status: "working"})

	r := NewReconciler(store, agent, testLogger(), WithReconcileClock(clock.Now))

	clock.Advance(16 * time.Minute)
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	got, _ := store.SessionByID(sessions[0].ID)
	if got.Status != domain.SessionExpired {
		t.Errorf("session status = %q, want expired", got.Status)
	}
	if got.ErrorMessage != "Session timed out after 15 minutes" {
		t.Errorf("error message = %q, want the timeout message", got.ErrorMessage)
	}
	if got.CompletedAt.IsZero() {
		t.Error("expected CompletedAt set on timeout")
	}
	entries := logsByEvent(t, store, got.ID, domain.EventTimeout)
	if len(entries) != 1 {
		t.Fatalf("timeout log entries = %d, want 1", len(entries))
	}
	if entries[0].Level != domain.LogError {
		t.Errorf("timeout log level = %q, want error", entries[0].Level)
	}
	parent, _ := store.RequestByID(req.ID)
	if parent.Status != domain.RequestFailed {
		t.Errorf("request status = %q, want failed after timeout", parent.Status)
	}
}

func TestReconciler_BlockedSessionNotTimedOut(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	_, sessions := seedRequest(t, store, "checkout-v2", "https://github.com/acme/api")
	markDispatched(t, store, sessions[0], "devin-1", start)
	agent.setSnapshot("devin-1", &Snapshot{RemoteID: "devin-1", Status: "blocked"})

	r := NewReconciler(store, agent, testLogger(), WithReconcileClock(clock.Now))

	// Far past the threshold, but blocked sessions wait on a human and are
	// never force-expired.
	clock.Advance(2 * time.Hour)
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	got, _ := store.SessionByID(sessions[0].ID)
	if got.Status != domain.SessionBlocked {
		t.Errorf("session status = %q, want blocked", got.Status)
	}
	if entries := logsByEvent(t, store, got.ID, domain.EventTimeout); len(entries) != 0 {
		t.Errorf("timeout log entries = %d, want 0", len(entries))
	}
}

func TestReconciler_PerSessionErrorsDoNotAbortPass(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	_, sessions := seedRequest(t, store, "checkout-v2",
		"https://github.com/acme/api", "https://github.com/acme/web")
	markDispatched(t, store, sessions[0], "devin-1", time.Now().UTC())
	markDispatched(t, store, sessions[1], "devin-2", time.Now().UTC())
	agent.getErr["devin-1"] = errors.New("gateway timeout")
	agent.setSnapshot("devin-2", &Snapshot{RemoteID: "devin-2", Status: "working"})

	r := NewReconciler(store, agent, testLogger())
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	// Failed item keeps its state and gets an error log entry.
	first, _ := store.SessionByID(sessions[0].ID)
	if first.Status != domain.SessionClaimed {
		t.Errorf("first session status = %q, want claimed left for retry", first.Status)
	}
	entries := logsByEvent(t, store, first.ID, domain.EventError)
	if len(entries) != 1 {
		t.Fatalf("error log entries = %d, want 1", len(entries))
	}
	if !strings.Contains(entries[0].Message, "gateway timeout") {
		t.Errorf("error log message = %q, want the cause recorded", entries[0].Message)
	}

	// The rest of the pass still ran.
	second, _ := store.SessionByID(sessions[1].ID)
	if second.Status != domain.SessionWorking {
		t.Errorf("second session status = %q, want working", second.Status)
	}
}

func TestReconciler_SkipsUndispatchedSessions(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	seedRequest(t, store, "checkout-v2", "https://github.com/acme/api")

	r := NewReconciler(store, agent, testLogger())
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	// The only session has no remote identity yet, so nothing was fetched.
	if n := len(agent.getCalls()); n != 0 {
		t.Errorf("GetSession calls = %d, want 0", n)
	}
}

func TestReconciler_ScenarioPartialCompletion(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	req, sessions := seedRequest(t, store, "checkout-v2",
		"https://github.com/acme/api", "https://github.com/acme/web")
	markDispatched(t, store, sessions[0], "devin-1", time.Now().UTC())
	markDispatched(t, store, sessions[1], "devin-2", time.Now().UTC())
	agent.setSnapshot("devin-1", &Snapshot{
		RemoteID: "devin-1",
		Status:   "finished",
		Output:   map[string]any{"acu_consumed": float64(100)},
	})
	agent.setSnapshot("devin-2", &Snapshot{RemoteID: "devin-2", Status: "blocked"})

	r := NewReconciler(store, agent, testLogger())
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	parent, _ := store.RequestByID(req.ID)
	if parent.Status != domain.RequestInProgress {
		t.Errorf("request status = %q, want in_progress with one session still blocked", parent.Status)
	}
	if parent.TotalACU != 100 {
		t.Errorf("request TotalACU = %d, want 100", parent.TotalACU)
	}
}

func TestReconciler_DiscoveryPayloadReachesSink(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	sink := &fakeSink{}
	sess := domain.NewPendingSession(0, "https://github.com/acme/api", 500, time.Now().UTC())
	if err := store.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	markDispatched(t, store, sess, "devin-1", time.Now().UTC())
	payload := map[string]any{
		"repository": "https://github.com/acme/api",
		"flags_found": []any{
			map[string]any{"flag_key": "checkout-v2", "occurrences": float64(3)},
		},
		"acu_consumed": float64(12),
	}
	agent.setSnapshot("devin-1", &Snapshot{RemoteID: "devin-1", Status: "finished", Output: payload})

	r := NewReconciler(store, agent, testLogger(), WithScanSink(sink))
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	calls := sink.recorded()
	if len(calls) != 1 {
		t.Fatalf("sink calls = %d, want 1", len(calls))
	}
	if calls[0].repository != "https://github.com/acme/api" {
		t.Errorf("sink repository = %q", calls[0].repository)
	}
	if _, ok := calls[0].payload["flags_found"]; !ok {
		t.Error("sink payload missing flags_found")
	}
}

func TestReconciler_RemovalPayloadNotSentToSink(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	sink := &fakeSink{}
	_, sessions := seedRequest(t, store, "checkout-v2", "https://github.com/acme/api")
	markDispatched(t, store, sessions[0], "devin-1", time.Now().UTC())
	// Payload shaped like a discovery result, but the session has a parent
	// request, so it is a removal and stays out of the index.
	agent.setSnapshot("devin-1", &Snapshot{
		RemoteID: "devin-1",
		Status:   "finished",
		Output:   map[string]any{"flags_found": []any{}},
	})

	r := NewReconciler(store, agent, testLogger(), WithScanSink(sink))
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n := len(sink.recorded()); n != 0 {
		t.Errorf("sink calls = %d, want 0 for a removal session", n)
	}
}

func TestReconciler_SinkErrorsAreSwallowed(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	sink := &fakeSink{err: errors.New("index locked")}
	sess := domain.NewPendingSession(0, "https://github.com/acme/api", 500, time.Now().UTC())
	if err := store.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	markDispatched(t, store, sess, "devin-1", time.Now().UTC())
	agent.setSnapshot("devin-1", &Snapshot{
		RemoteID: "devin-1",
		Status:   "finished",
		Output:   map[string]any{"flags_found": []any{}},
	})

	r := NewReconciler(store, agent, testLogger(), WithScanSink(sink))
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce must not fail on sink errors, got %v", err)
	}
	got, _ := store.SessionByID(sess.ID)
	if got.Status != domain.SessionFinished {
		t.Errorf("session status = %q, want finished despite sink error", got.Status)
	}
}

func TestReconciler_PruneHonorsRetentionSchedule(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	old := domain.NewSessionLog(1, domain.LogInfo, "ancient", domain.EventError, clock.Now().Add(-25*time.Hour))
	fresh := domain.NewSessionLog(1, domain.LogInfo, "recent", domain.EventError, clock.Now().Add(-time.Hour))
	if err := store.AppendLog(old); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if err := store.AppendLog(fresh); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	r := NewReconciler(store, agent, testLogger(),
		WithReconcileClock(clock.Now),
		WithLogRetention(24*time.Hour),
	)

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	logs, _ := store.LogsBySession(1)
	if len(logs) != 1 || logs[0].Message != "recent" {
		t.Fatalf("after prune: %d log(s), want only the recent one", len(logs))
	}
	if store.pruneCalls != 1 {
		t.Fatalf("prune calls = %d, want 1", store.pruneCalls)
	}

	// Within the hour: no second prune pass.
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if store.pruneCalls != 1 {
		t.Errorf("prune calls = %d, want still 1 within the hour", store.pruneCalls)
	}

	clock.Advance(61 * time.Minute)
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if store.pruneCalls != 2 {
		t.Errorf("prune calls = %d, want 2 after the hour passed", store.pruneCalls)
	}
}

func TestReconciler_StartStop_Graceful(t *testing.T) {
	store := newFakeStore()
	agent := newFakeAgent()

	r := NewReconciler(store, agent, testLogger(), WithReconcileInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()
	r.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

// fakeSink records discovery payloads handed over by the reconciler.
type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

type sinkCall struct {
	repository string
	payload    map[string]any
}

func (f *fakeSink) RecordScan(repository string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, sinkCall{repository: repository, payload: payload})
	return nil
}

func (f *fakeSink) recorded() []sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sinkCall(nil), f.calls...)
}
