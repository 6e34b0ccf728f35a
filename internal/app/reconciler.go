package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jaakkos/flagsweep/internal/domain"
)

const (
	// defaultReconcileInterval is how often every in-flight session is
	// re-polled against the agent service.
	defaultReconcileInterval = 10 * time.Second

	// defaultSessionTimeout is how long a session may stay in working after
	// dispatch before it is locally declared expired.
	defaultSessionTimeout = 15 * time.Minute

	// pruneEvery limits how often the log retention pass runs.
	pruneEvery = time.Hour
)

// acuKeys are the conventional payload keys checked for a
// resource-consumption figure; first numeric match wins.
var acuKeys = []string{"acu_consumed", "acu_used", "acus_used"}

// Reconciler keeps local session state consistent with the agent service.
// Each pass visits every non-terminal session with a remote identity,
// applies the remote snapshot, enforces the session timeout, and re-derives
// the parent request's aggregate status. Errors on one session never stop
// the rest of the pass.
type Reconciler struct {
	store     Store
	client    AgentClient
	sink      ScanSink // optional; nil disables discovery persistence
	logger    *log.Logger
	interval  time.Duration
	timeout   time.Duration
	retention time.Duration // 0 disables log pruning
	now       func() time.Time
	lastPrune time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// ReconcilerOption configures the reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcileInterval sets the polling interval.
func WithReconcileInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.interval = d }
}

// WithSessionTimeout sets the working-session timeout threshold.
func WithSessionTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.timeout = d }
}

// WithScanSink attaches the sink that receives discovery-session payloads.
func WithScanSink(s ScanSink) ReconcilerOption {
	return func(r *Reconciler) { r.sink = s }
}

// WithLogRetention enables pruning of session logs older than d.
func WithLogRetention(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.retention = d }
}

// WithReconcileClock overrides the time source (for tests).
func WithReconcileClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler.
func NewReconciler(store Store, client AgentClient, logger *log.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:    store,
		client:   client,
		logger:   logger,
		interval: defaultReconcileInterval,
		timeout:  defaultSessionTimeout,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start begins the reconciliation loop. Returns when ctx is cancelled or
// Stop is called. A failed pass is logged and the loop retries after the
// normal interval.
func (r *Reconciler) Start(ctx context.Context) {
	defer close(r.doneCh)
	r.logger.Printf("Reconciler: started (interval=%s, session_timeout=%s)", r.interval, r.timeout)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Println("Reconciler: stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Println("Reconciler: stopped")
			return
		case <-ticker.C:
			if err := r.PollOnce(ctx); err != nil {
				r.logger.Printf("Reconciler: pass error: %v", err)
			}
		}
	}
}

// Stop signals the reconciler to stop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// PollOnce runs one reconciliation pass over every non-terminal session.
// Per-session errors are recorded as error log entries on that session and
// do not abort the pass; only the initial store read is returned.
func (r *Reconciler) PollOnce(ctx context.Context) error {
	sessions, err := r.store.OpenSessions()
	if err != nil {
		return fmt.Errorf("load open sessions: %w", err)
	}

	for _, sess := range sessions {
		if sess.RemoteID == "" {
			continue // pending, not yet dispatched
		}
		if err := r.pollSession(ctx, sess); err != nil {
			r.logger.Printf("Reconciler: error polling session %d: %v", sess.ID, err)
			r.recordPollError(sess, err)
		}
	}

	r.maybePruneLogs()
	return nil
}

// pollSession fetches one remote snapshot and applies it: status mapping,
// PR URL, structured payload, ACU extraction, completion handling, timeout
// enforcement, and the unconditional parent re-aggregation.
func (r *Reconciler) pollSession(ctx context.Context, sess *domain.AgentSession) error {
	snap, err := r.client.GetSession(ctx, sess.RemoteID)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}

	now := r.now().UTC()
	prevStatus := sess.Status
	wasCompleted := !sess.CompletedAt.IsZero()

	mapped, known := domain.MapRemoteStatus(snap.Status)
	if known {
		sess.Status = mapped
	} else {
		r.logger.Printf("Reconciler: session %d reported unrecognized status %q, keeping %q",
			sess.ID, snap.Status, sess.Status)
	}

	if snap.PRURL != "" {
		sess.PRURL = snap.PRURL
	}
	if snap.Output != nil {
		if raw, err := json.Marshal(snap.Output); err == nil {
			sess.Output = string(raw)
		}
		if acu, ok := extractACU(snap.Output); ok {
			sess.ACUConsumed = acu
		}
	}

	newlyTerminal := sess.Status.Terminal() && !wasCompleted
	if newlyTerminal {
		sess.CompletedAt = now
	}

	if err := r.store.UpdateSession(sess); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if known && sess.Status != prevStatus {
		entry := domain.NewSessionLog(sess.ID, domain.LogInfo,
			fmt.Sprintf("Status changed to: %s", sess.Status), domain.EventStatusChange, now)
		if err := r.store.AppendLog(entry); err != nil {
			return fmt.Errorf("append status_change log: %w", err)
		}
	}

	if newlyTerminal {
		r.logger.Printf("Reconciler: session %d completed with status %s", sess.ID, sess.Status)
		entry := domain.NewSessionLog(sess.ID, domain.LogInfo,
			fmt.Sprintf("Session completed: %s", sess.Status), domain.EventCompletion, now)
		if err := r.store.AppendLog(entry); err != nil {
			return fmt.Errorf("append completion log: %w", err)
		}
		r.persistDiscovery(sess, snap.Output)
	}

	if err := r.checkTimeout(sess); err != nil {
		return err
	}

	return reaggregateParent(r.store, sess.RequestID, r.now().UTC())
}

// checkTimeout declares a session expired when it has stayed in working
// beyond the threshold. Sessions that are blocked (waiting on user input)
// or already terminal are left alone.
func (r *Reconciler) checkTimeout(sess *domain.AgentSession) error {
	if sess.Status != domain.SessionWorking || sess.StartedAt.IsZero() {
		return nil
	}
	now := r.now().UTC()
	elapsed := now.Sub(sess.StartedAt)
	if elapsed <= r.timeout {
		return nil
	}

	r.logger.Printf("Reconciler: session %d exceeded timeout threshold (%s elapsed)", sess.ID, elapsed.Round(time.Second))

	message := fmt.Sprintf("Session timed out after %d minutes", int(r.timeout.Minutes()))
	sess.Status = domain.SessionExpired
	sess.ErrorMessage = message
	sess.CompletedAt = now
	if err := r.store.UpdateSession(sess); err != nil {
		return fmt.Errorf("record timeout: %w", err)
	}
	entry := domain.NewSessionLog(sess.ID, domain.LogError, message, domain.EventTimeout, now)
	if err := r.store.AppendLog(entry); err != nil {
		return fmt.Errorf("append timeout log: %w", err)
	}
	return nil
}

// persistDiscovery hands a finished standalone session's payload to the
// scan sink when it matches the discovery-result shape. Sink errors are
// logged and swallowed; discovery persistence never fails a pass.
func (r *Reconciler) persistDiscovery(sess *domain.AgentSession, payload map[string]any) {
	if r.sink == nil || !sess.Standalone() || !LooksLikeDiscovery(payload) {
		return
	}
	if err := r.sink.RecordScan(sess.Repository, payload); err != nil {
		r.logger.Printf("Reconciler: recording scan results for %s failed: %v", sess.Repository, err)
		return
	}
	r.logger.Printf("Reconciler: recorded scan results for %s", sess.Repository)
}

// recordPollError appends an error log entry for a session whose processing
// failed this pass. The session keeps its current status and is retried on
// the next pass.
func (r *Reconciler) recordPollError(sess *domain.AgentSession, cause error) {
	entry := domain.NewSessionLog(sess.ID, domain.LogError,
		fmt.Sprintf("Error polling session: %v", cause), domain.EventError, r.now().UTC())
	if err := r.store.AppendLog(entry); err != nil {
		r.logger.Printf("Reconciler: appending error log for session %d failed: %v", sess.ID, err)
	}
}

// maybePruneLogs runs the retention pass at most once per pruneEvery.
func (r *Reconciler) maybePruneLogs() {
	if r.retention <= 0 {
		return
	}
	now := r.now()
	if !r.lastPrune.IsZero() && now.Sub(r.lastPrune) < pruneEvery {
		return
	}
	r.lastPrune = now
	pruned, err := r.store.PruneLogs(now.UTC().Add(-r.retention))
	if err != nil {
		r.logger.Printf("Reconciler: log pruning failed: %v", err)
		return
	}
	if pruned > 0 {
		r.logger.Printf("Reconciler: pruned %d session log(s) older than %s", pruned, r.retention)
	}
}

// LooksLikeDiscovery reports whether a structured payload has the
// discovery-result shape: a flags_found array.
func LooksLikeDiscovery(payload map[string]any) bool {
	if payload == nil {
		return false
	}
	_, ok := payload["flags_found"].([]any)
	return ok
}

// extractACU pulls a resource-consumption figure out of a structured
// payload. JSON numbers arrive as float64; integers stored by tests or
// re-parsed payloads are accepted too.
func extractACU(payload map[string]any) (int, bool) {
	for _, key := range acuKeys {
		switch v := payload[key].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return int(n), true
			}
		}
	}
	return 0, false
}
