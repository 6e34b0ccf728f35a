package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jaakkos/flagsweep/internal/domain"
)

const (
	// defaultDispatchInterval is how often the queue looks for admissible work.
	defaultDispatchInterval = 5 * time.Second

	// defaultMaxConcurrent caps sessions in any non-terminal status. The agent
	// service rate-limits concurrent sessions on its side; this is the
	// client-side mirror of that limit.
	defaultMaxConcurrent = 20
)

// Dispatcher promotes pending sessions to claimed by creating remote
// sessions on the agent service, oldest first, while the number of
// non-terminal sessions stays below the concurrency ceiling. It shares no
// in-memory state with the reconciler; the store is the only coordination
// point.
type Dispatcher struct {
	store         Store
	client        AgentClient
	logger        *log.Logger
	interval      time.Duration
	maxConcurrent int
	now           func() time.Time
	wakeCh        chan struct{}
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchInterval sets the queue polling interval.
func WithDispatchInterval(d time.Duration) DispatcherOption {
	return func(q *Dispatcher) { q.interval = d }
}

// WithMaxConcurrent sets the concurrency ceiling.
func WithMaxConcurrent(n int) DispatcherOption {
	return func(q *Dispatcher) {
		if n > 0 {
			q.maxConcurrent = n
		}
	}
}

// WithDispatchClock overrides the time source (for tests).
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(q *Dispatcher) { q.now = now }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store Store, client AgentClient, logger *log.Logger, opts ...DispatcherOption) *Dispatcher {
	q := &Dispatcher{
		store:         store,
		client:        client,
		logger:        logger,
		interval:      defaultDispatchInterval,
		maxConcurrent: defaultMaxConcurrent,
		now:           time.Now,
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Start begins the dispatch loop. Returns when ctx is cancelled or Stop is
// called. A failed iteration is logged and the loop keeps running.
func (q *Dispatcher) Start(ctx context.Context) {
	defer close(q.doneCh)
	q.logger.Printf("Dispatcher: started (interval=%s, max_concurrent=%d)", q.interval, q.maxConcurrent)

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.logger.Println("Dispatcher: stopped (context cancelled)")
			return
		case <-q.stopCh:
			q.logger.Println("Dispatcher: stopped")
			return
		case <-ticker.C:
			if err := q.DispatchOnce(ctx); err != nil {
				q.logger.Printf("Dispatcher: iteration error: %v", err)
			}
		case <-q.wakeCh:
			if err := q.DispatchOnce(ctx); err != nil {
				q.logger.Printf("Dispatcher: iteration error: %v", err)
			}
		}
	}
}

// Stop signals the dispatcher to stop.
func (q *Dispatcher) Stop() {
	close(q.stopCh)
	<-q.doneCh
}

// Trigger wakes the loop ahead of its interval. Called by the wakeup
// watcher when new work is enqueued. Non-blocking.
func (q *Dispatcher) Trigger() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// DispatchOnce runs one admission cycle: if the ceiling allows, the oldest
// pending session is dispatched. A dispatch failure is recorded on the
// session (failed + error log) and is not returned as an error; only store
// access problems are.
func (q *Dispatcher) DispatchOnce(ctx context.Context) error {
	active, err := q.store.CountActiveSessions()
	if err != nil {
		return fmt.Errorf("count active sessions: %w", err)
	}
	if active >= q.maxConcurrent {
		return nil
	}

	sess, err := q.store.OldestPendingSession()
	if err != nil {
		return fmt.Errorf("select pending session: %w", err)
	}
	if sess == nil {
		return nil
	}

	return q.dispatch(ctx, sess)
}

// dispatch creates the remote session for one pending session and records
// the outcome.
func (q *Dispatcher) dispatch(ctx context.Context, sess *domain.AgentSession) error {
	prompt, title, tags, err := q.describeTask(sess)
	if err != nil {
		return q.markDispatchFailed(sess, err)
	}

	created, err := q.client.CreateSession(ctx, prompt, title, tags, sess.MaxACULimit)
	if err != nil {
		q.logger.Printf("Dispatcher: failed to start session %d for %s: %v", sess.ID, sess.Repository, err)
		return q.markDispatchFailed(sess, err)
	}

	now := q.now().UTC()
	sess.RemoteID = created.RemoteID
	sess.RemoteURL = created.URL
	sess.Status = domain.SessionClaimed
	sess.StartedAt = now
	if err := q.store.UpdateSession(sess); err != nil {
		return fmt.Errorf("record dispatch of session %d: %w", sess.ID, err)
	}
	entry := domain.NewSessionLog(sess.ID, domain.LogInfo,
		fmt.Sprintf("Agent session created: %s", created.RemoteID), domain.EventSessionCreated, now)
	if err := q.store.AppendLog(entry); err != nil {
		return fmt.Errorf("append session_created log: %w", err)
	}

	q.logger.Printf("Dispatcher: started session %d for %s (remote=%s)", sess.ID, sess.Repository, created.RemoteID)
	return reaggregateParent(q.store, sess.RequestID, q.now().UTC())
}

// describeTask synthesizes the prompt, title, and tags for a session. For
// sessions with a parent this comes from the parent's flag key, provider,
// and mode; standalone sessions get the read-only discovery task.
func (q *Dispatcher) describeTask(sess *domain.AgentSession) (prompt, title string, tags []string, err error) {
	if sess.Standalone() {
		return DiscoveryPrompt(sess.Repository), DiscoveryTitle(sess.Repository), []string{"flag-discovery"}, nil
	}
	req, err := q.store.RequestByID(sess.RequestID)
	if err != nil {
		return "", "", nil, fmt.Errorf("load removal request %d: %w", sess.RequestID, err)
	}
	if req == nil {
		return "", "", nil, fmt.Errorf("removal request %d not found", sess.RequestID)
	}
	prompt = RemovalPrompt(req.FlagKey, sess.Repository, req.Provider, req.Mode)
	return prompt, RemovalTitle(req.FlagKey), []string{"flag-removal", req.FlagKey}, nil
}

// markDispatchFailed moves a session straight to failed without it ever
// reaching claimed, and feeds the failure into the parent aggregate.
func (q *Dispatcher) markDispatchFailed(sess *domain.AgentSession, cause error) error {
	now := q.now().UTC()
	sess.Status = domain.SessionFailed
	sess.ErrorMessage = cause.Error()
	sess.CompletedAt = now
	if err := q.store.UpdateSession(sess); err != nil {
		return fmt.Errorf("record failed dispatch of session %d: %w", sess.ID, err)
	}
	entry := domain.NewSessionLog(sess.ID, domain.LogError,
		fmt.Sprintf("Failed to create agent session: %v", cause), domain.EventError, now)
	if err := q.store.AppendLog(entry); err != nil {
		return fmt.Errorf("append error log: %w", err)
	}
	return reaggregateParent(q.store, sess.RequestID, now)
}

// reaggregateParent re-derives a request's aggregate status and ACU total
// from its sessions and writes it back. requestID 0 (standalone session)
// is a no-op. Safe to call any number of times.
func reaggregateParent(store Store, requestID int64, now time.Time) error {
	if requestID == 0 {
		return nil
	}
	req, err := store.RequestByID(requestID)
	if err != nil {
		return fmt.Errorf("load removal request %d: %w", requestID, err)
	}
	if req == nil {
		return nil
	}
	sessions, err := store.SessionsByRequest(requestID)
	if err != nil {
		return fmt.Errorf("load sessions of request %d: %w", requestID, err)
	}
	ApplyAggregate(req, sessions, now)
	if err := store.UpdateRequest(req); err != nil {
		return fmt.Errorf("update removal request %d: %w", requestID, err)
	}
	return nil
}
