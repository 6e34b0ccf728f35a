package app

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jaakkos/flagsweep/internal/domain"
)

// ErrNotFound is returned by lookups for requests or sessions that do not
// exist.
var ErrNotFound = errors.New("not found")

// ValidationError marks a request that was rejected before touching the
// store. The HTTP layer maps it to 400.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// CapacityError rejects new work while the active-session count has reached
// the concurrency ceiling. The HTTP layer maps it to 429.
type CapacityError struct {
	Active int
	Max    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("system at capacity: %d of %d sessions active", e.Active, e.Max)
}

// CreateRemovalInput is the intake payload for a new removal request.
type CreateRemovalInput struct {
	FlagKey      string
	Repositories []string
	Provider     string
	Mode         string // "" or "dry-run"
	CreatedBy    string
}

// RequestSummary is a removal request with its per-session tallies, used by
// list views.
type RequestSummary struct {
	*domain.RemovalRequest
	SessionCount      int `json:"session_count"`
	CompletedSessions int `json:"completed_sessions"`
	FailedSessions    int `json:"failed_sessions"`
}

// Stats is a point-in-time picture of the orchestrator's load.
type Stats struct {
	ActiveSessions int                          `json:"active_sessions"`
	MaxSessions    int                          `json:"max_sessions"`
	Requests       map[domain.RequestStatus]int `json:"requests"`
	Sessions       map[domain.SessionStatus]int `json:"sessions"`
}

// OrchestratorService runs intake and query use cases over the work store.
// The dispatch and reconciliation loops run beside it and share nothing with
// it but the store.
type OrchestratorService struct {
	store    Store
	policy   Policy
	logger   *log.Logger
	now      func() time.Time
	notifier Triggerable // optional; set via SetNotifier after construction
}

// NewOrchestratorService returns a new OrchestratorService.
func NewOrchestratorService(store Store, policy Policy, logger *log.Logger) *OrchestratorService {
	return &OrchestratorService{store: store, policy: policy, logger: logger, now: time.Now}
}

// SetNotifier attaches a Triggerable poked after every enqueue, so the
// dispatcher picks new work up ahead of its interval.
func (s *OrchestratorService) SetNotifier(n Triggerable) {
	s.notifier = n
}

// CreateRemovalRequest validates and persists a removal request with one
// pending session per repository, then wakes the dispatcher. Admission at
// the ceiling is refused with a CapacityError; the caller retries later.
func (s *OrchestratorService) CreateRemovalRequest(in CreateRemovalInput) (*domain.RemovalRequest, []*domain.AgentSession, error) {
	flagKey := strings.TrimSpace(in.FlagKey)
	if flagKey == "" {
		return nil, nil, ValidationError("flag_key is required")
	}
	if len(in.Repositories) == 0 {
		return nil, nil, ValidationError("at least one repository is required")
	}
	if max := s.policy.MaxReposPerRequest(); len(in.Repositories) > max {
		return nil, nil, ValidationError(fmt.Sprintf("maximum %d repositories per request", max))
	}
	for _, repo := range in.Repositories {
		if !validRepositoryURL(repo) {
			return nil, nil, ValidationError(fmt.Sprintf("repository %q must be an http(s) URL", repo))
		}
	}
	if in.Mode != "" && in.Mode != "dry-run" {
		return nil, nil, ValidationError(fmt.Sprintf("unknown mode %q", in.Mode))
	}

	if err := s.checkCapacity(); err != nil {
		return nil, nil, err
	}

	now := s.nowUTC()
	req := domain.NewRemovalRequest(flagKey, in.Repositories, in.Provider, in.Mode, in.CreatedBy, now)
	sessions := make([]*domain.AgentSession, 0, len(in.Repositories))
	for _, repo := range in.Repositories {
		sessions = append(sessions, domain.NewPendingSession(0, repo, s.policy.SessionMaxACU(), now))
	}
	if err := s.store.CreateRequest(req, sessions); err != nil {
		return nil, nil, fmt.Errorf("create removal request: %w", err)
	}

	s.logger.Printf("Created removal request %d for flag %s (%d repositories)", req.ID, flagKey, len(sessions))
	s.wake()
	return req, sessions, nil
}

// StartFlagDiscovery enqueues a standalone read-only scan session for one
// repository. The session flows through the same dispatch and reconcile
// machinery; its terminal payload lands in the flag index.
func (s *OrchestratorService) StartFlagDiscovery(repository string) (*domain.AgentSession, error) {
	if !validRepositoryURL(repository) {
		return nil, ValidationError(fmt.Sprintf("repository %q must be an http(s) URL", repository))
	}
	if err := s.checkCapacity(); err != nil {
		return nil, err
	}

	sess := domain.NewPendingSession(0, repository, s.policy.SessionMaxACU(), s.nowUTC())
	if err := s.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("create discovery session: %w", err)
	}

	s.logger.Printf("Created discovery session %d for %s", sess.ID, repository)
	s.wake()
	return sess, nil
}

// RemovalRequestByID returns one request with its sessions.
func (s *OrchestratorService) RemovalRequestByID(id int64) (*domain.RemovalRequest, []*domain.AgentSession, error) {
	req, err := s.store.RequestByID(id)
	if err != nil {
		return nil, nil, fmt.Errorf("load removal request %d: %w", id, err)
	}
	if req == nil {
		return nil, nil, ErrNotFound
	}
	sessions, err := s.store.SessionsByRequest(id)
	if err != nil {
		return nil, nil, fmt.Errorf("load sessions of request %d: %w", id, err)
	}
	return req, sessions, nil
}

// ListRemovalRequests returns summaries newest first. The status filter is
// validated; limit defaults to 50 and is capped at 100.
func (s *OrchestratorService) ListRemovalRequests(f RequestFilter) ([]*RequestSummary, int, error) {
	if f.Status != "" && !domain.ValidRequestStatus(f.Status) {
		return nil, 0, ValidationError(fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	requests, total, err := s.store.Requests(f)
	if err != nil {
		return nil, 0, fmt.Errorf("list removal requests: %w", err)
	}

	summaries := make([]*RequestSummary, 0, len(requests))
	for _, req := range requests {
		sessions, err := s.store.SessionsByRequest(req.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("load sessions of request %d: %w", req.ID, err)
		}
		sum := &RequestSummary{RemovalRequest: req, SessionCount: len(sessions)}
		for _, sess := range sessions {
			if sess.Status.Terminal() {
				sum.CompletedSessions++
			}
			if sess.Status == domain.SessionExpired || sess.Status == domain.SessionFailed || sess.ErrorMessage != "" {
				sum.FailedSessions++
			}
		}
		summaries = append(summaries, sum)
	}
	return summaries, total, nil
}

// RequestLog is one log line with the repository of its session attached.
type RequestLog struct {
	*domain.SessionLog
	Repository string `json:"repository"`
}

// RequestLogs returns every log entry across the request's sessions, merged
// and ordered by timestamp (ties by insertion order).
func (s *OrchestratorService) RequestLogs(id int64) ([]*RequestLog, error) {
	req, err := s.store.RequestByID(id)
	if err != nil {
		return nil, fmt.Errorf("load removal request %d: %w", id, err)
	}
	if req == nil {
		return nil, ErrNotFound
	}
	sessions, err := s.store.SessionsByRequest(id)
	if err != nil {
		return nil, fmt.Errorf("load sessions of request %d: %w", id, err)
	}
	repoBySession := make(map[int64]string, len(sessions))
	for _, sess := range sessions {
		repoBySession[sess.ID] = sess.Repository
	}
	logs, err := s.store.LogsByRequest(id)
	if err != nil {
		return nil, fmt.Errorf("load logs of request %d: %w", id, err)
	}
	merged := make([]*RequestLog, 0, len(logs))
	for _, entry := range logs {
		merged = append(merged, &RequestLog{SessionLog: entry, Repository: repoBySession[entry.SessionID]})
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged, nil
}

// SessionByID returns one session.
func (s *OrchestratorService) SessionByID(id int64) (*domain.AgentSession, error) {
	sess, err := s.store.SessionByID(id)
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", id, err)
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

// DeleteRemovalRequest removes a request and, through the store's cascade,
// its sessions and their logs. This is the administrative deletion path;
// the loops never delete anything.
func (s *OrchestratorService) DeleteRemovalRequest(id int64) error {
	found, err := s.store.DeleteRequest(id)
	if err != nil {
		return fmt.Errorf("delete removal request %d: %w", id, err)
	}
	if !found {
		return ErrNotFound
	}
	s.logger.Printf("Deleted removal request %d", id)
	return nil
}

// Stats reports current load against the ceiling plus per-status counts.
func (s *OrchestratorService) Stats() (*Stats, error) {
	active, err := s.store.CountActiveSessions()
	if err != nil {
		return nil, fmt.Errorf("count active sessions: %w", err)
	}
	requests, err := s.store.RequestStatusCounts()
	if err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}
	sessions, err := s.store.SessionStatusCounts()
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	return &Stats{
		ActiveSessions: active,
		MaxSessions:    s.policy.MaxConcurrentSessions(),
		Requests:       requests,
		Sessions:       sessions,
	}, nil
}

// Policy returns the policy for handlers that need limits or paths.
func (s *OrchestratorService) Policy() Policy { return s.policy }

func (s *OrchestratorService) checkCapacity() error {
	active, err := s.store.CountActiveSessions()
	if err != nil {
		return fmt.Errorf("count active sessions: %w", err)
	}
	if max := s.policy.MaxConcurrentSessions(); active >= max {
		return &CapacityError{Active: active, Max: max}
	}
	return nil
}

// wake touches the notify signal file (for dispatchers in other processes)
// and pokes the in-process notifier.
func (s *OrchestratorService) wake() {
	if err := TouchNotifySignal(s.policy.SignalFilePath()); err != nil {
		s.logger.Printf("Warning: touching notify signal failed: %v", err)
	}
	if s.notifier != nil {
		s.notifier.Trigger()
	}
}

func (s *OrchestratorService) nowUTC() time.Time {
	return s.now().UTC()
}

func validRepositoryURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
