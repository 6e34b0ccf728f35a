package app

import (
	"time"

	"github.com/jaakkos/flagsweep/internal/domain"
)

// DeriveRequestStatus maps a request's session statuses to its aggregate
// status. ok is false for an empty session set (the caller leaves the
// request untouched). The function is pure, order-independent, and safe to
// re-run any number of times.
//
// Rules, in order:
//   - all sessions terminal: failed if any is expired or carries an error
//     message, else completed
//   - any session claimed, working, or blocked: in_progress
//   - otherwise: queued
//
// A session that is claimed but not yet working already counts as
// in_progress; a dispatched request is never reported as still queued.
func DeriveRequestStatus(sessions []*domain.AgentSession) (status domain.RequestStatus, ok bool) {
	if len(sessions) == 0 {
		return "", false
	}

	allTerminal := true
	anyFailure := false
	anyInFlight := false
	for _, s := range sessions {
		if s.Status.Terminal() {
			if s.Status == domain.SessionExpired || s.ErrorMessage != "" {
				anyFailure = true
			}
			continue
		}
		allTerminal = false
		if s.Status.Active() {
			anyInFlight = true
		}
	}

	switch {
	case allTerminal:
		if anyFailure {
			return domain.RequestFailed, true
		}
		return domain.RequestCompleted, true
	case anyInFlight:
		return domain.RequestInProgress, true
	default:
		return domain.RequestQueued, true
	}
}

// TotalACUConsumed sums the sessions' resource counters; unset counts as 0.
func TotalACUConsumed(sessions []*domain.AgentSession) int {
	total := 0
	for _, s := range sessions {
		total += s.ACUConsumed
	}
	return total
}

// ApplyAggregate recomputes req's status and ACU total from sessions and
// refreshes UpdatedAt. An empty session set leaves req untouched. Returns
// true when the status or the total actually changed.
func ApplyAggregate(req *domain.RemovalRequest, sessions []*domain.AgentSession, now time.Time) bool {
	status, ok := DeriveRequestStatus(sessions)
	if !ok {
		return false
	}
	total := TotalACUConsumed(sessions)
	changed := req.Status != status || req.TotalACU != total
	req.Status = status
	req.TotalACU = total
	req.UpdatedAt = now
	return changed
}
