// Package app implements the orchestration core: request intake, the
// dispatch queue, the reconciliation loop, and aggregate-status derivation.
// It defines ports (store, agent client, policy) implemented elsewhere.
package app

import (
	"time"

	"github.com/jaakkos/flagsweep/internal/domain"
)

// RequestFilter narrows and pages a removal-request listing.
type RequestFilter struct {
	Status string // "" = all; otherwise a domain.RequestStatus value
	Limit  int
	Offset int
}

// Store is the work-store port. Implementation: internal/repository/sqlite.
// Every mutating method is one transaction; lookups return (nil, nil) when
// the row does not exist.
type Store interface {
	// Removal requests.
	CreateRequest(req *domain.RemovalRequest, sessions []*domain.AgentSession) error
	RequestByID(id int64) (*domain.RemovalRequest, error)
	Requests(f RequestFilter) ([]*domain.RemovalRequest, int, error)
	UpdateRequest(req *domain.RemovalRequest) error
	DeleteRequest(id int64) (bool, error)
	RequestStatusCounts() (map[domain.RequestStatus]int, error)

	// Sessions. OpenSessions returns every session in a non-terminal status;
	// CountActiveSessions counts only dispatched ones (claimed, working,
	// blocked), the set that occupies concurrency-ceiling slots.
	CreateSession(sess *domain.AgentSession) error
	SessionByID(id int64) (*domain.AgentSession, error)
	SessionsByRequest(requestID int64) ([]*domain.AgentSession, error)
	OpenSessions() ([]*domain.AgentSession, error)
	OldestPendingSession() (*domain.AgentSession, error)
	CountActiveSessions() (int, error)
	UpdateSession(sess *domain.AgentSession) error
	SessionStatusCounts() (map[domain.SessionStatus]int, error)

	// Logs.
	AppendLog(entry *domain.SessionLog) error
	LogsBySession(sessionID int64) ([]*domain.SessionLog, error)
	LogsByRequest(requestID int64) ([]*domain.SessionLog, error)
	PruneLogs(olderThan time.Time) (int, error)
}
