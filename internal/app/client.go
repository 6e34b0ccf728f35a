package app

import "context"

// CreatedSession is the agent service's answer to a session creation call.
type CreatedSession struct {
	RemoteID string
	URL      string
	IsNew    bool
}

// Snapshot is the agent service's view of one remote session. Status is the
// raw remote string (mapped through domain.MapRemoteStatus before use).
// Output is nil when the remote has not produced structured output yet.
type Snapshot struct {
	RemoteID string
	Status   string
	PRURL    string
	Output   map[string]any
}

// AgentClient is the port to the external agent service. Implementation:
// internal/devin. Both calls may fail transiently; callers treat errors as
// per-item failures, never as loop-fatal.
type AgentClient interface {
	CreateSession(ctx context.Context, prompt, title string, tags []string, maxACU int) (*CreatedSession, error)
	GetSession(ctx context.Context, remoteID string) (*Snapshot, error)
}

// ScanSink receives the structured payload of a finished standalone
// discovery session. Implementation: internal/flagindex. Errors are logged
// by the caller and never propagated.
type ScanSink interface {
	RecordScan(repository string, payload map[string]any) error
}

// Triggerable is anything that can be poked to run a cycle immediately.
// The wakeup watcher pokes the dispatcher through this.
type Triggerable interface {
	Trigger()
}
