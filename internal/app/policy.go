package app

// Policy is the configuration port used by the application.
// Implemented by internal/policy.Policy.
type Policy interface {
	MaxConcurrentSessions() int
	DispatchIntervalSeconds() int
	PollIntervalSeconds() int
	SessionTimeoutSeconds() int
	MaxReposPerRequest() int
	SessionMaxACU() int
	LogRetentionDays() int
	StateFile() string
	FlagIndexFile() string
	SignalFilePath() string
}
