// Package policy loads server configuration and resolves state file locations.
package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// GlobalStateDir returns the default global state directory (~/.config/flagsweep).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "flagsweep")
}

// GlobalStateFile returns the default global state file path.
func GlobalStateFile() string {
	return filepath.Join(GlobalStateDir(), "state.sqlite")
}

// OrchestratorConfig holds session scheduling settings.
type OrchestratorConfig struct {
	MaxConcurrentSessions   int `yaml:"max_concurrent_sessions"`   // ceiling for dispatched agent sessions (default 20)
	DispatchIntervalSeconds int `yaml:"dispatch_interval_seconds"` // dispatch loop tick (default 5)
	PollIntervalSeconds     int `yaml:"poll_interval_seconds"`     // reconcile loop tick (default 10)
	SessionTimeoutSeconds   int `yaml:"session_timeout_seconds"`   // session deadline after dispatch (default 900)
	MaxReposPerRequest      int `yaml:"max_repos_per_request"`     // repositories accepted per removal request (default 5)
	SessionMaxACU           int `yaml:"session_max_acu"`           // ACU budget passed to each agent session (default 500)
	LogRetentionDays        int `yaml:"log_retention_days"`        // session log TTL (default 14)
}

// DevinConfig points the orchestrator at a Devin-compatible agent API.
// The API key is read from the environment variable named by APIKeyEnv,
// never from the config file itself.
type DevinConfig struct {
	BaseURL   string `yaml:"base_url"`    // empty = https://api.devin.ai/v1
	APIKeyEnv string `yaml:"api_key_env"` // env var holding the API key (default DEVIN_API_KEY)
}

// LaunchDarklyConfig points the flag comparison endpoints at a LaunchDarkly
// project. Like DevinConfig, the token itself only ever lives in the
// environment.
type LaunchDarklyConfig struct {
	BaseURL     string `yaml:"base_url"`      // empty = https://app.launchdarkly.com/api/v2
	ProjectKey  string `yaml:"project_key"`   // LaunchDarkly project to list flags from (default "default")
	APITokenEnv string `yaml:"api_token_env"` // env var holding the access token (default LAUNCHDARKLY_API_TOKEN)
}

// Config holds server configuration
type Config struct {
	HTTPPort     int      `yaml:"http_port"`
	EnabledTools []string `yaml:"enabled_tools"`

	StateFile     string `yaml:"state_file"`      // empty = <state-dir>/state.sqlite
	FlagIndexFile string `yaml:"flag_index_file"` // empty = alongside the state file
	LogFile       string `yaml:"log_file"`        // empty = <state-dir>/server.log
	SignalFile    string `yaml:"signal_file"`     // empty = alongside the state file

	Orchestrator *OrchestratorConfig `yaml:"orchestrator"`
	Devin        *DevinConfig        `yaml:"devin"`
	LaunchDarkly *LaunchDarklyConfig `yaml:"launchdarkly"`
}

// DefaultConfig returns sensible defaults. Orchestrator is always set.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:     8080,
		EnabledTools: []string{"*"},
		StateFile:    "",
		Orchestrator: DefaultOrchestrator(),
	}
}

// DefaultOrchestrator returns the scheduling defaults used when the config
// file has no orchestrator section.
func DefaultOrchestrator() *OrchestratorConfig {
	return &OrchestratorConfig{
		MaxConcurrentSessions:   20,
		DispatchIntervalSeconds: 5,
		PollIntervalSeconds:     10,
		SessionTimeoutSeconds:   900,
		MaxReposPerRequest:      5,
		SessionMaxACU:           500,
		LogRetentionDays:        14,
	}
}

// LoadConfig loads configuration from a YAML file. Values in the file overlay
// the defaults, so a partial config keeps defaults for everything it does not
// mention.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Orchestrator == nil {
		cfg.Orchestrator = DefaultOrchestrator()
	}

	return cfg, nil
}

// Policy resolves configuration values with defaults applied
type Policy struct {
	config *Config
}

// New creates a policy over the given config. A nil config uses defaults.
func New(cfg *Config) *Policy {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Policy{config: cfg}
}

// HTTPPort returns the dashboard/API listen port.
func (p *Policy) HTTPPort() int {
	if p.config.HTTPPort > 0 {
		return p.config.HTTPPort
	}
	return 8080
}

// StateFile returns the configured state file path.
// If unset, defaults to the global state file (~/.config/flagsweep/state.sqlite)
// so every process on the machine coordinates through the same database.
func (p *Policy) StateFile() string {
	if p.config.StateFile == "" {
		return GlobalStateFile()
	}
	return p.config.StateFile
}

// FlagIndexFile returns the path for the flag reference FTS5 database.
// If unset, it lives alongside the state file.
func (p *Policy) FlagIndexFile() string {
	if p.config.FlagIndexFile != "" {
		return p.config.FlagIndexFile
	}
	return filepath.Join(filepath.Dir(p.StateFile()), "flagindex.sqlite")
}

// SignalFilePath returns the path to the notify signal file (same directory as
// the state file unless configured). Watchers use this to detect state changes
// without relying on SQLite WAL file events.
func (p *Policy) SignalFilePath() string {
	if p.config.SignalFile != "" {
		return p.config.SignalFile
	}
	return filepath.Join(filepath.Dir(p.StateFile()), "notify.signal")
}

// LogFile returns the configured log file path.
// If unset, defaults to ~/.config/flagsweep/server.log.
// Set to "none" or "off" to disable file logging entirely.
func (p *Policy) LogFile() string {
	if p.config.LogFile == "" {
		return filepath.Join(GlobalStateDir(), "server.log")
	}
	return p.config.LogFile
}

// IsToolEnabled checks if a tool is enabled
func (p *Policy) IsToolEnabled(name string) bool {
	for _, t := range p.config.EnabledTools {
		if t == "*" || t == name {
			return true
		}
	}
	return false
}

// MaxConcurrentSessions returns the ceiling for dispatched agent sessions.
func (p *Policy) MaxConcurrentSessions() int {
	if o := p.config.Orchestrator; o != nil && o.MaxConcurrentSessions > 0 {
		return o.MaxConcurrentSessions
	}
	return 20
}

// DispatchIntervalSeconds returns the dispatch loop tick interval.
func (p *Policy) DispatchIntervalSeconds() int {
	if o := p.config.Orchestrator; o != nil && o.DispatchIntervalSeconds > 0 {
		return o.DispatchIntervalSeconds
	}
	return 5
}

// PollIntervalSeconds returns the reconcile loop tick interval.
func (p *Policy) PollIntervalSeconds() int {
	if o := p.config.Orchestrator; o != nil && o.PollIntervalSeconds > 0 {
		return o.PollIntervalSeconds
	}
	return 10
}

// SessionTimeoutSeconds returns how long a dispatched session may run before
// it is expired.
func (p *Policy) SessionTimeoutSeconds() int {
	if o := p.config.Orchestrator; o != nil && o.SessionTimeoutSeconds > 0 {
		return o.SessionTimeoutSeconds
	}
	return 900
}

// MaxReposPerRequest returns how many repositories a single removal request
// may target.
func (p *Policy) MaxReposPerRequest() int {
	if o := p.config.Orchestrator; o != nil && o.MaxReposPerRequest > 0 {
		return o.MaxReposPerRequest
	}
	return 5
}

// SessionMaxACU returns the ACU budget passed to each agent session.
func (p *Policy) SessionMaxACU() int {
	if o := p.config.Orchestrator; o != nil && o.SessionMaxACU > 0 {
		return o.SessionMaxACU
	}
	return 500
}

// LogRetentionDays returns the session log TTL in days.
func (p *Policy) LogRetentionDays() int {
	if o := p.config.Orchestrator; o != nil && o.LogRetentionDays > 0 {
		return o.LogRetentionDays
	}
	return 14
}

// DevinBaseURL returns the agent API base URL, or "" for the client default.
func (p *Policy) DevinBaseURL() string {
	if p.config.Devin != nil {
		return p.config.Devin.BaseURL
	}
	return ""
}

// DevinAPIKeyEnv returns the name of the environment variable holding the
// agent API key.
func (p *Policy) DevinAPIKeyEnv() string {
	if p.config.Devin != nil && p.config.Devin.APIKeyEnv != "" {
		return p.config.Devin.APIKeyEnv
	}
	return "DEVIN_API_KEY"
}

// LaunchDarklyBaseURL returns the LaunchDarkly API base URL, or "" for the
// client default.
func (p *Policy) LaunchDarklyBaseURL() string {
	if p.config.LaunchDarkly != nil {
		return p.config.LaunchDarkly.BaseURL
	}
	return ""
}

// LaunchDarklyProjectKey returns the LaunchDarkly project to list flags from.
func (p *Policy) LaunchDarklyProjectKey() string {
	if p.config.LaunchDarkly != nil && p.config.LaunchDarkly.ProjectKey != "" {
		return p.config.LaunchDarkly.ProjectKey
	}
	return "default"
}

// LaunchDarklyAPITokenEnv returns the name of the environment variable holding
// the LaunchDarkly access token.
func (p *Policy) LaunchDarklyAPITokenEnv() string {
	if p.config.LaunchDarkly != nil && p.config.LaunchDarkly.APITokenEnv != "" {
		return p.config.LaunchDarkly.APITokenEnv
	}
	return "LAUNCHDARKLY_API_TOKEN"
}
