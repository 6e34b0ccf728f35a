// Package removal exposes the orchestrator over MCP: removal request intake
// and queries, flag discovery, and messaging into running agent sessions.
package removal

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/flagsweep/internal/app"
	"github.com/jaakkos/flagsweep/internal/flagindex"
	"github.com/jaakkos/flagsweep/internal/launchdarkly"
)

// RegisterOption configures optional dependencies for tool registration.
type RegisterOption func(*registerOpts)

// FlagProvider lists feature flags at the configured provider.
// launchdarkly.Client satisfies it.
type FlagProvider interface {
	Flags(ctx context.Context) ([]launchdarkly.Flag, error)
	CompareWithReferences(ctx context.Context, codeKeys []string) (*launchdarkly.Comparison, error)
}

// Messenger delivers a user message to a dispatched remote session.
// devin.Client satisfies it.
type Messenger interface {
	SendMessage(ctx context.Context, remoteID, message string) error
}

type registerOpts struct {
	index     *flagindex.Index
	provider  FlagProvider
	messenger Messenger
	enabled   func(name string) bool
}

// WithFlagIndex enables the search_flag_references tool and flag comparison
// in list_provider_flags.
func WithFlagIndex(idx *flagindex.Index) RegisterOption {
	return func(o *registerOpts) { o.index = idx }
}

// WithFlagProvider enables the list_provider_flags tool.
func WithFlagProvider(p FlagProvider) RegisterOption {
	return func(o *registerOpts) { o.provider = p }
}

// WithMessenger enables the send_session_message tool.
func WithMessenger(m Messenger) RegisterOption {
	return func(o *registerOpts) { o.messenger = m }
}

// WithToolGate filters registration by tool name; Policy.IsToolEnabled is
// the usual gate. Without one every tool is registered.
func WithToolGate(gate func(name string) bool) RegisterOption {
	return func(o *registerOpts) { o.enabled = gate }
}

// Register registers the flag removal tools with the mcp-go server.
func Register(s *server.MCPServer, svc *app.OrchestratorService, logger *log.Logger, opts ...RegisterOption) {
	var o registerOpts
	for _, opt := range opts {
		opt(&o)
	}
	add := func(name string, register func()) {
		if o.enabled != nil && !o.enabled(name) {
			logger.Printf("Tool %s disabled by configuration", name)
			return
		}
		register()
	}

	// Removal request tools (5)
	add("create_removal_request", func() { registerCreateRemoval(s, svc, logger) })
	add("get_removal_request", func() { registerGetRemoval(s, svc, logger) })
	add("list_removal_requests", func() { registerListRemovals(s, svc, logger) })
	add("get_removal_logs", func() { registerRemovalLogs(s, svc, logger) })
	add("delete_removal_request", func() { registerDeleteRemoval(s, svc, logger) })

	// Orchestrator tools (2, messaging needs an agent client)
	add("orchestrator_stats", func() { registerStats(s, svc, logger) })
	if o.messenger != nil {
		add("send_session_message", func() { registerSendSessionMessage(s, svc, o.messenger, logger) })
	}

	// Flag discovery tools (3, index and provider optional)
	add("start_flag_discovery", func() { registerStartDiscovery(s, svc, logger) })
	if o.index != nil {
		add("search_flag_references", func() { registerSearchFlags(s, o.index, logger) })
	}
	if o.provider != nil {
		add("list_provider_flags", func() { registerProviderFlags(s, o.provider, o.index, logger) })
	}
}
