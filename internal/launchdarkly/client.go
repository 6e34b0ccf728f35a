// Package launchdarkly is a read-only REST client for the LaunchDarkly API
// (https://app.launchdarkly.com/api/v2). The orchestrator uses it to list a
// project's feature flags and to split them against the flag keys the
// discovery index has seen in code, surfacing candidates for removal.
package launchdarkly

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://app.launchdarkly.com/api/v2"

	errBodyLimit = 512
)

// Flag is one feature flag as reported by the provider.
type Flag struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Archived    bool     `json:"archived"`
	Temporary   bool     `json:"temporary"`
}

// Comparison splits flag keys by where they appear: only at the provider
// (removal already complete, or never referenced), only in code (stale or
// misspelled keys), or both (live flags).
type Comparison struct {
	ProviderOnly []string `json:"provider_only"`
	CodeOnly     []string `json:"code_only"`
	Both         []string `json:"both"`
}

// Client talks to the LaunchDarkly API. LaunchDarkly authenticates with the
// raw access token, not a Bearer scheme.
type Client struct {
	baseURL    string
	apiToken   string
	projectKey string
	http       *http.Client
}

// New returns a client for one LaunchDarkly project. An empty baseURL
// selects the public API.
func New(baseURL, apiToken, projectKey string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiToken:   apiToken,
		projectKey: projectKey,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

type flagsResponse struct {
	Items []Flag `json:"items"`
}

// Flags lists every feature flag of the configured project.
func (c *Client) Flags(ctx context.Context) ([]Flag, error) {
	url := c.baseURL + "/flags/" + c.projectKey
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.apiToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("launchdarkly request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		msg := strings.TrimSpace(string(excerpt))
		if msg == "" {
			return nil, fmt.Errorf("launchdarkly: %s", resp.Status)
		}
		return nil, fmt.Errorf("launchdarkly: %s: %s", resp.Status, msg)
	}

	var decoded flagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded.Items, nil
}

// CompareWithReferences fetches the project's flags and splits them against
// the flag keys referenced in code (typically the discovery index's keys).
func (c *Client) CompareWithReferences(ctx context.Context, codeKeys []string) (*Comparison, error) {
	flags, err := c.Flags(ctx)
	if err != nil {
		return nil, err
	}
	return CompareFlags(flags, codeKeys), nil
}

// CompareFlags splits provider flags and code-referenced keys into the
// provider-only / code-only / both partitions, each sorted.
func CompareFlags(flags []Flag, codeKeys []string) *Comparison {
	provider := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		provider[f.Key] = struct{}{}
	}
	code := make(map[string]struct{}, len(codeKeys))
	for _, k := range codeKeys {
		code[k] = struct{}{}
	}

	cmp := &Comparison{
		ProviderOnly: []string{},
		CodeOnly:     []string{},
		Both:         []string{},
	}
	for k := range provider {
		if _, ok := code[k]; ok {
			cmp.Both = append(cmp.Both, k)
		} else {
			cmp.ProviderOnly = append(cmp.ProviderOnly, k)
		}
	}
	for k := range code {
		if _, ok := provider[k]; !ok {
			cmp.CodeOnly = append(cmp.CodeOnly, k)
		}
	}
	sort.Strings(cmp.ProviderOnly)
	sort.Strings(cmp.CodeOnly)
	sort.Strings(cmp.Both)
	return cmp
}
