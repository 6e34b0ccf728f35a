package app

import (
	"fmt"
	"strings"
)

// RemovalPrompt builds the task description for a flag-removal session.
// The structured-output contract at the end is what the reconciler's payload
// extraction relies on (acu_consumed) and what the dashboard surfaces.
func RemovalPrompt(flagKey, repository, provider, mode string) string {
	if provider == "" {
		provider = "Unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: Remove feature flag from codebase\n\n")
	fmt.Fprintf(&b, "Flag Key: %s\n", flagKey)
	fmt.Fprintf(&b, "Repository: %s\n", repository)
	fmt.Fprintf(&b, "Provider: %s\n\n", provider)
	b.WriteString(`Instructions:
1. Clone the repository
2. Search for all occurrences of the flag key "` + flagKey + `"
3. Analyze each occurrence and determine a safe removal strategy
4. Remove the flag and the associated conditional code
5. Ensure the code still compiles and tests pass
6. Create a pull request with:
   - Title: "Remove feature flag: ` + flagKey + `"
   - Description: list of files modified and changes made
   - Label: "feature-flag-removal"

Important:
- Do NOT remove code that is still needed
- Preserve the "enabled" code path
- Remove the "disabled" code path
- Run all tests before creating the PR
- If tests fail, investigate and fix
- If you need clarification, ask before proceeding
`)
	if mode == "dry-run" {
		b.WriteString(`
Dry run: analyze and report only. Do NOT push changes or open a pull
request; set pr_url to null and describe the planned removal in warnings.
`)
	}
	b.WriteString(`
IMPORTANT: Return structured output in this EXACT JSON format:
{
  "pr_url": "https://github.com/...",
  "files_modified": ["path/to/file1.py", "path/to/file2.js"],
  "occurrences_removed": 12,
  "test_results": "PASSED" or "FAILED" or "SKIPPED",
  "warnings": ["Any warnings or issues encountered"],
  "acu_consumed": 450
}

If you cannot create a PR, set pr_url to null and explain in warnings.
`)
	return b.String()
}

// DiscoveryPrompt builds the task description for a standalone read-only
// scan session. The flags_found array is the discovery-result shape the
// reconciler recognizes before handing the payload to the flag index.
func DiscoveryPrompt(repository string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: Discover feature flag references in a codebase\n\n")
	fmt.Fprintf(&b, "Repository: %s\n\n", repository)
	b.WriteString(`Instructions:
1. Clone the repository
2. Search for feature flag lookups across all common SDK call patterns
   (LaunchDarkly variation/boolVariation calls, is_enabled/isEnabled
   helpers, feature_flag/get_flag wrappers)
3. Record every distinct flag key with the files and lines referencing it
4. Do NOT modify anything; this is a read-only scan

IMPORTANT: Return structured output in this EXACT JSON format:
{
  "repository": "` + repository + `",
  "flags_found": [
    {
      "flag_key": "checkout-v2",
      "occurrences": 3,
      "references": [
        {"path": "src/checkout.py", "line": 42, "context": "if flags.is_enabled(\"checkout-v2\"):"}
      ]
    }
  ],
  "acu_consumed": 25
}
`)
	return b.String()
}

// RemovalTitle is the session title the agent service shows for a removal.
func RemovalTitle(flagKey string) string {
	return fmt.Sprintf("Remove flag: %s", flagKey)
}

// DiscoveryTitle is the session title for a standalone scan.
func DiscoveryTitle(repository string) string {
	return fmt.Sprintf("Discover flags: %s", repository)
}
