package flagindex

import "encoding/json"

// Reference is one place in a repository's code that reads a feature flag.
type Reference struct {
	FlagKey string `json:"flag_key"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Context string `json:"context"`
}

// ParseScanPayload extracts flag references from a discovery session's
// structured output. The payload is produced by the remote agent, so every
// key is treated as optional: alternate spellings are accepted, missing
// line numbers stay zero, and entries without a flag key are dropped.
//
// Two shapes are accepted: flat entries carrying their own location, and
// grouped entries listing the locations in a references array.
//
//	{"flags_found": [{"flag_key": "...", "file_path": "...", "line_number": 12, "context": "..."}]}
//	{"flags_found": [{"flag_key": "...", "references": [{"path": "...", "line": 12, "context": "..."}]}]}
func ParseScanPayload(payload map[string]any) []Reference {
	items, ok := payload["flags_found"].([]any)
	if !ok {
		return nil
	}
	refs := make([]Reference, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		flagKey := stringField(entry, "flag_key", "key")
		if flagKey == "" {
			continue
		}

		if nested, ok := entry["references"].([]any); ok {
			before := len(refs)
			for _, n := range nested {
				loc, ok := n.(map[string]any)
				if !ok {
					continue
				}
				refs = append(refs, Reference{
					FlagKey: flagKey,
					File:    stringField(loc, "path", "file_path", "file"),
					Line:    intField(loc, "line", "line_number"),
					Context: stringField(loc, "context", "snippet"),
				})
			}
			if len(refs) == before {
				// A flag with no parseable locations still counts as found.
				refs = append(refs, Reference{FlagKey: flagKey})
			}
			continue
		}

		refs = append(refs, Reference{
			FlagKey: flagKey,
			File:    stringField(entry, "file_path", "file", "path"),
			Line:    intField(entry, "line_number", "line"),
			Context: stringField(entry, "context", "snippet"),
		})
	}
	return refs
}

// stringField returns the first string value found among the given keys.
func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			return v
		}
	}
	return ""
}

// intField returns the first numeric value found among the given keys.
// JSON numbers decode as float64; json.Number appears when the payload
// came through a decoder with UseNumber.
func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return int(n)
			}
		}
	}
	return 0
}
