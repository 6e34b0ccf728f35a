package removal

import "fmt"

// requireID extracts a positive integer identifier from args by key,
// distinguishing missing from mistyped values. A nil value counts as missing.
func requireID(args map[string]any, key string) (int64, error) {
	v, exists := args[key]
	if !exists || v == nil {
		return 0, fmt.Errorf("%s is required", key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
	id := int64(f)
	if id <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return id, nil
}

// requireString extracts a non-empty string from args by key.
func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// clampedInt extracts an integer from args by key, returning fallback when
// absent and clamping the result to [1, max].
func clampedInt(args map[string]any, key string, fallback, max int) int {
	n := fallback
	if v, ok := args[key].(float64); ok {
		n = int(v)
	}
	if n < 1 {
		n = 1
	}
	if n > max {
		n = max
	}
	return n
}

// stringSlice extracts a string array from args by key. Non-string elements
// are dropped.
func stringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
