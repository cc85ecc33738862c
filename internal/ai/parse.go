package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// decodeResponse parses a model response into out. Models frequently wrap
// JSON in markdown fences even when asked not to; the fence is the only
// decoration tolerated here. Anything else fails the parse so callers can
// take their degraded-result path instead of guessing.
func decodeResponse(raw string, out any) error {
	cleaned := stripFences(raw)
	if cleaned == "" {
		return fmt.Errorf("empty model response")
	}
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("parse model response: %w (raw: %s)", err, truncate(raw, 500))
	}
	return nil
}

// stripFences removes a single surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop the optional language tag on the opening fence line.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if first == "" || first == "json" {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
