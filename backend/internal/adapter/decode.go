package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeJSON extracts the JSON value from a model reply and unmarshals it
// into out. Markdown fences and prose around the value are tolerated.
func DecodeJSON(content string, out interface{}) error {
	jsonStr := strings.TrimSpace(content)

	// Remove markdown code blocks if present
	if strings.HasPrefix(jsonStr, "```") {
		lines := strings.Split(jsonStr, "\n")
		var kept []string
		for _, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				continue
			}
			kept = append(kept, line)
		}
		jsonStr = strings.Join(kept, "\n")
	}

	start := strings.IndexAny(jsonStr, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON value in model reply")
	}
	closer := "}"
	if jsonStr[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(jsonStr, closer)
	if end < start {
		return fmt.Errorf("unterminated JSON value in model reply")
	}

	if err := json.Unmarshal([]byte(jsonStr[start:end+1]), out); err != nil {
		return fmt.Errorf("failed to parse model JSON: %w", err)
	}
	return nil
}
