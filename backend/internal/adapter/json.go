package adapter

import (
	"encoding/json"
	"strings"

	apperrors "ezra-knowledge/backend/pkg/errors"
)

// ExtractJSON strips markdown fences and surrounding prose from an LLM reply
// and returns the outermost JSON object or array.
func ExtractJSON(content string) string {
	jsonStr := strings.TrimSpace(content)

	// Remove markdown code blocks if present
	if strings.HasPrefix(jsonStr, "```") {
		var jsonLines []string
		inCodeBlock := false
		for _, line := range strings.Split(jsonStr, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				inCodeBlock = !inCodeBlock
				continue
			}
			if inCodeBlock {
				jsonLines = append(jsonLines, line)
			}
		}
		jsonStr = strings.Join(jsonLines, "\n")
	}

	// Find JSON boundaries, whichever opener comes first
	obj := strings.Index(jsonStr, "{")
	arr := strings.Index(jsonStr, "[")
	open, closer := obj, "}"
	if arr != -1 && (obj == -1 || arr < obj) {
		open, closer = arr, "]"
	}
	if open == -1 {
		return jsonStr
	}
	if end := strings.LastIndex(jsonStr, closer); end > open {
		return jsonStr[open : end+1]
	}
	return jsonStr[open:]
}

// DecodeJSON parses an LLM reply into v
func DecodeJSON(content string, v interface{}) error {
	if err := json.Unmarshal([]byte(ExtractJSON(content)), v); err != nil {
		return apperrors.NewAgentMalformedResponse(content, err)
	}
	return nil
}
