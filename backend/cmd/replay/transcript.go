package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"ezra-knowledge/backend/internal/conversation"
)

// transcriptLine is one message of a transcript file
type transcriptLine struct {
	Role    string `json:"role"`
	Author  string `json:"author"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

// readTranscript reads either a JSON array of messages or one JSON message
// per line. Blank messages are skipped and the role defaults to user.
func readTranscript(r io.Reader) ([]conversation.Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	var lines []transcriptLine
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		if err := json.Unmarshal(trimmed, &lines); err != nil {
			return nil, fmt.Errorf("failed to parse transcript: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(trimmed))
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		n := 0
		for scanner.Scan() {
			n++
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			var line transcriptLine
			if err := json.Unmarshal([]byte(text), &line); err != nil {
				return nil, fmt.Errorf("failed to parse transcript line %d: %w", n, err)
			}
			lines = append(lines, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read transcript: %w", err)
		}
	}

	msgs := make([]conversation.Message, 0, len(lines))
	for _, line := range lines {
		content := strings.TrimSpace(line.Content)
		if content == "" {
			continue
		}
		role := strings.ToLower(strings.TrimSpace(line.Role))
		if role == "" {
			role = conversation.RoleUser
		}
		msgs = append(msgs, conversation.Message{
			Role:    role,
			Author:  strings.TrimSpace(line.Author),
			UserID:  strings.TrimSpace(line.UserID),
			Content: content,
		})
	}
	return msgs, nil
}
