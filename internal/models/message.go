package models

import (
	"fmt"
	"strings"
)

// Role identifies who authored a transcript turn.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// ParseRole normalizes a role string. "assistant" is accepted for "ai".
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user":
		return RoleUser, nil
	case "ai", "assistant":
		return RoleAI, nil
	default:
		return "", fmt.Errorf("invalid role %q", raw)
	}
}

// Message is a single transcript turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// LastMessage returns the newest turn of the transcript.
func LastMessage(messages []Message) (Message, bool) {
	if len(messages) == 0 {
		return Message{}, false
	}
	return messages[len(messages)-1], true
}

// LatestUserMessage returns the newest user-authored turn.
func LatestUserMessage(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i], true
		}
	}
	return Message{}, false
}

// AwaitingReply reports whether the newest turn was written by the user.
func AwaitingReply(messages []Message) bool {
	last, ok := LastMessage(messages)
	return ok && last.Role == RoleUser
}
