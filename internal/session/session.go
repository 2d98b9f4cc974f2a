package session

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole normalizes a role name. The human/ai aliases map onto user/assistant.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return RoleSystem, nil
	case "user", "human":
		return RoleUser, nil
	case "assistant", "ai":
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Turn represents a single stored chat message
type Turn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session represents an ordered conversation sharing one id
type Session struct {
	ID    string `json:"id"`
	Turns []Turn `json:"turns"`
}

// Summary is the sidebar view of a session
type Summary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

const titleLength = 30

// Title derives a display title from the first message of a session.
func Title(sessionID, firstMessage string, ok bool) string {
	if !ok {
		return "Chat " + sessionID
	}
	runes := []rune(firstMessage)
	if len(runes) > titleLength {
		runes = runes[:titleLength]
	}
	return string(runes) + "..."
}
