// Package conversation mirrors upstream conversation metadata so the
// gateway can serve titles and recency without an upstream round trip.
package conversation

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Conversation is one mirrored conversation row.
type Conversation struct {
	ID        string    `db:"id" json:"id"`
	User      string    `db:"user" json:"user"`
	Title     string    `db:"title" json:"title"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

const (
	defaultTitle    = "New Chat"
	titleMaxRunes   = 50
	attachmentsMark = "[Attachments]"
)

// GenerateTitle derives a conversation title from the first user
// message: the attachment summary block appended by the client is
// stripped, and the remainder is truncated to 50 runes.
func GenerateTitle(firstMessage string) string {
	text := firstMessage
	if i := strings.Index(text, attachmentsMark); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return defaultTitle
	}
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:titleMaxRunes]) + "..."
}
