package api

import (
	"strings"

	"github.com/chatgate/chatgate/internal/chat"
	"github.com/chatgate/chatgate/internal/dify"
)

// ChatRequest is the AI SDK message payload posted by the web client.
type ChatRequest struct {
	Messages []ChatMessage         `json:"messages"`
	Files    []dify.FileAttachment `json:"files"`
}

// ChatMessage is one UI message with its typed parts and optional
// client-attached data.
type ChatMessage struct {
	Role  string            `json:"role"`
	Parts []ChatMessagePart `json:"parts"`
	Data  *ChatMessageData  `json:"data"`
}

// ChatMessagePart is one part of a UI message; only text parts carry
// content the gateway uses.
type ChatMessagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ChatMessageData is the client-side metadata riding on a user
// message: the wallet identity, the conversation to continue, and any
// attachments picked in the composer.
type ChatMessageData struct {
	WalletAddress  string                `json:"walletAddress"`
	ConversationID string                `json:"conversationId"`
	Files          []dify.FileAttachment `json:"files"`
}

// StopRequest asks the upstream to stop a running generation.
type StopRequest struct {
	TaskID string `json:"task_id"`
	User   string `json:"user"`
}

// RenameRequest renames a conversation.
type RenameRequest struct {
	Name string `json:"name"`
	User string `json:"user"`
}

// DeleteRequest identifies the user deleting a conversation.
type DeleteRequest struct {
	User string `json:"user"`
}

// text concatenates the message's text parts.
func (m *ChatMessage) text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToServiceRequest resolves the UI payload into a chat request: the
// query is the text of the last message, identity and conversation
// come from the last user message's data, and attachments merge the
// top-level files with the ones riding on that message.
func (r *ChatRequest) ToServiceRequest() *chat.Request {
	req := &chat.Request{
		User:  "web-user",
		Files: r.Files,
	}

	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role != "user" || m.Data == nil {
			continue
		}
		if m.Data.WalletAddress != "" {
			req.User = m.Data.WalletAddress
		}
		req.ConversationID = m.Data.ConversationID
		req.Files = append(req.Files, m.Data.Files...)
		break
	}

	if len(r.Messages) > 0 {
		req.Query = r.Messages[len(r.Messages)-1].text()
	}

	req.History = make([]chat.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		req.History = append(req.History, chat.Message{Role: m.Role, Text: m.text()})
	}

	return req
}
