package api

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chatgate/chatgate/internal/dify"
)

func TestToServiceRequest(t *testing.T) {
	req := ChatRequest{
		Files: []dify.FileAttachment{{Type: "document", TransferMethod: "local_file", UploadFileID: "f1"}},
		Messages: []ChatMessage{
			{Role: "user", Parts: []ChatMessagePart{{Type: "text", Text: "first question"}}},
			{Role: "assistant", Parts: []ChatMessagePart{{Type: "text", Text: "first answer"}}},
			{
				Role: "user",
				Parts: []ChatMessagePart{
					{Type: "text", Text: "second "},
					{Type: "image", Text: "ignored"},
					{Type: "text", Text: "question"},
				},
				Data: &ChatMessageData{
					WalletAddress:  "0xabc",
					ConversationID: "conv-1",
					Files:          []dify.FileAttachment{{Type: "image", TransferMethod: "remote_url", URL: "https://x/y.png"}},
				},
			},
		},
	}

	svcReq := req.ToServiceRequest()

	assert.Equal(t, "second question", svcReq.Query)
	assert.Equal(t, "0xabc", svcReq.User)
	assert.Equal(t, "conv-1", svcReq.ConversationID)
	assert.Len(t, svcReq.Files, 2)
	assert.Len(t, svcReq.History, 3)
	assert.Equal(t, "first answer", svcReq.History[1].Text)
}

func TestToServiceRequestDefaults(t *testing.T) {
	req := ChatRequest{
		Messages: []ChatMessage{
			{Role: "user", Parts: []ChatMessagePart{{Type: "text", Text: "hi"}}},
		},
	}

	svcReq := req.ToServiceRequest()

	assert.Equal(t, "hi", svcReq.Query)
	assert.Equal(t, "web-user", svcReq.User)
	assert.Empty(t, svcReq.ConversationID)
	assert.Empty(t, svcReq.Files)
}

func TestToServiceRequestUsesLastUserMessageData(t *testing.T) {
	req := ChatRequest{
		Messages: []ChatMessage{
			{
				Role:  "user",
				Parts: []ChatMessagePart{{Type: "text", Text: "old"}},
				Data:  &ChatMessageData{WalletAddress: "0xold", ConversationID: "conv-old"},
			},
			{Role: "assistant", Parts: []ChatMessagePart{{Type: "text", Text: "reply"}}},
			{
				Role:  "user",
				Parts: []ChatMessagePart{{Type: "text", Text: "new"}},
				Data:  &ChatMessageData{WalletAddress: "0xnew", ConversationID: "conv-new"},
			},
		},
	}

	svcReq := req.ToServiceRequest()

	assert.Equal(t, "new", svcReq.Query)
	assert.Equal(t, "0xnew", svcReq.User)
	assert.Equal(t, "conv-new", svcReq.ConversationID)
}
