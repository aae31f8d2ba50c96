package chat

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/chatgate/chatgate/internal/common/config"
	"github.com/chatgate/chatgate/internal/common/logger"
	"github.com/chatgate/chatgate/internal/stream"
)

// OpenAIFallback streams chat completions from OpenAI in the
// downstream frame vocabulary, so the client sees the same protocol
// whichever provider answered.
type OpenAIFallback struct {
	client *openai.Client
	model  string
	logger *logger.Logger
}

var _ Fallback = (*OpenAIFallback)(nil)

// NewOpenAIFallback creates the fallback provider from configuration.
func NewOpenAIFallback(cfg config.OpenAIConfig, log *logger.Logger) *OpenAIFallback {
	return &OpenAIFallback{
		client: openai.NewClient(cfg.APIKey),
		model:  cfg.Model,
		logger: log,
	}
}

// Stream issues a streaming completion for the chat history. An error
// opening the stream is returned before anything is written; once
// frames are flowing the stream is always closed well-formed.
func (f *OpenAIFallback) Stream(ctx context.Context, w http.ResponseWriter, history []Message) error {
	completion, err := f.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    f.model,
		Messages: toChatMessages(history),
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to open completion stream: %w", err)
	}
	defer completion.Close()

	f.logger.Info("Streaming from fallback provider", zap.String("model", f.model))

	stream.SetStreamHeaders(w.Header())
	fw := stream.NewFrameWriter(w)
	messageID := "msg_" + uuid.NewString()

	for _, fr := range []stream.Frame{stream.StartFrame(), stream.StepStartFrame(), stream.TextStartFrame(messageID)} {
		if err := fw.Write(fr); err != nil {
			return nil
		}
	}

	for {
		chunk, err := completion.Recv()
		if goerrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.logger.Warn("Fallback stream interrupted", zap.Error(err))
			break
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := fw.Write(stream.TextDeltaFrame(messageID, delta)); err != nil {
			return nil
		}
	}

	for _, fr := range []stream.Frame{stream.TextEndFrame(messageID), stream.StepFinishFrame(), stream.FinishFrame()} {
		if err := fw.Write(fr); err != nil {
			return nil
		}
	}
	_ = fw.WriteDone()
	return nil
}

// toChatMessages flattens gateway history into the completion API's
// message shape. Unknown roles degrade to user turns.
func toChatMessages(history []Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		role := m.Role
		switch role {
		case openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant, openai.ChatMessageRoleSystem:
		default:
			role = openai.ChatMessageRoleUser
		}
		if m.Text == "" {
			continue
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	return msgs
}
