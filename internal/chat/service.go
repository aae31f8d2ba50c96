// Package chat orchestrates chat requests: upstream streaming with
// protocol translation, the fallback provider, and lifecycle events.
package chat

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatgate/chatgate/internal/common/errors"
	"github.com/chatgate/chatgate/internal/common/logger"
	"github.com/chatgate/chatgate/internal/dify"
	"github.com/chatgate/chatgate/internal/events/bus"
	"github.com/chatgate/chatgate/internal/stream"
)

const eventSource = "chat-service"

// Client-facing texts for the pre-stream and double-failure paths.
const (
	syntheticErrorPrefix = "❌ **Error:** "
	doubleFailureText    = "Both AI services are currently unavailable. Please try again later."
	genericUpstreamText  = "AI service is temporarily unavailable. Please try again."
)

// Message is one turn of the chat history, used by the fallback
// provider. The primary provider only needs the latest query.
type Message struct {
	Role string
	Text string
}

// Request is a resolved chat request.
type Request struct {
	Query          string
	ConversationID string
	User           string
	Files          []dify.FileAttachment
	History        []Message
}

// Fallback streams a completion for the chat history when the primary
// provider is unreachable.
type Fallback interface {
	Stream(ctx context.Context, w http.ResponseWriter, history []Message) error
}

// Service routes chat requests to the primary provider and falls back
// when it cannot be reached. The provider preference is fixed at
// construction from configuration.
type Service struct {
	dify       *dify.Client
	fallback   Fallback
	bus        bus.EventBus
	logger     *logger.Logger
	preferDify bool
}

// NewService creates the chat service. fallback may be nil when no
// fallback provider is configured.
func NewService(difyClient *dify.Client, fallback Fallback, eventBus bus.EventBus, preferDify bool, log *logger.Logger) *Service {
	return &Service{
		dify:       difyClient,
		fallback:   fallback,
		bus:        eventBus,
		logger:     log,
		preferDify: preferDify,
	}
}

// Stream handles one chat request end to end. When it returns an
// error, nothing has been written to the response and the caller
// renders it as JSON; otherwise the full SSE stream, including its
// terminator, has been written.
func (s *Service) Stream(ctx context.Context, w http.ResponseWriter, req *Request) error {
	if strings.TrimSpace(req.Query) == "" {
		return errors.BadRequest("Message content is required")
	}
	if req.User == "" {
		req.User = "web-user"
	}

	s.publish(ctx, bus.SubjectChatStarted, req, nil)

	if !s.preferDify {
		return s.streamFallback(ctx, w, req)
	}

	resp, err := s.dify.SendChatMessage(ctx, &dify.ChatMessageRequest{
		Query:          req.Query,
		User:           req.User,
		ConversationID: req.ConversationID,
		Files:          req.Files,
	})
	if err != nil {
		// No upstream response at all; this is the only case that
		// falls through to the secondary provider.
		s.logger.Warn("Upstream chat request failed, using fallback", zap.Error(err))
		return s.streamFallback(ctx, w, req)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		message := statusMessage(resp.StatusCode, dify.ErrorMessage(body))
		s.logger.Warn("Upstream chat request rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("message", message))
		s.publish(ctx, bus.SubjectChatFailed, req, map[string]interface{}{
			"status": strconv.Itoa(resp.StatusCode),
			"reason": message,
		})
		return s.writeSyntheticError(w, message)
	}

	tr := stream.NewTranslator(w, s.logger.WithUser(req.User))
	stream.SetStreamHeaders(w.Header())
	if err := tr.Run(resp.Body); err != nil {
		// The client went away mid-stream; the upstream read is
		// abandoned with it.
		s.logger.Warn("Downstream write failed", zap.Error(err))
		return nil
	}

	s.publish(ctx, bus.SubjectChatCompleted, req, map[string]interface{}{
		"conversation_id":  tr.ConversationID(),
		"task_id":          tr.TaskID(),
		"new_conversation": strconv.FormatBool(req.ConversationID == ""),
		"provider":         "dify",
	})
	return nil
}

// streamFallback hands the request to the secondary provider. A
// missing or failing fallback is the double-failure case: a JSON error
// for the caller to return, since nothing was streamed.
func (s *Service) streamFallback(ctx context.Context, w http.ResponseWriter, req *Request) error {
	if s.fallback == nil {
		s.publish(ctx, bus.SubjectChatFailed, req, map[string]interface{}{"reason": "no fallback provider"})
		return errors.InternalError(doubleFailureText, nil)
	}
	if err := s.fallback.Stream(ctx, w, req.History); err != nil {
		s.logger.Error("Fallback provider failed", zap.Error(err))
		s.publish(ctx, bus.SubjectChatFailed, req, map[string]interface{}{"reason": err.Error()})
		return errors.InternalError(doubleFailureText, err)
	}
	s.publish(ctx, bus.SubjectChatCompleted, req, map[string]interface{}{
		"conversation_id":  req.ConversationID,
		"new_conversation": strconv.FormatBool(req.ConversationID == ""),
		"provider":         "openai",
	})
	return nil
}

// writeSyntheticError renders an upstream rejection as a complete,
// well-formed stream so the client shows a chat message instead of a
// broken request.
func (s *Service) writeSyntheticError(w http.ResponseWriter, message string) error {
	stream.SetStreamHeaders(w.Header())
	fw := stream.NewFrameWriter(w)
	messageID := "msg_" + uuid.NewString()

	frames := []stream.Frame{
		stream.StartFrame(),
		stream.StepStartFrame(),
		stream.TextStartFrame(messageID),
		stream.TextDeltaFrame(messageID, syntheticErrorPrefix+message),
		stream.TextEndFrame(messageID),
		stream.StepFinishFrame(),
		stream.FinishFrame(),
	}
	for _, f := range frames {
		if err := fw.Write(f); err != nil {
			return nil
		}
	}
	_ = fw.WriteDone()
	return nil
}

// statusMessage maps an upstream rejection to the text shown in chat.
// Auth and rate-limit statuses always use fixed texts; otherwise the
// upstream's own message wins when it sent one.
func statusMessage(status int, upstreamMessage string) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "Authentication failed. Please check your API configuration."
	case status == http.StatusTooManyRequests:
		return "Rate limit exceeded. Please wait a moment and try again."
	case upstreamMessage != "":
		return upstreamMessage
	case status == http.StatusBadRequest:
		return "Invalid request. Please check your input and try again."
	case status == http.StatusNotFound:
		return "Conversation not found. Starting a new conversation."
	case status >= http.StatusInternalServerError:
		return "AI service is experiencing issues. Please try again later."
	default:
		return genericUpstreamText
	}
}

func (s *Service) publish(ctx context.Context, subject string, req *Request, extra map[string]interface{}) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"user":            req.User,
		"query":           req.Query,
		"conversation_id": req.ConversationID,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		s.logger.Warn("Failed to publish chat event", zap.String("subject", subject), zap.Error(err))
	}
}
