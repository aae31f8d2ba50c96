// Package dify implements the upstream Dify API client and the typed
// model of its server-sent event stream.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/chatgate/chatgate/internal/common/config"
	"github.com/chatgate/chatgate/internal/common/logger"
)

// Client calls the Dify HTTP API. The zero timeout on the underlying
// http.Client is deliberate: chat responses stream for minutes and are
// bounded by the request context instead.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates a Dify API client from configuration.
func NewClient(cfg config.DifyConfig, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{},
		logger:  log,
	}
}

// ChatMessageRequest is the body of the chat-messages call.
type ChatMessageRequest struct {
	Query            string           `json:"query"`
	Inputs           map[string]any   `json:"inputs"`
	ResponseMode     string           `json:"response_mode"`
	User             string           `json:"user"`
	AutoGenerateName bool             `json:"auto_generate_name"`
	ConversationID   string           `json:"conversation_id,omitempty"`
	Files            []FileAttachment `json:"files,omitempty"`
}

// FileAttachment references an uploaded or remote file on a chat message.
type FileAttachment struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id,omitempty"`
	URL            string `json:"url,omitempty"`
}

// ValidateAttachments drops attachments that do not meet the API's
// requirements: both type and transfer_method are mandatory, local
// files need an upload id and remote files need a URL. Invalid entries
// are logged and skipped rather than failing the whole request.
func ValidateAttachments(files []FileAttachment, log *logger.Logger) []FileAttachment {
	valid := make([]FileAttachment, 0, len(files))
	for _, f := range files {
		switch {
		case f.Type == "" || f.TransferMethod == "":
			log.Warn("Dropping attachment missing type or transfer_method",
				zap.String("type", f.Type),
				zap.String("transfer_method", f.TransferMethod))
		case f.TransferMethod == "local_file" && f.UploadFileID == "":
			log.Warn("Dropping local_file attachment missing upload_file_id")
		case f.TransferMethod == "remote_url" && f.URL == "":
			log.Warn("Dropping remote_url attachment missing url")
		default:
			valid = append(valid, f)
		}
	}
	return valid
}

// SendChatMessage issues the streaming chat-messages call and returns
// the raw response. The caller owns the response body and must close it
// on every path. Attachment validation happens here, before the request
// is sent.
func (c *Client) SendChatMessage(ctx context.Context, req *ChatMessageRequest) (*http.Response, error) {
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}
	req.ResponseMode = "streaming"
	req.AutoGenerateName = true
	req.Files = ValidateAttachments(req.Files, c.logger)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat-messages request failed: %w", err)
	}
	return resp, nil
}

// StopGeneration asks the upstream to stop a running task.
func (c *Client) StopGeneration(ctx context.Context, taskID, user string) ([]byte, int, error) {
	body, _ := json.Marshal(map[string]string{"user": user})
	return c.do(ctx, http.MethodPost, "/chat-messages/"+url.PathEscape(taskID)+"/stop", "application/json", bytes.NewReader(body))
}

// UploadFile forwards a file to the upstream upload endpoint and
// returns the upstream response (contains the upload id on success).
func (c *Client) UploadFile(ctx context.Context, fileName string, file io.Reader, user string) ([]byte, int, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create multipart file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, 0, fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err := mw.WriteField("user", user); err != nil {
		return nil, 0, fmt.Errorf("failed to write user field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, 0, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	return c.do(ctx, http.MethodPost, "/files/upload", mw.FormDataContentType(), &buf)
}

// ListConversationsParams filters the conversation list call.
type ListConversationsParams struct {
	User   string
	LastID string
	Limit  string
	SortBy string
}

// ListConversations fetches the conversation list for a user.
func (c *Client) ListConversations(ctx context.Context, params ListConversationsParams) ([]byte, int, error) {
	q := url.Values{}
	q.Set("user", params.User)
	if params.Limit != "" {
		q.Set("limit", params.Limit)
	}
	if params.SortBy != "" {
		q.Set("sort_by", params.SortBy)
	}
	if params.LastID != "" {
		q.Set("last_id", params.LastID)
	}
	return c.do(ctx, http.MethodGet, "/conversations?"+q.Encode(), "application/json", nil)
}

// RenameConversation renames a conversation on behalf of a user.
func (c *Client) RenameConversation(ctx context.Context, conversationID, name, user string) ([]byte, int, error) {
	body, _ := json.Marshal(map[string]any{
		"name":          name,
		"auto_generate": false,
		"user":          user,
	})
	return c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/name", "application/json", bytes.NewReader(body))
}

// DeleteConversation deletes a conversation on behalf of a user.
func (c *Client) DeleteConversation(ctx context.Context, conversationID, user string) ([]byte, int, error) {
	body, _ := json.Marshal(map[string]string{"user": user})
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID), "application/json", bytes.NewReader(body))
}

// GetConversationVariables fetches app variables for a conversation.
func (c *Client) GetConversationVariables(ctx context.Context, conversationID string, q url.Values) ([]byte, int, error) {
	return c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/variables?"+q.Encode(), "application/json", nil)
}

// GetMessages fetches conversation history.
func (c *Client) GetMessages(ctx context.Context, q url.Values) ([]byte, int, error) {
	return c.do(ctx, http.MethodGet, "/messages?"+q.Encode(), "application/json", nil)
}

// do issues a non-streaming request and returns the full response body
// and status. The returned error covers transport failures only;
// non-success statuses surface through the status code.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("Dify API returned error status",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
	}

	return data, resp.StatusCode, nil
}

// ErrorMessage extracts the message field from an upstream error body.
// Returns empty when the body is not the documented error shape.
func ErrorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Message
}
