// Package api contains HTTP handlers for the chat gateway.
package api

import (
	"encoding/json"
	goerrors "errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatgate/chatgate/internal/chat"
	"github.com/chatgate/chatgate/internal/common/errors"
	"github.com/chatgate/chatgate/internal/common/logger"
	"github.com/chatgate/chatgate/internal/conversation"
	"github.com/chatgate/chatgate/internal/dify"
)

// Handler contains HTTP handlers for the chat gateway API.
type Handler struct {
	chat   *chat.Service
	dify   *dify.Client
	mirror *conversation.Mirror
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(chatSvc *chat.Service, difyClient *dify.Client, mirror *conversation.Mirror, log *logger.Logger) *Handler {
	return &Handler{
		chat:   chatSvc,
		dify:   difyClient,
		mirror: mirror,
		logger: log,
	}
}

// Chat streams a chat completion.
// POST /api/chat
func (h *Handler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to process request. Please check your input and try again.",
			"details": err.Error(),
		})
		return
	}

	err := h.chat.Stream(c.Request.Context(), c.Writer, req.ToServiceRequest())
	if err == nil {
		return
	}

	// Nothing was streamed; render the failure as JSON.
	var appErr *errors.AppError
	if !goerrors.As(err, &appErr) {
		appErr = errors.InternalError("Failed to process request", err)
	}
	if appErr.HTTPStatus == http.StatusBadRequest {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to process request. Please check your input and try again.",
			"details": appErr.Message,
		})
		return
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error":   appErr.Message,
		"details": appErr.Details,
	})
}

// Stop asks the upstream to stop a running generation.
// POST /api/stop
func (h *Handler) Stop(c *gin.Context) {
	var req StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.TaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}
	if req.User == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
		return
	}

	body, status, err := h.dify.StopGeneration(c.Request.Context(), req.TaskID, req.User)
	if err != nil {
		h.logger.Error("Stop generation failed", zap.String("task_id", req.TaskID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if status >= 400 {
		c.JSON(status, gin.H{"error": fmt.Sprintf("Stop failed: %d", status)})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// Upload forwards a file to the upstream upload endpoint.
// POST /api/upload
func (h *Handler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	user := c.PostForm("user")
	if user == "" {
		user = "web-user"
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer file.Close()

	body, status, err := h.dify.UploadFile(c.Request.Context(), fileHeader.Filename, file, user)
	if err != nil {
		h.logger.Error("File upload failed", zap.String("file", fileHeader.Filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if status >= 400 {
		c.JSON(status, gin.H{"error": fmt.Sprintf("Upload failed: %d", status)})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// ListConversations returns the upstream conversation list, refreshed
// through and backfilled from the local mirror.
// GET /api/conversations
func (h *Handler) ListConversations(c *gin.Context) {
	user := c.Query("user")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
		return
	}

	params := dify.ListConversationsParams{
		User:   user,
		LastID: c.Query("last_id"),
		Limit:  c.DefaultQuery("limit", "20"),
		SortBy: c.DefaultQuery("sort_by", "-updated_at"),
	}

	body, status, err := h.dify.ListConversations(c.Request.Context(), params)
	if err != nil {
		h.logger.Error("Failed to list conversations", zap.String("user", user), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if status >= 400 {
		c.JSON(status, gin.H{"error": "Failed to fetch conversations from Dify API"})
		return
	}

	var list dify.ConversationList
	if err := json.Unmarshal(body, &list); err != nil {
		h.logger.Error("Failed to decode conversation list", zap.Error(err))
		c.Data(http.StatusOK, "application/json", body)
		return
	}

	h.mirror.SyncFromList(c.Request.Context(), user, &list)
	h.mirror.FillTitles(c.Request.Context(), &list)
	c.JSON(http.StatusOK, list)
}

// RenameConversation renames a conversation upstream.
// PATCH /api/conversations/:conversationId
func (h *Handler) RenameConversation(c *gin.Context) {
	conversationID := c.Param("conversationId")

	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" || req.User == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and user are required"})
		return
	}

	body, status, err := h.dify.RenameConversation(c.Request.Context(), conversationID, req.Name, req.User)
	if err != nil {
		h.logger.Error("Failed to rename conversation",
			zap.String("conversation_id", conversationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if status >= 400 {
		c.JSON(status, gin.H{"error": "Failed to rename conversation"})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// DeleteConversation deletes a conversation upstream and evicts it
// from the mirror.
// DELETE /api/conversations/:conversationId
func (h *Handler) DeleteConversation(c *gin.Context) {
	conversationID := c.Param("conversationId")

	var req DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.User == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
		return
	}

	body, status, err := h.dify.DeleteConversation(c.Request.Context(), conversationID, req.User)
	if err != nil {
		h.logger.Error("Failed to delete conversation",
			zap.String("conversation_id", conversationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if status >= 400 {
		c.JSON(status, gin.H{"error": "Failed to delete conversation"})
		return
	}

	h.mirror.Evict(c.Request.Context(), conversationID)

	// Upstream returns 204 with no body on success.
	if status == http.StatusNoContent || len(body) == 0 {
		c.JSON(http.StatusOK, gin.H{"result": "success"})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// GetConversationVariables returns app variables for a conversation.
// GET /api/conversations/:conversationId/variables
func (h *Handler) GetConversationVariables(c *gin.Context) {
	conversationID := c.Param("conversationId")
	user := c.Query("user")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
		return
	}

	q := url.Values{}
	q.Set("user", user)
	q.Set("limit", c.DefaultQuery("limit", "20"))
	if lastID := c.Query("last_id"); lastID != "" {
		q.Set("last_id", lastID)
	}
	if name := c.Query("variable_name"); name != "" {
		q.Set("variable_name", name)
	}

	body, status, err := h.dify.GetConversationVariables(c.Request.Context(), conversationID, q)
	if err != nil {
		h.logger.Error("Failed to get conversation variables",
			zap.String("conversation_id", conversationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if status >= 400 {
		c.JSON(status, gin.H{"error": "Failed to get conversation variables"})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// GetMessages returns conversation history.
// GET /api/messages
func (h *Handler) GetMessages(c *gin.Context) {
	conversationID := c.Query("conversation_id")
	user := c.Query("user")
	if conversationID == "" || user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id and user are required"})
		return
	}

	q := url.Values{}
	q.Set("conversation_id", conversationID)
	q.Set("user", user)
	q.Set("limit", c.DefaultQuery("limit", "20"))
	if firstID := c.Query("first_id"); firstID != "" {
		q.Set("first_id", firstID)
	}

	body, status, err := h.dify.GetMessages(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("Failed to fetch messages",
			zap.String("conversation_id", conversationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if status >= 400 {
		c.JSON(status, gin.H{"error": "Failed to fetch messages from Dify API"})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
