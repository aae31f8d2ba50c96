package api

import (
	"github.com/gin-gonic/gin"

	"github.com/chatgate/chatgate/internal/chat"
	"github.com/chatgate/chatgate/internal/common/logger"
	"github.com/chatgate/chatgate/internal/conversation"
	"github.com/chatgate/chatgate/internal/dify"
)

// SetupRoutes configures the chat gateway API routes.
func SetupRoutes(router *gin.Engine, chatSvc *chat.Service, difyClient *dify.Client, mirror *conversation.Mirror, log *logger.Logger) {
	handler := NewHandler(chatSvc, difyClient, mirror, log)

	router.GET("/health", handler.Health)

	api := router.Group("/api")
	{
		api.POST("/chat", handler.Chat)
		api.POST("/stop", handler.Stop)
		api.POST("/upload", handler.Upload)
		api.GET("/messages", handler.GetMessages)

		conversations := api.Group("/conversations")
		{
			conversations.GET("", handler.ListConversations)
			conversations.PATCH("/:conversationId", handler.RenameConversation)
			conversations.DELETE("/:conversationId", handler.DeleteConversation)
			conversations.GET("/:conversationId/variables", handler.GetConversationVariables)
		}
	}
}
