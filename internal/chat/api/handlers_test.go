package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatgate/chatgate/internal/chat"
	"github.com/chatgate/chatgate/internal/common/config"
	"github.com/chatgate/chatgate/internal/common/logger"
	"github.com/chatgate/chatgate/internal/conversation"
	"github.com/chatgate/chatgate/internal/dify"
	"github.com/chatgate/chatgate/internal/events/bus"
)

type stubFallback struct {
	called bool
}

func (s *stubFallback) Stream(ctx context.Context, w http.ResponseWriter, history []chat.Message) error {
	s.called = true
	_, err := w.Write([]byte("data: {\"type\":\"start\"}\n\ndata: [DONE]\n\n"))
	return err
}

func setupGateway(t *testing.T, upstream http.HandlerFunc, fallback chat.Fallback) (*gin.Engine, *conversation.MemoryRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	difyClient := dify.NewClient(config.DifyConfig{BaseURL: srv.URL, APIKey: "test-key"}, log)
	repo := conversation.NewMemoryRepository()
	mirror := conversation.NewMirror(repo, log)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	svc := chat.NewService(difyClient, fallback, eventBus, true, log)

	router := gin.New()
	SetupRoutes(router, svc, difyClient, mirror, log)
	return router, repo
}

func chatPayload(query, conversationID string) []byte {
	payload := ChatRequest{
		Messages: []ChatMessage{
			{
				Role:  "user",
				Parts: []ChatMessagePart{{Type: "text", Text: query}},
				Data: &ChatMessageData{
					WalletAddress:  "0xabc",
					ConversationID: conversationID,
				},
			},
		},
	}
	body, _ := json.Marshal(payload)
	return body
}

func TestHandler_ChatStreamsTranslatedResponse(t *testing.T) {
	upstream := func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat-messages", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req["query"])
		assert.Equal(t, "0xabc", req["user"])
		assert.Equal(t, "streaming", req["response_mode"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"Hi!\",\"conversation_id\":\"conv-1\",\"task_id\":\"task-1\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"workflow_finished\",\"data\":{\"status\":\"succeeded\",\"outputs\":{\"answer\":\"Hi!\"}}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
	router, _ := setupGateway(t, upstream, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(chatPayload("hello", "")))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "v1", w.Header().Get("x-vercel-ai-ui-message-stream"))

	body := w.Body.String()
	assert.Contains(t, body, `"type":"start"`)
	assert.Contains(t, body, `"delta":"Hi!"`)
	assert.Contains(t, body, `"taskId":"task-1"`)
	assert.Contains(t, body, `"conversationId":"conv-1"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestHandler_ChatRejectsEmptyQuery(t *testing.T) {
	router, _ := setupGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(chatPayload("   ", "")))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Message content is required", resp["details"])
}

func TestHandler_ChatUpstreamRejectionBecomesErrorStream(t *testing.T) {
	upstream := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"status":401,"code":"unauthorized","message":"bad key"}`)
	}
	router, _ := setupGateway(t, upstream, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(chatPayload("hello", "")))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	// Rejections still stream so the client renders a chat message.
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "❌ **Error:** Authentication failed. Please check your API configuration.")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestHandler_ChatFallsBackOnConnectionFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})

	// Point the upstream client at a server that is already gone.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	difyClient := dify.NewClient(config.DifyConfig{BaseURL: srv.URL, APIKey: "test-key"}, log)

	fb := &stubFallback{}
	repo := conversation.NewMemoryRepository()
	mirror := conversation.NewMirror(repo, log)
	svc := chat.NewService(difyClient, fb, bus.NewMemoryEventBus(log), true, log)

	router := gin.New()
	SetupRoutes(router, svc, difyClient, mirror, log)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(chatPayload("hello", "")))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, fb.called)
}

func TestHandler_ChatDoubleFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	difyClient := dify.NewClient(config.DifyConfig{BaseURL: srv.URL, APIKey: "test-key"}, log)

	repo := conversation.NewMemoryRepository()
	mirror := conversation.NewMirror(repo, log)
	svc := chat.NewService(difyClient, nil, bus.NewMemoryEventBus(log), true, log)

	router := gin.New()
	SetupRoutes(router, svc, difyClient, mirror, log)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(chatPayload("hello", "")))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Both AI services are currently unavailable. Please try again later.", resp["error"])
}

func TestHandler_StopValidation(t *testing.T) {
	router, _ := setupGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	}, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing task_id", `{"user":"alice"}`, "task_id is required"},
		{"missing user", `{"task_id":"t1"}`, "user is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/stop", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp["error"])
		})
	}
}

func TestHandler_StopPassthrough(t *testing.T) {
	upstream := func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat-messages/task-1/stop", r.URL.Path)
		fmt.Fprint(w, `{"result":"success"}`)
	}
	router, _ := setupGateway(t, upstream, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/stop", strings.NewReader(`{"task_id":"task-1","user":"alice"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":"success"}`, w.Body.String())
}

func TestHandler_UploadRequiresFile(t *testing.T) {
	router, _ := setupGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("user", "alice"))
	require.NoError(t, mw.Close())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "No file provided")
}

func TestHandler_UploadPassthrough(t *testing.T) {
	upstream := func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "alice", r.FormValue("user"))
		fmt.Fprint(w, `{"id":"file-1","name":"notes.txt"}`)
	}
	router, _ := setupGateway(t, upstream, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("user", "alice"))
	require.NoError(t, mw.Close())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"file-1"`)
}

func TestHandler_ListConversationsFillsMirroredTitles(t *testing.T) {
	upstream := func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversations", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("user"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "-updated_at", r.URL.Query().Get("sort_by"))
		fmt.Fprint(w, `{"data":[{"id":"c1","name":""},{"id":"c2","name":"Named upstream"}],"has_more":false,"limit":20}`)
	}
	router, repo := setupGateway(t, upstream, nil)

	require.NoError(t, repo.Upsert(context.Background(), &conversation.Conversation{
		ID: "c1", User: "alice", Title: "Local title", UpdatedAt: time.Now().UTC(),
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/conversations?user=alice", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var list dify.ConversationList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 2)
	assert.Equal(t, "Local title", list.Data[0].Name)
	assert.Equal(t, "Named upstream", list.Data[1].Name)
}

func TestHandler_ListConversationsRequiresUser(t *testing.T) {
	router, _ := setupGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "user is required")
}

func TestHandler_DeleteConversationEvictsMirror(t *testing.T) {
	upstream := func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/conversations/c1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}
	router, repo := setupGateway(t, upstream, nil)

	require.NoError(t, repo.Upsert(context.Background(), &conversation.Conversation{
		ID: "c1", User: "alice", Title: "Doomed", UpdatedAt: time.Now().UTC(),
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/conversations/c1", strings.NewReader(`{"user":"alice"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	_, err := repo.Get(context.Background(), "c1")
	assert.Error(t, err)
}

func TestHandler_RenameConversationValidation(t *testing.T) {
	router, _ := setupGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/api/conversations/c1", strings.NewReader(`{"name":"New name"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "name and user are required")
}

func TestHandler_GetMessagesValidation(t *testing.T) {
	router, _ := setupGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/messages?user=alice", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "conversation_id and user are required")
}

func TestHandler_Health(t *testing.T) {
	router, _ := setupGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
