package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-stream-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-stream-ui/internal/handlers"
	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	"github.com/MegaGrindStone/chat-stream-ui/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

type mockSource struct {
	responses []string
	// endless makes the source yield a fragment every few milliseconds until it is stopped.
	endless bool
	credErr error

	mu     sync.Mutex
	models []string
}

type mockTitleGenerator struct {
	title string
}

type mockCatalog struct {
	models []models.ModelInfo
}

var (
	assistantIDPattern = regexp.MustCompile(`class="message assistant" id="message-([^"]+)"`)
	userIDPattern      = regexp.MustCompile(`class="message user" id="message-([^"]+)"`)
	chatIDPattern      = regexp.MustCompile(`id="chatbox" data-chat-id="([^"]+)"`)
)

func newTestMain(t *testing.T, src *mockSource) (handlers.Main, services.BoltDB) {
	t.Helper()

	store, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"), 0)
	require.NoError(t, err)

	reg := conversation.NewRegistry(src, store, conversation.Options{Model: "model-a"})
	main, err := handlers.NewMain(reg, store, handlers.Options{
		TitleGenerator: mockTitleGenerator{title: "Generated title"},
		Catalog: mockCatalog{models: []models.ModelInfo{
			{ID: "model-a", Provider: "test"},
			{ID: "model-b", Provider: "test"},
		}},
		Markdown:     services.NewMarkdown(""),
		DefaultModel: "model-a",
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = main.Shutdown(ctx)
		store.Close()
	})

	return main, store
}

func postForm(h http.HandlerFunc, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

// waitReady waits until every stored message of the chat is finalized.
func waitReady(t *testing.T, store services.BoltDB, chatID string) {
	t.Helper()

	require.Eventually(t, func() bool {
		msgs, err := store.Messages(context.Background(), chatID)
		if err != nil || len(msgs) == 0 {
			return false
		}
		for _, m := range msgs {
			if m.IsStreaming {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewMain(t *testing.T) {
	main, _ := newTestMain(t, &mockSource{})

	require.NoError(t, main.Shutdown(context.Background()))
}

func TestHandleHome(t *testing.T) {
	main, store := newTestMain(t, &mockSource{})

	ctx := context.Background()
	require.NoError(t, store.AddChat(ctx, models.Chat{ID: "1", Title: "Test Chat"}))
	require.NoError(t, store.AddMessage(ctx, "1", models.Message{ID: "m1", Role: models.RoleUser, Content: "Hello"}))
	require.NoError(t, store.AddMessage(ctx, "1", models.Message{
		ID: "m2", Role: models.RoleAssistant, Content: "Hi **there**", ThinkingContent: "greeting", ThinkingCompleted: true,
	}))

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Home page without chat",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Test Chat", "model-b"},
		},
		{
			name:       "Home page with chat",
			url:        "/?chat_id=1",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Hello", "<strong>there</strong>", "Thought process", "greeting"},
		},
		{
			name:       "Unknown chat",
			url:        "/?chat_id=2",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Unknown path",
			url:        "/favicon.ico",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			for _, s := range tt.wantBody {
				assert.Contains(t, w.Body.String(), s)
			}
		})
	}
}

func TestHandleChats(t *testing.T) {
	main, store := newTestMain(t, &mockSource{responses: []string{"AI ", "response"}})

	ctx := context.Background()
	require.NoError(t, store.AddChat(ctx, models.Chat{ID: "1"}))

	tests := []struct {
		name       string
		method     string
		message    string
		chatID     string
		model      string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			message:    "  ",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unknown model",
			method:     http.MethodPost,
			message:    "Hello",
			model:      "model-z",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "New chat",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusOK,
			wantBody:   `id="chatbox"`,
		},
		{
			name:       "Existing chat",
			method:     http.MethodPost,
			message:    "Hello",
			chatID:     "1",
			model:      "model-b",
			wantStatus: http.StatusOK,
			wantBody:   `data-streaming-state="loading"`,
		},
		{
			name:       "Unknown chat",
			method:     http.MethodPost,
			message:    "Hello",
			chatID:     "2",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{"message": {tt.message}, "chat_id": {tt.chatID}, "model": {tt.model}}
			req := httptest.NewRequest(tt.method, "/chats", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.Contains(t, w.Body.String(), tt.wantBody)
			}
		})
	}

	waitReady(t, store, "1")

	msgs, err := store.Messages(ctx, "1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "AI response", msgs[1].Content)
	assert.Equal(t, "model-b", msgs[1].ModelID)
	assert.False(t, msgs[1].IsStreaming)

	chat, err := store.Chat(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "model-b", chat.Model)

	chats, err := store.Chats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Eventually(t, func() bool {
		c, err := store.Chat(ctx, chats[0].ID)
		return err == nil && c.Title == "Generated title"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandleChatsRejections(t *testing.T) {
	t.Run("Missing credentials", func(t *testing.T) {
		main, store := newTestMain(t, &mockSource{credErr: errors.New("api key is not configured")})
		require.NoError(t, store.AddChat(context.Background(), models.Chat{ID: "1"}))

		w := postForm(main.HandleChats, "/chats", url.Values{"message": {"Hello"}, "chat_id": {"1"}})
		assert.Equal(t, http.StatusPreconditionFailed, w.Code)

		msgs, err := store.Messages(context.Background(), "1")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("Missing credentials on new chat", func(t *testing.T) {
		main, store := newTestMain(t, &mockSource{credErr: errors.New("api key is not configured")})

		w := postForm(main.HandleChats, "/chats", url.Values{"message": {"Hello"}})
		assert.Equal(t, http.StatusPreconditionFailed, w.Code)

		chats, err := store.Chats(context.Background())
		require.NoError(t, err)
		assert.Empty(t, chats)
	})

	t.Run("Busy", func(t *testing.T) {
		main, store := newTestMain(t, &mockSource{endless: true})
		require.NoError(t, store.AddChat(context.Background(), models.Chat{ID: "1"}))

		w := postForm(main.HandleChats, "/chats", url.Values{"message": {"first"}, "chat_id": {"1"}})
		require.Equal(t, http.StatusOK, w.Code)

		w = postForm(main.HandleChats, "/chats", url.Values{"message": {"second"}, "chat_id": {"1"}})
		assert.Equal(t, http.StatusConflict, w.Code)

		w = postForm(main.HandleStop, "/chats/stop", url.Values{"chat_id": {"1"}})
		assert.Equal(t, http.StatusNoContent, w.Code)

		waitReady(t, store, "1")

		msgs, err := store.Messages(context.Background(), "1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "first", msgs[0].Content)
		assert.True(t, msgs[1].IsInterrupted)
		assert.True(t, strings.HasSuffix(msgs[1].Content, conversation.CancelledSuffix))
	})
}

func TestHandleStop(t *testing.T) {
	main, store := newTestMain(t, &mockSource{})
	require.NoError(t, store.AddChat(context.Background(), models.Chat{ID: "1"}))

	w := postForm(main.HandleStop, "/chats/stop", url.Values{"chat_id": {"1"}})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = postForm(main.HandleStop, "/chats/stop", url.Values{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/chats/stop?chat_id=1", nil)
	rec := httptest.NewRecorder()
	main.HandleStop(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleEdit(t *testing.T) {
	src := &mockSource{responses: []string{"reply"}}
	main, store := newTestMain(t, src)
	ctx := context.Background()
	require.NoError(t, store.AddChat(ctx, models.Chat{ID: "1"}))

	w := postForm(main.HandleChats, "/chats", url.Values{"message": {"original"}, "chat_id": {"1"}})
	require.Equal(t, http.StatusOK, w.Code)
	userID := userIDPattern.FindStringSubmatch(w.Body.String())
	require.Len(t, userID, 2)
	assistantID := assistantIDPattern.FindStringSubmatch(w.Body.String())
	require.Len(t, assistantID, 2)
	waitReady(t, store, "1")

	w = postForm(main.HandleEdit, "/chats/edit", url.Values{
		"chat_id": {"1"}, "message_id": {assistantID[1]}, "message": {"nope"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postForm(main.HandleEdit, "/chats/edit", url.Values{
		"chat_id": {"1"}, "message_id": {"unknown"}, "message": {"nope"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = postForm(main.HandleEdit, "/chats/edit", url.Values{
		"chat_id": {"1"}, "message_id": {userID[1]}, "message": {"edited"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "edited")
	assert.NotContains(t, w.Body.String(), "original")
	waitReady(t, store, "1")

	msgs, err := store.Messages(ctx, "1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "edited", msgs[0].Content)
	assert.Equal(t, "reply", msgs[1].Content)
}

func TestHandleUnknownChat(t *testing.T) {
	main, store := newTestMain(t, &mockSource{})
	require.NoError(t, store.AddChat(context.Background(), models.Chat{ID: "1"}))

	get := func(h http.HandlerFunc, target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		h(w, req)
		return w
	}

	tests := []struct {
		name       string
		do         func() *httptest.ResponseRecorder
		wantStatus int
	}{
		{
			name: "Send",
			do: func() *httptest.ResponseRecorder {
				return postForm(main.HandleChats, "/chats", url.Values{"message": {"Hello"}, "chat_id": {"missing"}})
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "Edit",
			do: func() *httptest.ResponseRecorder {
				return postForm(main.HandleEdit, "/chats/edit", url.Values{
					"chat_id": {"missing"}, "message_id": {"m1"}, "message": {"edited"},
				})
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "Stop",
			do: func() *httptest.ResponseRecorder {
				return postForm(main.HandleStop, "/chats/stop", url.Values{"chat_id": {"missing"}})
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "Message of unknown chat",
			do: func() *httptest.ResponseRecorder {
				return get(main.HandleMessage, "/chats/message?chat_id=missing&message_id=m1")
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "Unknown message",
			do: func() *httptest.ResponseRecorder {
				return get(main.HandleMessage, "/chats/message?chat_id=1&message_id=m1")
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "Message without chat",
			do: func() *httptest.ResponseRecorder {
				return get(main.HandleMessage, "/chats/message?message_id=m1")
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.do()
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	chats, err := store.Chats(context.Background())
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestHandleModels(t *testing.T) {
	main, _ := newTestMain(t, &mockSource{})

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	w := httptest.NewRecorder()
	main.HandleModels(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var list []models.ModelInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Equal(t, []models.ModelInfo{{ID: "model-a", Provider: "test"}, {ID: "model-b", Provider: "test"}}, list)
}

func TestMessageStreamOverSSE(t *testing.T) {
	main, _ := newTestMain(t, &mockSource{endless: true})

	mux := http.NewServeMux()
	main.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.PostForm(srv.URL+"/chats", url.Values{"message": {"Hello"}})
	require.NoError(t, err)
	body := readAll(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	chatID := chatIDPattern.FindStringSubmatch(body)
	require.Len(t, chatID, 2)
	messageID := assistantIDPattern.FindStringSubmatch(body)
	require.Len(t, messageID, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/messages?message_id="+messageID[1], nil)
	require.NoError(t, err)
	sseResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer sseResp.Body.Close()

	var last string
	stopped := false
	closed := false
	for ev, err := range sse.Read(sseResp.Body, nil) {
		require.NoError(t, err)
		switch ev.Type {
		case "messages":
			last = ev.Data
			if !stopped {
				stopped = true
				stopResp, err := http.PostForm(srv.URL+"/chats/stop", url.Values{"chat_id": {chatID[1]}})
				require.NoError(t, err)
				stopResp.Body.Close()
				assert.Equal(t, http.StatusNoContent, stopResp.StatusCode)
			}
		case "closeMessage":
			assert.Equal(t, messageID[1], ev.Data)
			closed = true
		}
		if closed {
			break
		}
	}

	require.True(t, closed)
	assert.Contains(t, last, "tick")
	assert.Contains(t, last, "Response stopped by user.")
	assert.Contains(t, last, "interrupted")

	msgResp, err := http.Get(srv.URL + "/chats/message?chat_id=" + chatID[1] + "&message_id=" + messageID[1])
	require.NoError(t, err)
	msgBody := readAll(t, msgResp)
	assert.Equal(t, http.StatusOK, msgResp.StatusCode)
	assert.Equal(t, "ended", msgResp.Header.Get("X-Streaming-State"))
	assert.Contains(t, msgBody, "Response stopped by user.")
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func (m *mockSource) Chat(ctx context.Context, model string, _ []models.Turn) iter.Seq2[models.Chunk, error] {
	m.mu.Lock()
	m.models = append(m.models, model)
	m.mu.Unlock()

	return func(yield func(models.Chunk, error) bool) {
		if m.endless {
			ticker := time.NewTicker(5 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if !yield(models.Chunk{Text: "tick ", Model: model}, nil) {
						return
					}
				}
			}
		}

		for _, r := range m.responses {
			if !yield(models.Chunk{Text: r, Model: model}, nil) {
				return
			}
		}
	}
}

func (m *mockSource) CheckCredentials() error {
	return m.credErr
}

func (m mockTitleGenerator) GenerateTitle(context.Context, string) (string, error) {
	return m.title, nil
}

func (m mockCatalog) Models(context.Context) []models.ModelInfo {
	return m.models
}

func (m mockCatalog) Contains(_ context.Context, id string) bool {
	for _, info := range m.models {
		if info.ID == id {
			return true
		}
	}
	return false
}
