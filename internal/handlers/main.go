package handlers

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	chatui "github.com/MegaGrindStone/chat-stream-ui"
	"github.com/MegaGrindStone/chat-stream-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Store defines the interface for managing chat and message persistence. Message writes of a send are
// done by the conversation sessions; the handlers only manage chat records.
type Store interface {
	conversation.HistoryStore

	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, chatID string) (models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) error
	UpdateChat(ctx context.Context, chat models.Chat) error
}

// TitleGenerator generates a short chat title from the first message of a chat.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Catalog lists the models a user can choose from.
type Catalog interface {
	Models(ctx context.Context) []models.ModelInfo
	Contains(ctx context.Context, id string) bool
}

// Renderer renders message text to HTML.
type Renderer interface {
	Render(src string) (template.HTML, error)
}

// Options are the optional collaborators of Main.
type Options struct {
	TitleGenerator TitleGenerator
	Catalog        Catalog
	Markdown       Renderer
	// DefaultModel is selected for new chats.
	DefaultModel string
	Logger       *slog.Logger
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and interactions between the conversation sessions and the Store.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	sessions *conversation.Registry
	store    Store

	titleGenerator TitleGenerator
	catalog        Catalog
	markdown       Renderer
	defaultModel   string

	// runs tracks exchanges streaming in the background.
	runs *sync.WaitGroup

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"
)

// NewMain creates a new Main instance. It parses the HTML templates from the embedded filesystem and
// subscribes to the sessions of the registry, publishing every reply update to the SSE topic of the
// reply's message.
func NewMain(sessions *conversation.Registry, store Store, opts Options) (Main, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(slog.String("module", "main"))

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"formatTime": func(t time.Time) string { return t.Format("15:04") },
	}).ParseFS(
		chatui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(_ http.ResponseWriter, r *http.Request) ([]string, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				// We create a message-specific topic if the client requests updates for a particular message
				messageID := r.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return topics, true
			},
			Logger: func(*http.Request) *slog.Logger {
				return logger.With(slog.String("module", "sse"))
			},
		},
		templates:      tmpl,
		sessions:       sessions,
		store:          store,
		titleGenerator: opts.TitleGenerator,
		catalog:        opts.Catalog,
		markdown:       opts.Markdown,
		defaultModel:   opts.DefaultModel,
		runs:           &sync.WaitGroup{},
		logger:         logger,
	}

	sessions.Subscribe(m.publishEvent)

	return m, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE serves the SSE subscriptions of the chat list and of streaming messages.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// publishEvent forwards reply updates of a session to the clients watching the reply.
func (m Main) publishEvent(e conversation.Event) {
	if e.Kind != conversation.EventUpdated && e.Kind != conversation.EventFinalized {
		return
	}
	if e.Changed.Role != models.RoleAssistant {
		return
	}

	topic := messageIDTopic(e.Changed.ID)

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "ai_message_body", m.messageView(e.Changed)); err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", e.Changed.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: messagesSSEType,
	}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg, topic); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", e.Changed.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if e.Kind == conversation.EventFinalized {
		closeMsg := &sse.Message{Type: closeMessageSSEType}
		closeMsg.AppendData(e.Changed.ID)
		_ = m.sseSrv.Publish(closeMsg, topic)
	}
}

// Shutdown stops every streaming reply, waits for the replies to be finalized, then gracefully
// terminates the SSE server. It broadcasts a close message to all connected clients and waits up to 5
// seconds for connections to terminate. After the timeout, any remaining connections are forcefully
// closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.sessions.StopAll()

	done := make(chan struct{})
	go func() {
		m.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timed out waiting for replies to finish")
	}

	e := &sse.Message{Type: sse.Type("closeChat")}
	// Browsers drop SSE events without data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// Routes registers the handlers of Main on mux.
func (m Main) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/edit", m.HandleEdit)
	mux.HandleFunc("/chats/stop", m.HandleStop)
	mux.HandleFunc("/chats/message", m.HandleMessage)
	mux.HandleFunc("/models", m.HandleModels)
	mux.HandleFunc("/sse/messages", m.HandleSSE)
	mux.HandleFunc("/sse/chats", m.HandleSSE)
}
