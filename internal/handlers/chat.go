package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-stream-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	ChatID    string
	Role      string
	Text      string
	Content   template.HTML
	Thinking  template.HTML
	ModelID   string
	Timestamp time.Time

	// StreamingState is "loading" until the first fragment arrives, "streaming" while the reply grows
	// and "ended" once it is finalized.
	StreamingState string

	ThinkingInProgress bool
	ThinkingCompleted  bool
	Interrupted        bool
	Error              bool
	ErrorType          string
	ErrorDetails       string
}

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
)

var errChatIDRequired = errors.New("chat_id is required")

// HandleChats processes chat sends through HTTP POST requests, managing both new chat creation and
// message handling. It accepts the user's message through form data, prepares the send on the chat's
// session, and streams the reply asynchronously through Server-Sent Events.
//
// The handler expects a "message" form field, and optional "chat_id" and "model" fields. If no chat_id
// is provided, it creates a new chat. New chats are answered with the complete chatbox template,
// existing chats with the user message and AI placeholder templates.
//
// A send while a reply is still streaming is refused with 409 Conflict, a send the provider would
// refuse for missing credentials with 412 Precondition Failed.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	model := r.FormValue("model")
	if model != "" && m.catalog != nil && !m.catalog.Contains(r.Context(), model) {
		m.logger.Error("Unknown model", slog.String("model", model))
		http.Error(w, fmt.Sprintf("Unknown model %s", model), http.StatusBadRequest)
		return
	}

	chatID := r.FormValue("chat_id")
	// We track if this is a new chat to determine the appropriate template rendering strategy
	isNewChat := false
	if chatID == "" {
		// A send that would be refused must not leave an empty chat behind.
		if err := m.sessions.CheckCredentials(); err != nil {
			m.prepareError(w, "", err)
			return
		}
		if model == "" {
			model = m.defaultModel
		}
		var err error
		chatID, err = m.newChat(r.Context(), model)
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewChat = true
	}

	sess, err := m.session(r.Context(), chatID)
	if err != nil {
		m.sessionError(w, chatID, err)
		return
	}
	if sess.Status() == conversation.StatusProcessing {
		m.logger.Warn("Send while a reply is streaming", slog.String("chatID", chatID))
		http.Error(w, conversation.ErrBusy.Error(), http.StatusConflict)
		return
	}
	if model != "" && model != sess.Model() {
		sess.SetModel(model)
		m.updateChatModel(r.Context(), chatID, model)
	}

	ex, err := sess.Prepare(r.Context(), msg)
	if err != nil {
		m.prepareError(w, chatID, err)
		return
	}

	m.run(ex)

	if isNewChat {
		go m.generateChatTitle(chatID, msg)

		data := homePageData{
			CurrentChatID: chatID,
			Messages:      m.messageViews(chatID, sess.Messages()),
			Models:        m.models(r.Context()),
			SelectedModel: sess.Model(),
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	user := m.messageView(ex.User)
	user.ChatID = chatID
	if err := m.templates.ExecuteTemplate(w, "user_message", user); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ai := m.messageView(ex.Placeholder)
	ai.ChatID = chatID
	if err := m.templates.ExecuteTemplate(w, "ai_message", ai); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleEdit replaces a user message with new text and regenerates the reply. Every message after the
// edited one is discarded. It expects "chat_id", "message_id" and "message" form fields and answers
// with the re-rendered chatbox.
func (m Main) HandleEdit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	messageID := r.FormValue("message_id")
	if chatID == "" || messageID == "" {
		http.Error(w, "chat_id and message_id are required", http.StatusBadRequest)
		return
	}

	sess, err := m.session(r.Context(), chatID)
	if err != nil {
		m.sessionError(w, chatID, err)
		return
	}

	ex, err := sess.Edit(r.Context(), messageID, r.FormValue("message"))
	if err != nil {
		m.prepareError(w, chatID, err)
		return
	}

	m.run(ex)

	data := homePageData{
		CurrentChatID: chatID,
		Messages:      m.messageViews(chatID, sess.Messages()),
		Models:        m.models(r.Context()),
		SelectedModel: sess.Model(),
	}
	if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleStop stops the reply streaming in the chat given by the "chat_id" form field. Stopping a chat
// with nothing streaming is not an error.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}

	sess, err := m.session(r.Context(), chatID)
	if err != nil {
		m.sessionError(w, chatID, err)
		return
	}

	sess.Stop()
	m.logger.Info("Stop requested", slog.String("chatID", chatID))

	w.WriteHeader(http.StatusNoContent)
}

// HandleMessage renders the current state of an assistant message. Clients call it after subscribing
// to the message's SSE topic, so updates published before the subscription are not lost.
func (m Main) HandleMessage(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	messageID := r.URL.Query().Get("message_id")

	sess, err := m.session(r.Context(), chatID)
	if err != nil {
		m.sessionError(w, chatID, err)
		return
	}

	msg, ok := models.FindMessage(sess.Messages(), messageID)
	if !ok {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}

	view := m.messageView(msg)
	view.ChatID = chatID
	if !msg.IsStreaming {
		w.Header().Set("X-Streaming-State", "ended")
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message_body", view); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleModels lists the selectable models as JSON.
func (m Main) HandleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.models(r.Context())); err != nil {
		m.logger.Error("Failed to encode models", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) session(ctx context.Context, chatID string) (*conversation.Session, error) {
	if chatID == "" {
		return nil, errChatIDRequired
	}

	ch, err := m.store.Chat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	sess, err := m.sessions.Session(ctx, chatID)
	if err != nil {
		return nil, err
	}
	// The chat record holds the model last chosen for the chat.
	if ch.Model != "" && ch.Model != sess.Model() {
		sess.SetModel(ch.Model)
	}
	return sess, nil
}

func (m Main) sessionError(w http.ResponseWriter, chatID string, err error) {
	switch {
	case errors.Is(err, errChatIDRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrChatNotFound):
		m.logger.Warn("Unknown chat", slog.String("chatID", chatID))
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		m.logger.Error("Failed to load chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) prepareError(w http.ResponseWriter, chatID string, err error) {
	switch {
	case errors.Is(err, conversation.ErrBusy):
		m.logger.Warn("Send while a reply is streaming", slog.String("chatID", chatID))
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, conversation.ErrMissingCredentials):
		m.logger.Warn("Send without credentials",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
	case errors.Is(err, conversation.ErrEmptyMessage):
		http.Error(w, "Message is required", http.StatusBadRequest)
	case errors.Is(err, conversation.ErrMessageNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, conversation.ErrNotEditable):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		m.logger.Error("Failed to prepare send",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// run streams the reply of ex in the background. The request context is not used, so the reply keeps
// streaming after the response is written.
func (m Main) run(ex *conversation.Exchange) {
	m.runs.Add(1)
	go func() {
		defer m.runs.Done()
		ex.Run(context.Background())
	}()
}

func (m Main) newChat(ctx context.Context, model string) (string, error) {
	newChat := models.Chat{
		ID:    uuid.New().String(),
		Model: model,
	}
	if err := m.store.AddChat(ctx, newChat); err != nil {
		return "", fmt.Errorf("failed to add chat: %w", err)
	}

	m.publishChats(newChat.ID)

	return newChat.ID, nil
}

func (m Main) updateChatModel(ctx context.Context, chatID, model string) {
	ch, err := m.store.Chat(ctx, chatID)
	if err != nil {
		m.logger.Error("Failed to get chat", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		return
	}
	ch.Model = model
	if err := m.store.UpdateChat(ctx, ch); err != nil {
		m.logger.Error("Failed to update chat model",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) generateChatTitle(chatID string, message string) {
	if m.titleGenerator == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title, err := m.titleGenerator.GenerateTitle(ctx, message)
	if err != nil {
		m.logger.Error("Error generating chat title",
			slog.String("message", message),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	title = strings.Trim(strings.TrimSpace(title), `"`)
	if title == "" {
		return
	}

	ch, err := m.store.Chat(ctx, chatID)
	if err != nil {
		m.logger.Error("Failed to get chat", slog.String(errLoggerKey, err.Error()))
		return
	}
	ch.Title = title
	if err := m.store.UpdateChat(ctx, ch); err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	m.publishChats(chatID)
}

func (m Main) publishChats(activeID string) {
	divs, err := m.chatDivs(activeID)
	if err != nil {
		m.logger.Error("Failed to generate chat divs",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chats",
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) chatDivs(activeID string) (string, error) {
	chats, err := m.store.Chats(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}

func (m Main) models(ctx context.Context) []models.ModelInfo {
	if m.catalog == nil {
		if m.defaultModel == "" {
			return nil
		}
		return []models.ModelInfo{{ID: m.defaultModel}}
	}
	return m.catalog.Models(ctx)
}

func (m Main) messageViews(chatID string, msgs []models.Message) []message {
	res := make([]message, len(msgs))
	for i, msg := range msgs {
		res[i] = m.messageView(msg)
		res[i].ChatID = chatID
	}
	return res
}

func (m Main) messageView(msg models.Message) message {
	state := "ended"
	if msg.IsStreaming {
		state = "streaming"
		if msg.Content == "" && msg.ThinkingContent == "" {
			state = "loading"
		}
	}

	return message{
		ID:                 msg.ID,
		Role:               string(msg.Role),
		Text:               msg.Content,
		Content:            m.render(msg.ID, msg.Content),
		Thinking:           m.render(msg.ID, msg.ThinkingContent),
		ModelID:            msg.ModelID,
		Timestamp:          msg.Timestamp,
		StreamingState:     state,
		ThinkingInProgress: msg.IsThinkingInProgress,
		ThinkingCompleted:  msg.ThinkingCompleted,
		Interrupted:        msg.IsInterrupted,
		Error:              msg.IsError,
		ErrorType:          string(msg.ErrorType),
		ErrorDetails:       msg.ErrorDetails,
	}
}

func (m Main) render(messageID, src string) template.HTML {
	if src == "" {
		return ""
	}
	if m.markdown == nil {
		return template.HTML(template.HTMLEscapeString(src))
	}
	html, err := m.markdown.Render(src)
	if err != nil {
		m.logger.Error("Failed to render markdown",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		return template.HTML(template.HTMLEscapeString(src))
	}
	return html
}
