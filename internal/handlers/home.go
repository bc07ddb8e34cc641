package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
)

type homePageData struct {
	Chats         []chat
	CurrentChatID string
	Messages      []message

	Models        []models.ModelInfo
	SelectedModel string
}

// HandleHome renders the home page: the chat list and, when the "chat_id" query parameter names a
// chat, its messages. Messages come from the chat's session, so a reply that is still streaming is
// shown in its current state.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		Models:        m.models(r.Context()),
		SelectedModel: m.defaultModel,
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID != "" {
		sess, err := m.session(r.Context(), chatID)
		if err != nil {
			m.sessionError(w, chatID, err)
			return
		}
		data.CurrentChatID = chatID
		data.Messages = m.messageViews(chatID, sess.Messages())
		if model := sess.Model(); model != "" {
			data.SelectedModel = model
		}
	}

	data.Chats = make([]chat, len(chats))
	for i, ch := range chats {
		data.Chats[i] = chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == chatID,
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
