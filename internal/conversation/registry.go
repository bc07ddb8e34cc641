package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
)

// HistoryStore is a Store that can also load the messages of a chat.
type HistoryStore interface {
	Store
	Messages(ctx context.Context, chatID string) ([]models.Message, error)
}

// Registry keeps one Session per chat, creating it on first use with the chat's stored history.
type Registry struct {
	source CompletionSource
	store  HistoryStore
	opts   Options

	mu        sync.Mutex
	sessions  map[string]*Session
	listeners []Listener
}

// NewRegistry creates a Registry. opts is the template for every session; its Store and History
// fields are replaced per chat. store may be nil.
func NewRegistry(source CompletionSource, store HistoryStore, opts Options) *Registry {
	return &Registry{
		source:   source,
		store:    store,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Subscribe registers l on every existing and future session.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, l)
	for _, s := range r.sessions {
		s.Subscribe(l)
	}
}

// Session returns the session of chatID, loading its history when it is created.
func (r *Registry) Session(ctx context.Context, chatID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[chatID]; ok {
		return s, nil
	}

	opts := r.opts
	opts.History = nil
	opts.Store = nil
	if r.store != nil {
		history, err := r.store.Messages(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to load messages: %w", err)
		}
		opts.History = recoverHistory(history)
		opts.Store = r.store
	}

	s := NewSession(chatID, r.source, opts)
	for _, l := range r.listeners {
		s.Subscribe(l)
	}
	r.sessions[chatID] = s

	if opts.Logger != nil {
		opts.Logger.Debug("Session created",
			slog.String("module", "conversation"),
			slog.String("chatID", chatID),
			slog.Int("messages", len(opts.History)))
	}

	return s, nil
}

// CheckCredentials returns an error wrapping ErrMissingCredentials when the source would refuse any
// send, so callers can reject a request before creating anything for it.
func (r *Registry) CheckCredentials() error {
	if err := checkCredentials(r.source); err != nil {
		r.opts.Metrics.Rejected("credentials")
		return err
	}
	return nil
}

// StopAll stops every in-flight send.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.Status() == StatusProcessing {
			s.Stop()
		}
	}
}

// recoverHistory marks replies that were still streaming when the process stopped as interrupted.
func recoverHistory(history []models.Message) []models.Message {
	res := make([]models.Message, len(history))
	for i, m := range history {
		if m.IsStreaming {
			m.IsStreaming = false
			m.IsThinkingInProgress = false
			m.IsInterrupted = true
			m.Content += CancelledSuffix
		}
		res[i] = m
	}
	return res
}
