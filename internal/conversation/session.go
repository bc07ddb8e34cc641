// Package conversation owns the lifecycle of a chat send: appending the user message and the
// assistant placeholder, streaming the reply into the placeholder, and moving it to exactly one
// terminal state (completed, interrupted, empty-stream or error).
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/chat-stream-ui/internal/metrics"
	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	"github.com/MegaGrindStone/chat-stream-ui/internal/stream"
	"github.com/google/uuid"
)

// CompletionSource streams a completion for the given model and turns. Errors, including failures to
// open the stream, are yielded as the second value. The sequence must stop when ctx is cancelled or
// when the consumer stops iterating.
type CompletionSource interface {
	Chat(ctx context.Context, modelID string, turns []models.Turn) iter.Seq2[models.Chunk, error]
}

// CredentialChecker is implemented by sources that can tell, without a network call, that a request
// would be refused for missing credentials.
type CredentialChecker interface {
	CheckCredentials() error
}

func checkCredentials(source CompletionSource) error {
	cc, ok := source.(CredentialChecker)
	if !ok {
		return nil
	}
	if err := cc.CheckCredentials(); err != nil {
		return fmt.Errorf("%w: %w", ErrMissingCredentials, err)
	}
	return nil
}

// Augmenter adds context to a send, e.g. web search results for the user's text. The returned text
// is appended to the system prompt.
type Augmenter interface {
	Augment(ctx context.Context, query string) (string, error)
}

// Store persists messages of a chat.
type Store interface {
	AddMessage(ctx context.Context, chatID string, message models.Message) error
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
	// TruncateMessages deletes the message with the given ID and every message after it.
	TruncateMessages(ctx context.Context, chatID string, fromID string) error
}

// Status of a Session.
type Status string

const (
	// StatusReady accepts a new send.
	StatusReady Status = "ready"
	// StatusProcessing means a send is in flight; further sends are rejected.
	StatusProcessing Status = "processing"
)

const (
	// CancelledSuffix is appended to the content of a reply stopped by the user.
	CancelledSuffix = "\n\n*Response stopped by user.*"
	// EmptyStreamMessage replaces the content of a reply whose stream closed without any content.
	EmptyStreamMessage = "The model returned an empty response. " +
		"Try again, or switch to a different model or provider."
)

var (
	// ErrBusy is returned when a send is attempted while another one is in flight.
	ErrBusy = errors.New("a response is still being generated")
	// ErrEmptyMessage is returned for a send without text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrMissingCredentials wraps credential check failures of the completion source.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrMessageNotFound is returned by Edit for an unknown message ID.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotEditable is returned by Edit for assistant messages.
	ErrNotEditable = errors.New("only user messages can be edited")
)

// EventKind tells listeners what changed.
type EventKind string

const (
	EventAppended  EventKind = "appended"
	EventUpdated   EventKind = "updated"
	EventFinalized EventKind = "finalized"
	EventTruncated EventKind = "truncated"
)

// Event is delivered to listeners after every mutation of the message list.
type Event struct {
	ChatID string
	Kind   EventKind
	// Messages is a snapshot of the whole list after the mutation. It is never modified afterwards.
	Messages []models.Message
	// Changed is the message that was appended, updated or finalized. It is zero for EventTruncated.
	Changed models.Message
}

// Listener receives session events, in mutation order. Listeners must not call Send, Prepare, Edit
// or Run on the session that invoked them.
type Listener func(Event)

// Options configure a Session. Zero values are valid.
type Options struct {
	SystemPrompt string
	// Model is the initially selected model.
	Model string

	Store      Store
	Augmenter  Augmenter
	Classifier Classifier
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// History seeds the message list.
	History []models.Message

	// NewID generates message IDs. Defaults to random UUIDs.
	NewID func() string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Session is the send/stream orchestrator of one chat. At most one send is in flight at a time, so
// at most one message has IsStreaming set.
type Session struct {
	chatID string
	source CompletionSource
	opts   Options
	logger *slog.Logger

	// notifyMu serializes mutations together with their notifications, so listeners observe events in
	// mutation order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	messages  []models.Message
	status    Status
	model     string
	cancel    context.CancelFunc
	listeners map[int]Listener
	nextLID   int

	stopped atomic.Bool
}

// Exchange is one prepared send. Run streams the reply into the placeholder.
type Exchange struct {
	session     *Session
	User        models.Message
	Placeholder models.Message

	turns []models.Turn
	ran   atomic.Bool
}

// NewSession creates a Session for chatID that streams replies from source.
func NewSession(chatID string, source CompletionSource, opts Options) *Session {
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Classifier.messages == nil {
		opts.Classifier = NewClassifier()
	}

	return &Session{
		chatID:    chatID,
		source:    source,
		opts:      opts,
		logger:    opts.Logger.With(slog.String("module", "conversation"), slog.String("chatID", chatID)),
		messages:  slices.Clone(opts.History),
		status:    StatusReady,
		model:     opts.Model,
		listeners: make(map[int]Listener),
	}
}

// ChatID returns the ID of the chat the session belongs to.
func (s *Session) ChatID() string {
	return s.chatID
}

// Messages returns the current message list. The returned slice must not be modified.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Model returns the selected model.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel selects the model used by the next send.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// StopRequested reports whether Stop was called since the last send was prepared.
func (s *Session) StopRequested() bool {
	return s.stopped.Load()
}

// Subscribe registers l and returns a function that unregisters it.
func (s *Session) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextLID
	s.nextLID++
	s.listeners[id] = l

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Stop asks the in-flight send to stop. The stream is abandoned before the next fragment is
// processed and the reply is finalized as interrupted. Calling Stop more than once, or with no send
// in flight, has no further effect.
func (s *Session) Stop() {
	s.stopped.Store(true)

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Send appends text as a user message, streams the reply and returns the finalized assistant message.
func (s *Session) Send(ctx context.Context, text string) (models.Message, error) {
	ex, err := s.Prepare(ctx, text)
	if err != nil {
		return models.Message{}, err
	}
	return ex.Run(ctx), nil
}

// Prepare is the synchronous part of a send. It validates the request, then appends the user
// message followed by an empty assistant placeholder with IsStreaming set. A rejected send leaves
// the message list untouched. ctx is only used for persistence.
func (s *Session) Prepare(ctx context.Context, text string) (*Exchange, error) {
	return s.begin(ctx, text, "")
}

// Edit replaces the user message messageID: the list is truncated to just before it and a new send
// with text is prepared.
func (s *Session) Edit(ctx context.Context, messageID, text string) (*Exchange, error) {
	if messageID == "" {
		return nil, ErrMessageNotFound
	}
	return s.begin(ctx, text, messageID)
}

func (s *Session) begin(ctx context.Context, text, truncateFrom string) (*Exchange, error) {
	if strings.TrimSpace(text) == "" {
		s.opts.Metrics.Rejected("empty")
		return nil, ErrEmptyMessage
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.status == StatusProcessing {
		s.mu.Unlock()
		s.opts.Metrics.Rejected("busy")
		s.logger.Warn("Send rejected, a response is still streaming")
		return nil, ErrBusy
	}

	if err := checkCredentials(s.source); err != nil {
		s.mu.Unlock()
		s.opts.Metrics.Rejected("credentials")
		s.logger.Warn("Send rejected, credentials check failed", slog.String(errLoggerKey, err.Error()))
		return nil, err
	}

	var events []Event
	if truncateFrom != "" {
		idx := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == truncateFrom })
		if idx == -1 {
			s.mu.Unlock()
			return nil, ErrMessageNotFound
		}
		if s.messages[idx].Role != models.RoleUser {
			s.mu.Unlock()
			return nil, ErrNotEditable
		}
		s.messages = slices.Clone(s.messages[:idx])
		events = append(events, Event{ChatID: s.chatID, Kind: EventTruncated, Messages: s.messages})
	}

	history := s.messages
	now := s.opts.Now()
	user := models.Message{
		ID:        s.opts.NewID(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: now,
	}
	placeholder := models.Message{
		ID:          s.opts.NewID(),
		Role:        models.RoleAssistant,
		IsStreaming: true,
		ModelID:     s.model,
		Timestamp:   now,
	}

	s.messages = append(slices.Clone(history), user)
	events = append(events, Event{ChatID: s.chatID, Kind: EventAppended, Messages: s.messages, Changed: user})
	s.messages = append(slices.Clone(s.messages), placeholder)
	events = append(events, Event{ChatID: s.chatID, Kind: EventAppended, Messages: s.messages, Changed: placeholder})

	s.status = StatusProcessing
	s.stopped.Store(false)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if s.opts.Store != nil {
		if truncateFrom != "" {
			if err := s.opts.Store.TruncateMessages(ctx, s.chatID, truncateFrom); err != nil {
				s.logger.Error("Failed to truncate messages", slog.String(errLoggerKey, err.Error()))
			}
		}
		for _, m := range []models.Message{user, placeholder} {
			if err := s.opts.Store.AddMessage(ctx, s.chatID, m); err != nil {
				s.logger.Error("Failed to add message",
					slog.String("messageID", m.ID),
					slog.String(errLoggerKey, err.Error()))
			}
		}
	}

	for _, e := range events {
		emit(listeners, e)
	}

	return &Exchange{
		session:     s,
		User:        user,
		Placeholder: placeholder,
		turns:       s.turns(history, user),
	}, nil
}

// Run streams the reply into the placeholder and finalizes it. It blocks until the stream ends,
// fails, or is stopped, and returns the finalized message. Only the first call streams; later calls
// return the current state of the placeholder.
func (e *Exchange) Run(ctx context.Context) models.Message {
	s := e.session
	if !e.ran.CompareAndSwap(false, true) {
		msg, _ := models.FindMessage(s.Messages(), e.Placeholder.ID)
		return msg
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.stopped.Load() {
		cancel()
	}

	start := time.Now()
	s.opts.Metrics.StreamStarted()

	turns := e.turns
	if s.opts.Augmenter != nil && ctx.Err() == nil {
		turns = s.augment(ctx, turns, e.User.Content)
	}

	s.logger.Debug("Streaming reply",
		slog.String("messageID", e.Placeholder.ID),
		slog.String("model", e.Placeholder.ModelID),
		slog.Int("turns", len(turns)))

	chunks := s.source.Chat(ctx, e.Placeholder.ModelID, turns)
	res, err := stream.Process(ctx, e.Placeholder.ID, chunks, s.apply)

	final := s.finalize(ctx, e.Placeholder.ID, res, err)

	outcome := metrics.OutcomeCompleted
	switch {
	case final.IsInterrupted:
		outcome = metrics.OutcomeCancelled
	case final.ErrorType == models.ErrorTypeEmptyStream:
		outcome = metrics.OutcomeEmptyStream
	case final.IsError:
		outcome = metrics.OutcomeError
	}
	s.opts.Metrics.StreamFinished(outcome, string(final.ErrorType), res.Fragments, time.Since(start))
	if res.Usage != nil {
		s.opts.Metrics.Tokens(res.Usage.PromptTokens, res.Usage.CompletionTokens)
	}

	return final
}

func (s *Session) augment(ctx context.Context, turns []models.Turn, query string) []models.Turn {
	extra, err := s.opts.Augmenter.Augment(ctx, query)
	if err != nil {
		s.logger.Warn("Failed to augment send", slog.String(errLoggerKey, err.Error()))
		return turns
	}
	if extra == "" {
		return turns
	}

	res := slices.Clone(turns)
	if len(res) > 0 && res[0].Role == models.RoleSystem {
		res[0].Content += "\n\n" + extra
		return res
	}
	return slices.Insert(res, 0, models.Turn{Role: models.RoleSystem, Content: extra})
}

// turns builds the request history: the system prompt, prior successful turns, then the new user turn.
func (s *Session) turns(history []models.Message, user models.Message) []models.Turn {
	turns := make([]models.Turn, 0, len(history)+2)
	if s.opts.SystemPrompt != "" {
		turns = append(turns, models.Turn{Role: models.RoleSystem, Content: s.opts.SystemPrompt})
	}
	for _, m := range history {
		if m.IsError || m.IsStreaming {
			continue
		}
		content := m.Content
		if m.IsInterrupted {
			content = strings.TrimSuffix(content, CancelledSuffix)
		}
		if content == "" {
			continue
		}
		turns = append(turns, models.Turn{Role: m.Role, Content: content})
	}
	return append(turns, models.Turn{Role: models.RoleUser, Content: user.Content})
}

func (s *Session) apply(u stream.Update) {
	s.mutate(u.MessageID, EventUpdated, func(m *models.Message) {
		m.Content = u.Content
		m.ThinkingContent = u.ThinkingContent
		m.IsThinkingInProgress = u.IsThinkingInProgress
		m.ThinkingCompleted = u.ThinkingCompleted
		m.IsStreaming = u.IsStreaming
	})
}

func (s *Session) finalize(ctx context.Context, id string, res stream.Result, streamErr error) models.Message {
	msg, ok := s.mutate(id, EventFinalized, func(m *models.Message) {
		m.IsStreaming = false
		if res.ModelID != "" {
			m.ModelID = res.ModelID
		}

		switch {
		case res.WasCancelled:
			m.Content = res.Content + CancelledSuffix
			m.ThinkingContent = res.ThinkingContent
			m.IsThinkingInProgress = res.InThinkBlock
			m.ThinkingCompleted = res.ThinkingCompleted
			m.IsInterrupted = true
		case streamErr != nil:
			errType, text := s.opts.Classifier.Classify(streamErr)
			m.Content = text
			m.ThinkingContent = res.ThinkingContent
			m.IsThinkingInProgress = false
			m.IsError = true
			m.ErrorType = errType
			m.ErrorDetails = streamErr.Error()
		case res.IsEmptyStream:
			m.Content = EmptyStreamMessage
			m.IsError = true
			m.ErrorType = models.ErrorTypeEmptyStream
		default:
			m.Content = res.Content
			m.ThinkingContent = res.ThinkingContent
			m.IsThinkingInProgress = res.InThinkBlock
			m.ThinkingCompleted = res.ThinkingCompleted
		}

		s.status = StatusReady
		s.cancel = nil
	})
	if !ok {
		// The placeholder is gone, but the session must still accept new sends.
		s.mu.Lock()
		s.status = StatusReady
		s.cancel = nil
		s.mu.Unlock()
		return msg
	}

	switch {
	case msg.IsError:
		s.logger.Warn("Reply failed",
			slog.String("messageID", msg.ID),
			slog.String("errorType", string(msg.ErrorType)),
			slog.String("errorDetails", msg.ErrorDetails))
	case msg.IsInterrupted:
		s.logger.Info("Reply stopped by user", slog.String("messageID", msg.ID))
	default:
		s.logger.Debug("Reply completed",
			slog.String("messageID", msg.ID),
			slog.Int("fragments", res.Fragments),
			slog.Bool("thinkTagProcessed", res.ThinkTagProcessed))
	}

	if s.opts.Store != nil {
		if err := s.opts.Store.UpdateMessage(context.WithoutCancel(ctx), s.chatID, msg); err != nil {
			s.logger.Error("Failed to update message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	return msg
}

// mutate applies fn to the message with the given ID, replacing the list with an updated copy, and
// notifies listeners. fn runs with s.mu held.
func (s *Session) mutate(id string, kind EventKind, fn func(*models.Message)) (models.Message, bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	msg, ok := models.FindMessage(s.messages, id)
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("Message to update not found", slog.String("messageID", id))
		return models.Message{}, false
	}
	fn(&msg)
	s.messages, _ = models.ReplaceMessage(s.messages, msg)
	e := Event{ChatID: s.chatID, Kind: kind, Messages: s.messages, Changed: msg}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	emit(listeners, e)
	return msg, true
}

func (s *Session) listenersLocked() []Listener {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	res := make([]Listener, len(ids))
	for i, id := range ids {
		res[i] = s.listeners[id]
	}
	return res
}

func emit(listeners []Listener, e Event) {
	for _, l := range listeners {
		l(e)
	}
}

const errLoggerKey = "err"
