// ABOUTME: UI-facing chat session wiring the API client, stream connection, reconciler and typing
// ABOUTME: Every REST result is applied through the reconciler; the stream feeds it directly

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/support-chat/internal/api"
	"github.com/2389/support-chat/internal/auth"
	"github.com/2389/support-chat/internal/chat"
	"github.com/2389/support-chat/internal/config"
	"github.com/2389/support-chat/internal/connection"
	"github.com/2389/support-chat/internal/dedupe"
	"github.com/2389/support-chat/internal/deletion"
	"github.com/2389/support-chat/internal/metrics"
	"github.com/2389/support-chat/internal/reconcile"
	"github.com/2389/support-chat/internal/store"
	"github.com/2389/support-chat/internal/stream"
	"github.com/2389/support-chat/internal/typing"
)

// ErrSendInFlight is returned when a send for the same conversation has not
// finished yet.
var ErrSendInFlight = fmt.Errorf("%w: a message is already being sent", chat.ErrValidation)

// API is the subset of the REST client a session uses.
type API interface {
	GetCustomerConversation(ctx context.Context) (*chat.Conversation, error)
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	GetMessages(ctx context.Context, conversationID string, page, limit int) (*api.MessagePage, error)
	SendMessage(ctx context.Context, req api.SendRequest) (*api.SendResult, error)
	MarkRead(ctx context.Context, conversationID string) error
	DeleteMessage(ctx context.Context, messageID string) error
}

// Options configures a Session. Role, API, Dialer and Tokens are required.
type Options struct {
	Role   chat.Role
	UserID string
	API    API
	Dialer stream.Dialer
	Tokens auth.TokenSource

	Policy       connection.ReconnectPolicy
	IdleTimeout  time.Duration
	PresenceTTL  time.Duration
	PageSize     int
	Preview      store.PreviewOptions
	DedupeWindow time.Duration
	DedupeSize   int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// OptionsFromConfig maps the loaded configuration onto session options.
// The caller still supplies API, Dialer, Tokens, Logger and Metrics.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Role:   cfg.Role,
		UserID: cfg.UserID,
		Policy: connection.ReconnectPolicy{
			MaxAttempts: cfg.Stream.Reconnect.MaxAttempts,
			Delays:      cfg.Stream.Reconnect.Delays,
			MaxDelay:    cfg.Stream.Reconnect.MaxDelay,
		},
		IdleTimeout: cfg.Typing.IdleTimeout,
		PresenceTTL: cfg.Typing.PresenceTTL,
		PageSize:    cfg.Messages.PageSize,
		Preview: store.PreviewOptions{
			MaxLength: cfg.Messages.PreviewLength,
			Markdown:  cfg.Messages.RenderMarkdown,
		},
		DedupeWindow: cfg.Messages.DedupeWindow,
		DedupeSize:   cfg.Messages.DedupeSize,
	}
}

// Session is one signed-in user's view of the chat.
type Session struct {
	role     chat.Role
	api      API
	conn     *connection.Manager
	rec      *reconcile.Reconciler
	typing   *typing.Coordinator
	deleter  *deletion.Coordinator
	convs    *store.ConversationStore
	msgs     *store.MessageStore
	pageSize int
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	selectMu sync.Mutex

	sendMu  sync.Mutex
	sending map[string]struct{}

	refreshing atomic.Bool
	closeOnce  sync.Once
}

// New wires a session. Call Start to run it.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = store.DefaultPageSize
	}
	window := opts.DedupeWindow
	if window <= 0 {
		window = config.DefaultDedupeWindow
	}
	size := opts.DedupeSize
	if size <= 0 {
		size = config.DefaultDedupeSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		role:     opts.Role,
		api:      opts.API,
		convs:    store.NewConversationStore(),
		msgs:     store.NewMessageStore(),
		pageSize: pageSize,
		logger:   logger.With("component", "session"),
		ctx:      ctx,
		cancel:   cancel,
		sending:  make(map[string]struct{}),
	}

	s.conn = connection.NewManager(connection.Options{
		Dialer:  opts.Dialer,
		Tokens:  opts.Tokens,
		Policy:  opts.Policy,
		Handler: func(ev stream.Event) { s.rec.HandleEvent(ev) },
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	s.typing = typing.New(typing.Options{
		Emitter:     s.conn,
		SelfID:      opts.UserID,
		IdleTimeout: opts.IdleTimeout,
		PresenceTTL: opts.PresenceTTL,
		OnChange:    func(id string) { s.rec.NotifyTyping(id) },
		Logger:      logger,
	})
	s.rec = reconcile.New(reconcile.Options{
		Role:          opts.Role,
		UserID:        opts.UserID,
		Conversations: s.convs,
		Messages:      s.msgs,
		Typing:        s.typing,
		Dedupe:        dedupe.New(window, size),
		Preview:       opts.Preview,
		OnListStale:   s.refresh,
		Metrics:       opts.Metrics,
		Logger:        logger,
	})
	s.deleter = deletion.NewCoordinator(opts.API, s.rec, logger)
	return s
}

// Start runs the reconciler, opens the stream and loads the initial state:
// the conversation list for admins, the customer's own conversation otherwise.
// A transport failure on the first dial is logged and retried in the
// background; an auth failure is returned.
func (s *Session) Start(ctx context.Context) error {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.rec.Run(s.ctx)
	}()
	statuses := s.conn.Subscribe(s.ctx)
	go func() {
		defer s.wg.Done()
		s.watchStatus(statuses)
	}()

	if err := s.conn.Connect(ctx); err != nil {
		if !chat.IsRetryable(err) {
			return fmt.Errorf("connecting stream: %w", err)
		}
		s.logger.Warn("stream unavailable, retrying in background", "error", err)
	}

	if s.role == chat.RoleAdmin {
		_, err := s.ListConversations(ctx)
		return err
	}
	conv, err := s.GetOrCreateConversation(ctx)
	if err != nil || conv == nil {
		return err
	}
	return s.SelectConversation(ctx, conv.ID)
}

// Close stops timers, the stream and the reconciler. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.typing.Close()
		s.conn.Close()
		s.cancel()
		s.wg.Wait()
	})
}

// watchStatus refetches state after the stream recovers, since events sent
// while disconnected are lost.
func (s *Session) watchStatus(statuses <-chan connection.Status) {
	recovering := false
	for st := range statuses {
		switch st.State {
		case connection.Reconnecting:
			recovering = true
		case connection.Connected:
			if recovering {
				recovering = false
				s.resync()
			}
		case connection.Failed:
			recovering = false
			s.logger.Error("stream failed", "error", st.Err)
		}
	}
}

func (s *Session) resync() {
	s.refresh()
	active := s.rec.View().ActiveID
	if active == "" {
		return
	}
	if err := s.loadPage(s.ctx, active, 1); err != nil {
		s.logger.Warn("reloading active conversation", "conversation_id", active, "error", err)
	}
}

// refresh refetches the conversation list, or the customer's conversation.
// Concurrent calls collapse into one.
func (s *Session) refresh() {
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer s.refreshing.Store(false)

	var err error
	if s.role == chat.RoleAdmin {
		_, err = s.ListConversations(s.ctx)
	} else {
		_, err = s.GetOrCreateConversation(s.ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("refreshing conversations", "error", err)
	}
}

// ListConversations fetches every conversation and replaces the local list.
// Admin only.
func (s *Session) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	if s.role != chat.RoleAdmin {
		return nil, chat.Validation("list conversations", "only admins can list conversations")
	}
	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	if err := s.rec.ApplyConversations(ctx, convs); err != nil {
		return nil, err
	}
	return s.convs.Snapshot().Conversations, nil
}

// GetOrCreateConversation returns the customer's conversation, or nil when
// they have not written yet. It never creates one: the first SendMessage does.
func (s *Session) GetOrCreateConversation(ctx context.Context) (*chat.Conversation, error) {
	if s.role != chat.RoleCustomer {
		return nil, chat.Validation("get conversation", "only customers have a single conversation")
	}
	conv, err := s.api.GetCustomerConversation(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching conversation: %w", err)
	}
	if conv == nil {
		return nil, nil
	}
	if err := s.rec.ApplyConversation(ctx, *conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// SelectConversation makes id the active conversation: leave the previous
// room, join the new one, load the first page, then mark it read.
func (s *Session) SelectConversation(ctx context.Context, id string) error {
	if id == "" {
		return chat.Validation("select conversation", "conversation id is required")
	}
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	prev := s.rec.View().ActiveID
	if prev != "" && prev != id {
		s.typing.InputCleared(prev)
		if err := s.conn.Leave(prev); err != nil {
			s.logger.Warn("leaving room", "conversation_id", prev, "error", err)
		}
	}
	if err := s.conn.Join(id); err != nil {
		s.logger.Warn("joining room", "conversation_id", id, "error", err)
	}
	if err := s.rec.SetActive(ctx, id); err != nil {
		return err
	}
	if err := s.loadPage(ctx, id, 1); err != nil {
		return err
	}
	return s.MarkAsRead(ctx, id)
}

// LoadOlder fetches the next older page of id. It does nothing when the
// server reported no more history.
func (s *Session) LoadOlder(ctx context.Context, id string) error {
	log := s.msgs.Snapshot().Log(id)
	if log.Page == 0 {
		return s.loadPage(ctx, id, 1)
	}
	if !log.HasMore {
		return nil
	}
	return s.loadPage(ctx, id, log.Page+1)
}

func (s *Session) loadPage(ctx context.Context, id string, page int) error {
	res, err := s.api.GetMessages(ctx, id, page, s.pageSize)
	if err != nil {
		return s.conversationError(ctx, id, fmt.Errorf("loading messages: %w", err))
	}
	return s.rec.ApplyPage(ctx, id, res.Pagination.Page, res.Messages, res.Pagination.HasMore)
}

// SendMessage posts a message and applies the stored copy. An empty
// ConversationID is a customer's first message: the created conversation
// becomes active and its room is joined.
func (s *Session) SendMessage(ctx context.Context, req api.SendRequest) (chat.Message, error) {
	const op = "send message"
	first := req.ConversationID == ""
	if first && s.role != chat.RoleCustomer {
		return chat.Message{}, chat.Validation(op, "conversation id is required")
	}

	if !s.beginSend(req.ConversationID) {
		return chat.Message{}, ErrSendInFlight
	}
	defer s.endSend(req.ConversationID)

	if !first {
		s.typing.InputCleared(req.ConversationID)
	}

	res, err := s.api.SendMessage(ctx, req)
	if err != nil {
		return chat.Message{}, s.conversationError(ctx, req.ConversationID, fmt.Errorf("sending message: %w", err))
	}

	msg := res.Message
	if msg.ConversationID == "" {
		msg.ConversationID = res.ConversationID
	}
	if _, err := s.rec.ApplySent(ctx, msg); err != nil {
		return msg, err
	}

	if first && msg.ConversationID != "" {
		if err := s.rec.SetActive(ctx, msg.ConversationID); err != nil {
			return msg, err
		}
		if err := s.conn.Join(msg.ConversationID); err != nil {
			s.logger.Warn("joining room", "conversation_id", msg.ConversationID, "error", err)
		}
	}
	return msg, nil
}

func (s *Session) beginSend(id string) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if _, busy := s.sending[id]; busy {
		return false
	}
	s.sending[id] = struct{}{}
	return true
}

func (s *Session) endSend(id string) {
	s.sendMu.Lock()
	delete(s.sending, id)
	s.sendMu.Unlock()
}

// MarkAsRead zeroes the viewer's unread counter, then tells the server.
func (s *Session) MarkAsRead(ctx context.Context, id string) error {
	if err := s.rec.BeginRead(ctx, id); err != nil {
		return err
	}
	if err := s.api.MarkRead(ctx, id); err != nil {
		return s.conversationError(ctx, id, fmt.Errorf("marking read: %w", err))
	}
	return nil
}

// DeleteMessage deletes a message once the server confirmed it.
func (s *Session) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return s.deleter.Delete(ctx, conversationID, messageID)
}

// conversationError clears a conversation the server no longer knows and
// reports it as unavailable. Other errors pass through.
func (s *Session) conversationError(ctx context.Context, id string, err error) error {
	if id == "" || !errors.Is(err, chat.ErrNotFound) {
		return err
	}
	if ferr := s.rec.Forget(ctx, id); ferr != nil {
		return errors.Join(err, ferr)
	}
	if lerr := s.conn.Leave(id); lerr != nil {
		s.logger.Warn("leaving room", "conversation_id", id, "error", lerr)
	}
	return fmt.Errorf("conversation %s: %w", id, chat.ErrUnavailable)
}

// Keystroke records local typing in id.
func (s *Session) Keystroke(id string) { s.typing.Keystroke(id) }

// InputCleared stops local typing in id.
func (s *Session) InputCleared(id string) { s.typing.InputCleared(id) }

// Conversations returns the current conversation list, newest first.
func (s *Session) Conversations() []chat.Conversation {
	return s.convs.Snapshot().Conversations
}

// Conversation returns one conversation from the local list.
func (s *Session) Conversation(id string) (chat.Conversation, bool) {
	return s.convs.Snapshot().Get(id)
}

// AggregateUnread returns the admin badge count.
func (s *Session) AggregateUnread() int {
	return s.convs.Snapshot().AggregateUnread
}

// Messages returns the loaded log of id.
func (s *Session) Messages(id string) store.Log {
	return s.msgs.Snapshot().Log(id)
}

// Typers returns the other participants currently typing in id.
func (s *Session) Typers(id string) []string {
	return s.typing.Typers(id)
}

// Active returns the conversation the viewer has open.
func (s *Session) Active() string {
	return s.rec.View().ActiveID
}

// Status returns the stream connection status.
func (s *Session) Status() connection.Status {
	return s.conn.Status()
}

// Changes streams state change notifications until ctx ends.
func (s *Session) Changes(ctx context.Context) <-chan reconcile.Change {
	return s.rec.Subscribe(ctx)
}

// StatusChanges streams connection status updates until ctx ends.
func (s *Session) StatusChanges(ctx context.Context) <-chan connection.Status {
	return s.conn.Subscribe(ctx)
}

// Reconnect restarts the stream with a fresh attempt counter.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.conn.Reconnect(ctx)
}
