// Package syncer reconciles a client's local view of conversations with the
// server: optimistic sends, server confirmations and hub-pushed events are
// merged into one deduplicated, ordered message list per conversation.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parishhub/portal/internal/hub"
	"github.com/parishhub/portal/internal/logger"
	"github.com/parishhub/portal/internal/model"
)

// API is the collaborator contract the synchronizer consumes. The portal's
// REST endpoints implement it on the wire; tests substitute a fake.
type API interface {
	CreateMessage(ctx context.Context, conversationID, content string, replyToID *string) (*model.Message, error)
	ConversationMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	Conversations(ctx context.Context) ([]model.ConversationView, error)
	MarkRead(ctx context.Context, conversationID string) error
	ToggleReaction(ctx context.Context, messageID, emoji string) ([]model.Reaction, error)
	DeleteMessage(ctx context.Context, messageID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Alerter receives qualifying merged events for out-of-band alerting.
// notify.Dispatcher implements it.
type Alerter interface {
	HandleEvent(ev hub.Event)
}

const defaultMarkReadDelay = 300 * time.Millisecond

// messageList keeps confirmed messages in arrival order with a constant-time
// id index, and pending (optimistic) messages in a separate tail segment so
// they always display after every confirmed message.
type messageList struct {
	confirmed []*model.Message
	byID      map[string]int
	pending   []*model.Message
}

func newMessageList() *messageList {
	return &messageList{byID: make(map[string]int)}
}

func (l *messageList) has(id string) bool {
	_, ok := l.byID[id]
	return ok
}

func (l *messageList) append(m *model.Message) {
	l.byID[m.ID] = len(l.confirmed)
	l.confirmed = append(l.confirmed, m)
}

func (l *messageList) replace(m *model.Message) bool {
	i, ok := l.byID[m.ID]
	if !ok {
		return false
	}
	l.confirmed[i] = m
	return true
}

func (l *messageList) removePending(tempID string) *model.Message {
	for i, m := range l.pending {
		if m.ID == tempID {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return m
		}
	}
	return nil
}

func (l *messageList) snapshot() []model.Message {
	out := make([]model.Message, 0, len(l.confirmed)+len(l.pending))
	for _, m := range l.confirmed {
		out = append(out, *m)
	}
	for _, m := range l.pending {
		out = append(out, *m)
	}
	return out
}

type pendingSend struct {
	conversationID string
	content        string
	replyToID      *string
}

// Synchronizer owns the client-local state for one viewer session: the
// ordered conversation list, per-conversation message lists, the pending set
// and the ephemeral typing view. All methods are safe for concurrent use,
// but one instance belongs to exactly one session.
type Synchronizer struct {
	mu   sync.Mutex
	self string
	api  API

	views map[string]*model.ConversationView
	order []string // conversation ids, most recently active first

	lists   map[string]*messageList
	pending map[string]pendingSend // temp id -> original input
	// seen holds message ids already merged for conversations with no loaded
	// list, so replayed deliveries stay no-ops before the first Open.
	seen map[string]map[string]struct{}

	typing    map[string]map[string]time.Time
	connected map[string]struct{}

	open          string // conversation currently on screen, "" when none
	markReadTimer *time.Timer
	markReadDelay time.Duration

	alerter Alerter
	// restoreCompose repopulates the compose field after a failed send.
	restoreCompose func(conversationID, content string)
}

type Option func(*Synchronizer)

// WithAlerter forwards qualifying merged events to an alert decision layer.
func WithAlerter(a Alerter) Option {
	return func(s *Synchronizer) { s.alerter = a }
}

// WithComposeRestorer sets the callback that puts failed-send content back
// into the input field.
func WithComposeRestorer(f func(conversationID, content string)) Option {
	return func(s *Synchronizer) { s.restoreCompose = f }
}

// WithMarkReadDelay overrides the read-acknowledge debounce.
func WithMarkReadDelay(d time.Duration) Option {
	return func(s *Synchronizer) { s.markReadDelay = d }
}

func New(self string, api API, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		self:          self,
		api:           api,
		views:         make(map[string]*model.ConversationView),
		lists:         make(map[string]*messageList),
		pending:       make(map[string]pendingSend),
		seen:          make(map[string]map[string]struct{}),
		typing:        make(map[string]map[string]time.Time),
		connected:     make(map[string]struct{}),
		markReadDelay: defaultMarkReadDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send performs the optimistic send protocol: a placeholder with a
// client-generated temporary id is appended synchronously, then the
// create-message call runs; on success the placeholder is atomically replaced
// by the confirmed message, on failure it is rolled back and the original
// input is restored for resubmission. Temporary ids are never reused.
func (s *Synchronizer) Send(ctx context.Context, conversationID, content string, replyToID *string) (*model.Message, error) {
	tempID := "tmp-" + uuid.New().String()
	placeholder := &model.Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       s.self,
		Type:           model.MessageTypeText,
		Content:        content,
		ReplyToID:      replyToID,
		CreatedAt:      time.Now(),
		Pending:        true,
	}

	s.mu.Lock()
	l := s.list(conversationID)
	l.pending = append(l.pending, placeholder)
	s.pending[tempID] = pendingSend{conversationID: conversationID, content: content, replyToID: replyToID}
	s.mu.Unlock()

	confirmed, err := s.api.CreateMessage(ctx, conversationID, content, replyToID)
	if err != nil {
		s.mu.Lock()
		// Re-fetch: Open may have swapped the list while the call was in flight.
		s.list(conversationID).removePending(tempID)
		delete(s.pending, tempID)
		restore := s.restoreCompose
		s.mu.Unlock()
		if restore != nil {
			restore(conversationID, content)
		}
		return nil, err
	}

	s.mu.Lock()
	l = s.list(conversationID)
	l.removePending(tempID)
	delete(s.pending, tempID)
	// The push echo from another open channel may have landed first.
	if !l.has(confirmed.ID) {
		l.append(confirmed)
	}
	s.bumpConversation(conversationID, confirmed)
	s.mu.Unlock()
	return confirmed, nil
}

// Open loads a conversation for viewing: full fetch, optimistic unread reset
// and a debounced read acknowledge. Pending sends for the conversation stay
// at the tail of the list.
func (s *Synchronizer) Open(ctx context.Context, conversationID string) ([]model.Message, error) {
	msgs, err := s.api.ConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	old := s.lists[conversationID]
	l := newMessageList()
	for i := range msgs {
		m := msgs[i]
		if !l.has(m.ID) {
			l.append(&m)
		}
	}
	if old != nil {
		l.pending = old.pending
	}
	s.lists[conversationID] = l
	// The list's id index dedupes from here on.
	delete(s.seen, conversationID)
	s.open = conversationID
	if v, ok := s.views[conversationID]; ok {
		v.UnreadCount = 0
	}
	s.scheduleMarkReadLocked(conversationID)
	snap := l.snapshot()
	s.mu.Unlock()
	return snap, nil
}

// Refocus re-acknowledges the open conversation after the view becomes
// visible again. Safe to call redundantly.
func (s *Synchronizer) Refocus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == "" {
		return
	}
	if v, ok := s.views[s.open]; ok {
		v.UnreadCount = 0
	}
	s.scheduleMarkReadLocked(s.open)
}

// Close leaves the conversation view and cancels any pending read-acknowledge
// debounce. In-flight sends are not cancelled; they complete or fail on
// their own.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = ""
	if s.markReadTimer != nil {
		s.markReadTimer.Stop()
		s.markReadTimer = nil
	}
}

func (s *Synchronizer) scheduleMarkReadLocked(conversationID string) {
	if s.markReadTimer != nil {
		s.markReadTimer.Stop()
	}
	s.markReadTimer = time.AfterFunc(s.markReadDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.api.MarkRead(ctx, conversationID); err != nil {
			// Acknowledge is idempotent; a lost call is recovered by the next one.
			logger.Errorf("sync mark read conversation=%s: %v", conversationID, err)
		}
	})
}

// Resync replaces the conversation list and re-fetches the open conversation.
// Called after a reconnect: there is no event replay buffer, so anything
// missed while disconnected is recovered only by re-fetching.
func (s *Synchronizer) Resync(ctx context.Context) error {
	views, err := s.api.Conversations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.views = make(map[string]*model.ConversationView, len(views))
	s.order = s.order[:0]
	for i := range views {
		v := views[i]
		s.views[v.Conversation.ID] = &v
		s.order = append(s.order, v.Conversation.ID)
	}
	open := s.open
	s.mu.Unlock()

	if open != "" {
		if _, err := s.Open(ctx, open); err != nil {
			return err
		}
	}
	return nil
}

// ToggleReaction round-trips a reaction toggle and applies the returned
// reaction list in place.
func (s *Synchronizer) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	reactions, err := s.api.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lists[conversationID]; ok {
		if i, ok := l.byID[messageID]; ok {
			m := *l.confirmed[i]
			m.Reactions = reactions
			l.confirmed[i] = &m
		}
	}
	return nil
}

// DeleteMessage tombstones a message on the server and locally; the pushed
// message_updated event carries the authoritative tombstone.
func (s *Synchronizer) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lists[conversationID]; ok {
		if i, ok := l.byID[messageID]; ok {
			m := *l.confirmed[i]
			m.IsDeleted = true
			m.Content = ""
			l.confirmed[i] = &m
		}
	}
	return nil
}

// DeleteConversation removes (or, for direct conversations, hides) the
// conversation server-side and drops the local state right away.
func (s *Synchronizer) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.api.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	s.applyConversationDeleted(hub.ConversationDeletedPayload{ConversationID: conversationID})
	return nil
}

// Messages returns the display order for a conversation: confirmed messages
// in arrival order followed by unresolved pending sends.
func (s *Synchronizer) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[conversationID]
	if !ok {
		return nil
	}
	return l.snapshot()
}

// Conversations returns the list ordered by recency, most recent first.
func (s *Synchronizer) Conversations() []model.ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ConversationView, 0, len(s.order))
	for _, id := range s.order {
		if v, ok := s.views[id]; ok {
			out = append(out, *v)
		}
	}
	return out
}

// UnreadCount returns the viewer's unread counter for a conversation.
func (s *Synchronizer) UnreadCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.views[conversationID]; ok {
		return v.UnreadCount
	}
	return 0
}

// TypingUsers returns who is currently typing in a conversation.
func (s *Synchronizer) TypingUsers(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.typing[conversationID]
	out := make([]string, 0, len(users))
	for uid := range users {
		out = append(out, uid)
	}
	return out
}

// PendingCount reports how many optimistic sends are unresolved.
func (s *Synchronizer) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Synchronizer) list(conversationID string) *messageList {
	l, ok := s.lists[conversationID]
	if !ok {
		l = newMessageList()
		s.lists[conversationID] = l
	}
	return l
}

// bumpConversation updates the denormalized list entry and moves the
// conversation to the top. Caller holds the lock.
func (s *Synchronizer) bumpConversation(conversationID string, last *model.Message) {
	v, ok := s.views[conversationID]
	if !ok {
		return
	}
	v.LastMessage = last
	v.Conversation.UpdatedAt = last.CreatedAt
	s.moveToTop(conversationID)
}

func (s *Synchronizer) moveToTop(conversationID string) {
	for i, id := range s.order {
		if id == conversationID {
			copy(s.order[1:i+1], s.order[:i])
			s.order[0] = conversationID
			return
		}
	}
	s.order = append([]string{conversationID}, s.order...)
}
