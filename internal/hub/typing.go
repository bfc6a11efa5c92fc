package hub

import (
	"context"
	"sync"
	"time"

	"github.com/parishhub/portal/internal/logger"
)

// DefaultTypingExpiry is the quiet period after which a typing user is
// considered idle without an explicit stop signal.
const DefaultTypingExpiry = 2 * time.Second

// Publisher is the slice of the hub the coordinator needs.
type Publisher interface {
	Publish(ev Event, targets []string)
}

// ParticipantSource resolves the fan-out targets for a conversation.
type ParticipantSource interface {
	ParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
}

type typingEntry struct {
	timer    *time.Timer
	lastSeen time.Time
}

// TypingCoordinator tracks which users are typing in which conversation.
// State machine per (conversation, user): Idle -> Typing -> Idle, back to
// Idle on explicit stop or after the quiet expiry. Nothing here is persisted;
// a reconnecting client starts from an empty set.
type TypingCoordinator struct {
	mu           sync.Mutex
	pub          Publisher
	participants ParticipantSource
	expiry       time.Duration
	typing       map[string]map[string]*typingEntry
}

func NewTypingCoordinator(pub Publisher, participants ParticipantSource, expiry time.Duration) *TypingCoordinator {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &TypingCoordinator{
		pub:          pub,
		participants: participants,
		expiry:       expiry,
		typing:       make(map[string]map[string]*typingEntry),
	}
}

// Start marks a user typing. Repeated starts within a burst only reset the
// expiry timer; peers see at most one typing_start per burst.
func (c *TypingCoordinator) Start(ctx context.Context, conversationID, userID string) {
	if conversationID == "" {
		return
	}
	now := time.Now()

	c.mu.Lock()
	users, ok := c.typing[conversationID]
	if !ok {
		users = make(map[string]*typingEntry)
		c.typing[conversationID] = users
	}
	if e, already := users[userID]; already {
		e.timer.Reset(c.expiry)
		e.lastSeen = now
		c.mu.Unlock()
		return
	}
	users[userID] = &typingEntry{
		timer:    time.AfterFunc(c.expiry, func() { c.expire(conversationID, userID) }),
		lastSeen: now,
	}
	c.mu.Unlock()

	c.fanOut(ctx, EventTypingStart, conversationID, userID, now)
}

// Stop marks a user idle. A stop for a user that is not typing is a no-op,
// so late or duplicated stop signals are harmless.
func (c *TypingCoordinator) Stop(ctx context.Context, conversationID, userID string) {
	if !c.clear(conversationID, userID) {
		return
	}
	c.fanOut(ctx, EventTypingStop, conversationID, userID, time.Now())
}

// DisconnectUser drops the user from every typing set (last channel closed).
func (c *TypingCoordinator) DisconnectUser(userID string) {
	c.mu.Lock()
	conversations := make([]string, 0, 4)
	for convID, users := range c.typing {
		if e, ok := users[userID]; ok {
			e.timer.Stop()
			delete(users, userID)
			if len(users) == 0 {
				delete(c.typing, convID)
			}
			conversations = append(conversations, convID)
		}
	}
	c.mu.Unlock()

	for _, convID := range conversations {
		c.fanOut(context.Background(), EventTypingStop, convID, userID, time.Now())
	}
}

// Typing returns a snapshot of the users currently typing in a conversation.
func (c *TypingCoordinator) Typing(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.typing[conversationID]
	out := make([]string, 0, len(users))
	for uid := range users {
		out = append(out, uid)
	}
	return out
}

// clear removes the entry and reports whether the user was typing.
func (c *TypingCoordinator) clear(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	users, ok := c.typing[conversationID]
	if !ok {
		return false
	}
	e, ok := users[userID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(c.typing, conversationID)
	}
	return true
}

// expire fires from the quiet timer; the timer firing means no reset won the
// race, so the entry is removed and a stop is advertised.
func (c *TypingCoordinator) expire(conversationID, userID string) {
	if !c.clear(conversationID, userID) {
		return
	}
	c.fanOut(context.Background(), EventTypingStop, conversationID, userID, time.Now())
}

func (c *TypingCoordinator) fanOut(ctx context.Context, t EventType, conversationID, userID string, at time.Time) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	ids, err := c.participants.ParticipantIDs(ctx, conversationID)
	if err != nil {
		logger.Errorf("typing fan-out conversation=%s: %v", conversationID, err)
		return
	}
	targets := make([]string, 0, len(ids))
	for _, uid := range ids {
		if uid != userID {
			targets = append(targets, uid)
		}
	}
	c.pub.Publish(Event{
		Type:    t,
		Payload: TypingPayload{ConversationID: conversationID, UserID: userID, At: at},
	}, targets)
}
