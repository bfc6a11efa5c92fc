package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parishhub/portal/internal/hub"
	"github.com/parishhub/portal/internal/model"
)

// fakeAPI implements API in memory. createGate, when set, blocks
// CreateMessage until the channel is closed so tests can observe the
// in-flight pending state.
type fakeAPI struct {
	mu         sync.Mutex
	nextID     int
	createErr  error
	createGate chan struct{}
	created    []*model.Message
	messages   map[string][]model.Message
	views      []model.ConversationView
	markReads  []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{messages: make(map[string][]model.Message)}
}

func (f *fakeAPI) CreateMessage(_ context.Context, conversationID, content string, replyToID *string) (*model.Message, error) {
	if f.createGate != nil {
		<-f.createGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	m := &model.Message{
		ID:             fmt.Sprintf("srv-%d", f.nextID),
		ConversationID: conversationID,
		SenderID:       "self",
		Type:           model.MessageTypeText,
		Content:        content,
		ReplyToID:      replyToID,
		CreatedAt:      time.Now(),
	}
	f.created = append(f.created, m)
	return m, nil
}

func (f *fakeAPI) ConversationMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeAPI) Conversations(context.Context) ([]model.ConversationView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ConversationView(nil), f.views...), nil
}

func (f *fakeAPI) MarkRead(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, conversationID)
	return nil
}

func (f *fakeAPI) markReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markReads)
}

func (f *fakeAPI) ToggleReaction(_ context.Context, messageID, emoji string) ([]model.Reaction, error) {
	return []model.Reaction{{MessageID: messageID, UserID: "self", Emoji: emoji}}, nil
}

func (f *fakeAPI) DeleteMessage(context.Context, string) error      { return nil }
func (f *fakeAPI) DeleteConversation(context.Context, string) error { return nil }

func serverMsg(id, convID, sender, content string) *model.Message {
	return &model.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Type:           model.MessageTypeText,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}

func view(convID string, unread int) model.ConversationView {
	return model.ConversationView{
		Conversation: model.Conversation{ID: convID, Kind: model.ConversationGroup, Name: convID},
		UnreadCount:  unread,
	}
}

func newMessageEvent(convID string, m *model.Message) hub.Event {
	return hub.Event{
		Type: hub.EventNewMessage,
		Payload: hub.MessagePayload{
			Message:          m,
			ConversationID:   convID,
			ConversationKind: model.ConversationGroup,
			ConversationName: convID,
		},
	}
}

func TestSendConfirmReplacesPlaceholder(t *testing.T) {
	api := newFakeAPI()
	s := New("self", api)

	confirmed, err := s.Send(context.Background(), "c1", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", confirmed.ID)

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.False(t, msgs[0].Pending)
	assert.Equal(t, 0, s.PendingCount())
}

func TestSendFailureRollsBackAndRestoresCompose(t *testing.T) {
	api := newFakeAPI()
	api.createErr = errors.New("boom")

	var restoredConv, restoredContent string
	s := New("self", api, WithComposeRestorer(func(convID, content string) {
		restoredConv, restoredContent = convID, content
	}))

	_, err := s.Send(context.Background(), "c1", "hello", nil)
	require.Error(t, err)

	assert.Empty(t, s.Messages("c1"))
	assert.Equal(t, 0, s.PendingCount())
	assert.Equal(t, "c1", restoredConv)
	assert.Equal(t, "hello", restoredContent)
}

func TestPendingShownLastWhileInFlight(t *testing.T) {
	api := newFakeAPI()
	api.messages["c1"] = []model.Message{*serverMsg("m1", "c1", "bob", "hi")}
	api.createGate = make(chan struct{})

	s := New("self", api, WithMarkReadDelay(time.Hour))
	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Send(context.Background(), "c1", "draft", nil)
	}()

	require.Eventually(t, func() bool {
		return s.PendingCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	msgs := s.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.True(t, msgs[1].Pending)
	assert.Equal(t, "draft", msgs[1].Content)

	close(api.createGate)
	<-done

	msgs = s.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "srv-1", msgs[1].ID)
	assert.False(t, msgs[1].Pending)
}

func TestOwnEchoNotAppliedTwice(t *testing.T) {
	api := newFakeAPI()
	s := New("self", api)

	confirmed, err := s.Send(context.Background(), "c1", "hello", nil)
	require.NoError(t, err)

	// The push echo of the same message arrives after the confirmation.
	s.ApplyEvent(newMessageEvent("c1", confirmed))

	assert.Len(t, s.Messages("c1"), 1)
}

func TestDuplicateEventIgnored(t *testing.T) {
	api := newFakeAPI()
	api.messages["c1"] = nil
	s := New("self", api, WithMarkReadDelay(time.Hour))
	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	m := serverMsg("m1", "c1", "bob", "hi")
	s.ApplyEvent(newMessageEvent("c1", m))
	s.ApplyEvent(newMessageEvent("c1", m))

	assert.Len(t, s.Messages("c1"), 1)
}

func TestDuplicateEventIgnoredWithoutLoadedList(t *testing.T) {
	api := newFakeAPI()
	api.views = []model.ConversationView{view("c1", 0)}
	alerter := &recordingAlerter{}
	s := New("self", api, WithAlerter(alerter))
	require.NoError(t, s.Resync(context.Background()))

	// The conversation was never opened, so no message list exists; a
	// replayed delivery must still merge away.
	m := serverMsg("m1", "c1", "bob", "hi")
	s.ApplyEvent(newMessageEvent("c1", m))
	s.ApplyEvent(newMessageEvent("c1", m))

	assert.Equal(t, 1, s.UnreadCount("c1"))
	assert.Equal(t, 1, alerter.count())

	// Opening resets the tracking; the fetched list dedupes from then on.
	api.messages["c1"] = []model.Message{*m}
	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)
	s.ApplyEvent(newMessageEvent("c1", m))
	assert.Len(t, s.Messages("c1"), 1)
}

func TestOpenZeroesUnreadImmediately(t *testing.T) {
	api := newFakeAPI()
	api.views = []model.ConversationView{view("c1", 3)}
	s := New("self", api, WithMarkReadDelay(20*time.Millisecond))

	require.NoError(t, s.Resync(context.Background()))
	assert.Equal(t, 3, s.UnreadCount("c1"))

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	// Zero before the server acknowledge has fired.
	assert.Equal(t, 0, s.UnreadCount("c1"))
	require.Eventually(t, func() bool {
		return api.markReadCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseCancelsMarkReadDebounce(t *testing.T) {
	api := newFakeAPI()
	api.views = []model.ConversationView{view("c1", 1)}
	s := New("self", api, WithMarkReadDelay(80*time.Millisecond))

	require.NoError(t, s.Resync(context.Background()))
	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)
	s.Close()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, api.markReadCount())
}

func TestNewMessageBumpsUnreadAndReorders(t *testing.T) {
	api := newFakeAPI()
	api.views = []model.ConversationView{view("c1", 0), view("c2", 0)}
	s := New("self", api)
	require.NoError(t, s.Resync(context.Background()))

	s.ApplyEvent(newMessageEvent("c2", serverMsg("m1", "c2", "bob", "hi")))

	assert.Equal(t, 1, s.UnreadCount("c2"))
	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].Conversation.ID)
	assert.Equal(t, "m1", convs[0].LastMessage.ID)
}

func TestOwnMessageDoesNotBumpUnread(t *testing.T) {
	api := newFakeAPI()
	api.views = []model.ConversationView{view("c1", 0)}
	s := New("self", api)
	require.NoError(t, s.Resync(context.Background()))

	s.ApplyEvent(newMessageEvent("c1", serverMsg("m1", "c1", "self", "from another tab")))

	assert.Equal(t, 0, s.UnreadCount("c1"))
}

func TestMessageInOpenConversationStaysRead(t *testing.T) {
	api := newFakeAPI()
	api.views = []model.ConversationView{view("c1", 0)}
	api.messages["c1"] = nil
	s := New("self", api, WithMarkReadDelay(20*time.Millisecond))
	require.NoError(t, s.Resync(context.Background()))
	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	s.ApplyEvent(newMessageEvent("c1", serverMsg("m1", "c1", "bob", "hi")))

	assert.Equal(t, 0, s.UnreadCount("c1"))
	// The visible message gets acknowledged without a reopen.
	require.Eventually(t, func() bool {
		return api.markReadCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMessageUpdatedReplacesInPlace(t *testing.T) {
	api := newFakeAPI()
	api.messages["c1"] = []model.Message{
		*serverMsg("m1", "c1", "bob", "one"),
		*serverMsg("m2", "c1", "bob", "two"),
	}
	s := New("self", api, WithMarkReadDelay(time.Hour))
	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	edited := serverMsg("m1", "c1", "bob", "one (edited)")
	edited.IsEdited = true
	s.ApplyEvent(hub.Event{
		Type:    hub.EventMessageUpdated,
		Payload: hub.MessageUpdatedPayload{ConversationID: "c1", Message: edited},
	})

	msgs := s.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "one (edited)", msgs[0].Content)
	assert.True(t, msgs[0].IsEdited)
	assert.Equal(t, "two", msgs[1].Content)
}

func TestConversationDeletedDropsState(t *testing.T) {
	api := newFakeAPI()
	api.views = []model.ConversationView{view("c1", 0), view("c2", 0)}
	s := New("self", api)
	require.NoError(t, s.Resync(context.Background()))

	s.ApplyEvent(hub.Event{
		Type:    hub.EventConversationDeleted,
		Payload: hub.ConversationDeletedPayload{ConversationID: "c1"},
	})

	convs := s.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "c2", convs[0].Conversation.ID)
}

func TestDeleteConversationDropsLocalState(t *testing.T) {
	api := newFakeAPI()
	api.views = []model.ConversationView{view("c1", 0)}
	s := New("self", api)
	require.NoError(t, s.Resync(context.Background()))

	require.NoError(t, s.DeleteConversation(context.Background(), "c1"))
	assert.Empty(t, s.Conversations())
	assert.Empty(t, s.Messages("c1"))
}

func TestDeleteMessageTombstonesLocally(t *testing.T) {
	api := newFakeAPI()
	api.messages["c1"] = []model.Message{*serverMsg("m1", "c1", "self", "oops")}
	s := New("self", api, WithMarkReadDelay(time.Hour))
	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(context.Background(), "c1", "m1"))
	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Content)
}

func TestConversationCreatedInsertsAtTop(t *testing.T) {
	api := newFakeAPI()
	api.views = []model.ConversationView{view("c1", 0)}
	s := New("self", api)
	require.NoError(t, s.Resync(context.Background()))

	v := view("c2", 0)
	s.ApplyEvent(hub.Event{
		Type:    hub.EventConversationCreated,
		Payload: hub.ConversationPayload{View: &v},
	})

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].Conversation.ID)
}

func TestTypingEventsTracked(t *testing.T) {
	s := New("self", newFakeAPI())

	s.ApplyEvent(hub.Event{
		Type:    hub.EventTypingStart,
		Payload: hub.TypingPayload{ConversationID: "c1", UserID: "bob", At: time.Now()},
	})
	assert.Equal(t, []string{"bob"}, s.TypingUsers("c1"))

	s.ApplyEvent(hub.Event{
		Type:    hub.EventTypingStop,
		Payload: hub.TypingPayload{ConversationID: "c1", UserID: "bob", At: time.Now()},
	})
	assert.Empty(t, s.TypingUsers("c1"))
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []hub.Event
}

func (a *recordingAlerter) HandleEvent(ev hub.Event) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func TestAlerterSkippedForOwnMessages(t *testing.T) {
	alerter := &recordingAlerter{}
	s := New("self", newFakeAPI(), WithAlerter(alerter))

	s.ApplyEvent(newMessageEvent("c1", serverMsg("m1", "c1", "self", "mine")))
	assert.Equal(t, 0, alerter.count())

	s.ApplyEvent(newMessageEvent("c1", serverMsg("m2", "c1", "bob", "theirs")))
	assert.Equal(t, 1, alerter.count())
}

func TestDecodeEventTypesPayloads(t *testing.T) {
	m := serverMsg("m1", "c1", "bob", "hi")
	raw, err := json.Marshal(hub.Event{
		Type: hub.EventNewMessage,
		Payload: hub.MessagePayload{
			Message:          m,
			ConversationID:   "c1",
			ConversationKind: model.ConversationDirect,
		},
	})
	require.NoError(t, err)

	ev, err := DecodeEvent(raw)
	require.NoError(t, err)
	p, ok := ev.Payload.(hub.MessagePayload)
	require.True(t, ok)
	assert.Equal(t, "m1", p.Message.ID)
	assert.Equal(t, model.ConversationDirect, p.ConversationKind)

	raw, err = json.Marshal(hub.Event{
		Type:    hub.EventConnectedUsers,
		Payload: hub.ConnectedUsersPayload{UserIDs: []string{"a", "b"}},
	})
	require.NoError(t, err)
	ev, err = DecodeEvent(raw)
	require.NoError(t, err)
	cp, ok := ev.Payload.(hub.ConnectedUsersPayload)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, cp.UserIDs)
}
