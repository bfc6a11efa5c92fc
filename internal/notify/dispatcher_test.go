package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parishhub/portal/internal/hub"
	"github.com/parishhub/portal/internal/model"
)

type fakeSounder struct {
	mu    sync.Mutex
	plays int
}

func (f *fakeSounder) Play() {
	f.mu.Lock()
	f.plays++
	f.mu.Unlock()
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeNotifier) Notify(title, _ string) error {
	f.mu.Lock()
	f.titles = append(f.titles, title)
	f.mu.Unlock()
	return nil
}

func msgEvent(convID, sender, senderName, content string, kind model.ConversationKind, convName string) hub.Event {
	return hub.Event{
		Type: hub.EventNewMessage,
		Payload: hub.MessagePayload{
			Message: &model.Message{
				ID:             "m1",
				ConversationID: convID,
				SenderID:       sender,
				Content:        content,
				Sender:         &model.UserPublic{ID: sender, DisplayName: senderName},
			},
			ConversationID:   convID,
			ConversationKind: kind,
			ConversationName: convName,
		},
	}
}

func TestDecideSuppressesOwnMessage(t *testing.T) {
	d := NewDispatcher("self", nil, nil)
	_, ok := d.Decide(msgEvent("c1", "self", "Me", "hi", model.ConversationDirect, ""))
	assert.False(t, ok)
}

func TestDecideSuppressesActiveFocusedConversation(t *testing.T) {
	d := NewDispatcher("self", nil, nil)
	d.SetActiveConversation("c1")
	d.SetFocused(true)

	_, ok := d.Decide(msgEvent("c1", "bob", "Bob", "hi", model.ConversationDirect, ""))
	assert.False(t, ok)
}

func TestDecideAlertsWhenUnfocused(t *testing.T) {
	d := NewDispatcher("self", nil, nil)
	d.SetActiveConversation("c1")
	d.SetFocused(false)

	alert, ok := d.Decide(msgEvent("c1", "bob", "Bob", "hi", model.ConversationDirect, ""))
	require.True(t, ok)
	assert.Equal(t, "Bob", alert.Title)
	assert.Equal(t, "hi", alert.Body)
	assert.True(t, alert.Sound)
}

func TestDecideAlertsForOtherConversation(t *testing.T) {
	d := NewDispatcher("self", nil, nil)
	d.SetActiveConversation("c1")
	d.SetFocused(true)

	alert, ok := d.Decide(msgEvent("c2", "bob", "Bob", "hi", model.ConversationGroup, "Choir"))
	require.True(t, ok)
	assert.Equal(t, "Bob in Choir", alert.Title)
}

func TestOSNotificationRequiresGrantedPermission(t *testing.T) {
	d := NewDispatcher("self", nil, nil)
	d.SetFocused(false)

	ev := msgEvent("c1", "bob", "Bob", "hi", model.ConversationDirect, "")

	alert, ok := d.Decide(ev)
	require.True(t, ok)
	// Unasked permission never raises an OS notification.
	assert.False(t, alert.OS)

	d.SetPermission(PermissionGranted)
	alert, ok = d.Decide(ev)
	require.True(t, ok)
	assert.True(t, alert.OS)

	d.SetPermission(PermissionDenied)
	alert, ok = d.Decide(ev)
	require.True(t, ok)
	assert.False(t, alert.OS)
}

func TestPreferencesGateChannels(t *testing.T) {
	d := NewDispatcher("self", nil, nil)
	d.SetFocused(false)
	d.SetPermission(PermissionGranted)
	d.SetPreferences(false, false)

	alert, ok := d.Decide(msgEvent("c1", "bob", "Bob", "hi", model.ConversationDirect, ""))
	require.True(t, ok)
	assert.False(t, alert.Sound)
	assert.False(t, alert.OS)
}

func TestHandleEventFiresBackends(t *testing.T) {
	sounder := &fakeSounder{}
	notifier := &fakeNotifier{}
	d := NewDispatcher("self", sounder, notifier)
	d.SetFocused(false)
	d.SetPermission(PermissionGranted)

	d.HandleEvent(msgEvent("c1", "bob", "Bob", "hi", model.ConversationDirect, ""))

	assert.Equal(t, 1, sounder.plays)
	require.Len(t, notifier.titles, 1)
	assert.Equal(t, "Bob", notifier.titles[0])
}

func TestBroadcastChannelAnnouncement(t *testing.T) {
	d := NewDispatcher("self", nil, nil)

	ev := hub.Event{
		Type: hub.EventNewBroadcastChannel,
		Payload: hub.ConversationPayload{
			View: &model.ConversationView{
				Conversation: model.Conversation{ID: "c9", Kind: model.ConversationBroadcast, Name: "Announcements", CreatedBy: "pastor"},
			},
		},
	}
	alert, ok := d.Decide(ev)
	require.True(t, ok)
	assert.Equal(t, "New channel", alert.Title)
	assert.Equal(t, "Announcements", alert.Body)

	// The creator does not get alerted about their own channel.
	ev.Payload = hub.ConversationPayload{
		View: &model.ConversationView{
			Conversation: model.Conversation{ID: "c9", CreatedBy: "self"},
		},
	}
	_, ok = d.Decide(ev)
	assert.False(t, ok)
}
