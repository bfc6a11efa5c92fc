// Package notify decides whether an incoming event warrants an alert for the
// local viewer and, when it does, plays a sound and raises an OS notification
// through injected backends.
package notify

import (
	"fmt"
	"sync"

	"github.com/parishhub/portal/internal/hub"
	"github.com/parishhub/portal/internal/logger"
	"github.com/parishhub/portal/internal/model"
)

// Permission mirrors the OS notification grant: undecided until the user is
// asked, then granted or denied for good.
type Permission string

const (
	PermissionUnasked Permission = "unasked"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Sounder plays the alert sound. Implementations must tolerate being called
// concurrently and swallow playback failures.
type Sounder interface {
	Play()
}

// Notifier raises an OS-level notification.
type Notifier interface {
	Notify(title, body string) error
}

// Alert is the rendered outcome of a positive decision.
type Alert struct {
	Title string
	Body  string
	Sound bool
	OS    bool
}

// Dispatcher gates alerts on viewer state: who the viewer is, whether the
// window is focused, which conversation is on screen, the viewer's sound and
// notification preferences, and the OS permission state.
type Dispatcher struct {
	mu         sync.Mutex
	self       string
	focused    bool
	activeConv string

	soundEnabled bool
	osEnabled    bool
	permission   Permission

	sounder  Sounder
	notifier Notifier
}

func NewDispatcher(self string, sounder Sounder, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		self:         self,
		focused:      true,
		soundEnabled: true,
		osEnabled:    true,
		permission:   PermissionUnasked,
		sounder:      sounder,
		notifier:     notifier,
	}
}

// SetFocused records window focus changes.
func (d *Dispatcher) SetFocused(focused bool) {
	d.mu.Lock()
	d.focused = focused
	d.mu.Unlock()
}

// SetActiveConversation records which conversation is on screen ("" for none).
func (d *Dispatcher) SetActiveConversation(conversationID string) {
	d.mu.Lock()
	d.activeConv = conversationID
	d.mu.Unlock()
}

// SetPreferences updates the viewer's alert preferences.
func (d *Dispatcher) SetPreferences(sound, osNotifications bool) {
	d.mu.Lock()
	d.soundEnabled = sound
	d.osEnabled = osNotifications
	d.mu.Unlock()
}

// SetPermission records the outcome of the OS permission prompt.
func (d *Dispatcher) SetPermission(p Permission) {
	d.mu.Lock()
	d.permission = p
	d.mu.Unlock()
}

// HandleEvent decides and, on a positive decision, fires the backends.
// Implements the alert hook the synchronizer calls after merging.
func (d *Dispatcher) HandleEvent(ev hub.Event) {
	alert, ok := d.Decide(ev)
	if !ok {
		return
	}
	if alert.Sound && d.sounder != nil {
		d.sounder.Play()
	}
	if alert.OS && d.notifier != nil {
		if err := d.notifier.Notify(alert.Title, alert.Body); err != nil {
			logger.Errorf("notify: %v", err)
		}
	}
}

// Decide applies the gating rules and renders the alert text. Suppressed
// cases: the viewer's own messages, and messages in the conversation the
// viewer is actively looking at while the window is focused. OS notifications
// additionally require the preference on and the permission granted; an
// unasked permission suppresses silently rather than prompting mid-event.
func (d *Dispatcher) Decide(ev hub.Event) (Alert, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev.Type {
	case hub.EventNewMessage, hub.EventNewBroadcastMessage:
		p, ok := ev.Payload.(hub.MessagePayload)
		if !ok || p.Message == nil {
			return Alert{}, false
		}
		if p.Message.SenderID == d.self {
			return Alert{}, false
		}
		if d.focused && d.activeConv == p.ConversationID {
			return Alert{}, false
		}
		return Alert{
			Title: d.titleFor(p),
			Body:  p.Message.Content,
			Sound: d.soundEnabled,
			OS:    d.osEnabled && d.permission == PermissionGranted,
		}, true

	case hub.EventNewBroadcastChannel:
		p, ok := ev.Payload.(hub.ConversationPayload)
		if !ok || p.View == nil {
			return Alert{}, false
		}
		if p.View.Conversation.CreatedBy == d.self {
			return Alert{}, false
		}
		return Alert{
			Title: "New channel",
			Body:  p.View.Conversation.Name,
			Sound: d.soundEnabled,
			OS:    d.osEnabled && d.permission == PermissionGranted,
		}, true
	}
	return Alert{}, false
}

func (d *Dispatcher) titleFor(p hub.MessagePayload) string {
	sender := p.Message.SenderID
	if p.Message.Sender != nil && p.Message.Sender.DisplayName != "" {
		sender = p.Message.Sender.DisplayName
	}
	if p.ConversationKind == model.ConversationDirect || p.ConversationName == "" {
		return sender
	}
	return fmt.Sprintf("%s in %s", sender, p.ConversationName)
}
