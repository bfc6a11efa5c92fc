package syncer

import (
	"time"

	"github.com/parishhub/portal/internal/hub"
)

// ApplyEvent merges one pushed event into the local state. Events are applied
// in arrival order; every handler is idempotent so a duplicated delivery
// (multiple channels of the same user) never double-applies.
func (s *Synchronizer) ApplyEvent(ev hub.Event) {
	switch ev.Type {
	case hub.EventNewMessage, hub.EventNewBroadcastMessage:
		if p, ok := ev.Payload.(hub.MessagePayload); ok {
			s.applyNewMessage(ev, p)
		}
	case hub.EventMessageUpdated:
		if p, ok := ev.Payload.(hub.MessageUpdatedPayload); ok {
			s.applyMessageUpdated(p)
		}
	case hub.EventConversationCreated, hub.EventNewBroadcastChannel:
		if p, ok := ev.Payload.(hub.ConversationPayload); ok {
			s.applyConversationUpsert(p)
			s.alert(ev)
		}
	case hub.EventConversationUpdated:
		if p, ok := ev.Payload.(hub.ConversationPayload); ok {
			s.applyConversationUpsert(p)
		}
	case hub.EventConversationDeleted:
		if p, ok := ev.Payload.(hub.ConversationDeletedPayload); ok {
			s.applyConversationDeleted(p)
		}
	case hub.EventTypingStart:
		if p, ok := ev.Payload.(hub.TypingPayload); ok {
			s.applyTyping(p, true)
		}
	case hub.EventTypingStop:
		if p, ok := ev.Payload.(hub.TypingPayload); ok {
			s.applyTyping(p, false)
		}
	case hub.EventConnectedUsers:
		if p, ok := ev.Payload.(hub.ConnectedUsersPayload); ok {
			s.applyConnected(p)
		}
	}
}

func (s *Synchronizer) applyNewMessage(ev hub.Event, p hub.MessagePayload) {
	if p.Message == nil {
		return
	}
	m := p.Message

	s.mu.Lock()
	l, loaded := s.lists[p.ConversationID]
	if loaded {
		if l.has(m.ID) {
			// Own echo or duplicate delivery, already merged.
			s.mu.Unlock()
			return
		}
		l.append(m)
	} else {
		// No list yet, so the id index cannot dedupe; the seen set keeps a
		// replayed delivery from double-counting unread or alerting twice.
		ids := s.seen[p.ConversationID]
		if _, dup := ids[m.ID]; dup {
			s.mu.Unlock()
			return
		}
		if ids == nil {
			ids = make(map[string]struct{})
			s.seen[p.ConversationID] = ids
		}
		ids[m.ID] = struct{}{}
	}

	s.bumpConversation(p.ConversationID, m)
	v, haveView := s.views[p.ConversationID]
	onScreen := s.open == p.ConversationID
	if haveView && m.SenderID != s.self && !onScreen {
		v.UnreadCount++
	}
	if onScreen && m.SenderID != s.self {
		// Viewer is looking at the conversation, acknowledge right away.
		s.scheduleMarkReadLocked(p.ConversationID)
	}
	s.mu.Unlock()

	if m.SenderID != s.self {
		s.alert(ev)
	}
}

func (s *Synchronizer) applyMessageUpdated(p hub.MessageUpdatedPayload) {
	if p.Message == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lists[p.ConversationID]; ok {
		l.replace(p.Message)
	}
	if v, ok := s.views[p.ConversationID]; ok && v.LastMessage != nil && v.LastMessage.ID == p.Message.ID {
		v.LastMessage = p.Message
	}
}

func (s *Synchronizer) applyConversationUpsert(p hub.ConversationPayload) {
	if p.View == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := p.View.Conversation.ID
	if existing, ok := s.views[id]; ok {
		// Keep the locally maintained unread counter; the push payload is
		// computed for no particular viewer.
		unread := existing.UnreadCount
		*existing = *p.View
		existing.UnreadCount = unread
	} else {
		v := *p.View
		s.views[id] = &v
	}
	s.moveToTop(id)
}

func (s *Synchronizer) applyConversationDeleted(p hub.ConversationDeletedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, p.ConversationID)
	delete(s.lists, p.ConversationID)
	delete(s.typing, p.ConversationID)
	delete(s.seen, p.ConversationID)
	for i, id := range s.order {
		if id == p.ConversationID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.open == p.ConversationID {
		s.open = ""
		if s.markReadTimer != nil {
			s.markReadTimer.Stop()
			s.markReadTimer = nil
		}
	}
}

func (s *Synchronizer) applyTyping(p hub.TypingPayload, start bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if start {
		users, ok := s.typing[p.ConversationID]
		if !ok {
			users = make(map[string]time.Time)
			s.typing[p.ConversationID] = users
		}
		users[p.UserID] = p.At
		return
	}
	if users, ok := s.typing[p.ConversationID]; ok {
		delete(users, p.UserID)
		if len(users) == 0 {
			delete(s.typing, p.ConversationID)
		}
	}
}

func (s *Synchronizer) applyConnected(p hub.ConnectedUsersPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = make(map[string]struct{}, len(p.UserIDs))
	for _, uid := range p.UserIDs {
		s.connected[uid] = struct{}{}
	}
}

// IsOnline reports presence from the last connected-users snapshot.
func (s *Synchronizer) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.connected[userID]
	return ok
}

func (s *Synchronizer) alert(ev hub.Event) {
	if s.alerter != nil {
		s.alerter.HandleEvent(ev)
	}
}
