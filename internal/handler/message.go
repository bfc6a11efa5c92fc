package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/parishhub/portal/internal/hub"
	"github.com/parishhub/portal/internal/logger"
	"github.com/parishhub/portal/internal/middleware"
	"github.com/parishhub/portal/internal/model"
	"github.com/parishhub/portal/internal/repository"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxContentLen   = 4000
)

// ListMessages returns a page of messages in creation order with reactions
// and read receipts attached.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)
	convID := chi.URLParam(r, "id")

	if _, ok := h.requireParticipant(w, r, convID, self); !ok {
		return
	}

	limit := queryInt(r, "limit", defaultPageSize, maxPageSize)
	offset := queryInt(r, "offset", 0, 0)

	msgs, err := h.messages.GetConversationMessages(r.Context(), convID, limit, offset)
	if err != nil {
		logger.Errorf("list messages: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	for i := range msgs {
		if err := h.enrichMessage(r.Context(), &msgs[i]); err != nil {
			logger.Errorf("list messages enrich: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type createMessageRequest struct {
	Content   string            `json:"content"`
	Type      model.MessageType `json:"type"`
	ReplyToID *string           `json:"reply_to_id"`
}

// CreateMessage persists a message and fans it out to every participant's
// open channels. The sender's confirmation is the HTTP response; the pushed
// event carries the same server id, so a second arrival merges away.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)
	convID := chi.URLParam(r, "id")

	conv, ok := h.requireParticipant(w, r, convID, self)
	if !ok {
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if len(req.Content) > maxContentLen {
		writeError(w, http.StatusBadRequest, "content too long")
		return
	}
	if req.Type == "" {
		req.Type = model.MessageTypeText
	}

	role, err := h.convs.GetParticipantRole(r.Context(), convID, self)
	if err != nil {
		logger.Errorf("create message role: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !conv.Kind.Writable(role) {
		writeError(w, http.StatusForbidden, "read-only conversation")
		return
	}

	if req.ReplyToID != nil {
		parent, err := h.messages.GetByID(r.Context(), *req.ReplyToID)
		if errors.Is(err, repository.ErrNotFound) || (parent != nil && parent.ConversationID != convID) {
			writeError(w, http.StatusBadRequest, "reply target not in this conversation")
			return
		}
		if err != nil {
			logger.Errorf("create message reply lookup: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	now := time.Now()
	msg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		SenderID:       self,
		Type:           req.Type,
		Content:        req.Content,
		ReplyToID:      req.ReplyToID,
		CreatedAt:      now,
	}
	if err := h.messages.Create(r.Context(), msg); err != nil {
		logger.Errorf("create message: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.convs.Touch(r.Context(), convID, now); err != nil {
		logger.Errorf("create message touch: %v", err)
	}
	// A message in a hidden direct conversation brings it back for everyone.
	if conv.Kind == model.ConversationDirect {
		if err := h.convs.ClearHidden(r.Context(), convID); err != nil {
			logger.Errorf("create message clear hidden: %v", err)
		}
	}

	full, err := h.messages.GetByID(r.Context(), msg.ID)
	if err != nil {
		logger.Errorf("create message reload: %v", err)
		full = msg
	}
	if err := h.enrichMessage(r.Context(), full); err != nil {
		logger.Errorf("create message enrich: %v", err)
	}

	h.fanOutMessage(r.Context(), conv, full)
	writeJSON(w, http.StatusCreated, full)
}

func (h *Handler) fanOutMessage(ctx context.Context, conv *model.Conversation, msg *model.Message) {
	ids, err := h.convs.GetParticipantIDs(ctx, conv.ID)
	if err != nil {
		logger.Errorf("message fan-out participants: %v", err)
		return
	}

	evType := hub.EventNewMessage
	if conv.Kind == model.ConversationBroadcast {
		evType = hub.EventNewBroadcastMessage
	}
	payload := hub.MessagePayload{
		Message:          msg,
		ConversationID:   conv.ID,
		ConversationKind: conv.Kind,
		ConversationName: conv.Name,
	}

	targets := make([]string, 0, len(ids))
	for _, uid := range ids {
		if uid != msg.SenderID {
			targets = append(targets, uid)
		}
	}
	h.hub.Publish(hub.Event{Type: evType, Payload: payload}, targets)

	// Web Push reaches participants with no open channel at all.
	title := conv.Name
	if conv.Kind == model.ConversationDirect || title == "" {
		if msg.Sender != nil {
			title = msg.Sender.DisplayName
		} else {
			title = msg.SenderID
		}
	}
	connected := make(map[string]struct{})
	for _, uid := range h.hub.ConnectedUserIDs() {
		connected[uid] = struct{}{}
	}
	for _, uid := range targets {
		if _, online := connected[uid]; online {
			continue
		}
		h.push.Notify(ctx, uid, title, msg.Content, map[string]string{"conversation_id": conv.ID})
	}
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// EditMessage changes a message's content. Sender only.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)
	msgID := chi.URLParam(r, "id")

	msg, ok := h.requireSender(w, r, msgID, self)
	if !ok {
		return
	}

	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if len(req.Content) > maxContentLen {
		writeError(w, http.StatusBadRequest, "content too long")
		return
	}

	if err := h.messages.UpdateContent(r.Context(), msgID, req.Content, time.Now()); err != nil {
		logger.Errorf("edit message: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.publishMessageUpdated(w, r, msg.ConversationID, msgID)
}

// DeleteMessage soft-deletes: the row stays as a tombstone so replies keep a
// target, content is cleared. Sender only.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)
	msgID := chi.URLParam(r, "id")

	msg, ok := h.requireSender(w, r, msgID, self)
	if !ok {
		return
	}
	if err := h.messages.SoftDelete(r.Context(), msgID); err != nil {
		logger.Errorf("delete message: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.publishMessageUpdated(w, r, msg.ConversationID, msgID)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

// ToggleReaction adds the reaction when absent and removes it when present.
func (h *Handler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)
	msgID := chi.URLParam(r, "id")

	msg, err := h.messages.GetByID(r.Context(), msgID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		logger.Errorf("toggle reaction load: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if _, ok := h.requireParticipant(w, r, msg.ConversationID, self); !ok {
		return
	}

	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji is required")
		return
	}

	if _, err := h.reactions.Toggle(r.Context(), msgID, self, req.Emoji); err != nil {
		logger.Errorf("toggle reaction: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.publishMessageUpdated(w, r, msg.ConversationID, msgID)
}

// Pin marks a message pinned. Any participant may pin.
func (h *Handler) Pin(w http.ResponseWriter, r *http.Request) {
	h.setPinned(w, r, true)
}

// Unpin clears the pin.
func (h *Handler) Unpin(w http.ResponseWriter, r *http.Request) {
	h.setPinned(w, r, false)
}

func (h *Handler) setPinned(w http.ResponseWriter, r *http.Request, pinned bool) {
	self := middleware.GetUserID(r)
	msgID := chi.URLParam(r, "id")

	msg, err := h.messages.GetByID(r.Context(), msgID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		logger.Errorf("pin load: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if _, ok := h.requireParticipant(w, r, msg.ConversationID, self); !ok {
		return
	}

	if err := h.messages.SetPinned(r.Context(), msgID, pinned); err != nil {
		logger.Errorf("set pinned: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.publishMessageUpdated(w, r, msg.ConversationID, msgID)
}

// publishMessageUpdated reloads the message, fans out the update and writes
// the fresh message as the response.
func (h *Handler) publishMessageUpdated(w http.ResponseWriter, r *http.Request, convID, msgID string) {
	msg, err := h.messages.GetByID(r.Context(), msgID)
	if err != nil {
		logger.Errorf("message reload: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.enrichMessage(r.Context(), msg); err != nil {
		logger.Errorf("message enrich: %v", err)
	}
	h.fanOutToParticipants(r.Context(), convID,
		hub.Event{Type: hub.EventMessageUpdated, Payload: hub.MessageUpdatedPayload{ConversationID: convID, Message: msg}})
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) requireSender(w http.ResponseWriter, r *http.Request, msgID, userID string) (*model.Message, bool) {
	msg, err := h.messages.GetByID(r.Context(), msgID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return nil, false
	}
	if err != nil {
		logger.Errorf("load message: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if msg.SenderID != userID {
		writeError(w, http.StatusForbidden, "not the sender")
		return nil, false
	}
	if msg.IsDeleted {
		writeError(w, http.StatusConflict, "message is deleted")
		return nil, false
	}
	return msg, true
}

// enrichMessage attaches reactions, read receipts and the reply preview.
func (h *Handler) enrichMessage(ctx context.Context, m *model.Message) error {
	reactions, err := h.reactions.GetByMessage(ctx, m.ID)
	if err != nil {
		return err
	}
	m.Reactions = reactions

	readBy, err := h.messages.GetReadBy(ctx, m.ID)
	if err != nil {
		return err
	}
	m.ReadBy = readBy

	if m.ReplyToID != nil && m.ReplyTo == nil {
		parent, err := h.messages.GetByID(ctx, *m.ReplyToID)
		if err == nil {
			m.ReplyTo = parent
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	}
	return nil
}
