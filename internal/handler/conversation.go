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

type createDirectRequest struct {
	UserID string `json:"user_id"`
}

// CreateDirect returns the direct conversation with the given user, creating
// it when the pair has none. At most one direct conversation exists per
// unordered user pair; a repeated request converges on the same one.
func (h *Handler) CreateDirect(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)

	var req createDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.UserID == self {
		writeError(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}
	if _, err := h.users.GetByID(r.Context(), req.UserID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		logger.Errorf("create direct lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Insert against the unique pair key: whoever wins a concurrent race
	// creates the row, everyone else converges on it.
	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.New().String(),
		Kind:      model.ConversationDirect,
		CreatedBy: self,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := h.convs.CreateDirect(r.Context(), conv, self, req.UserID)
	if err != nil {
		logger.Errorf("create direct: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !created {
		conv, err = h.convs.FindDirectConversation(r.Context(), self, req.UserID)
		if err != nil {
			logger.Errorf("create direct find: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	// AddParticipant upserts, so the loser of a race repeats it harmlessly
	// and a requester who had hidden the conversation gets it back.
	for _, uid := range []string{self, req.UserID} {
		if err := h.convs.AddParticipant(r.Context(), &model.Participant{
			ConversationID: conv.ID, UserID: uid, Role: RoleFor(conv.Kind, conv.CreatedBy, uid), JoinedAt: now,
		}); err != nil {
			logger.Errorf("create direct participant: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	view, err := h.conversationView(r.Context(), conv, self)
	if err != nil {
		logger.Errorf("create direct view: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !created {
		writeJSON(w, http.StatusOK, view)
		return
	}
	h.hub.Publish(
		hub.Event{Type: hub.EventConversationCreated, Payload: hub.ConversationPayload{View: view}},
		[]string{self, req.UserID},
	)
	writeJSON(w, http.StatusCreated, view)
}

type createConversationRequest struct {
	Kind           model.ConversationKind `json:"kind"`
	Name           string                 `json:"name"`
	ImageURL       string                 `json:"image_url"`
	ParticipantIDs []string               `json:"participant_ids"`
}

// Create makes a group, broadcast or channel conversation. The creator
// becomes the owner; in broadcast conversations only the owner may post.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	switch req.Kind {
	case model.ConversationGroup, model.ConversationBroadcast, model.ConversationChannel:
	case model.ConversationDirect:
		writeError(w, http.StatusBadRequest, "use the direct endpoint for direct conversations")
		return
	default:
		writeError(w, http.StatusBadRequest, "unknown conversation kind")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.New().String(),
		Kind:      req.Kind,
		Name:      req.Name,
		ImageURL:  req.ImageURL,
		CreatedBy: self,
		CreatedAt: now,
		UpdatedAt: now,
	}

	members := dedupeIDs(append(req.ParticipantIDs, self))
	if err := h.createWithParticipants(r.Context(), conv, members); err != nil {
		logger.Errorf("create conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	view, err := h.conversationView(r.Context(), conv, self)
	if err != nil {
		logger.Errorf("create conversation view: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if req.Kind == model.ConversationBroadcast {
		// A new broadcast channel is announced to everyone currently online,
		// not just the initial member list.
		h.hub.Publish(
			hub.Event{Type: hub.EventNewBroadcastChannel, Payload: hub.ConversationPayload{View: view}},
			h.hub.ConnectedUserIDs(),
		)
	} else {
		h.hub.Publish(
			hub.Event{Type: hub.EventConversationCreated, Payload: hub.ConversationPayload{View: view}},
			members,
		)
	}
	writeJSON(w, http.StatusCreated, view)
}

// List returns the viewer's conversations, most recently active first, each
// with participants, last message and the viewer's unread count.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)

	convs, err := h.convs.GetUserConversations(r.Context(), self)
	if err != nil {
		logger.Errorf("list conversations: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]*model.ConversationView, 0, len(convs))
	for i := range convs {
		view, err := h.conversationView(r.Context(), &convs[i], self)
		if err != nil {
			logger.Errorf("list conversations view=%s: %v", convs[i].ID, err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

// Get returns one conversation view. Participants only.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)
	convID := chi.URLParam(r, "id")

	conv, ok := h.requireParticipant(w, r, convID, self)
	if !ok {
		return
	}
	view, err := h.conversationView(r.Context(), conv, self)
	if err != nil {
		logger.Errorf("get conversation view: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type updateConversationRequest struct {
	Name     string `json:"name"`
	ImageURL string `json:"image_url"`
}

// Update renames a conversation or changes its image. Owner only.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)
	convID := chi.URLParam(r, "id")

	conv, ok := h.requireOwner(w, r, convID, self)
	if !ok {
		return
	}
	if conv.Kind == model.ConversationDirect {
		writeError(w, http.StatusBadRequest, "direct conversations cannot be renamed")
		return
	}

	var req updateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.convs.Update(r.Context(), convID, req.Name, req.ImageURL); err != nil {
		logger.Errorf("update conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	conv.Name = req.Name
	conv.ImageURL = req.ImageURL

	view, err := h.conversationView(r.Context(), conv, self)
	if err != nil {
		logger.Errorf("update conversation view: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.fanOutToParticipants(r.Context(), convID,
		hub.Event{Type: hub.EventConversationUpdated, Payload: hub.ConversationPayload{View: view}})
	writeJSON(w, http.StatusOK, view)
}

// Delete removes a conversation. For direct conversations the delete is
// viewer-local: the conversation is hidden for the requester and the other
// side keeps it; once every participant has hidden it, the row and its
// messages are purged. Other kinds are deleted outright by the owner.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)
	convID := chi.URLParam(r, "id")

	conv, ok := h.requireParticipant(w, r, convID, self)
	if !ok {
		return
	}

	if conv.Kind == model.ConversationDirect {
		if err := h.convs.HideForUser(r.Context(), convID, self, time.Now()); err != nil {
			logger.Errorf("hide conversation: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		visible, err := h.convs.CountVisible(r.Context(), convID)
		if err != nil {
			logger.Errorf("hide conversation count: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if visible == 0 {
			if err := h.convs.Delete(r.Context(), convID); err != nil {
				logger.Errorf("purge conversation: %v", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	role, err := h.convs.GetParticipantRole(r.Context(), convID, self)
	if err != nil || role != model.RoleOwner {
		writeError(w, http.StatusForbidden, "only the owner can delete this conversation")
		return
	}

	targets, err := h.convs.GetParticipantIDs(r.Context(), convID)
	if err != nil {
		logger.Errorf("delete conversation participants: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.convs.Delete(r.Context(), convID); err != nil {
		logger.Errorf("delete conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.hub.Publish(
		hub.Event{Type: hub.EventConversationDeleted, Payload: hub.ConversationDeletedPayload{ConversationID: convID}},
		targets,
	)
	w.WriteHeader(http.StatusNoContent)
}

// Leave removes the requester from a group or channel.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)
	convID := chi.URLParam(r, "id")

	conv, ok := h.requireParticipant(w, r, convID, self)
	if !ok {
		return
	}
	if conv.Kind == model.ConversationDirect {
		writeError(w, http.StatusBadRequest, "direct conversations cannot be left, delete instead")
		return
	}

	if err := h.convs.RemoveParticipant(r.Context(), convID, self); err != nil {
		logger.Errorf("leave conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	view, err := h.conversationView(r.Context(), conv, self)
	if err == nil {
		h.fanOutToParticipants(r.Context(), convID,
			hub.Event{Type: hub.EventConversationUpdated, Payload: hub.ConversationPayload{View: view}})
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead acknowledges everything in the conversation for the viewer:
// last_read_at moves forward and per-message receipts are recorded. Both are
// monotonic, so a repeated or late acknowledge never un-reads anything.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)
	convID := chi.URLParam(r, "id")

	if _, ok := h.requireParticipant(w, r, convID, self); !ok {
		return
	}

	now := time.Now()
	if err := h.convs.UpdateParticipantLastRead(r.Context(), convID, self, now); err != nil {
		logger.Errorf("mark read last_read: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.messages.MarkAllRead(r.Context(), convID, self, now); err != nil {
		logger.Errorf("mark read receipts: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RoleFor returns the role a user holds in a conversation by construction.
func RoleFor(kind model.ConversationKind, createdBy, userID string) string {
	if createdBy == userID {
		return model.RoleOwner
	}
	return model.RoleMember
}

func (h *Handler) createWithParticipants(ctx context.Context, conv *model.Conversation, memberIDs []string) error {
	if err := h.convs.Create(ctx, conv); err != nil {
		return err
	}
	for _, uid := range memberIDs {
		p := &model.Participant{
			ConversationID: conv.ID,
			UserID:         uid,
			Role:           RoleFor(conv.Kind, conv.CreatedBy, uid),
			JoinedAt:       conv.CreatedAt,
		}
		if err := h.convs.AddParticipant(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) conversationView(ctx context.Context, conv *model.Conversation, viewerID string) (*model.ConversationView, error) {
	participants, err := h.convs.GetParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	last, err := h.messages.GetLastMessage(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	unread, err := h.convs.GetUnreadCount(ctx, conv.ID, viewerID)
	if err != nil {
		return nil, err
	}

	pub := make([]model.UserPublic, 0, len(participants))
	for i := range participants {
		pub = append(pub, participants[i].ToPublic())
	}
	return &model.ConversationView{
		Conversation: *conv,
		Participants: pub,
		LastMessage:  last,
		UnreadCount:  unread,
	}, nil
}

// requireParticipant loads the conversation and checks membership, writing
// the error response itself on failure.
func (h *Handler) requireParticipant(w http.ResponseWriter, r *http.Request, convID, userID string) (*model.Conversation, bool) {
	conv, err := h.convs.GetByID(r.Context(), convID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		logger.Errorf("load conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	member, err := h.convs.IsParticipant(r.Context(), convID, userID)
	if err != nil {
		logger.Errorf("participant check: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a participant")
		return nil, false
	}
	return conv, true
}

func (h *Handler) requireOwner(w http.ResponseWriter, r *http.Request, convID, userID string) (*model.Conversation, bool) {
	conv, ok := h.requireParticipant(w, r, convID, userID)
	if !ok {
		return nil, false
	}
	role, err := h.convs.GetParticipantRole(r.Context(), convID, userID)
	if err != nil {
		logger.Errorf("role check: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if role != model.RoleOwner {
		writeError(w, http.StatusForbidden, "owner only")
		return nil, false
	}
	return conv, true
}

// fanOutToParticipants targets every participant, hidden ones included, so a
// hidden direct conversation resurfaces on activity.
func (h *Handler) fanOutToParticipants(ctx context.Context, convID string, ev hub.Event) {
	ids, err := h.convs.GetParticipantIDs(ctx, convID)
	if err != nil {
		logger.Errorf("fan-out participants conversation=%s: %v", convID, err)
		return
	}
	h.hub.Publish(ev, ids)
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
