package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/parishhub/portal/internal/logger"
	"github.com/parishhub/portal/internal/middleware"
	"github.com/parishhub/portal/internal/model"
	"github.com/parishhub/portal/internal/push"
	"github.com/parishhub/portal/internal/repository"
)

// ListUsers returns the member directory for starting conversations.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		logger.Errorf("list users: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]model.UserPublic, 0, len(users))
	for i := range users {
		out = append(out, users[i].ToPublic())
	}
	writeJSON(w, http.StatusOK, out)
}

// Me returns the authenticated user's own profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)
	u, err := h.users.GetByID(r.Context(), self)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		logger.Errorf("me: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type pushSubscribeRequest struct {
	Subscription push.Subscription `json:"subscription"`
}

// PushSubscribe registers the browser's push subscription with the push
// service so the user can be reached with no open channel.
func (h *Handler) PushSubscribe(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)

	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subscription.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "subscription is required")
		return
	}
	if err := h.push.Subscribe(r.Context(), self, req.Subscription); err != nil {
		logger.Errorf("push subscribe: %v", err)
		writeError(w, http.StatusBadGateway, "push service unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// PushUnsubscribe drops one subscription by endpoint.
func (h *Handler) PushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)

	var req pushUnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	if err := h.push.Unsubscribe(r.Context(), self, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe: %v", err)
		writeError(w, http.StatusBadGateway, "push service unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
