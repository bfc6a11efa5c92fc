// Package handler exposes the portal's REST and stream endpoints: it
// validates, talks to the repositories, derives fan-out targets and hands
// events to the hub.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/parishhub/portal/internal/hub"
	"github.com/parishhub/portal/internal/push"
	"github.com/parishhub/portal/internal/repository"
)

type Handler struct {
	users     *repository.UserRepository
	convs     *repository.ConversationRepository
	messages  *repository.MessageRepository
	reactions *repository.ReactionRepository
	hub       *hub.Hub
	push      *push.Client

	allowedOrigins []string
}

func New(
	users *repository.UserRepository,
	convs *repository.ConversationRepository,
	messages *repository.MessageRepository,
	reactions *repository.ReactionRepository,
	h *hub.Hub,
	pushClient *push.Client,
	allowedOrigins []string,
) *Handler {
	return &Handler{
		users:          users,
		convs:          convs,
		messages:       messages,
		reactions:      reactions,
		hub:            h,
		push:           pushClient,
		allowedOrigins: allowedOrigins,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt reads an integer query parameter with a default and an upper bound.
func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
