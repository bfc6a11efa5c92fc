package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/parishhub/portal/internal/hub"
	"github.com/parishhub/portal/internal/logger"
	"github.com/parishhub/portal/internal/middleware"
)

// ServeWS upgrades the request and registers the channel with the hub. One
// user may hold several channels at once (tabs, devices); each gets every
// event addressed to the user.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	self := middleware.GetUserID(r)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logger.Errorf("ws upgrade user=%s: %v", self, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := hub.NewClient(h.hub, conn, self)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
