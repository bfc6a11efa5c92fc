// Package hub is the server-side event hub: it keeps a registry of open
// stream channels per user and fans tagged events out to explicit target
// lists. Delivery is best-effort; a user with no open channel simply misses
// the event and recovers through the normal fetch path.
package hub

import (
	"context"
	"sort"
	"sync"

	"github.com/parishhub/portal/internal/logger"
)

// PresenceFunc is invoked when a user's first channel opens (online=true) or
// their last channel closes (online=false).
type PresenceFunc func(userID string, online bool)

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	presence PresenceFunc
	typing   *TypingCoordinator

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(maxConns int, presence PresenceFunc) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		presence:   presence,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

// SetTyping attaches the typing coordinator that handles typing frames.
func (h *Hub) SetTyping(t *TypingCoordinator) {
	h.typing = t
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("hub connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	first := false
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
		first = true
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	if first && h.presence != nil {
		h.presence(c.userID, true)
	}
	h.advertiseConnected()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastChannel := len(clients) == 0
	if lastChannel {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastChannel {
		if h.presence != nil {
			h.presence(c.userID, false)
		}
		if h.typing != nil {
			h.typing.DisconnectUser(c.userID)
		}
		h.advertiseConnected()
	}
}

// handleFrame dispatches an upstream frame from a connected client. Only
// ephemeral typing signals come this way.
func (h *Hub) handleFrame(ctx context.Context, c *Client, f Frame) {
	switch f.Type {
	case EventTypingStart:
		if h.typing != nil {
			h.typing.Start(ctx, f.ConversationID, c.userID)
		}
	case EventTypingStop:
		if h.typing != nil {
			h.typing.Stop(ctx, f.ConversationID, c.userID)
		}
	default:
		h.sendToClient(c, Event{Type: EventError, Payload: "unknown frame type"})
	}
}

// Publish delivers an event to every open channel of each target user.
// Best-effort: targets without an open channel are skipped, slow channels are
// dropped, and the caller never sees a failure.
func (h *Hub) Publish(ev Event, targets []string) {
	for _, uid := range targets {
		h.sendToUser(uid, ev)
	}
}

// ConnectedUserIDs returns a sorted snapshot of users with an open channel.
func (h *Hub) ConnectedUserIDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for uid := range h.clients {
		ids = append(ids, uid)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// advertiseConnected pushes the presence snapshot to every connected client.
func (h *Hub) advertiseConnected() {
	ids := h.ConnectedUserIDs()
	h.Publish(Event{Type: EventConnectedUsers, Payload: ConnectedUsersPayload{UserIDs: ids}}, ids)
}

func (h *Hub) sendToUser(userID string, ev Event) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	// Copy-on-read so a concurrent register/unregister never invalidates the
	// iteration.
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToClient(c *Client, ev Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close the slow channel rather than
		// stall delivery to everyone else.
		logger.Errorf("hub send buffer full, closing slow channel user=%s", c.userID)
		c.Close()
	}
}

// Register queues a new client channel for the registry.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

// Unregister removes exactly one channel; other sessions of the same user
// stay registered.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
