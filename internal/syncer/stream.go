package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/parishhub/portal/internal/hub"
	"github.com/parishhub/portal/internal/logger"
)

const (
	reconnectBase = 2 * time.Second
	reconnectMax  = 30 * time.Second
)

// Stream maintains the push channel for a synchronizer: dial, decode, apply,
// and on any failure reconnect with backoff. Each successful (re)connect
// triggers a full resync, since missed events are not replayed.
type Stream struct {
	url    string
	token  string
	sync   *Synchronizer
	dialer *websocket.Dialer
}

func NewStream(url, token string, s *Synchronizer) *Stream {
	return &Stream{
		url:    url,
		token:  token,
		sync:   s,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run blocks until ctx is cancelled, keeping the channel alive across
// disconnects.
func (st *Stream) Run(ctx context.Context) {
	wait := reconnectBase
	for {
		if err := st.connectAndRead(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("stream disconnected: %v, retrying in %s", err, wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > reconnectMax {
			wait = reconnectMax
		}
	}
}

func (st *Stream) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+st.token)
	conn, _, err := st.dialer.DialContext(ctx, st.url, header)
	if err != nil {
		return fmt.Errorf("stream dial: %w", err)
	}
	defer conn.Close()

	if err := st.sync.Resync(ctx); err != nil {
		return fmt.Errorf("stream resync: %w", err)
	}
	logger.Infof("stream connected url=%s", st.url)

	// The watcher must not outlive this connection, or every reconnect would
	// park one more goroutine until the session ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream read: %w", err)
		}
		ev, err := DecodeEvent(raw)
		if err != nil {
			logger.Errorf("stream decode: %v", err)
			continue
		}
		st.sync.ApplyEvent(ev)
	}
}

// SendTyping pushes an ephemeral typing signal upstream on an open channel.
func SendTyping(conn *websocket.Conn, t hub.EventType, conversationID string) error {
	return conn.WriteJSON(hub.Frame{Type: t, ConversationID: conversationID})
}

// DecodeEvent turns a wire frame into an event with a concretely typed
// payload, so ApplyEvent can type-switch instead of walking raw maps.
func DecodeEvent(raw []byte) (hub.Event, error) {
	var envelope struct {
		Type    hub.EventType   `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return hub.Event{}, fmt.Errorf("decode envelope: %w", err)
	}

	ev := hub.Event{Type: envelope.Type}
	switch envelope.Type {
	case hub.EventNewMessage, hub.EventNewBroadcastMessage:
		var p hub.MessagePayload
		if err := json.Unmarshal(envelope.Payload, &p); err != nil {
			return ev, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		ev.Payload = p
	case hub.EventMessageUpdated:
		var p hub.MessageUpdatedPayload
		if err := json.Unmarshal(envelope.Payload, &p); err != nil {
			return ev, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		ev.Payload = p
	case hub.EventConversationCreated, hub.EventConversationUpdated, hub.EventNewBroadcastChannel:
		var p hub.ConversationPayload
		if err := json.Unmarshal(envelope.Payload, &p); err != nil {
			return ev, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		ev.Payload = p
	case hub.EventConversationDeleted:
		var p hub.ConversationDeletedPayload
		if err := json.Unmarshal(envelope.Payload, &p); err != nil {
			return ev, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		ev.Payload = p
	case hub.EventTypingStart, hub.EventTypingStop:
		var p hub.TypingPayload
		if err := json.Unmarshal(envelope.Payload, &p); err != nil {
			return ev, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		ev.Payload = p
	case hub.EventConnectedUsers:
		var p hub.ConnectedUsersPayload
		if err := json.Unmarshal(envelope.Payload, &p); err != nil {
			return ev, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		ev.Payload = p
	case hub.EventError:
		var p string
		if err := json.Unmarshal(envelope.Payload, &p); err == nil {
			ev.Payload = p
		}
	default:
		// Unknown event types are passed through untyped; ApplyEvent ignores them.
		ev.Payload = envelope.Payload
	}
	return ev, nil
}
