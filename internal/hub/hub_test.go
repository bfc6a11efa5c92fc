package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer upgrades connections and registers them with the hub under the
// user id given in the "user" query parameter.
func testServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		c := NewClient(h, conn, r.URL.Query().Get("user"))
		c.Start(ctx, cancel)
		h.Register(c)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialUser(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev struct {
		Type    EventType       `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &ev))
	return Event{Type: ev.Type, Payload: ev.Payload}
}

// readUntil reads events until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want EventType) Event {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev := readEvent(t, conn)
		if ev.Type == want {
			return ev
		}
	}
	t.Fatalf("no %s event received", want)
	return Event{}
}

func startHub(t *testing.T, maxConns int, presence PresenceFunc) *Hub {
	t.Helper()
	h := NewHub(maxConns, presence)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func TestPublishReachesTargetsOnly(t *testing.T) {
	h := startHub(t, 0, nil)
	srv := testServer(t, h)

	alice := dialUser(t, srv, "alice")
	bob := dialUser(t, srv, "bob")

	require.Eventually(t, func() bool {
		return len(h.ConnectedUserIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	h.Publish(Event{Type: EventNewMessage, Payload: map[string]string{"conversation_id": "c1"}}, []string{"bob"})

	ev := readUntil(t, bob, EventNewMessage)
	assert.Equal(t, EventNewMessage, ev.Type)

	// Alice must not get the message; she only sees presence snapshots.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		_, raw, err := alice.ReadMessage()
		if err != nil {
			break
		}
		var got Event
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.NotEqual(t, EventNewMessage, got.Type)
	}
}

func TestPublishToOfflineUserIsSwallowed(t *testing.T) {
	h := startHub(t, 0, nil)

	// No channel registered for carol; must not panic or block.
	h.Publish(Event{Type: EventNewMessage}, []string{"carol"})
}

func TestMultipleChannelsPerUser(t *testing.T) {
	h := startHub(t, 0, nil)
	srv := testServer(t, h)

	tab1 := dialUser(t, srv, "alice")
	tab2 := dialUser(t, srv, "alice")

	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.clients["alice"]) == 2
	}, 2*time.Second, 10*time.Millisecond)

	h.Publish(Event{Type: EventNewMessage}, []string{"alice"})

	readUntil(t, tab1, EventNewMessage)
	readUntil(t, tab2, EventNewMessage)
}

func TestPresenceFiresOnFirstAndLastChannel(t *testing.T) {
	var mu sync.Mutex
	var calls []bool
	presence := func(_ string, online bool) {
		mu.Lock()
		calls = append(calls, online)
		mu.Unlock()
	}

	h := startHub(t, 0, presence)
	srv := testServer(t, h)

	tab1 := dialUser(t, srv, "alice")
	tab2 := dialUser(t, srv, "alice")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1 && calls[0]
	}, 2*time.Second, 10*time.Millisecond)

	// Closing one of two channels keeps the user online.
	tab1.Close()
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Len(t, calls, 1)
	mu.Unlock()

	tab2.Close()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2 && !calls[1]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectedUserIDsSorted(t *testing.T) {
	h := startHub(t, 0, nil)
	srv := testServer(t, h)

	dialUser(t, srv, "zoe")
	dialUser(t, srv, "adam")

	require.Eventually(t, func() bool {
		ids := h.ConnectedUserIDs()
		return len(ids) == 2 && ids[0] == "adam" && ids[1] == "zoe"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionLimit(t *testing.T) {
	h := startHub(t, 1, nil)
	srv := testServer(t, h)

	dialUser(t, srv, "alice")
	require.Eventually(t, func() bool {
		return len(h.ConnectedUserIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	over := dialUser(t, srv, "bob")

	// The second channel is rejected and closed by the hub.
	require.NoError(t, over.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := over.ReadMessage(); err != nil {
			break
		}
	}
	assert.Len(t, h.ConnectedUserIDs(), 1)
}

func TestUnknownFrameGetsErrorEvent(t *testing.T) {
	h := startHub(t, 0, nil)
	srv := testServer(t, h)

	conn := dialUser(t, srv, "alice")
	require.Eventually(t, func() bool {
		return len(h.ConnectedUserIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Frame{Type: "bogus"}))
	ev := readUntil(t, conn, EventError)
	assert.Equal(t, EventError, ev.Type)
}
