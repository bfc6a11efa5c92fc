package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// dropServer upgrades every connection and closes it right away, forcing the
// stream client through its disconnect path.
func dropServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamConnectionCyclesLeaveNoGoroutines(t *testing.T) {
	srv := dropServer(t)
	s := New("self", newFakeAPI())
	st := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), "tok", s)

	ctx := context.Background()
	before := runtime.NumGoroutine()

	// Each cycle connects, resyncs and loses the connection. The per-connection
	// watcher must exit with its connection instead of parking until ctx ends.
	for i := 0; i < 8; i++ {
		err := st.connectAndRead(ctx)
		require.Error(t, err)
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStreamRunStopsOnCancel(t *testing.T) {
	srv := dropServer(t)
	s := New("self", newFakeAPI())
	st := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), "tok", s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		st.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
