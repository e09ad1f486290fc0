package broadcast

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aggregat4/rowsync/internal/wire"
)

func TestAnnounceFansOutToConnectedSockets(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give ServeWS time to register the connection before announcing.
	time.Sleep(50 * time.Millisecond)
	hub.Announce(42)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wire.Announce
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.StorageVersion != 42 {
		t.Fatalf("storage version: got %d want 42", msg.StorageVersion)
	}
	if msg.Version != wire.ProtocolVersion {
		t.Fatalf("protocol version: got %d want %d", msg.Version, wire.ProtocolVersion)
	}
}

func TestAnnounceWithNoSubscribersIsANoop(t *testing.T) {
	hub := NewHub(slog.Default())
	hub.Announce(1) // must not panic or block
}
