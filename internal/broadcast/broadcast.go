// Package broadcast implements the best-effort change-set announcer
// spec.md §4.5 step 5 and §6 require: connected clients are notified
// that new storage changes are available, but a missed announce is not
// an error — clients discover changes on their next poll.
package broadcast

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aggregat4/rowsync/internal/storage"
	"github.com/aggregat4/rowsync/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out Announce messages to every open /v1/announce socket.
// Sends are non-blocking per connection: a slow or dead client is
// dropped rather than stalling the step task (spec.md §4.5 step 5).
type Hub struct {
	log *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan wire.Announce
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, conns: make(map[*websocket.Conn]chan wire.Announce)}
}

// ServeWS upgrades the request to a WebSocket and registers it for
// fanout until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	out := make(chan wire.Announce, 8)
	h.mu.Lock()
	h.conns[conn] = out
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	for msg := range out {
		if err := conn.WriteJSON(msg); err != nil {
			h.log.Debug("dropping slow/dead announce subscriber", "error", err)
			return
		}
	}
}

// Announce fans storage version out to every open socket, non-blocking.
// It implements internal/remote.Announcer.
func (h *Hub) Announce(version storage.Version) {
	msg := wire.Announce{Version: wire.ProtocolVersion, StorageVersion: version}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, out := range h.conns {
		select {
		case out <- msg:
		default:
			h.log.Debug("announce channel full, dropping subscriber", "remote", conn.RemoteAddr())
			delete(h.conns, conn)
			close(out)
		}
	}
}
