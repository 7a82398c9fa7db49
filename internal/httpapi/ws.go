package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bus address is loopback-only and the web surface is on a
	// trusted LAN, so cross-origin upgrades are accepted.
	CheckOrigin: func(*http.Request) bool { return true },
}

// events streams status snapshots to the remote UI. A snapshot is sent
// immediately on connect, then whenever the store content changes,
// sampled once per second.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close and ping control messages are handled.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := a.status.Snapshot()
	if err := writeSnapshot(conn, last); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			snap := a.status.Snapshot()
			if snap.UpdatedAt.Equal(last.UpdatedAt) {
				continue
			}
			last = snap
			if err := writeSnapshot(conn, snap); err != nil {
				return
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap any) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(snap)
}
