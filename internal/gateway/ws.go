package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bashclaw/bashclaw/internal/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendDepth  = 64
)

// wsFeed pushes runtime events to connected websocket clients.
type wsFeed struct {
	publisher bus.EventPublisher
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[string]chan bus.Event
}

func newWSFeed(publisher bus.EventPublisher) *wsFeed {
	return &wsFeed{
		publisher: publisher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gateway binds to localhost by default; token auth runs
			// before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]chan bus.Event),
	}
}

// handle upgrades the connection and streams events until the client goes
// away.
func (f *wsFeed) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	events := make(chan bus.Event, wsSendDepth)
	f.mu.Lock()
	f.clients[id] = events
	f.mu.Unlock()

	f.publisher.Subscribe("ws:"+id, func(ev bus.Event) {
		select {
		case events <- ev:
		default: // slow client, drop
		}
	})
	defer func() {
		f.publisher.Unsubscribe("ws:" + id)
		f.mu.Lock()
		delete(f.clients, id)
		f.mu.Unlock()
	}()

	// Reader goroutine: discard inbound frames, surface disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
