package server

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jdrivas/roon-rd/internal/state"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // LAN service, SPA may be served from another port
	},
}

func registerWSRoutes(router chi.Router, syncer *state.Syncer) {
	router.HandleFunc("/ws", observerHandler(syncer))
}

// observerHandler registers the connection as an observer of the state
// broadcaster. The first frame an observer receives is a full snapshot;
// after that, incremental updates. Writes never block the broadcaster:
// backpressure is absorbed by the observer's bounded delivery queue.
func observerHandler(syncer *state.Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		id, updates := syncer.Observe()
		log.Printf("WS: observer %s connected from %s", id, r.RemoteAddr)

		defer func() {
			syncer.Unobserve(id)
			conn.Close()
			log.Printf("WS: observer %s disconnected", id)
		}()

		// Reader: we accept no frames, but reading detects close promptly
		// and services pong frames.
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			conn.SetReadLimit(512)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()

		for {
			select {
			case msg, ok := <-updates:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					log.Printf("WS: write to observer %s failed: %v", id, err)
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-readerDone:
				return
			}
		}
	}
}
