package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// handleWebSocket upgrades the HTTP connection to the real-time channel.
// The connection starts unbound: it must send an authenticate frame before
// any join or publish is accepted, so no token travels in the URL.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	// The request context dies when this handler returns; the connection
	// outlives it, so dispatch runs against the background context.
	conn := s.hub.NewConn(ws)
	go conn.WritePump()
	go conn.ReadPump(context.Background())
}
