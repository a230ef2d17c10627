package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kylemclaren/device-tasks/internal/stream"
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

// handleWebSocket subscribes the connection to every task update.
// Clients only listen; anything they send is read and discarded.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := s.hub.Subscribe(uuid.NewString())
	s.logger.Debug("websocket client connected", "client_id", client.ID, "clients", s.hub.ClientCount())

	go s.writePump(conn, client)
	go s.readPump(conn, client)
}

// readPump keeps the read deadline moving and notices when the client goes away
func (s *Server) readPump(conn *websocket.Conn, client *stream.Client) {
	defer func() {
		s.hub.Unsubscribe(client.ID)
		conn.Close()
		s.logger.Debug("websocket client disconnected", "client_id", client.ID, "clients", s.hub.ClientCount())
	}()

	if s.wsCfg.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	}
	wait := s.pingInterval() + s.pongWait()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))
	}
}

// writePump forwards hub messages and pings until the client is unsubscribed
func (s *Server) writePump(conn *websocket.Conn, client *stream.Client) {
	ticker := time.NewTicker(s.pingInterval())
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-client.Done:
			_ = conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case message := <-client.Messages:
			_ = conn.SetWriteDeadline(time.Now().Add(s.pongWait()))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.pongWait()))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) pingInterval() time.Duration {
	if s.wsCfg.PingInterval <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.wsCfg.PingInterval) * time.Second
}

func (s *Server) pongWait() time.Duration {
	if s.wsCfg.PongTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.wsCfg.PongTimeout) * time.Second
}
