package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randallard/friends-connect/errors"
	"github.com/randallard/friends-connect/relay"
)

// Heartbeat timing: ping every 30 seconds, drop the session when no
// pong (or other frame) arrives within 60.
const (
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 60 * time.Second
	wsWriteWait  = 10 * time.Second
)

type wsUpgrader = websocket.Upgrader

func newUpgrader(cfg Config) wsUpgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.CORSOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range cfg.CORSOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// wsEnvelope is the client-to-server and server-to-client frame format
type wsEnvelope struct {
	Type         string `json:"type"`
	LinkID       string `json:"link_id,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Content      string `json:"content,omitempty"`
	Error        string `json:"error,omitempty"`
	Payload      any    `json:"payload,omitempty"`
}

// wsSession serializes writes to a single client connection
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) write(env wsEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(env)
}

func (s *wsSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleWebSocket upgrades the request and runs an interactive session
// for the player named in the query string. Presence events are
// published on attach and detach.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		g.writeError(w, http.StatusBadRequest, "player_id query parameter is required")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := &wsSession{conn: conn}
	g.relay.Publish(relay.TopicConnectionEvents, playerID, relay.UserConnected(playerID))
	g.logger.Info("websocket session started", "player", playerID)

	done := make(chan struct{})
	go g.pingLoop(session, done)

	defer func() {
		close(done)
		conn.Close()
		g.relay.Publish(relay.TopicConnectionEvents, playerID, relay.UserDisconnected(playerID))
		g.logger.Info("websocket session ended", "player", playerID)
	}()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			session.write(wsEnvelope{Type: "error", Error: "invalid JSON frame"})
			continue
		}

		g.dispatchWS(r, session, playerID, env)
	}
}

func (g *Gateway) dispatchWS(r *http.Request, session *wsSession, playerID string, env wsEnvelope) {
	switch env.Type {
	case "join_connection":
		conn, err := g.manager.JoinByLink(r.Context(), env.LinkID, playerID)
		if err != nil {
			session.write(wsEnvelope{Type: "error", Error: wsErrorMessage(err)})
			return
		}
		session.write(wsEnvelope{Type: "joined", ConnectionID: conn.ID,
			Payload: toConnectionResponse(conn)})

	case "send_message":
		msg, err := g.manager.SendMessage(r.Context(), env.ConnectionID, playerID, env.Content)
		if err != nil {
			session.write(wsEnvelope{Type: "error", Error: wsErrorMessage(err)})
			return
		}
		session.write(wsEnvelope{Type: "message_sent", ConnectionID: env.ConnectionID,
			Payload: msg})

	case "poll_notifications":
		notifications := g.inboxes.List(playerID)
		session.write(wsEnvelope{Type: "notifications", Payload: notifications})

	default:
		session.write(wsEnvelope{Type: "error", Error: "unknown frame type"})
	}
}

func (g *Gateway) pingLoop(session *wsSession, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := session.ping(); err != nil {
				return
			}
		}
	}
}

func wsErrorMessage(err error) string {
	switch {
	case errors.IsNotFound(err):
		return "resource not found"
	case errors.IsExpired(err):
		return "connection expired"
	case errors.IsInvalid(err):
		if reason := errors.Reason(err); reason != "" {
			return reason
		}
		return "invalid request"
	default:
		return "internal server error"
	}
}
