package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/events"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 256

	// Close code sent when the ?token= query parameter is missing or invalid.
	// The handshake is completed first so browser clients can read the code.
	closeUnauthorized = 4001

	snapshotEvents = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope for everything pushed to dashboard clients.
type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Client is one connected dashboard socket.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger
}

// Hub fans bus events out to every connected client. Clients whose send
// buffer fills are dropped rather than allowed to stall the broadcast.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	logger     zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, sendBufferSize),
		logger:     logging.Component("ws"),
	}
}

// Run owns the client set. Must run in its own goroutine before any client
// connects; exits when the context is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug().Int("clients", len(h.clients)).Msg("Client connected")
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug().Int("clients", len(h.clients)).Msg("Client disconnected")
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn().Msg("Dropped slow client")
				}
			}
		}
	}
}

// BroadcastEvent pushes one bus event to all clients. Wired as the event
// bus catch-all subscriber; drops the event when the broadcast queue is full.
func (h *Hub) BroadcastEvent(event events.Event) {
	payload, err := json.Marshal(wsMessage{Type: "event", Data: event})
	if err != nil {
		h.logger.Error().Err(err).Msg("Event marshal failed")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn().Str("event", string(event.Type)).Msg("Broadcast queue full, event dropped")
	}
}

// handleWS upgrades the connection and, on a valid token, starts the pumps.
// A bad token still gets the upgrade so the close code reaches the browser.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if err := s.authsvc.ValidateToken(c.Query("token")); err != nil {
		msg := websocket.FormatCloseMessage(closeUnauthorized, "invalid token")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := &Client{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: s.logger,
	}
	s.hub.register <- client

	s.sendSnapshot(c.Request.Context(), client)

	go client.writePump()
	go client.readPump()
}

// sendSnapshot queues the current open positions and the recent event tail so
// a freshly connected dashboard renders without waiting for live traffic.
func (s *Server) sendSnapshot(ctx context.Context, client *Client) {
	snapshot := gin.H{}
	if positions, err := s.eng.Positions(ctx); err == nil {
		snapshot["positions"] = positions
	} else {
		s.logger.Warn().Err(err).Msg("Snapshot without positions")
	}
	if rows, err := s.store.GetRecentEvents(ctx, snapshotEvents); err == nil {
		snapshot["events"] = rows
	} else {
		s.logger.Warn().Err(err).Msg("Snapshot without events")
	}
	payload, err := json.Marshal(wsMessage{Type: "snapshot", Data: snapshot})
	if err != nil {
		s.logger.Error().Err(err).Msg("Snapshot marshal failed")
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

// writePump drains the send channel to the socket and keeps the connection
// alive with pings. One writePump per client; the only writer on the conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and enforces pong liveness. The stream is
// one-way; inbound data only matters for detecting a dead peer.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("WebSocket read ended")
			}
			return
		}
	}
}
