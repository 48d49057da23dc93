package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wespeak/conversation/internal/conversation"
)

const (
	writeWait    = 10 * time.Second
	relayWait    = 5 * time.Second
	sendBuffer   = 256
	readLimit    = 65536
	eventError   = "error"
	eventWelcome = "welcome"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS middleware governs browser origins
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SessionFinder resolves the session a user is connected to.
type SessionFinder interface {
	GetCurrentSession(ctx context.Context, userID string) (*conversation.SessionView, error)
}

// Client represents a single WebSocket connection in a session room.
type Client struct {
	ID        string
	SessionID string
	UserID    string
	hub       *Hub
	conn      *websocket.Conn
	send      chan WSMessage
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newClient(hub *Hub, sessionID, userID string, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		hub:       hub,
		conn:      conn,
		send:      make(chan WSMessage, sendBuffer),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// enqueue drops the message when the client is too slow to keep up.
func (c *Client) enqueue(msg WSMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Warn("client send buffer full, dropping message",
			zap.String("client_id", c.ID), zap.String("event", msg.Event))
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ServeWs upgrades callers that are connected participants of a session and attaches
// them to that session's room.
func ServeWs(hub *Hub, sessions SessionFinder, validate func(token string) (userID string, err error), logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		userID, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		view, err := sessions.GetCurrentSession(c.Request.Context(), userID)
		if err != nil {
			var ce *conversation.Error
			if errors.As(err, &ce) {
				c.JSON(http.StatusForbidden, gin.H{"error": ce.Message, "code": ce.Code})
				return
			}
			logger.Error("resolve current session", zap.Error(err), zap.String("user_id", userID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := newClient(hub, view.ID, userID, conn, logger)
		hub.Register(client)
		if data, err := json.Marshal(view); err == nil {
			client.enqueue(WSMessage{Event: eventWelcome, Data: data})
		}
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case EventSignalOffer, EventSignalAnswer, EventSignalICE:
			sig, err := parseSignal(msg.Event, msg.Data)
			if err != nil {
				c.reject(msg.Event, err)
				continue
			}
			sig.From = c.UserID
			ctx, cancel := context.WithTimeout(context.Background(), relayWait)
			c.hub.relay(ctx, c.SessionID, msg.Event, sig)
			cancel()
		default:
			// ignore
		}
	}
}

func (c *Client) reject(event string, err error) {
	data, _ := json.Marshal(map[string]string{"event": event, "error": err.Error()})
	c.enqueue(WSMessage{Event: eventError, Data: data})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is still buffered so a closing client sees the final events.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
