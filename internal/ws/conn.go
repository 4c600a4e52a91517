package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 1024
)

// Server upgrades HTTP requests into hub-registered realtime connections.
type Server struct {
	logger   *zap.Logger
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewServer(logger *zap.Logger, hub *Hub) *Server {
	return &Server{
		logger: logger,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// subscribeRequest is the inbound control frame. "orders" subscribes to the
// connection's own account feed; "ticker:<instrument>" to an instrument.
type subscribeRequest struct {
	Type   string   `json:"type"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

type subscribeReply struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// ServeWS upgrades the request and runs the connection until it drops.
// accountID comes from the identity collaborator and is trusted as-is.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request, accountID uuid.UUID) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), accountID, s.hub.queueSize)
	s.hub.Register(client)

	go s.writePump(client, conn)
	go s.readPump(client, conn)
}

// readPump consumes subscription frames until the connection closes, then
// tears the subscription down atomically.
func (s *Server) readPump(c *Client, conn *websocket.Conn) {
	defer func() {
		s.hub.Remove(c)
		conn.Close()
	}()
	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			s.logger.Debug("invalid subscription frame",
				zap.String("client_id", c.id), zap.Error(err))
			continue
		}

		accepted := make([]string, 0, len(req.Topics))
		for _, topic := range req.Topics {
			resolved, ok := s.resolveTopic(c, topic)
			if !ok {
				continue
			}
			switch req.Type {
			case "subscribe":
				s.hub.Subscribe(c, resolved)
			case "unsubscribe":
				s.hub.Unsubscribe(c, resolved)
			default:
				continue
			}
			accepted = append(accepted, resolved)
		}
		if len(accepted) > 0 {
			if data, err := json.Marshal(subscribeReply{Type: req.Type + "_ok", Topics: accepted}); err == nil {
				c.enqueue(data)
			}
		}
	}
}

// resolveTopic maps a requested topic to its canonical name, refusing order
// feeds that belong to another account.
func (s *Server) resolveTopic(c *Client, topic string) (string, bool) {
	if topic == "orders" {
		return OrdersTopic(c.accountID), true
	}
	if strings.HasPrefix(topic, ordersTopicPrefix) {
		if topic != OrdersTopic(c.accountID) {
			s.logger.Warn("refused cross-account order subscription",
				zap.String("client_id", c.id), zap.String("topic", topic))
			return "", false
		}
		return topic, true
	}
	return topic, true
}

// writePump drains the client queue onto the socket and keeps the
// connection alive with pings. Sole writer for the connection.
func (s *Server) writePump(c *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.notify:
			for {
				data, ok := c.TryNext()
				if !ok {
					break
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
			if c.Closed() {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
		}
	}
}
