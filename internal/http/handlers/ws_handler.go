package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/auth"
	"github.com/stakearena/fairness-engine/internal/config"
	"github.com/stakearena/fairness-engine/internal/events"
)

// WSHub relays the settlement event stream to connected authorities, so
// game servers see deposits, settlements and proof verdicts live instead
// of polling.
type WSHub struct {
	cfg         *config.Config
	subscriber  events.Subscriber
	log         *zap.Logger
	mu          sync.RWMutex
	connections map[uuid.UUID][]*websocket.Conn
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		log:         log,
		connections: make(map[uuid.UUID][]*websocket.Conn),
	}
}

func (h *WSHub) Start(ctx context.Context) {
	_ = h.subscriber.Subscribe(ctx, events.Stream, func(event events.Event) {
		h.broadcast(event)
	})
}

func (h *WSHub) broadcast(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conns := range h.connections {
		for _, conn := range conns {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	authorityID := claims.AuthorityID

	h.mu.Lock()
	h.connections[authorityID] = append(h.connections[authorityID], conn)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		conns := h.connections[authorityID]
		for i, c := range conns {
			if c == conn {
				h.connections[authorityID] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(h.connections[authorityID]) == 0 {
			delete(h.connections, authorityID)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}
