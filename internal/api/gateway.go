package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint for the real-time gateway.
type GatewayHandler struct {
	hub *gateway.Hub
	log zerolog.Logger
}

// NewGatewayHandler builds a GatewayHandler.
func NewGatewayHandler(hub *gateway.Hub, logger zerolog.Logger) *GatewayHandler {
	return &GatewayHandler{hub: hub, log: logger}
}

// Upgrade handles GET /gateway. Authentication runs before the WebSocket upgrade, taking the token from the
// Authorization header or, when unavailable (browser WebSocket clients cannot set custom headers), the ?token= query
// parameter.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		token = c.Query("token")
	}

	userID, err := h.hub.Authenticate(c, token)
	if err != nil {
		return fiber.ErrUnauthorized
	}

	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, userID)
	})(c)
}
