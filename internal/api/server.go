// Package api wires the service layer to HTTP: route registration, request/response shaping, and per-handler
// error-to-apperr translation.
package api

import (
	"time"

	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/gofiber/fiber/v3"

	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/config"
	"github.com/relaychat/relaychat-server/internal/conversation"
	"github.com/relaychat/relaychat-server/internal/gateway"
	"github.com/relaychat/relaychat-server/internal/message"
	"github.com/relaychat/relaychat-server/internal/search"
)

// Dependencies groups every handler's collaborators, assembled once at startup.
type Dependencies struct {
	Config        *config.Config
	DB            *pgxpool.Pool
	Redis         *redis.Client
	Mongo         *mongo.Client
	Tokens        *auth.TokenService
	AuthService   *auth.Service
	Conversations *conversation.Service
	Messages      message.Repository
	Search        *search.Service
	Gateway       *gateway.Hub
	Logger        zerolog.Logger
}

// RegisterRoutes wires every handler onto app. Token validation runs before routing on every route below the
// requireAuth group, per spec §6.
func RegisterRoutes(app *fiber.App, deps Dependencies) {
	requireAuth := auth.RequireAuth(deps.Tokens)

	health := NewHealthHandler(deps.DB, deps.Redis, deps.Mongo)
	app.Get("/health", health.Health)

	authHandler := NewAuthHandler(deps.AuthService, deps.Logger)
	authGroup := app.Group("/auth")
	authGroup.Use(limiter.New(limiter.Config{
		Max:        deps.Config.RateLimitAuthCount,
		Expiration: time.Duration(deps.Config.RateLimitAuthWindowSeconds) * time.Second,
	}))
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)
	authGroup.Post("/forgot-password", authHandler.ForgotPassword)
	authGroup.Post("/reset-password", authHandler.ResetPassword)
	authGroup.Post("/logout", requireAuth, authHandler.Logout)
	authGroup.Get("/me", requireAuth, authHandler.Me)

	conversationHandler := NewConversationHandler(deps.Conversations, deps.Messages, deps.Logger)
	conversationGroup := app.Group("/conversations", requireAuth)
	conversationGroup.Get("/", conversationHandler.List)
	conversationGroup.Post("/direct/:otherUserId", conversationHandler.CreateDirect)
	conversationGroup.Post("/group", conversationHandler.CreateGroup)
	conversationGroup.Patch("/:id", conversationHandler.UpdateSettings)
	conversationGroup.Delete("/:id", conversationHandler.Delete)

	messageHandler := NewMessageHandler(deps.Conversations, deps.Messages, deps.Logger)
	conversationGroup.Get("/:id/messages", messageHandler.List)

	searchHandler := NewSearchHandler(deps.Search, deps.Logger)
	conversationGroup.Get("/:id/search", searchHandler.Search)
	conversationGroup.Get("/:id/messages/:messageId/context", searchHandler.Context)

	gatewayHandler := NewGatewayHandler(deps.Gateway, deps.Logger)
	app.Get("/gateway", limiter.New(limiter.Config{
		Max:        deps.Config.RateLimitWSCount,
		Expiration: time.Duration(deps.Config.RateLimitWSWindowSeconds) * time.Second,
	}), gatewayHandler.Upgrade)

	// Catch-all: Fiber v3 treats app.Use() middleware as a route match, so without a terminal handler an unmatched
	// request is considered "handled" and returns the default 200 with an empty body.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}
