package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/relaychat/relaychat-server/internal/httputil"
)

// HealthHandler serves the health check endpoint, pinging each backing store the server depends on.
type HealthHandler struct {
	db    *pgxpool.Pool
	rdb   *redis.Client
	mongo *mongo.Client
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(db *pgxpool.Pool, rdb *redis.Client, mongoClient *mongo.Client) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb, mongo: mongoClient}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c, 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	rdbStatus := "ok"
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		rdbStatus = "unavailable"
	}

	mongoStatus := "ok"
	if err := h.mongo.Ping(ctx, readpref.Primary()); err != nil {
		mongoStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" || rdbStatus != "ok" || mongoStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
		"valkey":   rdbStatus,
		"mongo":    mongoStatus,
	})
}
