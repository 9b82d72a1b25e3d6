package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relaychat/relaychat-server/internal/api"
	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/cleanup"
	"github.com/relaychat/relaychat-server/internal/config"
	"github.com/relaychat/relaychat-server/internal/conversation"
	"github.com/relaychat/relaychat-server/internal/email"
	"github.com/relaychat/relaychat-server/internal/gateway"
	"github.com/relaychat/relaychat-server/internal/httputil"
	"github.com/relaychat/relaychat-server/internal/message"
	"github.com/relaychat/relaychat-server/internal/pipeline"
	"github.com/relaychat/relaychat-server/internal/postgres"
	"github.com/relaychat/relaychat-server/internal/presence"
	"github.com/relaychat/relaychat-server/internal/receipt"
	"github.com/relaychat/relaychat-server/internal/search"
	"github.com/relaychat/relaychat-server/internal/user"
	"github.com/relaychat/relaychat-server/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting RelayChat Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	mongoClient, mongoDB, err := connectMongo(ctx, cfg.MongoURL, cfg.MongoDB)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("mongo disconnect")
		}
	}()
	log.Info().Msg("MongoDB connected")

	userRepo := user.NewPGRepository(db, log.Logger)
	conversationRepo := conversation.NewPGRepository(db, log.Logger)
	messageRepo := message.NewMongoRepository(mongoDB, log.Logger)

	blocklist := auth.NewBlocklist(rdb)
	tokens := auth.NewTokenService(cfg.TokenSecret, cfg.TokenIssuer, cfg.TokenAudience, cfg.TokenTTL, cfg.TokenAllowLegacyMode, blocklist)

	var sender auth.Sender
	if cfg.SMTPConfigured() {
		sender = email.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom, cfg.EmailSendTimeout)
	} else {
		log.Warn().Msg("SMTP not configured, password reset emails will be skipped")
	}

	authService, err := auth.NewService(userRepo, tokens, rdb, auth.Params{
		Argon2Memory:      cfg.Argon2Memory,
		Argon2Iterations:  cfg.Argon2Iterations,
		Argon2Parallelism: cfg.Argon2Parallelism,
		Argon2SaltLength:  cfg.Argon2SaltLength,
		Argon2KeyLength:   cfg.Argon2KeyLength,
		ResetTokenTTL:     cfg.ResetTokenTTL,
		ResetRateWindow:   cfg.ResetRateWindow,
		ResetRateLimit:    cfg.ResetRateLimit,
		ServerURL:         cfg.ServerURL,
		ServerName:        cfg.ServerName,
		IsDevelopment:     cfg.IsDevelopment(),
	}, sender, log.Logger)
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}

	conversationService := conversation.NewService(conversationRepo, userRepo)
	receiptService := receipt.NewService(messageRepo, conversationService, log.Logger)
	searchService := search.NewService(conversationService, messageRepo, log.Logger)

	presenceStore := presence.NewStore(rdb)
	connmgr := gateway.NewConnectionManager(rdb, presenceStore, cfg.GatewayConnectionBindingTTL)
	publisher := gateway.NewPublisher(rdb, log.Logger)

	pipe := pipeline.New(cfg.PipelineQueueCapacity, messageRepo, conversationRepo, publisher, log.Logger)

	hub := gateway.New(cfg, cfg.InstanceID, rdb, connmgr, presenceStore, publisher, tokens, userRepo,
		conversationService, conversationRepo, receiptService, pipe, log.Logger)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	go func() {
		if err := pipe.Run(subCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("message pipeline stopped")
		}
	}()
	go runWithBackoff(subCtx, "gateway-hub", hub.Run)

	reconciler := cleanup.NewReconciler(conversationRepo, messageRepo, cfg.RetentionWindow(), log.Logger)
	go func() {
		if err := reconciler.Run(subCtx, cfg.CleanupSchedule); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("cleanup reconciler stopped")
		}
	}()

	app := fiber.New(fiber.Config{
		AppName: "RelayChat",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := "unknown"
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
				message = fe.Message
				code = fiberStatusToCode(fe.Code)
			} else {
				log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: code, Message: message},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	api.RegisterRoutes(app, api.Dependencies{
		Config:        cfg,
		DB:            db,
		Redis:         rdb,
		Mongo:         mongoClient,
		Tokens:        tokens,
		AuthService:   authService,
		Conversations: conversationService,
		Messages:      messageRepo,
		Search:        searchService,
		Gateway:       hub,
		Logger:        log.Logger,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		subCancel()
		pipe.Shutdown(context.Background(), cfg.PipelineDrainDeadline)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// connectMongo dials MongoDB and returns both the client (for health checks and clean shutdown) and the configured
// database handle the Message Store Adapter persists into.
func connectMongo(ctx context.Context, uri, database string) (*mongo.Client, *mongo.Database, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	return client, client.Database(database), nil
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled
// error. If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on each
// consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

// fiberStatusToCode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest apperr
// kind string.
func fiberStatusToCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "validation"
	case fiber.StatusTooManyRequests:
		return "rate_limited"
	case fiber.StatusServiceUnavailable:
		return "transient"
	default:
		if status >= 400 && status < 500 {
			return "validation"
		}
		return "unknown"
	}
}
