package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/access"
	"github.com/lalith-99/huddle/internal/api"
	"github.com/lalith-99/huddle/internal/config"
	"github.com/lalith-99/huddle/internal/db"
	"github.com/lalith-99/huddle/internal/hub"
	"github.com/lalith-99/huddle/internal/messaging"
	"github.com/lalith-99/huddle/internal/observ"
	"github.com/lalith-99/huddle/internal/repository"
	"github.com/lalith-99/huddle/internal/repository/memory"
	"github.com/lalith-99/huddle/internal/repository/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// stores is the storage backend picked by STORAGE_DRIVER.
type stores struct {
	channels    repository.ChannelRepository
	communities repository.CommunityRepository
	users       repository.UserRepository
	messages    repository.MessageRepository
	health      func(ctx context.Context) error
	close       func()
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Config and logger
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observ.NewMetrics(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 2. Storage
	// ---------------------------------------------------------------
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	// ---------------------------------------------------------------
	// 3. Domain: guard → messaging service → hub
	// ---------------------------------------------------------------
	guard := access.NewGuard(st.channels, st.communities)
	svc := messaging.NewService(st.channels, st.users, st.messages, guard, metrics, logger)

	var backplane hub.Backplane
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		backplane = hub.NewRedisBackplane(rdb, hub.DefaultBackplaneTopic, logger)
		logger.Info("redis backplane enabled", zap.String("topic", hub.DefaultBackplaneTopic))
	}

	h := hub.New(guard, svc, backplane, hub.Options{
		SendBuffer:      cfg.Hub.SendBuffer,
		MaxMessageBytes: cfg.Hub.MaxMessageBytes,
		InvokeTimeout:   cfg.Hub.InvokeTimeout,
		RateRPS:         cfg.Hub.RateRPS,
		RateBurst:       cfg.Hub.RateBurst,
	}, metrics, logger)
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	// ---------------------------------------------------------------
	// 4. HTTP surface
	// ---------------------------------------------------------------
	router := api.NewRouter(api.RouterConfig{
		JWTSecret: cfg.JWTSecret,
		Channels:  api.NewChannelHandler(svc, guard, h, logger),
		Messages:  api.NewMessageHandler(h, svc, logger),
		Users:     api.NewUserHandler(st.users, logger),
		Hub:       hub.NewHandler(h, cfg.JWTSecret, cfg.AllowedOrigins, logger).ServeWS,
		Health:    st.health,
		Gatherer:  reg,
		Logger:    logger,
	})

	// No read/write timeouts: they would apply to hijacked websockets too,
	// which manage their own deadlines.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting huddle",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("storage", cfg.StorageDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	// ---------------------------------------------------------------
	// 5. Graceful shutdown: sockets first so clients start reconnecting
	//    elsewhere, then the HTTP server.
	// ---------------------------------------------------------------
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Warn("hub shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.StorageDriver == "memory" {
		store := memory.New()
		if cfg.Env != "production" {
			if err := seedDemo(store, cfg.JWTSecret, logger); err != nil {
				return nil, fmt.Errorf("seed demo data: %w", err)
			}
		}
		logger.Warn("using in-memory storage; nothing survives a restart")
		return &stores{
			channels:    store.Channels(),
			communities: store.Communities(),
			users:       store.Users(),
			messages:    store.Messages(),
			close:       func() {},
		}, nil
	}

	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	pool := database.Pool()
	return &stores{
		channels:    postgres.NewChannelStore(pool),
		communities: postgres.NewCommunityStore(pool),
		users:       postgres.NewUserStore(pool),
		messages:    postgres.NewMessageStore(pool),
		health:      database.Health,
		close:       database.Close,
	}, nil
}
