package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/middleware"
)

// RouterConfig carries everything the HTTP surface is built from.
type RouterConfig struct {
	JWTSecret string
	Channels  *ChannelHandler
	Messages  *MessageHandler
	Users     *UserHandler
	// Hub serves GET /v1/hub. It authenticates on its own because browsers
	// pass the token in the query string.
	Hub gin.HandlerFunc
	// Health reports storage reachability for GET /v1/health. nil means
	// always healthy.
	Health   func(ctx context.Context) error
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(cfg.Logger))

	// Health and metrics are public: load balancers and scrapers carry no
	// token.
	r.GET("/v1/health", func(c *gin.Context) {
		if cfg.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	if cfg.Hub != nil {
		r.GET("/v1/hub", cfg.Hub)
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	v1.GET("/users/me", cfg.Users.GetMe)

	v1.POST("/channel/private", cfg.Channels.OpenPrivate)
	v1.GET("/channel/:id", cfg.Channels.Get)
	v1.POST("/channel/:id/read", cfg.Channels.MarkRead)
	v1.GET("/channel/:id/unread", cfg.Channels.Unread)
	v1.GET("/channel/:id/online", cfg.Channels.Online)

	v1.POST("/message", cfg.Messages.Create)
	v1.POST("/message/:id/reaction", cfg.Messages.AddReaction)
	v1.DELETE("/message/:id/reaction/:emoji", cfg.Messages.RemoveReaction)

	return r
}
