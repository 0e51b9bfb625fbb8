package hub

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/auth"
)

// Handler upgrades GET /v1/hub to a websocket after authenticating it.
type Handler struct {
	hub      *Hub
	secret   string
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(h *Hub, jwtSecret string, allowedOrigins []string, logger *zap.Logger) *Handler {
	origins := newOriginPolicy(allowedOrigins, logger)
	return &Handler{
		hub:    h,
		secret: jwtSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.allowed,
		},
		logger: logger,
	}
}

// ServeWS authenticates before upgrading: a bad token gets a plain 401 the
// client can tell apart from a network failure, and no socket is opened.
func (h *Handler) ServeWS(c *gin.Context) {
	token := auth.TokenFromRequest(c.Request)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token", "code": apperr.CodeAuth})
		return
	}
	claims, err := auth.ParseToken(token, h.secret)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token", "code": apperr.CodeAuth})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Info("websocket upgrade failed",
			zap.String("user_id", claims.UserID.String()),
			zap.String("origin", c.GetHeader("Origin")),
			zap.Error(err),
		)
		return
	}
	h.hub.Serve(ws, claims.UserID)
}

type originPolicy struct {
	allowAll bool
	origins  map[string]struct{}
	logger   *zap.Logger
}

func newOriginPolicy(origins []string, logger *zap.Logger) *originPolicy {
	p := &originPolicy{origins: make(map[string]struct{}), logger: logger}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case o == "*":
			p.allowAll = true
		default:
			n, ok := normalizeOrigin(o)
			if !ok {
				logger.Warn("ignoring invalid allowed origin", zap.String("origin", o))
				continue
			}
			p.origins[n] = struct{}{}
		}
	}
	return p
}

// allowed accepts requests without an Origin header: those come from native
// clients, not browsers, and carry their own bearer token.
func (p *originPolicy) allowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.allowAll {
		return true
	}
	n, ok := normalizeOrigin(origin)
	if ok {
		if _, ok := p.origins[n]; ok {
			return true
		}
	}
	p.logger.Info("blocked websocket from disallowed origin", zap.String("origin", origin))
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
