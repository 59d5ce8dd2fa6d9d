package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nekozawa/commchat/server/cache"
	"github.com/nekozawa/commchat/server/chat"
	"github.com/nekozawa/commchat/server/config"
	"github.com/nekozawa/commchat/server/live"
	mw "github.com/nekozawa/commchat/server/middleware"
	"go.uber.org/zap"
)

// Handler is the Gin handler for GET /ws.
type Handler struct {
	cache    cache.Cache
	sec      config.SecurityConfig
	hub      *live.Hub
	chatSvc  *chat.Service
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
	replay   int
}

// NewHandler creates a new WebSocket Handler.
// clientURL is the single origin accepted for upgrades; empty permits all
// origins (development only).
func NewHandler(
	c cache.Cache,
	sec config.SecurityConfig,
	clientURL string,
	hub *live.Hub,
	chatSvc *chat.Service,
	chatCfg config.ChatConfig,
	router *Router,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		cache:   c,
		sec:     sec,
		hub:     hub,
		chatSvc: chatSvc,
		router:  router,
		logger:  logger,
		replay:  chatCfg.HistoryReplay,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if clientURL == "" {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == clientURL
		},
	}
	h.registerHandlers()
	return h
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
		return
	}

	// Validate JWT.
	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}

	// Validate session cache.
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	exists, err := h.cache.Exists(ctx, "session:"+tokenStr)
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "session expired"})
		return
	}

	// Upgrade to WebSocket.
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	sess := live.NewSession(claims.UserID, claims.FullName, conn, h.logger)

	// Presence is announced when the client joins the community room, not on
	// raw connect.
	h.hub.Registry().Register(sess)

	// Read pump blocks until the connection closes.
	h.readPump(sess)
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(s *live.Session) {
	defer func() {
		h.handleDisconnect(s)
	}()

	s.Touch()
	s.Conn.SetPongHandler(func(string) error {
		s.Touch()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.String("user_id", s.UserID),
					zap.Error(err))
			}
			return
		}
		// Reset read deadline on any message (heartbeat or otherwise).
		s.Touch()
		h.router.Dispatch(s, raw)
	}
}

// handleDisconnect cleans up the session after the connection closes.
func (h *Handler) handleDisconnect(s *live.Session) {
	s.Close()
	remaining := h.hub.Registry().Unregister(s)
	h.logger.Info("user disconnected",
		zap.String("user_id", s.UserID),
		zap.Int("remaining", remaining))

	// Presence only changes when the last connection goes away.
	if remaining == 0 {
		h.hub.AnnouncePresence("userLeft", s.UserID, s.Username)
	}
}
