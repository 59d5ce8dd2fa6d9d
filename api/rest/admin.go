package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nekozawa/commchat/server/audit"
	"github.com/nekozawa/commchat/server/live"
	mw "github.com/nekozawa/commchat/server/middleware"
	"github.com/nekozawa/commchat/server/scheduler"
	"go.uber.org/zap"
)

// AdminAuth gates the admin group behind a shared key. An empty configured
// key disables the endpoints entirely.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" || c.GetHeader("X-Admin-Key") != adminKey {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "forbidden"})
			return
		}
		c.Next()
	}
}

// AdminHandler handles operational endpoints.
type AdminHandler struct {
	hub    *live.Hub
	sched  *scheduler.Scheduler
	audit  *audit.Service
	start  time.Time
	logger *zap.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(hub *live.Hub, sched *scheduler.Scheduler, aud *audit.Service, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{hub: hub, sched: sched, audit: aud, start: time.Now(), logger: logger}
}

// Metrics handles GET /api/admin/metrics.
func (h *AdminHandler) Metrics(c *gin.Context) {
	reg := h.hub.Registry()
	c.JSON(http.StatusOK, gin.H{
		"online_users":    reg.OnlineCount(),
		"connections":     reg.ConnCount(),
		"scheduler_tasks": h.sched.ListTickers(),
		"uptime_s":        int(time.Since(h.start).Seconds()),
	})
}

// ListOnline handles GET /api/admin/online.
func (h *AdminHandler) ListOnline(c *gin.Context) {
	type connView struct {
		ConnID   string    `json:"connId"`
		UserID   string    `json:"userId"`
		Username string    `json:"username"`
		LastSeen time.Time `json:"lastSeen"`
	}
	sessions := h.hub.Registry().All()
	out := make([]connView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, connView{
			ConnID:   s.ConnID,
			UserID:   s.UserID,
			Username: s.Username,
			LastSeen: s.LastSeen(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"connections": out})
}

// Kick handles POST /api/admin/kick/:id. Closes every live connection the
// user holds; the read loops take care of unregistering.
func (h *AdminHandler) Kick(c *gin.Context) {
	userID := c.Param("id")
	sessions := h.hub.Registry().ConnectionsOf(userID)
	for _, s := range sessions {
		s.Close()
	}
	h.audit.Log(audit.Entry{
		TraceID: mw.GetTraceID(c),
		Action:  "admin.kick",
		Request: gin.H{"userId": userID},
		IP:      c.ClientIP(),
	})
	h.logger.Info("user kicked",
		zap.String("user_id", userID),
		zap.Int("connections", len(sessions)))
	c.JSON(http.StatusOK, gin.H{"message": "kicked", "connections": len(sessions)})
}
