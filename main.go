package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	apirest "github.com/nekozawa/commchat/server/api/rest"
	"github.com/nekozawa/commchat/server/api/sse"
	apows "github.com/nekozawa/commchat/server/api/ws"
	"github.com/nekozawa/commchat/server/audit"
	"github.com/nekozawa/commchat/server/cache"
	"github.com/nekozawa/commchat/server/chat"
	"github.com/nekozawa/commchat/server/config"
	dbadapter "github.com/nekozawa/commchat/server/db"
	"github.com/nekozawa/commchat/server/imagesink"
	"github.com/nekozawa/commchat/server/live"
	mw "github.com/nekozawa/commchat/server/middleware"
	"github.com/nekozawa/commchat/server/model"
	"github.com/nekozawa/commchat/server/scheduler"
	"github.com/nekozawa/commchat/server/social"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Development() {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	if cfg.Security.JWTSecret == "" {
		log.Fatal("security.jwt_secret (JWT_SECRET) must be set")
	}
	// Warn loudly if admin endpoints will be disabled.
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized")

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Cache / PubSub ----
	cacheConfig := cache.Config{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.New(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Image sink ----
	sink, err := imagesink.New(cfg.Image, logger)
	if err != nil {
		log.Fatalf("image sink: %v", err)
	}

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()

	// ---- Services ----
	socialSvc := social.New(db, logger)
	chatSvc := chat.New(db, c, sink, socialSvc, cfg.Chat, logger)

	// ---- Live fabric ----
	registry := live.NewRegistry(logger)
	hub := live.NewHub(registry, pubsub, logger)

	// ---- Periodic Scheduler Tasks ----
	sched.AddTicker("presence_sweep", 5*time.Minute, func() {
		if n := registry.SweepIdle(10 * time.Minute); n > 0 {
			logger.Info("swept idle connections", zap.Int("closed", n))
		}
	})
	sched.AddTicker("online_gauge", time.Minute, func() {
		logger.Debug("online gauge",
			zap.Int("users", registry.OnlineCount()),
			zap.Int("connections", registry.ConnCount()))
	})

	// ---- WS Router ----
	wsRouter := apows.NewRouter(logger)
	wsH := apows.NewHandler(c, cfg.Security, cfg.Server.ClientURL, hub, chatSvc, cfg.Chat, wsRouter, logger)

	// ---- Gin HTTP Server ----
	if !cfg.Server.Development() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = 10 << 20
	// Body cap: the image limit plus headroom for multipart framing and the
	// text fields.
	r.Use(mw.BodyLimit(chat.MaxImageBytes + 64<<10))
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))
	if cfg.Server.ClientURL != "" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{cfg.Server.ClientURL},
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes ----
	respond := apirest.NewResponder(cfg.Server.Development(), logger)
	authH := apirest.NewAuthHandler(db, c, cfg.Security, respond)
	friendsH := apirest.NewFriendsHandler(socialSvc, auditSvc, respond)
	messagesH := apirest.NewMessagesHandler(chatSvc, hub, auditSvc, respond)
	adminH := apirest.NewAdminHandler(hub, sched, auditSvc, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/register", authH.Register)
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(cfg.Security, c), authH.Logout)

		authed := api.Group("", mw.Auth(cfg.Security, c))

		friendsG := authed.Group("/friends")
		friendsG.POST("/send", friendsH.Send)
		friendsG.GET("/requests", friendsH.ListIncoming)
		friendsG.GET("/getbyid", friendsH.GetByID)
		friendsG.PUT("/accept", friendsH.Accept)
		friendsG.PUT("/decline", friendsH.Decline)
		friendsG.POST("/remove", friendsH.Remove)
		friendsG.POST("/block", friendsH.Block)
		friendsG.GET("/list", friendsH.ListFriends)
		friendsG.GET("/blocked", friendsH.ListBlocked)

		messagesG := authed.Group("/messages")
		messagesG.POST("/community", messagesH.PostCommunity)
		messagesG.GET("/community", messagesH.ListCommunity)
		messagesG.GET("/community/recent", messagesH.ListCommunityRecent)
		messagesG.DELETE("/community/:id", messagesH.DeleteCommunity)
		messagesG.POST("/private", messagesH.PostPrivate)
		messagesG.GET("/private", messagesH.ListPrivate)

		adminG := api.Group("/admin")
		adminG.Use(mw.IPAllowlist(cfg.Security.AdminAllowedIPs))
		adminG.Use(apirest.AdminAuth(cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/online", adminH.ListOnline)
		adminG.POST("/kick/:id", adminH.Kick)
	}

	// ---- WebSocket ----
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE fallback ----
	sseH := sse.NewHandler(pubsub, c, cfg.Security, logger)
	r.GET("/events", sseH.ServeSSE)

	// ---- Local image hosting ----
	if ls, ok := sink.(*imagesink.LocalSink); ok {
		r.Static(cfg.Image.PublicBase, ls.Dir())
		logger.Info("Serving local uploads",
			zap.String("base", cfg.Image.PublicBase),
			zap.String("dir", ls.Dir()))
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logger.Info("Server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	registry.CloseAll()
}
