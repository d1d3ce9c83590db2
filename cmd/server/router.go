package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flowiselabs/flowise-proxy-service/internal/auth"
	"github.com/flowiselabs/flowise-proxy-service/internal/chat"
	"github.com/flowiselabs/flowise-proxy-service/internal/chatflow"
	"github.com/flowiselabs/flowise-proxy-service/internal/config"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
	"github.com/flowiselabs/flowise-proxy-service/internal/metrics"
	"github.com/flowiselabs/flowise-proxy-service/internal/relay"
	"github.com/flowiselabs/flowise-proxy-service/internal/storage/mongo"
	"github.com/flowiselabs/flowise-proxy-service/internal/upload"
	"github.com/flowiselabs/flowise-proxy-service/internal/user"
)

type routeHandlers struct {
	auth        *auth.Handler
	authMW      *auth.Middleware
	users       *user.Handler
	chatflows   *chatflow.Handler
	chats       *chat.Handler
	uploads     *upload.Handler
	predictions *relay.Handler
}

func buildRouter(cfg *config.Config, log *logger.Logger, store *mongo.Store, m *metrics.Metrics, h routeHandlers) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware(cfg.CORSOrigin))

	router.GET("/health", healthHandler(store))
	router.GET("/metrics", m.Handler())

	api := router.Group("/api/v1")

	// Public: authenticate and refresh carry their own credentials.
	api.POST("/chat/authenticate", h.auth.Authenticate)
	api.POST("/chat/refresh", h.auth.Refresh)

	authed := api.Group("")
	authed.Use(h.authMW.RequireAuth())
	{
		authed.POST("/chat/revoke", h.auth.Revoke)
		authed.GET("/chat/credits", h.auth.Credits)

		authed.GET("/chatflows", h.chatflows.ListMine)
		authed.GET("/chatflows/:id", h.chatflows.GetOne)
		authed.GET("/chatflows/:id/config", h.chatflows.GetConfig)

		authed.POST("/chat/predict", h.predictions.Predict)
		authed.POST("/chat/predict/stream/store", h.predictions.PredictStream)

		authed.GET("/chat/sessions", h.chats.ListSessions)
		authed.GET("/chat/sessions/:session_id/history", h.chats.History)

		authed.GET("/chat/files/session/:session_id", h.uploads.ListSession)
		authed.GET("/chat/files/:file_id", h.uploads.Download)
		authed.GET("/chat/files/:file_id/thumbnail", h.uploads.Thumbnail)
	}

	admin := api.Group("/admin")
	admin.Use(h.authMW.RequireAuth(), auth.RequireRole(user.RoleAdmin))
	{
		admin.POST("/users/sync", h.users.Sync)
		admin.POST("/users/sync-by-email", h.users.SyncByEmail)
		admin.GET("/users/:user_id", h.users.Get)
		admin.DELETE("/users/:user_id", h.users.Deactivate)

		admin.POST("/chatflows/sync", h.chatflows.SyncNow)
		admin.GET("/chatflows", h.chatflows.ListAll)
		admin.GET("/chatflows/audit-users", h.chatflows.AuditUsers)
		admin.POST("/chatflows/cleanup-users", h.chatflows.CleanupUsers)
		admin.POST("/chatflows/:id/users", h.chatflows.AssignUsers)
		admin.GET("/chatflows/:id/users", h.chatflows.ListUsers)
		admin.DELETE("/chatflows/:id/users/:user_id", h.chatflows.RevokeUser)
	}

	return router
}

// requestIDMiddleware tags each request with an ID for log correlation and
// echoes it back to the client.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = logger.GenerateRequestID()
		}
		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func corsMiddleware(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func healthHandler(store *mongo.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
