package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowiselabs/flowise-proxy-service/internal/accounting"
	"github.com/flowiselabs/flowise-proxy-service/internal/auth"
	"github.com/flowiselabs/flowise-proxy-service/internal/chat"
	"github.com/flowiselabs/flowise-proxy-service/internal/chatflow"
	"github.com/flowiselabs/flowise-proxy-service/internal/config"
	"github.com/flowiselabs/flowise-proxy-service/internal/flowise"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
	"github.com/flowiselabs/flowise-proxy-service/internal/metrics"
	"github.com/flowiselabs/flowise-proxy-service/internal/relay"
	"github.com/flowiselabs/flowise-proxy-service/internal/storage/mongo"
	"github.com/flowiselabs/flowise-proxy-service/internal/upload"
	"github.com/flowiselabs/flowise-proxy-service/internal/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting flowise-proxy-service",
		slog.String("addr", cfg.Addr()),
		slog.Bool("debug", cfg.Debug))

	ctx := context.Background()
	store, err := mongo.Connect(ctx, cfg.MongoURL, cfg.MongoDatabase)
	if err != nil {
		log.Error("failed to connect to document store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	upstream := flowise.NewClient(cfg.FlowiseAPIURL, cfg.FlowiseAPIKey, flowise.TransportConfig{
		MaxIdleConns:        cfg.UpstreamMaxIdleConns,
		MaxIdleConnsPerHost: cfg.UpstreamMaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.UpstreamMaxConnsPerHost,
		ConnectTimeout:      cfg.UpstreamConnectTimeout,
	})

	userSvc := user.NewService(store.Users, cfg.ExternalAuthURL, log)

	chatflowSvc := chatflow.NewService(store.Chatflows, store.UserChatflows, upstream,
		&principalDirectory{users: userSvc}, log)
	stopSync := chatflowSvc.StartPeriodicSync(time.Duration(cfg.ChatflowSyncIntervalMinutes) * time.Minute)

	acctSvc := accounting.NewService(accounting.Config{
		RemoteURL:      cfg.AccountingServiceURL,
		WorkerPoolSize: cfg.TransactionWorkerPoolSize,
		BufferSize:     cfg.TransactionBufferSize,
		OpTimeout:      time.Duration(cfg.TransactionTimeoutSeconds) * time.Second,
	}, userSvc, store.Transactions, log)

	uploadSvc := upload.NewService(store.FileUploads, store.Bucket, cfg.MaxUploadSizeBytes, log)
	chatSvc := chat.NewService(store.ChatSessions, store.ChatMessages, uploadSvc, log)

	m := metrics.New()
	relaySvc := relay.NewService(chatflowSvc, acctSvc, uploadSvc, chatSvc, upstream, m, relay.Config{
		MaxStreamDuration: cfg.MaxStreamingDuration,
		IdleTimeout:       cfg.UpstreamIdleTimeout,
	}, log)

	tokenSvc := auth.NewTokenService(cfg.JWTSecretKey, time.Duration(cfg.JWTExpirationHours)*time.Hour)
	refreshSvc := auth.NewRefreshService(store.RefreshTokens, time.Duration(cfg.RefreshTokenExpireDays)*24*time.Hour, log)

	router := buildRouter(cfg, log, store, m, routeHandlers{
		auth:       auth.NewHandler(userSvc, tokenSvc, refreshSvc, log),
		authMW:     auth.NewMiddleware(tokenSvc),
		users:      user.NewHandler(userSvc, log),
		chatflows:  chatflow.NewHandler(chatflowSvc, log),
		chats:      chat.NewHandler(chatSvc, log),
		uploads:    upload.NewHandler(uploadSvc, log),
		predictions: relay.NewHandler(relaySvc, log),
	})

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()
	log.Info("server listening", slog.String("addr", cfg.Addr()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", slog.String("error", err.Error()))
	}

	stopSync()
	acctSvc.Shutdown()

	if err := store.Disconnect(shutdownCtx); err != nil {
		log.Error("document store disconnect failed", slog.String("error", err.Error()))
	}
	log.Info("shutdown complete")
}

// principalDirectory adapts the user service to the registry's assignment
// lookup surface.
type principalDirectory struct {
	users *user.Service
}

func (d *principalDirectory) GetByEmail(ctx context.Context, email string) (*chatflow.Lookup, error) {
	p, err := d.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return &chatflow.Lookup{UserID: p.UserID, Email: p.Email, IsActive: p.IsActive}, nil
}

func (d *principalDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	return d.users.Exists(ctx, userID)
}
