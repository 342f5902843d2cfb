package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/carbridge/internal/api/cardata"
	"github.com/langchou/carbridge/internal/api/handlers"
	"github.com/langchou/carbridge/internal/config"
	"github.com/langchou/carbridge/internal/flatten"
	"github.com/langchou/carbridge/internal/metrics"
	"github.com/langchou/carbridge/internal/repository"
	"github.com/langchou/carbridge/internal/service"
	"github.com/langchou/carbridge/internal/session"
	"github.com/langchou/carbridge/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting carbridge",
		zap.String("port", cfg.ServerPort),
		zap.String("store", cfg.StoreBackend),
		zap.Strings("brands", cfg.Brands))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 打开状态存储
	store, err := repository.Open(ctx, logger, repository.Options{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
		RedisPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}
	defer store.Close()

	// 描述目录
	catalog := flatten.DefaultCatalog()
	if cfg.DescriptionsFile != "" {
		catalog, err = flatten.LoadCatalog(cfg.DescriptionsFile)
		if err != nil {
			logger.Fatal("Failed to load descriptions", zap.Error(err), zap.String("file", cfg.DescriptionsFile))
		}
	}
	flattener := flatten.New(logger, store, catalog)

	// 指标
	m := metrics.New()
	registry := prometheus.NewRegistry()
	if err := m.Register(registry); err != nil {
		logger.Fatal("Failed to register metrics", zap.Error(err))
	}

	// 会话：主账号 + 可选副驾驶
	sessions := []*session.Manager{
		newSession(cfg, logger, store, "main", cfg.Username, cfg.Password, true),
	}
	if cfg.HasCoDriver() {
		sessions = append(sessions, newSession(cfg, logger, store, "codriver", cfg.CoDriverUsername, cfg.CoDriverPassword, false))
	}

	accounts := make([]service.Account, 0, len(sessions))
	authSessions := make([]handlers.AuthSession, 0, len(sessions))
	for _, sess := range sessions {
		sess := sess // per-iteration copy (go 1.21 loop semantics)
		sess.OnRotate(func(session.Credential) {
			m.SessionRotated(sess.Name())
		})
		accounts = append(accounts, service.Account{
			Session: sess,
			Client:  cardata.NewClient(cfg.APIHost, sess),
		})
		authSessions = append(authSessions, sess)
	}

	// 桥接服务
	bridge := service.NewBridgeService(service.Config{
		Brands:              cfg.Brands,
		PollInterval:        cfg.PollInterval,
		CallDelay:           cfg.CallDelay,
		DailyInterval:       cfg.DailyInterval,
		QuotaLimit:          cfg.QuotaLimit,
		RateLimitBackoff:    cfg.RateLimitBackoff,
		RateLimitBackoffLow: cfg.RateLimitBackoffLow,
	}, logger, store, flattener, accounts, service.WithMetrics(m))

	// 首次拿到令牌后立即轮询，不等下一个周期
	for _, sess := range sessions {
		var once sync.Once
		sess.OnRotate(func(session.Credential) {
			once.Do(bridge.TriggerRefresh)
		})
	}

	// 推送连接只用主账号
	if cfg.StreamEnabled {
		primary := sessions[0]
		stream := cardata.NewStreamingClient(logger, cardata.StreamConfig{
			Broker:      cfg.StreamBroker,
			TopicPrefix: cfg.StreamTopicPrefix,
		}, func() (string, string, error) {
			cred, ok := primary.Credential()
			if !ok {
				return "", "", session.ErrNotAuthenticated
			}
			return cred.GCID, cred.StreamToken(), nil
		})
		bridge.AttachStream(primary.Name(), stream, primary)
	}

	// 设备码登录会等待用户授权，不阻塞 HTTP 服务启动
	for _, sess := range sessions {
		sess := sess // per-iteration copy (go 1.21 loop semantics)
		go func() {
			if err := sess.Start(ctx); err != nil {
				logger.Error("Session start failed", zap.String("identity", sess.Name()), zap.Error(err))
			}
		}()
	}

	if err := bridge.Start(ctx); err != nil {
		logger.Fatal("Failed to start bridge service", zap.Error(err))
	}

	// 创建 WebSocket Hub，状态变更实时推送
	wsHub := ws.NewHub(logger)
	wsHub.SetInitDataProvider(func() *ws.InitData {
		nodes, err := store.List(ctx, "")
		if err != nil {
			logger.Warn("Failed to snapshot state tree", zap.Error(err))
		}
		return &ws.InitData{Vehicles: bridge.Vehicles().List(), Nodes: nodes}
	})
	go wsHub.Run()
	unsubscribe := store.Subscribe(wsHub.BroadcastChange)

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, store, bridge.Vehicles(), authSessions, registry, wsHub)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// 先取消 context 中止进行中的调用，再停止服务，清理所有定时器和推送连接
	cancel()
	bridge.Stop()
	for _, sess := range sessions {
		sess.Stop()
	}
	unsubscribe()
	wsHub.Stop()

	logger.Info("Server exited")
}

// newSession 按配置创建一个身份的会话
func newSession(cfg *config.Config, logger *zap.Logger, store repository.StateStore, name, username, password string, trackConnection bool) *session.Manager {
	return session.NewManager(session.Config{
		Name:            name,
		Mode:            cfg.AuthMode,
		Username:        username,
		Password:        password,
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		AuthURL:         cfg.AuthURL,
		TokenURL:        cfg.TokenURL,
		DeviceURL:       cfg.DeviceURL,
		RedirectURI:     cfg.RedirectURI,
		Scopes:          cfg.Scopes,
		ReloginCooldown: cfg.ReloginCooldown,
		LoginRetryDelay: cfg.LoginRetryDelay,
		TrackConnection: trackConnection,
	}, logger, store)
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
