package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"stockpilot/internal/auth"
	"stockpilot/internal/broker"
	"stockpilot/internal/config"
	cronrunner "stockpilot/internal/cron"
	"stockpilot/internal/db"
	"stockpilot/internal/engine"
	"stockpilot/internal/handler"
	"stockpilot/internal/logger"
	"stockpilot/internal/models"
	"stockpilot/internal/notify"
	"stockpilot/internal/quote"
	gormrepository "stockpilot/internal/repository/gorm"
)

func main() {
	cfgPath := os.Getenv("SP_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("SP_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	brokerHTTP := &http.Client{Timeout: cfg.Broker.Timeout}
	brokerClient := broker.NewClient(brokerHTTP, cfg.Broker.BaseURL)
	quoteHTTP := &http.Client{Timeout: cfg.Quotes.Timeout}
	quoteClient := quote.NewClient(quoteHTTP, cfg.Quotes.BaseURL, cfg.Quotes.Region)
	store := gormrepository.New(dbConn.Gorm)

	var sinks notify.Multi
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, &notify.Webhook{
			URL:    cfg.Notify.WebhookURL,
			Token:  cfg.Notify.WebhookToken,
			HTTP:   &http.Client{Timeout: cfg.Notify.Timeout},
			Logger: logger,
		})
	}
	if cfg.Notify.Email.Enabled {
		sinks = append(sinks, &notify.Email{
			Settings: models.EmailSettings{
				Enabled:  true,
				Host:     cfg.Notify.Email.Host,
				Port:     cfg.Notify.Email.Port,
				Username: cfg.Notify.Email.Username,
				Password: cfg.Notify.Email.Password,
				ToEmail:  cfg.Notify.Email.ToEmail,
			},
			Logger: logger,
		})
	}

	tradeEngine := &engine.Engine{
		Repo:     store,
		Broker:   brokerClient,
		Quotes:   quoteClient,
		Notifier: sinks,
		Logger:   logger,
		Clock:    engine.SystemClock(),
		Config: engine.Config{
			TokenTTL:            cfg.Engine.TokenTTL,
			AccountTTL:          cfg.Engine.AccountTTL,
			SellAllBeforeClose:  cfg.Engine.SellAllBeforeClose,
			OverrideMarketClose: cfg.Engine.OverrideMarketClose,
			ManuallySellAll:     cfg.Engine.ManuallySellAll,
			ExtendedHours:       cfg.Engine.ExtendedHours,
			DebugTicks:          cfg.Engine.DebugTicks,
			MarketMIC:           cfg.Broker.MarketMIC,
			StartupPoll:         cfg.Scheduler.StartupPoll,
			CredentialKey:       cfg.Auth.CredentialKey,
		},
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	jwt := auth.JWT{Secret: []byte(cfg.Auth.JWTSecret), TokenTTL: cfg.Auth.TokenTTL}
	mw := handler.Middleware{JWT: jwt}

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(router)
	authHandler := &handler.AuthHandler{Repo: store, JWT: jwt}
	authHandler.Register(router, mw)

	api := router.Group("/api/v1", mw.RequireUser())
	(&handler.RuleHandler{Repo: store}).Register(api)
	(&handler.PatternHandler{Repo: store}).Register(api)
	(&handler.TradeHandler{Repo: store}).Register(api)

	admin := router.Group("/api/v1", mw.RequireUser(), mw.RequireAdmin())
	(&handler.UserHandler{Repo: store, CredentialKey: cfg.Auth.CredentialKey}).Register(admin)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tradeEngine.RefreshMarketHours(ctx); err != nil {
		logger.Warn("initial market hours fetch failed", zap.Error(err))
	}
	for _, frequency := range []string{models.FrequencyFast, models.FrequencySlow} {
		if err := tradeEngine.Refresh(ctx, frequency); err != nil {
			logger.Warn("initial refresh failed", zap.String("frequency", frequency), zap.Error(err))
		}
	}

	cronRunner := cronrunner.New(logger, ctx)
	_, err = cronRunner.Add(cfg.Scheduler.MarketHoursSpec, func(ctx context.Context) {
		if err := tradeEngine.RefreshMarketHours(ctx); err != nil {
			logger.Warn("market hours refresh failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Fatal("cron register market hours failed", zap.Error(err))
	}
	_, err = cronRunner.Add(cfg.Scheduler.SlowSpec, func(ctx context.Context) {
		for _, frequency := range []string{models.FrequencyFast, models.FrequencySlow} {
			if err := tradeEngine.Refresh(ctx, frequency); err != nil {
				logger.Warn("refresh failed", zap.String("frequency", frequency), zap.Error(err))
			}
		}
		if err := tradeEngine.Tick(ctx, models.FrequencySlow); err != nil {
			logger.Warn("slow tick failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Fatal("cron register slow cycle failed", zap.Error(err))
	}
	_, err = cronRunner.Add(cfg.Scheduler.FastSpec, func(ctx context.Context) {
		if err := tradeEngine.Tick(ctx, models.FrequencyFast); err != nil {
			logger.Warn("fast tick failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Fatal("cron register fast cycle failed", zap.Error(err))
	}

	// Hold ticks until quotes actually move; the feed serves stale closes
	// for a while after the open.
	go func() {
		if err := tradeEngine.WaitForPriceMovement(ctx); err != nil {
			logger.Warn("price movement wait aborted", zap.Error(err))
		}
		cronRunner.Start()
	}()
	defer cronRunner.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
