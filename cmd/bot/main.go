package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/sentinel-bot/internal/bot"
	"github.com/xaenox/sentinel-bot/internal/cache"
	"github.com/xaenox/sentinel-bot/internal/check"
	"github.com/xaenox/sentinel-bot/internal/classifier"
	"github.com/xaenox/sentinel-bot/internal/coordinator"
	"github.com/xaenox/sentinel-bot/internal/llm"
	"github.com/xaenox/sentinel-bot/internal/metrics"
	"github.com/xaenox/sentinel-bot/internal/ratelimit"
	"github.com/xaenox/sentinel-bot/internal/recommend"
	"github.com/xaenox/sentinel-bot/internal/storage"
	"github.com/xaenox/sentinel-bot/pkg/config"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.DBName))
		pgStore, err := storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
		store = pgStore
	}
	defer store.Close()

	// Train the classifier from whatever samples already exist. An empty
	// store is fine, the bayes check abstains until the first /retrain.
	bayes := classifier.NewBayes(store, logger)
	if err := bayes.Train(ctx); err != nil {
		logger.Warn("Initial classifier training skipped", zap.Error(err))
	}

	resultCache := cache.New(time.Duration(cfg.Cache.TTLMinutes) * time.Minute)
	go resultCache.Run(ctx, time.Duration(cfg.Cache.SweepMinutes)*time.Minute)

	acquireBudget := time.Duration(cfg.RateLimit.AcquireBudgetMs) * time.Millisecond
	openaiLimiter := ratelimit.New(cfg.RateLimit.OpenAIRPS, cfg.RateLimit.OpenAIBurst, acquireBudget)
	blocklistLimiter := ratelimit.New(cfg.RateLimit.BlocklistRPS, cfg.RateLimit.BlocklistBurst, acquireBudget)

	llmClient := llm.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.MaxTokens,
		float32(cfg.OpenAI.Temperature), openaiLimiter, logger)
	if !llmClient.Configured() {
		logger.Warn("OpenAI API key not configured, AI check will abstain")
	}

	// Registry order is the order results are recorded in.
	checks := []check.Check{
		check.NewStopWords(cfg.Moderation.StopWords),
		check.NewInvisibleChars(),
		check.NewWordSpacing(),
		check.NewSimilarity(),
		check.NewChannelReply(),
		check.NewBlocklist(cfg.Moderation.BlocklistEndpoint, blocklistLimiter, logger),
		check.NewBayes(bayes),
		check.NewOpenAI(llmClient, resultCache, logger),
	}

	coord := coordinator.New(checks, store,
		time.Duration(cfg.Moderation.CheckTimeoutMs)*time.Millisecond, logger)
	engine := recommend.New(store, logger)

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logger.Info("Metrics server listening", zap.String("address", cfg.Metrics.Address))
			if err := http.ListenAndServe(cfg.Metrics.Address, mux); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Initialize bot
	moderationBot, err := bot.New(cfg.Telegram.Token, coord, store, bayes, engine,
		cfg.Moderation.TrustedUserIDs,
		time.Duration(cfg.Moderation.EvalTimeoutMs)*time.Millisecond, logger)
	if err != nil {
		logger.Fatal("Failed to initialize bot", zap.Error(err))
	}

	logger.Info("Starting bot")
	if err := moderationBot.Start(ctx); err != nil && err != context.Canceled {
		logger.Fatal("Bot stopped", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
