package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"fotocall/internal/util"
	"fotocall/pkg/ai"
	"fotocall/pkg/storage"
	"fotocall/pkg/store"
	"fotocall/services/leads/internal/app"
	"fotocall/services/leads/internal/config"
	"fotocall/services/leads/internal/server"
	"fotocall/services/leads/internal/session"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to read .env: %v", err)
	}
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("leads server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) error {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", "err", err)
			}
		}
	}()

	extractor, err := newExtractor(cfg)
	if err != nil {
		return fmt.Errorf("init extractor: %w", err)
	}

	appCfg := app.Config{
		Extractor:             extractor,
		ExtractionConcurrency: cfg.ExtractionConcurrency,
	}
	switch cfg.Mode {
	case config.ModeRemote:
		db, err := store.NewGormStore(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("init database store: %w", err)
		}
		closers = append(closers, db)
		sessions, err := newSessionStore(cfg, &closers)
		if err != nil {
			return err
		}
		appCfg.Contacts = db
		appCfg.Users = db
		appCfg.Sessions = session.NewManager(sessions, db)
	default:
		blob, err := newLocalBlob(cfg)
		if err != nil {
			return fmt.Errorf("init local backend: %w", err)
		}
		local, err := store.NewLocalStore(ctx, blob)
		if err != nil {
			_ = blob.Close()
			return err
		}
		closers = append(closers, local)
		appCfg.Contacts = local
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	srvCfg := server.Config{
		App:                      appCore,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		SigninRateLimitPerMinute: cfg.SigninRateLimitPerMinute,
		MaxUploadBytes:           cfg.MaxUploadBytes,
		MaxImagesPerRequest:      cfg.MaxImagesPerRequest,
		TrustedProxies:           trusted,
		CORSAllowedOrigins:       cfg.CORSAllowedOrigins,
	}
	if cfg.Mode == config.ModeRemote && cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		closers = append(closers, client)
		srvCfg.Redis = client
	}
	httpServer, err := server.New(srvCfg)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("leads server listening", "addr", addr, "mode", cfg.Mode, "provider", cfg.ExtractionProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newExtractor(cfg config.FileConfig) (ai.ContactExtractor, error) {
	switch cfg.ExtractionProvider {
	case config.ProviderClaude:
		return ai.NewClaudeExtractor(cfg.ClaudeAPIKey, cfg.ClaudeModel)
	case config.ProviderOpenAI:
		return ai.NewOpenAICompatExtractor(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
	case config.ProviderOllama:
		return ai.NewOllamaExtractor(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	default:
		client, err := ai.NewGeminiClient(cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		return ai.NewGeminiExtractor(client.WithBaseURL(cfg.GeminiBaseURL), cfg.GeminiModel), nil
	}
}

func newLocalBlob(cfg config.FileConfig) (storage.Blob, error) {
	switch cfg.LocalBackend {
	case config.BackendMemory:
		return storage.NewMemoryBlob(), nil
	case config.BackendRedis:
		return storage.NewRedisBlob(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "fotocall:local")
	case config.BackendMinio:
		return storage.NewMinioBlob(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	default:
		return storage.NewFileBlob(cfg.LocalDataDir)
	}
}

func newSessionStore(cfg config.FileConfig, closers *[]io.Closer) (store.SessionStore, error) {
	ttl, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		return nil, err
	}
	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	if cfg.RedisAddr != "" {
		redisRevoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		*closers = append(*closers, redisRevoker)
		revoker = redisRevoker
	}
	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, ttl, revoker, store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("init session store: %w", err)
	}
	return sessions, nil
}
