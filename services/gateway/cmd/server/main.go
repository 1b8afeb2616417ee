package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"schemesathi/internal/ratelimit"
	"schemesathi/internal/servicetoken"
	"schemesathi/internal/usertoken"
	"schemesathi/internal/util"
	"schemesathi/pkg/ai"
	"schemesathi/pkg/events"
	"schemesathi/pkg/storage"
	"schemesathi/pkg/store"
	"schemesathi/pkg/voice"
	"schemesathi/services/gateway/internal/app"
	"schemesathi/services/gateway/internal/authclient"
	"schemesathi/services/gateway/internal/chatclient"
	"schemesathi/services/gateway/internal/config"
	"schemesathi/services/gateway/internal/schemes"
	"schemesathi/services/gateway/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse JWT leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}

	catalog, err := schemes.Load(cfg.SchemeCatalogPath)
	if err != nil {
		log.Fatalf("failed to load scheme catalog: %v", err)
	}
	slog.Info("scheme catalog loaded", "path", cfg.SchemeCatalogPath, "schemes", catalog.Len())

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		bus, err := events.NewAMQPBus(events.AMQPBusConfig{URL: cfg.AMQPURL, Queue: cfg.AMQPQueue}, logger)
		if err != nil {
			log.Fatalf("failed to connect usage event bus: %v", err)
		}
		defer bus.Close()
		publisher = bus
		// The gateway owns the analytics consumer: usage events from every
		// service fold into the per-day counters behind /api/admin/analytics.
		go func() {
			if err := events.RunAggregator(context.Background(), bus, dataStore, logger); err != nil {
				logger.Error("usage aggregator stopped", "err", err)
			}
		}()
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	var signer *servicetoken.Signer
	if cfg.ServiceKeyPath != "" {
		signer, err = servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
			PrivateKeyPath: cfg.ServiceKeyPath,
			KeyID:          cfg.ServiceKeyID,
			Issuer:         "gateway",
			TTL:            time.Minute,
		})
		if err != nil {
			log.Fatalf("failed to init service token signer: %v", err)
		}
	}

	speech := ai.NewSpeechClient(cfg.SpeechServiceURL, cfg.SpeechAPIKey, "")

	voiceOpts := []voice.Option{
		voice.WithResultFunc(func(res voice.Result, err error) {
			if err != nil {
				logger.Warn("voice transcription failed", "session_id", res.SessionID, "err", err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := publisher.Publish(ctx, events.UsageEvent{
				Event:  events.EventTranscriptionCompleted,
				UserID: res.UserID,
			}); err != nil {
				logger.Warn("failed to publish usage event", "event", events.EventTranscriptionCompleted, "err", err)
			}
		}),
	}
	if cfg.MinioEndpoint != "" {
		objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
		voiceOpts = append(voiceOpts, voice.WithObjectStore(objects))
	}
	voiceManager := voice.NewManager(speech, logger, voiceOpts...)

	appCore, err := app.New(app.Config{Store: dataStore, Events: publisher})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	chatClient := chatclient.NewClient(cfg.ChatServiceURL)
	healthHTTP := &http.Client{Timeout: 5 * time.Second}

	healthChecks := map[string]server.HealthFunc{
		"schemeData": func(ctx context.Context) error {
			if catalog.Len() == 0 {
				return fmt.Errorf("scheme catalog is empty")
			}
			return nil
		},
		"database": func(ctx context.Context) error {
			return dataStore.Ping(ctx)
		},
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}
	if cfg.OpenRouterURL != "" {
		healthChecks["openRouter"] = func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.OpenRouterURL, nil)
			if err != nil {
				return err
			}
			resp, err := healthHTTP.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("openrouter returned %s", resp.Status)
			}
			return nil
		}
	} else {
		// Without a direct upstream URL the chat service stands in for the
		// model path.
		healthChecks["openRouter"] = chatClient.Healthy
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		Auth:           authclient.NewClient(cfg.AuthServiceURL, signer),
		Chat:           chatClient,
		Schemes:        catalog,
		Voice:          voiceManager,
		Transcriber:    speech,
		Events:         publisher,
		TokenVerifier:  tokenVerifier,
		TrustedProxies: trustedProxies,
		HealthChecks:   healthChecks,
		MaxUploadBytes: cfg.MaxUploadBytes,
		SignupLimiter:  newLimiter(cfg.RedisAddr, cfg.RedisPassword, "schemesathi:gateway:ratelimit:signup", cfg.SignupRateLimitPerMinute),
		LoginLimiter:   newLimiter(cfg.RedisAddr, cfg.RedisPassword, "schemesathi:gateway:ratelimit:login", cfg.LoginRateLimitPerMinute),
		RefreshLimiter: newLimiter(cfg.RedisAddr, cfg.RedisPassword, "schemesathi:gateway:ratelimit:refresh", cfg.RefreshRateLimitPerMinute),
	})

	handler := util.WithRequestID(util.WithRequestLog("gateway", httpServer.Router()))

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		// Streaming chat responses can outlive the usual write window.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("gateway listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func newLimiter(addr, password, prefix string, perMinute int) *ratelimit.FixedWindowLimiter {
	if perMinute <= 0 {
		return nil
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(addr, password, prefix, perMinute, time.Minute)
	if err != nil {
		util.Fatal("failed to init rate limiter", "prefix", prefix, "err", err)
	}
	return limiter
}
