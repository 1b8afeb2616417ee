package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"schemesathi/internal/ratelimit"
	"schemesathi/internal/servicetoken"
	"schemesathi/internal/util"
	"schemesathi/pkg/events"
	"schemesathi/services/auth/internal/app"
	"schemesathi/services/auth/internal/config"
	"schemesathi/services/auth/internal/security"
	"schemesathi/services/auth/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseDurationOption("sessionTTL", cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	refreshTTL, err := config.ParseDurationOption("refreshTTL", cfg.RefreshTTL)
	if err != nil {
		log.Fatalf("failed to parse refresh TTL: %v", err)
	}
	jwtLeeway, err := config.ParseDurationOption("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	verifyKeys, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse jwt verify keys: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		bus, err := events.NewAMQPBus(events.AMQPBusConfig{URL: cfg.AMQPURL, Queue: cfg.AMQPQueue}, logger)
		if err != nil {
			log.Fatalf("failed to connect usage event bus: %v", err)
		}
		defer bus.Close()
		publisher = bus
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:         cfg.DatabaseURL,
		RedisAddr:           cfg.RedisAddr,
		RedisPassword:       cfg.RedisPassword,
		SessionTTL:          sessionTTL,
		RefreshTTL:          refreshTTL,
		JWTPrivateKeyPath:   cfg.JWTPrivateKeyPath,
		JWTKeyID:            cfg.JWTKeyID,
		JWTVerifyPublicKeys: verifyKeys,
		JWTIssuer:           cfg.JWTIssuer,
		JWTAudience:         cfg.JWTAudience,
		JWTLeeway:           jwtLeeway,
		Events:              publisher,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trustedProxies, err := util.NewTrustedProxies(config.SplitList(cfg.TrustedProxies))
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	var serviceVerifier *servicetoken.Verifier
	if cfg.ServiceVerifyPublicKeys != "" {
		verifyMap, err := servicetoken.ParseVerifyPublicKeys(cfg.ServiceVerifyPublicKeys)
		if err != nil {
			log.Fatalf("failed to parse service verify keys: %v", err)
		}
		audience := cfg.ServiceAudience
		if audience == "" {
			audience = "auth"
		}
		serviceVerifier, err = servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
			VerifyPublicKeyMap: verifyMap,
			Audience:           audience,
			AllowedIssuers:     config.SplitList(cfg.ServiceAllowedIssuers),
		})
		if err != nil {
			log.Fatalf("failed to init service token verifier: %v", err)
		}
	}

	httpServer := server.New(server.Config{
		App:             appCore,
		Alerter:         security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, ""),
		ServiceVerifier: serviceVerifier,
		TrustedProxies:  trustedProxies,
		SignupLimiter:   newLimiter(cfg.RedisAddr, cfg.RedisPassword, "schemesathi:ratelimit:signup", cfg.SignupRateLimitPerMinute),
		LoginLimiter:    newLimiter(cfg.RedisAddr, cfg.RedisPassword, "schemesathi:ratelimit:login", cfg.LoginRateLimitPerMinute),
		RefreshLimiter:  newLimiter(cfg.RedisAddr, cfg.RedisPassword, "schemesathi:ratelimit:refresh", cfg.RefreshRateLimitPerMinute),
	})

	handler := util.WithRequestID(util.WithRequestLog("auth", util.WithSecurityHeaders(httpServer.Router())))

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("auth server listening", "addr", addr)
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
		log.Fatalf("failed to init rate limiter %s: %v", prefix, err)
	}
	return limiter
}
