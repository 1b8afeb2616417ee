package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"schemesathi/internal/usertoken"
	"schemesathi/internal/util"
	"schemesathi/pkg/events"
	"schemesathi/services/chat/internal/app"
	"schemesathi/services/chat/internal/authclient"
	"schemesathi/services/chat/internal/config"
	"schemesathi/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	authClient := authclient.NewClient(cfg.AuthServiceURL)
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		bus, err := events.NewAMQPBus(events.AMQPBusConfig{URL: cfg.AMQPURL, Queue: cfg.AMQPQueue}, logger)
		if err != nil {
			util.Fatal("failed to connect usage event bus", "err", err)
		}
		defer bus.Close()
		publisher = bus
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:   cfg.DatabaseURL,
		GatewayURL:    cfg.OpenRouterURL,
		GatewayAPIKey: cfg.OpenRouterAPIKey,
		DefaultModel:  cfg.DefaultModel,
		HistoryLimit:  cfg.HistoryLimit,
		Events:        publisher,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		Auth:          authClient,
		TokenVerifier: tokenVerifier,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     util.WithRequestID(util.WithRequestLog("chat", httpServer.Router())),
		ReadTimeout: 15 * time.Second,
		// Streaming responses can outlive the usual write window.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("chat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
