package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cropdoc/internal/usertoken"
	"cropdoc/internal/util"
	"cropdoc/pkg/ai"
	"cropdoc/pkg/storage"
	"cropdoc/services/diagnosis/internal/app"
	"cropdoc/services/diagnosis/internal/authclient"
	"cropdoc/services/diagnosis/internal/config"
	"cropdoc/services/diagnosis/internal/server"
)

func main() {
	if err := config.LoadDotEnv(config.DotEnvPath); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	inferenceTimeout, err := config.ParseInferenceTimeout(cfg.InferenceTimeout)
	if err != nil {
		log.Fatalf("failed to parse inference timeout: %v", err)
	}
	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	srvCfg := server.Config{
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		DiagnoseRateLimitPerMinute: cfg.DiagnoseRateLimitPerMinute,
		TrustedProxies:             trustedProxies,
		MaxRequestBytes:            cfg.MaxRequestBytes,
	}
	if cfg.AuthJWKSURL != "" || cfg.JWTSecret != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		tokenVerifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
			JWKSURL:    cfg.AuthJWKSURL,
			Secret:     cfg.JWTSecret,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			Leeway:     jwtLeeway,
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		cancel()
		if err != nil {
			log.Fatalf("failed to init token verifier: %v", err)
		}
		srvCfg.TokenVerifier = tokenVerifier
	}
	if strings.TrimSpace(cfg.AuthServiceURL) != "" {
		srvCfg.Auth = authclient.NewClient(cfg.AuthServiceURL, cfg.AuthAPIKey)
	}

	appCore, err := app.New(app.Config{
		DatabaseDriver: cfg.DatabaseDriver,
		DatabaseURL:    cfg.DatabaseURL,
		Inference: ai.Config{
			Provider: cfg.InferenceProvider,
			BaseURL:  cfg.InferenceBaseURL,
			APIKey:   cfg.InferenceAPIKey,
			Model:    cfg.InferenceModel,
			Timeout:  inferenceTimeout,
		},
		Minio: storage.MinioConfig{
			Endpoint:  cfg.ImageStoreEndpoint,
			AccessKey: cfg.ImageStoreAccessKey,
			SecretKey: cfg.ImageStoreSecretKey,
			Bucket:    cfg.ImageStoreBucket,
			UseSSL:    cfg.ImageStoreUseSSL,
		},
		DefaultMaxSubmissions: cfg.DefaultMaxSubmissions,
		InferenceTimeout:      inferenceTimeout,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	srvCfg.App = appCore
	httpServer, err := server.New(srvCfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer httpServer.Close()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: inferenceTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("diagnosis server listening", "addr", addr, "inference_configured", appCore.InferenceConfigured())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
