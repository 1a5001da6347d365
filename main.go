package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/peterbourgon/ff/v4"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/snellie/receipt-gateway/internal/auth"
	"github.com/snellie/receipt-gateway/internal/config"
	"github.com/snellie/receipt-gateway/internal/grpcserver"
	"github.com/snellie/receipt-gateway/internal/handlers"
	"github.com/snellie/receipt-gateway/internal/logging"
	"github.com/snellie/receipt-gateway/internal/provider"
	"github.com/snellie/receipt-gateway/internal/ratelimit"
	"github.com/snellie/receipt-gateway/internal/repository"
	"github.com/snellie/receipt-gateway/internal/storage"
	"github.com/snellie/receipt-gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load(os.Args[1:], ".env")
	if err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fmt.Fprintln(os.Stderr, config.Usage())
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s\nerror: %v\n", config.Usage(), err)
		os.Exit(2)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}

	code := 0
	if cfg.Server.HealthCheck {
		code = checkHealth(cfg, logger)
	} else {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		if err := run(ctx, cfg, logger); err != nil {
			logger.Error("receipt gateway stopped", zap.Error(err))
			code = 1
		}
		stop()
	}
	_ = logger.Sync()
	os.Exit(code)
}

// run wires the gateway and serves until ctx is cancelled. Every resource it
// opens is released before it returns.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	gin.SetMode(ginMode(cfg.LogLevel))

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	uc := usecase.NewPredictionUseCase(newPredictionRouter(cfg, logger), logger)

	if cfg.Storage.Backend != config.StorageNone {
		store, closeStore, err := initBlobStore(initCtx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("init %s blob storage: %w", cfg.Storage.Backend, err)
		}
		defer closeStore()
		compression := storage.Compression{Quality: cfg.Storage.CompressionQuality, MaxDimension: cfg.Storage.MaxDimension}
		uc.WithSink(storage.NewSink(store, compression, logger))
	}

	if cfg.DatabaseDSN != "" {
		db, closeDB, err := initDatabase(initCtx, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer closeDB()
		repo := repository.NewPredictionRepository(db)
		if err := repo.AutoMigrate(initCtx); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		uc.WithRepository(repo)
	}

	opts := handlers.Options{
		AppName:        cfg.App.Name,
		AppDescription: cfg.App.Description,
		AppVersion:     cfg.App.Version,
		DefaultSource:  cfg.Providers.DefaultSource,
		MaxUploadSize:  cfg.Server.MaxUploadSize,
		EnableDocs:     cfg.App.EnableDocs,
		EnableMetrics:  cfg.App.EnableMetrics,
		RequiredRole:   cfg.Auth.RequiredRole,
	}

	if cfg.Auth.Enabled {
		verifier, err := initVerifier(initCtx, cfg.Auth, logger)
		if err != nil {
			return fmt.Errorf("init %s token verifier: %w", cfg.Auth.Mode, err)
		}
		opts.Verifier = verifier
	}

	if cfg.RedisAddr != "" && cfg.RateLimit.Requests > 0 {
		redisClient := initRedis(initCtx, cfg.RedisAddr, logger)
		defer redisClient.Close()
		opts.Limiter = ratelimit.New(ratelimit.NewRedisCounter(redisClient), cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)
	}

	r := handlers.NewEngine(logger, handlers.CORSConfig{
		AllowOrigins: cfg.CORS.AllowOrigins,
		AllowMethods: cfg.CORS.AllowMethods,
		AllowHeaders: cfg.CORS.AllowHeaders,
	})
	handlers.RegisterRoutes(r, uc, opts)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: r,
	}

	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen for gRPC health on %s: %w", cfg.Server.GRPCAddr, err)
		}
		health := grpcserver.New(logger)
		go func() {
			if err := health.Serve(lis); err != nil {
				logger.Error("gRPC health server stopped", zap.Error(err))
			}
		}()
		health.SetServing()
		defer health.Shutdown()
		server.RegisterOnShutdown(health.MarkNotServing)
	}

	logger.Info("receipt gateway listening",
		zap.String("addr", cfg.Server.ListenAddr),
		zap.String("default_source", cfg.Providers.DefaultSource.String()),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("auth", cfg.Auth.Enabled),
	)
	return serve(ctx, server, nil, cfg.Server.ShutdownTimeout, logger)
}

// ginMode keeps gin's route dump and debug warnings for debug logging only.
func ginMode(logLevel string) string {
	if strings.EqualFold(strings.TrimSpace(logLevel), "debug") {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}

func newPredictionRouter(cfg *config.Config, logger *zap.Logger) *provider.Router {
	p := cfg.Providers
	if !p.KlippaConfigured() {
		logger.Warn("klippa is not configured; klippa predictions will fail upstream")
	}
	return provider.NewRouter(
		provider.NewAsprise(provider.AspriseConfig{
			Endpoint:   p.AspriseEndpoint,
			ClientID:   p.AspriseClientID,
			Recognizer: p.AspriseRecognizer,
			RefNo:      p.AspriseRefNo,
			Timeout:    p.Timeout,
		}, nil, logger),
		provider.NewKlippa(provider.KlippaConfig{
			Endpoint:   p.KlippaEndpoint,
			APIKey:     p.KlippaAPIKey,
			PresetSlug: p.KlippaPresetSlug,
			Timeout:    p.Timeout,
		}, nil, logger),
	)
}

func initVerifier(ctx context.Context, cfg config.Auth, logger *zap.Logger) (auth.Verifier, error) {
	policy := auth.Policy{RequireEmailVerified: !cfg.AllowUnverifiedEmail}
	switch cfg.Mode {
	case config.AuthJWT:
		return auth.NewJWTVerifier(auth.JWTConfig{
			Secret:   cfg.JWTSecret,
			Audience: cfg.JWTAudience,
			Issuer:   cfg.JWTIssuer,
		}, policy)
	default:
		return auth.NewFirebaseVerifier(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentials, policy, logger)
	}
}

func initBlobStore(ctx context.Context, cfg config.Storage) (storage.BlobStore, func(), error) {
	switch cfg.Backend {
	case config.StorageBolt:
		store, err := storage.NewBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Endpoint:        cfg.S3Endpoint,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, func(), error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	return db, func() { _ = sqlDB.Close() }, nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		// The limiter fails open, so an unreachable redis only costs rate limiting.
		zapLogger.Warn("redis ping failed", zap.Error(err), zap.String("addr", addr))
	}
	return client
}

func checkHealth(cfg *config.Config, logger *zap.Logger) int {
	addr := cfg.Server.GRPCAddr
	if host, port, err := net.SplitHostPort(addr); err == nil && host == "" {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	status, err := grpcserver.CheckHealth(context.Background(), addr, logger)
	if err != nil || status != healthpb.HealthCheckResponse_SERVING {
		logger.Error("gateway is not serving", zap.String("status", status.String()), zap.Error(err))
		return 1
	}
	return 0
}

// serve runs server on lis (or its own Addr when lis is nil) until the server
// fails or ctx is cancelled. Cancellation drains in-flight requests for at most
// shutdownTimeout.
func serve(ctx context.Context, server *http.Server, lis net.Listener, shutdownTimeout time.Duration, logger *zap.Logger) error {
	served := make(chan error, 1)
	go func() {
		var err error
		if lis != nil {
			err = server.Serve(lis)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	logger.Info("draining http server", zap.Duration("timeout", shutdownTimeout))
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("drain http server: %w", err)
	}
	return <-served
}
