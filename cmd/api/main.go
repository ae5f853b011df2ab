package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pulse/internal/config"
	"pulse/internal/database"
	"pulse/internal/domain/asset"
	"pulse/internal/events"
	"pulse/internal/metrics"
	"pulse/internal/middleware"
	"pulse/internal/pipeline"
	jwtsvc "pulse/internal/pkg/jwt"
	"pulse/internal/pkg/keylock"
	"pulse/internal/pkg/logger"
	"pulse/internal/server"
	"pulse/internal/storage"
	"pulse/internal/stream"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.Must(cfg.AppEnv)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.IsProdLike() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	if err := asset.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	repo := asset.NewRepository(db)

	blobs, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	locks := keylock.New()

	g, gctx := errgroup.WithContext(ctx)

	hub := events.NewHub(cfg.HubSubscriberBuffer, log)
	var publisher events.Publisher = hub
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		relay := events.NewRedisRelay(client, hub,
			events.WithChannel(cfg.RedisChannel),
			events.WithRelayLogger(log))
		publisher = relay
		g.Go(func() error { return relay.Run(gctx) })
		log.Info("cross-instance event relay enabled", zap.String("channel", cfg.RedisChannel))
	}

	classifier := pipeline.NewMockClassifier(cfg.ClassifierFlagRate, uint64(time.Now().UnixNano()))
	p := pipeline.New(repo, classifier, publisher, locks, cfg.Pipeline, pipeline.WithLogger(log))
	if _, err := p.Resume(ctx); err != nil {
		return err
	}
	g.Go(func() error { return p.Reclaim(gctx, cfg.Pipeline.LeaseTTL) })

	jwt := jwtsvc.New(cfg.JWTSecret, cfg.JWTTTL)
	allowed := middleware.AllowedOrigins(cfg.CORSAllowedOrigins)

	router := server.NewRouter(server.Deps{
		Log:            log,
		JWT:            jwt,
		Registry:       metrics.NewRegistry(),
		AllowedOrigins: allowed,
		Assets:         asset.NewHandler(asset.NewService(repo, blobs, locks, p, cfg.Storage.MaxUploadBytes, log), log),
		Stream:         stream.NewHandler(stream.New(repo, blobs, locks, log), cfg.AllowUnprocessedPlayback, log),
		Events:         events.NewHandler(hub, log, middleware.OriginChecker(allowed)),
	})

	// No write timeout: streams and event subscriptions are long-lived.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Closing the hub first ends event subscriptions so Shutdown does not wait on them.
		hub.Close()
		err := srv.Shutdown(shutdownCtx)
		if perr := p.Close(shutdownCtx); perr != nil {
			log.Warn("pipeline tasks still running at shutdown", zap.Error(perr))
		}
		return err
	})

	return g.Wait()
}

func openStorage(ctx context.Context, conf config.StorageConfig) (storage.Store, error) {
	switch conf.Backend {
	case "s3":
		return storage.NewS3Store(ctx, conf.S3)
	default:
		return storage.NewDiskStore(conf.UploadDir)
	}
}
