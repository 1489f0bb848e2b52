package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lokus-ai/lokus-auth/internal/adapter/cache"
	"github.com/lokus-ai/lokus-auth/internal/adapter/identity"
	"github.com/lokus-ai/lokus-auth/internal/config"
	httptransport "github.com/lokus-ai/lokus-auth/internal/http"
	"github.com/lokus-ai/lokus-auth/internal/http/handler"
	"github.com/lokus-ai/lokus-auth/internal/middleware"
	"github.com/lokus-ai/lokus-auth/internal/repository"
	"github.com/lokus-ai/lokus-auth/internal/server"
	"github.com/lokus-ai/lokus-auth/internal/service"
	"github.com/lokus-ai/lokus-auth/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newCredentialStores,
			newIdentityProvider,
			newRateLimiter,
			service.NewOAuthService,
			handler.NewOAuthHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

// newCredentialStores wires the shared credential store behind the three
// namespace interfaces. Redis is the production backend; without REDIS_ADDR
// an in-process store is used, which cannot survive restarts or scale past
// one instance.
func newCredentialStores(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (repository.CodeStore, repository.AccessTokenStore, repository.RefreshTokenStore, error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set; using in-process credential store")
		store := cache.NewMemoryCredentialStore()
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				store.Close()
				return nil
			},
		})
		return store, store, store, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	store := cache.NewRedisCredentialStore(client)
	return store, store, store, nil
}

func newIdentityProvider(cfg config.Config) identity.Provider {
	return identity.NewHTTPClient(cfg.IdentityBaseURL, cfg.IdentityAPIKey, nil)
}

func newRateLimiter(cfg config.Config) *middleware.RateLimiter {
	return middleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
