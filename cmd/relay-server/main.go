package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duelsync/internal/app/relay"
	"duelsync/internal/config"
	"duelsync/internal/game"
	"duelsync/internal/game/codebreaker"
	"duelsync/internal/game/rps"
	"duelsync/internal/logging"
	"duelsync/internal/store"
	"duelsync/internal/store/memstore"
	"duelsync/internal/store/redisstore"
	"duelsync/internal/sweeper"
	httptransport "duelsync/internal/transport/http"
	"duelsync/migrations"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	redisPrefix   = "duelsync:"
	sweepLockName = redisPrefix + "sweeper"
)

func main() {
	cfg, err := config.LoadApp()
	if err != nil {
		panic(err)
	}
	logging.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, lockClient, closeStore, err := openStore(ctx, cfg.Server)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Server.StoreBackend).Msg("store init failed")
	}
	defer closeStore()
	if err := repo.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("store ping failed")
	}

	games := game.NewRegistry(rps.New(rps.DefaultMaxRounds), codebreaker.New(codebreaker.DefaultMaxAttempts))
	svc := relay.NewService(repo, games)
	r := httptransport.NewRouter(svc, cfg.Server)
	httptransport.LogRoutes(r)

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Str("backend", cfg.Server.StoreBackend).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Sweeper.Enabled {
		var opts []sweeper.Option
		if lockClient != nil {
			ttl := 2 * time.Duration(cfg.Sweeper.IntervalMS) * time.Millisecond
			opts = append(opts, sweeper.WithLocker(sweeper.NewRedisLocker(lockClient, sweepLockName, ttl)))
		}
		sw := sweeper.New(repo, games, sweeper.ConfigFrom(cfg.Sweeper), opts...)
		g.Go(func() error { return sw.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}

// openStore builds the configured repository. The returned redis client, when
// not nil, backs the sweeper's leader lock.
func openStore(ctx context.Context, cfg config.ServerConfig) (store.Repository, *redis.Client, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if cfg.RunMigrations {
			if err := migrations.Up(ctx, cfg.PostgresDSN); err != nil {
				return nil, nil, nil, err
			}
		}
		st, err := store.New(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		lock, err := optionalRedis(ctx, cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, nil, nil, err
		}
		return st, lock, func() {
			st.Close()
			if lock != nil {
				_ = lock.Close()
			}
		}, nil
	case config.BackendRedis:
		st, err := redisstore.Open(ctx, cfg.RedisURL, redisPrefix)
		if err != nil {
			return nil, nil, nil, err
		}
		return st, st.Client(), func() { _ = st.Close() }, nil
	default:
		log.Warn().Msg("memory store: rooms are lost on restart")
		return memstore.New(), nil, func() {}, nil
	}
}

func optionalRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
