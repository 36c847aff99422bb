package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/interledger/connector-go/internal/config"
	"github.com/interledger/connector-go/internal/handlers"
	"github.com/interledger/connector-go/internal/links"
	"github.com/interledger/connector-go/internal/node"
	"github.com/interledger/connector-go/internal/store"
	"github.com/interledger/connector-go/internal/store/memstore"
	"github.com/interledger/connector-go/internal/store/redisstore"
	"github.com/interledger/connector-go/pkg/ratelimit"
	ratelimitmemory "github.com/interledger/connector-go/pkg/ratelimit/memory"
	ratelimitredis "github.com/interledger/connector-go/pkg/ratelimit/redis"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}
	seed, err := cfg.SecretSeed()
	if err != nil {
		log.Fatal("loading secret seed", zap.Error(err))
	}

	// Store and rate limiter share the backend choice: Redis for a
	// deployment, memory for development.
	var st store.Store
	var limiter ratelimit.Limiter
	if cfg.Store.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st = redisstore.New(rdb, seed)
		limiter = ratelimitredis.NewTokenBucket(ratelimitredis.Config{Client: rdb})
		log.Info("using redis store", zap.String("addr", cfg.Redis.Addr))
	} else {
		st = memstore.New()
		limiter = ratelimitmemory.NewTokenBucket()
		log.Info("using in-memory store")
	}

	registry := links.NewRegistry(log)

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), time.Minute)
	address, err := node.ResolveAddress(bootCtx, cfg, st, registry, log)
	cancelBoot()
	if err != nil {
		log.Fatal("resolving node address", zap.Error(err))
	}

	n, err := node.New(cfg, address, st, limiter, registry, log)
	if err != nil {
		log.Fatal("building node", zap.Error(err))
	}
	log.Info("connector ready", zap.String("ilp_address", string(address)))

	h := handlers.New(n, log)

	gin.SetMode(gin.ReleaseMode)
	public := gin.New()
	public.Use(gin.Recovery())
	h.Register(public, cfg.Server.GlobalPacketsPerSecond)

	engineAPI := gin.New()
	engineAPI.Use(gin.Recovery())
	h.RegisterSettlement(engineAPI)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publicSrv := &http.Server{Addr: cfg.Server.Port, Handler: public}
	engineSrv := &http.Server{Addr: cfg.Server.SettlementPort, Handler: engineAPI}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.Port))
		if err := publicSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("settlement api listening", zap.String("addr", cfg.Server.SettlementPort))
		if err := engineSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error { return n.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		publicSrv.Shutdown(shutdownCtx)
		engineSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("connector exited", zap.Error(err))
	}
	log.Info("connector stopped")
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
