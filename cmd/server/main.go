package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/chain/evm"
	"github.com/swapmirror/swapmirror/internal/chain/sol"
	"github.com/swapmirror/swapmirror/internal/config"
	"github.com/swapmirror/swapmirror/internal/custody"
	"github.com/swapmirror/swapmirror/internal/executor"
	"github.com/swapmirror/swapmirror/internal/handler"
	"github.com/swapmirror/swapmirror/internal/middleware"
	"github.com/swapmirror/swapmirror/internal/mirror"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/logger"
	"github.com/swapmirror/swapmirror/internal/quoting"
	"github.com/swapmirror/swapmirror/internal/repository"
	"github.com/swapmirror/swapmirror/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level)

	// Persistence: mirror state (Postgres > Memory).
	var mirrorStore mirror.Store
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err == nil {
			logger.Info("connected to PostgreSQL")
			mirrorStore = repository.NewPostgresMirrorStore(db)
		} else {
			logger.Error("database unavailable, mirror state will not survive restarts", "error", err)
		}
	}
	if mirrorStore == nil {
		mirrorStore = repository.NewMemoryMirrorStore()
	}

	// Daily usage accounting (Redis > Memory).
	var usage service.UsageStore
	if cfg.Redis.Addr != "" {
		redisClient, err := repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("connected to Redis")
			usage = redisClient
		} else {
			logger.Error("redis unavailable, falling back to in-process usage counters", "error", err)
		}
	}
	if usage == nil {
		usage = service.NewMemoryUsageStore()
	}

	// Chain adapters over the shared quote aggregator.
	quoter := quoting.NewClient(cfg.Quoting)
	adapters := make(map[model.Chain]chain.Adapter)
	watchers := make(map[model.Chain]chain.Watcher)
	parsers := make(map[model.Chain]chain.IntentParser)

	var evmAdapter *evm.Adapter
	if cfg.EVM.Enabled {
		evmAdapter = evm.NewAdapter(cfg.EVM, quoter)
		adapters[model.ChainEVM] = evmAdapter
		parsers[model.ChainEVM] = evm.NewParser(cfg.EVM.RouterAddresses, evmAdapter, cfg.EVM.NativeDecimals)
		if cfg.EVM.WSEndpoint != "" {
			watchers[model.ChainEVM] = evm.NewWalletWatcher(cfg.EVM.WSEndpoint, evmAdapter)
		}
	}

	var solAdapter *sol.Adapter
	if cfg.Solana.Enabled {
		solAdapter = sol.NewAdapter(cfg.Solana, quoter)
		adapters[model.ChainSolana] = solAdapter
		parsers[model.ChainSolana] = sol.NewParser(solAdapter, solAdapter.Commitment())
		if cfg.Solana.WSEndpoint != "" {
			watchers[model.ChainSolana] = sol.NewWalletWatcher(cfg.Solana.WSEndpoint, solAdapter.Commitment())
		}
	}
	if len(adapters) == 0 {
		log.Fatal("no chains enabled, nothing to serve")
	}

	// Core engine.
	keyring := custody.NewConfigKeyring(cfg.Keys.EVM, cfg.Keys.Solana)
	exec := executor.New(adapters, cfg.Executor)
	fees := executor.NewFeeCollector(adapters, map[model.Chain]string{
		model.ChainEVM:    cfg.Fees.TreasuryEVM,
		model.ChainSolana: cfg.Fees.TreasurySolana,
	}, cfg.Fees.FeeBps, mustDecimal(cfg.Fees.MinCollect))

	gate := service.NewLimitGate(cfg.Gate, usage)

	validators := make(map[model.Chain]func(string) bool, len(adapters))
	for c, a := range adapters {
		validators[c] = a.ValidAddress
	}
	registry := mirror.NewRegistry(mirrorStore, gate, validators)

	nativeAssets := map[model.Chain]string{
		model.ChainEVM:    evm.NativeAsset,
		model.ChainSolana: sol.NativeAsset,
	}
	dispatcher := mirror.NewDispatcher(registry, exec, fees, gate, keyring, mirrorStore,
		mustDecimal(cfg.Mirror.DustFloor), cfg.Mirror.OverlapPolicy, nativeAssets)

	watchCtx, stopWatching := context.WithCancel(context.Background())
	watchMgr := mirror.NewWatchManager(watchCtx, watchers, parsers, dispatcher)
	registry.SetWatcherControl(watchMgr)

	if err := registry.Restore(context.Background()); err != nil {
		logger.Error("failed to restore mirror subscriptions", "error", err)
	}

	tradeSvc := service.NewTradeService(adapters, exec, fees, gate, keyring, map[model.Chain]int32{
		model.ChainEVM:    cfg.EVM.NativeDecimals,
		model.ChainSolana: 9,
	})

	swapHandler := handler.NewSwapHandler(tradeSvc)
	mirrorHandler := handler.NewMirrorHandler(registry, dispatcher, mirrorStore)

	r := gin.Default()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		followers, targets := registry.Counts()
		c.JSON(200, gin.H{
			"status":    "ok",
			"service":   "swapmirror",
			"followers": followers,
			"targets":   targets,
		})
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.Auth))
	{
		v1.POST("/swap", swapHandler.Swap)
		v1.POST("/quote", swapHandler.Quote)

		v1.POST("/mirror/subscriptions", mirrorHandler.Subscribe)
		v1.GET("/mirror/subscriptions/:follower", mirrorHandler.Get)
		v1.PATCH("/mirror/subscriptions/:follower", mirrorHandler.Patch)
		v1.DELETE("/mirror/subscriptions/:follower", mirrorHandler.Unsubscribe)
		v1.GET("/mirror/subscriptions/:follower/outcomes", mirrorHandler.Outcomes)
		v1.GET("/mirror/stats", mirrorHandler.Stats)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("swapmirror started", "port", cfg.Server.Port, "chains", len(adapters))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	stopWatching()
	watchMgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	logger.Info("server exiting")
}

func mustDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		log.Fatalf("invalid decimal in config: %q", raw)
	}
	return d
}
