package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/staticip-service/internal/client"
	"github.com/wenwu/saas-platform/staticip-service/internal/config"
	"github.com/wenwu/saas-platform/staticip-service/internal/db"
	apihttp "github.com/wenwu/saas-platform/staticip-service/internal/http"
	"github.com/wenwu/saas-platform/staticip-service/internal/models"
	"github.com/wenwu/saas-platform/staticip-service/internal/repository"
	"github.com/wenwu/saas-platform/staticip-service/internal/service"
)

// app holds the wired components of one process
type app struct {
	cfgMgr  *config.Manager
	store   repository.Store
	server  *apihttp.Server
	sweeper *service.Sweeper
	level   zap.AtomicLevel
	logger  *zap.Logger
	closers []func()
}

func newApp(ctx context.Context, path string, level zap.AtomicLevel, logger *zap.Logger) (*app, error) {
	cfgMgr, err := config.NewManager(path, logger.Named("config"))
	if err != nil {
		return nil, err
	}
	cfg := cfgMgr.GetConfig()
	applyLevel(level, cfg)

	a := &app{cfgMgr: cfgMgr, level: level, logger: logger}

	switch cfg.Store.Driver {
	case "memory":
		mem := repository.NewMemoryStore()
		for _, seed := range cfg.Store.SeedPool {
			if err := mem.AddPoolEntries(models.AddressPoolEntry{
				Region:        seed.Region,
				PublicAddress: seed.PublicAddress,
				ServerID:      seed.ServerID,
			}); err != nil {
				return nil, fmt.Errorf("seed pool: %w", err)
			}
		}
		logger.Warn("using in-memory store, state is lost on exit", zap.Int("pool_entries", len(cfg.Store.SeedPool)))
		a.store = mem
	default:
		pool, err := db.NewPool(ctx, cfg.Database, logger.Named("db"))
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.store = repository.NewPostgresStore(pool)
	}

	subscriptionClient := client.NewSubscriptionClient(cfg.Services.SubscriptionServiceURL, cfg.InternalSecret)
	agentClient := client.NewNetworkAgentClient(cfg.Services.NetworkAgentURL, cfg.InternalSecret, logger.Named("agent"))

	poolSvc := service.NewPoolService(a.store, logger)
	ledger := service.NewAddonLedger(a.store, cfg.Lease, logger)
	allocations := service.NewAllocationService(a.store, poolSvc, ledger, subscriptionClient, agentClient, subscriptionClient, cfg.Lease, logger)
	rules := service.NewRuleEngine(a.store, ledger, agentClient, cfg.Lease, logger)
	coordinator := service.NewCoordinator(allocations, rules, ledger, subscriptionClient, logger)
	a.sweeper = service.NewSweeper(allocations, rules, coordinator, cfg.Lease, cfg.Sweep, logger)

	handler := apihttp.NewHandler(poolSvc, allocations, rules, ledger, coordinator, logger.Named("http"))
	a.server = apihttp.NewServer(cfg, handler, logger)

	return a, nil
}

// applyReload picks up the settings that can change without a restart
func (a *app) applyReload() {
	cfg := a.cfgMgr.GetConfig()
	applyLevel(a.level, cfg)
	a.sweeper.UpdateIntervals(cfg.Sweep)
	a.logger.Info("reloaded log level and sweep intervals; lease policy changes need a restart",
		zap.String("log_level", cfg.Log.Level))
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
