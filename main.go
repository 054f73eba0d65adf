package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"deriv-trading-core/config"
	"deriv-trading-core/internal/api"
	"deriv-trading-core/internal/circuit"
	"deriv-trading-core/internal/contracts"
	"deriv-trading-core/internal/database"
	"deriv-trading-core/internal/deriv"
	"deriv-trading-core/internal/events"
	"deriv-trading-core/internal/execution"
	"deriv-trading-core/internal/logging"
	"deriv-trading-core/internal/notification"
	"deriv-trading-core/internal/persist"
	"deriv-trading-core/internal/recovery"
	"deriv-trading-core/internal/regime"
	"deriv-trading-core/internal/risk"
	"deriv-trading-core/internal/settlement"
	"deriv-trading-core/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Structured logging
	logger := logging.New(&logging.Config{
		Level:     cfg.LoggingConfig.Level,
		Output:    cfg.LoggingConfig.Output,
		Component: "main",
	})
	logging.SetDefault(logger)
	logger.Info("structured logging initialized")

	eventBus := events.NewEventBus()

	// Notification manager
	notifyManager := notification.NewManager(cfg.NotificationConfig.Enabled)
	if cfg.NotificationConfig.Telegram.Enabled {
		notifyManager.AddNotifier(notification.NewTelegramNotifier(cfg.NotificationConfig.Telegram))
		logger.Info("telegram notifications enabled")
	}

	// Database
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	repo := database.NewRepository(db)

	// Optional Redis risk-state snapshots
	var stateStore *database.RedisStateStore
	if cfg.RedisConfig.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, state snapshots disabled", "error", err)
		} else {
			stateStore = database.NewRedisStateStore(redisClient)
			defer redisClient.Close()
			logger.Info("redis state snapshots enabled", "addr", cfg.RedisConfig.Address)
		}
	}

	// Vault for per-account broker tokens
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to create vault client: %v", err)
	}
	if err := vaultClient.Health(ctx); err != nil {
		logger.Warn("vault health check failed", "error", err)
	}

	// Fire-and-forget persistence pool
	pool := persist.NewPool(cfg.PersistConfig.Workers, cfg.PersistConfig.QueueSize, 10*time.Second)

	// Risk layer
	cache := risk.NewCache()
	manager := risk.NewManager()
	breakers := circuit.NewRegistry(&circuit.BreakerConfig{
		Enabled:        true,
		MaxFailures:    cfg.ExecutionConfig.BreakerMaxFailures,
		Cooldown:       time.Duration(cfg.ExecutionConfig.BreakerCooldownMS) * time.Millisecond,
		HalfOpenProbes: cfg.ExecutionConfig.BreakerHalfOpenProbes,
	})
	defaults := risk.Policy{
		MaxStake:             cfg.RiskConfig.MaxStake,
		DailyLossLimitPct:    cfg.RiskConfig.DailyLossLimitPct,
		DrawdownLimitPct:     cfg.RiskConfig.DrawdownLimitPct,
		MaxConsecutiveLosses: cfg.RiskConfig.MaxConsecutiveLosses,
		CooldownMS:           cfg.RiskConfig.CooldownMS,
		LossCooldownMS:       cfg.RiskConfig.LossCooldownMS,
		MaxConcurrentTrades:  cfg.RiskConfig.MaxConcurrentTrades,
		MaxOrdersPerSecond:   cfg.RiskConfig.MaxOrdersPerSecond,
		MaxOrdersPerMinute:   cfg.RiskConfig.MaxOrdersPerMinute,
		MaxNotionalExposure:  cfg.RiskConfig.MaxNotionalExposure,
	}
	gate := risk.NewGate(cache, manager, breakers, repo, defaults)

	// Open contracts and P&L
	index := contracts.NewIndex()
	pnl := contracts.NewPnLTracker()

	// Settlement pipeline
	fees := settlement.FeeConfig{
		Flat: cfg.ExecutionConfig.CommissionFlat,
		Bps:  cfg.ExecutionConfig.CommissionBps,
	}
	lock := settlement.NewKeyedLock(time.Duration(cfg.SettlementConfig.LockTimeoutMS) * time.Millisecond)
	finalizer := settlement.NewFinalizer(lock, repo, cache, index, pnl, pool, eventBus, fees)
	trackerCfg := settlement.TrackerConfig{
		MinTimeout:           time.Duration(cfg.SettlementConfig.MinTimeoutMS) * time.Millisecond,
		MaxTimeout:           time.Duration(cfg.SettlementConfig.MaxTimeoutMS) * time.Millisecond,
		Buffer:               time.Duration(cfg.SettlementConfig.BufferMS) * time.Millisecond,
		SubscribeMaxAttempts: cfg.SettlementConfig.SubscribeMaxAttempts,
		SubscribeBaseBackoff: time.Duration(cfg.SettlementConfig.SubscribeBaseDelayMS) * time.Millisecond,
		SubscribeMaxBackoff:  time.Duration(cfg.SettlementConfig.SubscribeMaxDelayMS) * time.Millisecond,
		RequestTimeout:       time.Duration(cfg.DerivConfig.RequestTimeoutMS) * time.Millisecond,
	}
	zl := zerolog.New(os.Stdout).With().Timestamp().Logger()
	tracker := settlement.NewTracker(trackerCfg, finalizer, cache, manager, index, pnl, pool, repo, eventBus, zl)

	// Replay interrupted settlements before accepting traffic
	if replayed, err := settlement.NewReplayer(repo, fees).RecoverUnsettled(ctx); err != nil {
		logger.Error("ledger replay failed", "error", err)
	} else if replayed > 0 {
		logger.Info("replayed unsettled ledger rows", "count", replayed)
	}

	// Execution fast path
	engine := execution.NewEngine(execution.EngineConfig{
		StepTimeout:     time.Duration(cfg.DerivConfig.RequestTimeoutMS) * time.Millisecond,
		MinOuterTimeout: time.Duration(cfg.ExecutionConfig.MinOuterTimeoutMS) * time.Millisecond,
		OuterBuffer:     time.Duration(cfg.ExecutionConfig.OuterBufferMS) * time.Millisecond,
	})
	trader := execution.NewTrader(gate, manager, breakers, engine, index, pnl, tracker, pool, repo, eventBus)

	// Adaptive layer: regime detection and loss recovery
	regimes := regime.NewDetectorWithCycles(eventBus, cfg.RegimeConfig.HysteresisCycles)
	recoveryEngine := recovery.NewEngine(recovery.Config{
		MaxDeficitPct:        cfg.RecoveryConfig.MaxDeficitPct,
		MaxRecoveryTrades:    cfg.RecoveryConfig.MaxRecoveryTrades,
		MaxFailedEpisodes:    cfg.RecoveryConfig.MaxFailedEpisodes,
		MinEquityForRecovery: cfg.RecoveryConfig.MinEquityForRecovery,
		FailedCooldown:       time.Duration(cfg.RecoveryConfig.CooldownMS) * time.Millisecond,
	}, repo, pool, eventBus)

	// Rehydrate trained networks
	if weights, err := repo.ListNeuralWeights(ctx); err != nil {
		logger.Warn("failed to load neural weights", "error", err)
	} else {
		for _, w := range weights {
			recoveryEngine.HydrateNetwork(w.AccountID, w.Weights)
		}
		if len(weights) > 0 {
			logger.Info("hydrated recovery networks", "accounts", len(weights))
		}
	}

	// Broker sessions
	sessions := deriv.NewSessionManager(cfg.DerivConfig)

	// Settlement side effects: recovery feedback, state snapshots, notifications
	eventBus.Subscribe(events.EventTradeOpened, func(e events.Event) {
		symbol, _ := e.Data["symbol"].(string)
		direction, _ := e.Data["direction"].(string)
		stake, _ := e.Data["stake"].(float64)
		buyPrice, _ := e.Data["buy_price"].(float64)
		payout, _ := e.Data["payout"].(float64)
		notifyManager.SendTradeOpen(e.AccountID, symbol, direction, stake, buyPrice, payout)
	})
	eventBus.Subscribe(events.EventContractSettled, func(e events.Event) {
		netProfit, _ := e.Data["net_profit"].(float64)
		symbol, _ := e.Data["symbol"].(string)
		direction, _ := e.Data["direction"].(string)
		stake, _ := e.Data["stake"].(float64)

		entry, ok := cache.Snapshot(e.AccountID)
		if !ok {
			return
		}
		market, _ := regimes.StateFor(e.AccountID, symbol)
		recoveryEngine.RecordOutcome(e.AccountID, netProfit,
			recovery.BuildContext(entry, pnl.Snapshot(e.AccountID), market))
		if stateStore.Enabled() {
			if err := stateStore.SaveRiskState(context.Background(), entry); err != nil {
				logger.Warn("risk state snapshot failed", "account_id", e.AccountID, "error", err)
			}
			stateStore.SaveBalance(context.Background(), database.BalanceSnapshot{
				AccountID: e.AccountID,
				Balance:   entry.Equity,
				ReadAt:    time.Now(),
			})
		}
		accountID := e.AccountID
		pool.Submit("settings.risk_state", func(ctx context.Context) error {
			payload, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			return repo.SetSetting(ctx, accountID, "risk_state", payload)
		})
		pool.Submit("settings.balance_snapshot", func(ctx context.Context) error {
			payload, err := json.Marshal(map[string]interface{}{
				"balance":  entry.Equity,
				"taken_at": time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			return repo.SetSetting(ctx, accountID, "balance_snapshot", payload)
		})
		notifyManager.SendTradeResult(e.AccountID, symbol, direction, stake, netProfit)
	})
	eventBus.Subscribe(events.EventStuckOrder, func(e events.Event) {
		contractID, _ := e.Data["contract_id"].(int64)
		waitedMS, _ := e.Data["waited_ms"].(int64)
		notifyManager.SendStuckOrder(e.AccountID, contractID, time.Duration(waitedMS)*time.Millisecond)
	})

	// HTTP and SSE edge
	server := api.NewServer(cfg.ServerConfig, cfg.AuthConfig, api.Deps{
		Repo:     repo,
		Trader:   trader,
		Sessions: sessions,
		Vault:    vaultClient,
		Index:    index,
		PnL:      pnl,
		Cache:    cache,
		Manager:  manager,
		Breakers: breakers,
		Recovery: recoveryEngine,
		Regimes:  regimes,
		Bus:      eventBus,
	})
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	// Block until shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	sessions.CloseAll()
	pool.Stop()
	logger.Info("shutdown complete")
}
