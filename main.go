package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"vault-settlement-system/amounts"
	"vault-settlement-system/config"
	"vault-settlement-system/handlers"
	"vault-settlement-system/ledger"
	"vault-settlement-system/ledger/solanarpc"
	"vault-settlement-system/logger"
	"vault-settlement-system/middleware"
	"vault-settlement-system/services"
	"vault-settlement-system/store"
	"vault-settlement-system/utils"
	"vault-settlement-system/workers"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vaultd",
		Short: "Vault ledger and settlement service",
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, account sync and reconciliation workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(config.Load())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			db, err := openDB(cfg.DB)
			if err != nil {
				return err
			}
			if err := store.Migrate(db); err != nil {
				return err
			}
			logger.Info("✅ Database migrated")
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Create the default vault plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			db, err := openDB(cfg.DB)
			if err != nil {
				return err
			}
			return services.SeedPlans(cmd.Context(), store.NewVaultStore(db))
		},
	})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func openDB(cfg *config.DBConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

func buildSettlementConfig(cfg *config.Config) (services.SettlementConfig, error) {
	mints := make(map[string]string, len(cfg.Assets))
	custody := make(map[string]services.Custody, len(cfg.Assets))
	for symbol, a := range cfg.Assets {
		mints[symbol] = a.Mint
		if a.CustodyKey == "" {
			logger.Warnf("⚠️  %s_VAULT_PRIVATE_KEY not set, %s withdrawals are disabled", symbol, symbol)
			if a.ReceivingAddress != "" {
				custody[symbol] = services.Custody{ReceivingAddress: a.ReceivingAddress}
			}
			continue
		}
		kp, err := solanarpc.ParseKeypair(a.CustodyKey)
		if err != nil {
			return services.SettlementConfig{}, fmt.Errorf("%s custody key: %w", symbol, err)
		}
		receiving := a.ReceivingAddress
		if receiving == "" {
			receiving = kp.Address()
		} else if receiving != kp.Address() {
			logger.Warnf("⚠️  %s receiving address %s is not the custody signer %s", symbol, receiving, kp.Address())
		}
		custody[symbol] = services.Custody{ReceivingAddress: receiving, Signer: kp}
	}
	return services.SettlementConfig{
		FeeRate: cfg.Settlement.EarlyWithdrawalFeeRate,
		Assets:  amounts.DefaultRegistry(mints),
		Custody: custody,
	}, nil
}

func serve(cfg *config.Config) error {
	logger.SetLevel(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg.DB)
	if err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	vaultStore := store.NewVaultStore(db)
	if err := services.SeedPlans(ctx, vaultStore); err != nil {
		return fmt.Errorf("failed to seed vault plans: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	var adapter ledger.Adapter = ledger.NewRetrying(
		solanarpc.New(cfg.Ledger.RPCURL),
		cfg.Ledger.ReadTimeout,
		cfg.Ledger.ConfirmTimeout,
		cfg.Ledger.MaxRetries,
	)
	cached, err := ledger.NewCached(adapter, cfg.Ledger.CacheEntries)
	if err != nil {
		return fmt.Errorf("failed to build ledger cache: %w", err)
	}
	defer cached.Close()

	settlementCfg, err := buildSettlementConfig(cfg)
	if err != nil {
		return err
	}
	backlog := store.NewReconcileQueue(rdb)
	settlement := services.NewSettlementService(vaultStore, cached, settlementCfg).
		WithLocker(store.NewPositionLock(rdb, cfg.Settlement.LockTTL, cfg.Settlement.LockWait)).
		WithBacklog(backlog)
	queries := services.NewVaultQueryService(vaultStore)

	reconciler := workers.NewReconciler(backlog, settlement, cfg.Settlement.ReconcileMaxAttempts)
	if cfg.R2.Enabled() {
		archiver, err := utils.NewR2Archiver(ctx, utils.R2Options{
			AccountID:       cfg.R2.AccountID,
			AccessKeyID:     cfg.R2.AccessKeyID,
			AccessKeySecret: cfg.R2.AccessKeySecret,
			Bucket:          cfg.R2.Bucket,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize R2 client: %w", err)
		}
		reconciler.WithArchiver(archiver)
	}
	sched, err := reconciler.Start(ctx, cfg.Settlement.ReconcileInterval)
	if err != nil {
		return fmt.Errorf("failed to start reconciler: %w", err)
	}
	defer func() { _ = sched.Shutdown() }()

	if cfg.Sync.ServiceURL != "" {
		client, err := workers.NewAccountSyncClient(cfg.Sync.ServiceURL, cfg.Sync.EndpointPath, cfg.Sync.ServiceToken)
		if err != nil {
			return err
		}
		go workers.NewAccountSyncer(client, vaultStore).Run(ctx, cfg.Sync.Interval)
	} else {
		logger.Warn("⚠️  SYNC_SERVICE_URL not set, ledger accounts will not be mirrored")
	}

	app := fiber.New(fiber.Config{
		AppName:   cfg.App.Name,
		BodyLimit: 1024 * 1024,
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.App.AllowedOriginsList(),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health and provider callbacks do not come through the gateway.
	handlers.SetupHealthRoutes(app, map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	handlers.SetupWebhookRoutes(app, queries, cfg.App.ProviderAPIKey)

	// 🔐 Everything else is gateway-only.
	app.Use(middleware.GatewayAuthMiddleware(cfg.App.GatewayToken))
	secured := handlers.SecuredGroup(app)
	handlers.SetupVaultRoutes(app, secured, settlement, queries)
	handlers.SetupTransactionRoutes(secured, queries)

	go func() {
		if err := app.Listen(":" + cfg.App.Port); err != nil {
			logger.Errorf("Server error: %v", err)
			stop()
		}
	}()

	logger.Infof("✅ Server running on http://localhost:%s", cfg.App.Port)
	logger.Infof("✅ Reconciler running (every %s)", cfg.Settlement.ReconcileInterval)
	logger.Infof("✅ CORS configured for origins: %s", cfg.App.AllowedOriginsList())

	<-ctx.Done()
	logger.Info("Shutting down server...")
	return app.ShutdownWithTimeout(10 * time.Second)
}
