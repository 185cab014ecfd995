package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/eventlane/entitlements/api"
	"github.com/eventlane/entitlements/pkg/billing"
	"github.com/eventlane/entitlements/pkg/capability"
	"github.com/eventlane/entitlements/pkg/config"
	"github.com/eventlane/entitlements/pkg/httpserver"
	"github.com/eventlane/entitlements/pkg/ledger"
	"github.com/eventlane/entitlements/pkg/lifecycle"
	"github.com/eventlane/entitlements/pkg/logger"
	"github.com/eventlane/entitlements/pkg/notify"
	"github.com/eventlane/entitlements/pkg/pg"
	"github.com/eventlane/entitlements/pkg/plan"
	"github.com/eventlane/entitlements/pkg/reconcile"
	"github.com/eventlane/entitlements/pkg/redis"
	"github.com/eventlane/entitlements/pkg/seats"
)

type appConfig struct {
	// PlanCatalogPath points at a YAML plan catalog; empty means the
	// built-in defaults.
	PlanCatalogPath string        `env:"PLAN_CATALOG_PATH"`
	CacheTTL        time.Duration `env:"SUBSCRIPTION_CACHE_TTL" envDefault:"30s"`
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var (
		appCfg    appConfig
		logCfg    logger.Config
		pgCfg     pg.Config
		redisCfg  redis.Config
		httpCfg   httpserver.Config
		cronCfg   lifecycle.CronConfig
		stripeCfg billing.StripeConfig
		emailCfg  notify.EmailConfig
	)
	config.MustLoad(&appCfg)
	config.MustLoad(&logCfg)
	config.MustLoad(&pgCfg)
	config.MustLoad(&redisCfg)
	config.MustLoad(&httpCfg)
	config.MustLoad(&cronCfg)
	config.MustLoad(&stripeCfg)
	config.MustLoad(&emailCfg)

	log := logger.NewFromConfig(logCfg)
	slog.SetDefault(log)

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	redisClient, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	pgStore := ledger.NewPostgresStore(pool)
	cachedSubs := ledger.NewCachedSubscriptions(pgStore, redisClient, appCfg.CacheTTL, log)
	store := ledger.Compose(cachedSubs, pgStore, pgStore, pgStore)

	planSource := plan.NewInMemSource(plan.DefaultCatalog())
	if appCfg.PlanCatalogPath != "" {
		planSource = plan.NewFileSource(appCfg.PlanCatalogPath)
	}

	var provider billing.Provider
	if stripeCfg.SecretKey != "" {
		stripeProvider, err := billing.NewStripeProvider(stripeCfg)
		if err != nil {
			return fmt.Errorf("stripe: %w", err)
		}
		provider = stripeProvider
	} else {
		log.Warn("no billing provider configured, running in local-only mode")
	}

	notifier := buildNotifier(store, emailCfg, log)

	capOpts := []capability.Option{capability.WithLogger(log)}
	if provider != nil {
		capOpts = append(capOpts, capability.WithSubscriptionCanceler(provider))
	}
	capSvc, err := capability.NewService(ctx, planSource, store, capOpts...)
	if err != nil {
		return fmt.Errorf("capability service: %w", err)
	}

	lcOpts := []lifecycle.Option{lifecycle.WithLogger(log), lifecycle.WithNotifier(notifier)}
	if provider != nil {
		lcOpts = append(lcOpts, lifecycle.WithProvider(provider))
	}
	lcMgr, err := lifecycle.NewManager(ctx, planSource, store, lcOpts...)
	if err != nil {
		return fmt.Errorf("lifecycle manager: %w", err)
	}

	seatOpts := []seats.Option{seats.WithLogger(log)}
	if provider != nil {
		seatOpts = append(seatOpts, seats.WithProvider(provider))
	}
	seatEngine, err := seats.NewEngine(ctx, planSource, store, seatOpts...)
	if err != nil {
		return fmt.Errorf("seat engine: %w", err)
	}

	var reconSvc *reconcile.Service
	var webhooks billing.CheckoutProvider
	if provider != nil {
		webhooks = provider
		if lister, ok := provider.(billing.TransactionLister); ok {
			reconSvc = reconcile.NewService(pgStore, lister, log)
		}
	}

	cron := lifecycle.NewCronRunner(lcMgr, cronCfg, log)
	if err := cron.Setup(); err != nil {
		return fmt.Errorf("cron: %w", err)
	}
	cron.Start()
	defer cron.Stop()

	router := api.Router(api.Deps{
		Capability: capSvc,
		Lifecycle:  lcMgr,
		Seats:      seatEngine,
		Reconcile:  reconSvc,
		Webhooks:   webhooks,
		HealthProbes: []func(context.Context) error{
			pool.Ping,
			redis.Healthcheck(redisClient),
		},
		Log: log,
	})

	return httpserver.New(httpCfg, log).Run(ctx, router)
}

// buildNotifier wires email delivery when Postmark is configured; otherwise
// notifications are recorded in the ledger only.
func buildNotifier(store ledger.Store, cfg notify.EmailConfig, log *slog.Logger) *notify.Manager {
	if cfg.ServerToken == "" || cfg.AccountToken == "" {
		return notify.NewManager(store, log)
	}

	// Recipient addresses live with the host application; the standalone
	// engine takes them from the notification payload.
	deliverer, err := notify.NewEmailDeliverer(cfg, nil)
	if err != nil {
		log.Warn("email delivery disabled", "error", err)
		return notify.NewManager(store, log)
	}
	return notify.NewManager(store, log, deliverer)
}
