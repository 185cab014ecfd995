package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// CronConfig carries the sweep schedules. The defaults run usage resets and
// scheduled changes every 15 minutes, trial expiry hourly, and payment-method
// expiry once a day.
type CronConfig struct {
	ResetSchedule         string        `env:"SWEEP_RESET_SCHEDULE" envDefault:"*/15 * * * *"`
	TrialSchedule         string        `env:"SWEEP_TRIAL_SCHEDULE" envDefault:"0 * * * *"`
	PaymentMethodSchedule string        `env:"SWEEP_PAYMENT_METHOD_SCHEDULE" envDefault:"0 3 * * *"`
	SweepTimeout          time.Duration `env:"SWEEP_TIMEOUT" envDefault:"10m"`
}

// CronRunner schedules the lifecycle sweeps.
type CronRunner struct {
	cron    *cron.Cron
	manager *Manager
	config  CronConfig
	log     *slog.Logger
}

// NewCronRunner creates a sweep scheduler around the manager.
func NewCronRunner(manager *Manager, config CronConfig, log *slog.Logger) *CronRunner {
	if manager == nil {
		panic("lifecycle: manager is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &CronRunner{
		cron:    cron.New(),
		manager: manager,
		config:  config,
		log:     log,
	}
}

// Setup registers all sweep jobs. Call once before Start.
func (r *CronRunner) Setup() error {
	if _, err := r.cron.AddFunc(r.config.ResetSchedule, func() {
		ctx, cancel := r.sweepContext()
		defer cancel()
		if _, err := r.manager.ResetUsageForPeriod(ctx); err != nil {
			r.log.ErrorContext(ctx, "usage reset sweep failed", "error", err)
		}
		if _, err := r.manager.ApplyScheduledChanges(ctx); err != nil {
			r.log.ErrorContext(ctx, "scheduled change sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	if _, err := r.cron.AddFunc(r.config.TrialSchedule, func() {
		ctx, cancel := r.sweepContext()
		defer cancel()
		if _, err := r.manager.ExpireTrials(ctx); err != nil {
			r.log.ErrorContext(ctx, "trial expiry sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	if _, err := r.cron.AddFunc(r.config.PaymentMethodSchedule, func() {
		ctx, cancel := r.sweepContext()
		defer cancel()
		if _, err := r.manager.HandleExpiredPaymentMethods(ctx); err != nil {
			r.log.ErrorContext(ctx, "payment method sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	return nil
}

func (r *CronRunner) sweepContext() (context.Context, context.CancelFunc) {
	timeout := r.config.SweepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return context.WithTimeout(context.Background(), timeout)
}

// Start begins running sweeps on their schedules.
func (r *CronRunner) Start() {
	r.cron.Start()
	r.log.Info("lifecycle sweeps scheduled",
		"reset", r.config.ResetSchedule,
		"trials", r.config.TrialSchedule,
		"payment_methods", r.config.PaymentMethodSchedule)
}

// Stop stops scheduling and waits for running sweeps to finish.
func (r *CronRunner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
