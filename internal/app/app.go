// Package app wires storage, providers and services into one runnable unit shared by
// the server and the ops CLI.
package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/antonminaichev/payflow/internal/catalog"
	"github.com/antonminaichev/payflow/internal/entitlement"
	"github.com/antonminaichev/payflow/internal/forum"
	"github.com/antonminaichev/payflow/internal/lock"
	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/order"
	"github.com/antonminaichev/payflow/internal/payment"
	"github.com/antonminaichev/payflow/internal/provider"
	"github.com/antonminaichev/payflow/internal/provider/providera"
	"github.com/antonminaichev/payflow/internal/provider/providerb"
	"github.com/antonminaichev/payflow/internal/retry"
	"github.com/antonminaichev/payflow/internal/router"
	"github.com/antonminaichev/payflow/internal/session"
	"github.com/antonminaichev/payflow/internal/storage/sqlstore"
	"github.com/antonminaichev/payflow/internal/task"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type App struct {
	Config       *Config
	Store        *sqlstore.Store
	Redis        *redis.Client
	Locker       lock.Locker
	Sessions     *session.Issuer
	Builder      *order.Builder
	Payments     *payment.Service
	Entitlements *entitlement.Service
	Forum        *forum.Service
	Tasks        *task.Service
}

func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	store, err := sqlstore.New(cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Store: store, Locker: lock.NewLocal()}

	if cfg.RedisAddr != "" {
		a.Redis = lock.NewRedis(cfg.RedisAddr, cfg.RedisPassword, 0)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, err
		}
		a.Locker = lock.NewRedsync(a.Redis)
	}

	policy := retry.Policy{
		MaxRetries:      cfg.ProviderRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     retry.DefaultPolicy().MaxInterval,
	}
	providers := provider.NewRegistry(
		providera.New(providera.Config{
			SecretKey:     cfg.ProviderASecretKey,
			WebhookSecret: cfg.ProviderAWebhookSecret,
			ReturnURL:     cfg.ProviderAReturnURL,
			Timeout:       cfg.ProviderTimeout,
			BaseURL:       cfg.ProviderABaseURL,
		}),
		providerb.New(&http.Client{Timeout: cfg.ProviderTimeout}, providerb.Config{
			BaseURL:     cfg.ProviderBBaseURL,
			MerchantID:  cfg.ProviderBMerchantID,
			Secret:      cfg.ProviderBSecret,
			ReturnURL:   cfg.ProviderBReturnURL,
			CallbackURL: cfg.ProviderBCallbackURL,
		}),
	)

	a.Sessions = session.NewIssuer([]byte(cfg.SessionSecret), cfg.SessionTTL)
	a.Builder = order.NewBuilder(store, cat)
	a.Forum = forum.NewService(store, []byte(cfg.ForumTokenSecret), cfg.ForumTokenTTL)
	a.Entitlements = entitlement.NewService(store, store, cat, a.Forum, policy)
	a.Payments = payment.NewService(store, providers, a.Entitlements, payment.Config{
		MaxAttempts:   cfg.MaxPaymentAttempts,
		ConfirmWindow: cfg.ConfirmWindow,
		PendingTTL:    cfg.PendingSessionTTL,
		Retry:         policy,
	})
	a.Tasks = task.NewService(store, store)
	return a, nil
}

func (a *App) Router() chi.Router {
	return router.NewRouter(router.Handlers{
		Session:     session.NewHandler(a.Sessions),
		Payment:     payment.NewHandler(a.Payments, a.Builder),
		Entitlement: entitlement.NewHandler(a.Entitlements),
		Task:        task.NewHandler(a.Tasks),
		Forum:       forum.NewHandler(a.Forum),
	}, a.Sessions, a.Store)
}

// RunBackground starts the reconcile dispatcher and the provisioning sweep. Both stop
// when ctx is done; the returned func waits for the scheduler to drain.
func (a *App) RunBackground(ctx context.Context) (func(), error) {
	sched, err := entitlement.NewScheduler(ctx, a.Config.ProvisionSchedule, a.Entitlements, a.Locker, a.Config.ProvisionTimeout)
	if err != nil {
		return nil, err
	}
	go payment.DispatcherLoop(ctx, a.Payments, a.Payments, a.Config.ReconcileWorkers, a.Config.ReconcileInterval)
	sched.Start()
	logger.Log.Info("background jobs started",
		zap.Duration("reconcile_interval", a.Config.ReconcileInterval),
		zap.String("provision_schedule", a.Config.ProvisionSchedule),
	)
	return func() { <-sched.Stop().Done() }, nil
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
