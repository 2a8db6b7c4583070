// Package app wires the economy services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/guildworks/economy/internal/app/services/economy"
	"github.com/guildworks/economy/internal/app/services/jobs"
	ledgersvc "github.com/guildworks/economy/internal/app/services/ledger"
	shopsvc "github.com/guildworks/economy/internal/app/services/shop"
	taskssvc "github.com/guildworks/economy/internal/app/services/tasks"
	"github.com/guildworks/economy/internal/app/storage"
	"github.com/guildworks/economy/internal/app/storage/memory"
	"github.com/guildworks/economy/internal/app/system"
	"github.com/guildworks/economy/internal/cache"
	"github.com/guildworks/economy/internal/app/domain/job"
	"github.com/guildworks/economy/internal/events"
	"github.com/guildworks/economy/internal/keylock"
	"github.com/guildworks/economy/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Accounts  storage.AccountStore
	Ledger    storage.LedgerStore
	Tasks     storage.TaskStore
	Claims    storage.ClaimStore
	Items     storage.ItemStore
	Inventory storage.InventoryStore
	Jobs      storage.JobStore
}

// Options tunes the application beyond its store wiring.
type Options struct {
	CacheTTL          time.Duration
	CacheOrigin       string
	CachePublisher    cache.Publisher
	SweepInterval     time.Duration
	JobPollInterval   time.Duration
	ReconcileSchedule string
	EventBufferSize   int
}

// Application ties the economy services together.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Ledger      *ledgersvc.Service
	Coordinator *economy.Service
	Tasks       *taskssvc.Service
	Shop        *shopsvc.Service
	Jobs        *jobs.Service
	Cache       *cache.Service
	Events      *events.Bus
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Accounts == nil {
		stores.Accounts = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Tasks == nil {
		stores.Tasks = mem
	}
	if stores.Claims == nil {
		stores.Claims = mem
	}
	if stores.Items == nil {
		stores.Items = mem
	}
	if stores.Inventory == nil {
		stores.Inventory = mem
	}
	if stores.Jobs == nil {
		stores.Jobs = mem
	}

	manager := system.NewManager()
	bus := events.NewBus(opts.EventBufferSize)
	locks := keylock.New(0)

	cacheSvc := cache.New(cache.Config{
		TTL:       opts.CacheTTL,
		Origin:    opts.CacheOrigin,
		Publisher: opts.CachePublisher,
		Events:    bus,
		Log:       log.WithField("component", "cache"),
	})

	ledgerSvc := ledgersvc.New(stores.Ledger, stores.Accounts, log.WithField("component", "ledger"))
	coordinator := economy.New(stores.Accounts, ledgerSvc, locks, cacheSvc, bus, log.WithField("component", "economy"))
	tasksSvc := taskssvc.New(stores.Tasks, stores.Claims, coordinator, locks, cacheSvc, bus, log.WithField("component", "tasks"))
	shopSvc := shopsvc.New(stores.Items, stores.Inventory, coordinator, locks, cacheSvc, bus, log.WithField("component", "shop"))

	jobsSvc := jobs.New(stores.Jobs, jobs.Config{
		PollInterval: opts.JobPollInterval,
		Log:          log.WithField("component", "jobs"),
	})
	coordinator.AttachReconcileScheduler(jobsSvc)
	shopSvc.SetGrantScheduler(jobsSvc)

	jobsSvc.Register(job.KindGrantReversal, func(ctx context.Context, j job.Job) error {
		return shopSvc.HandleGrantReversal(ctx, j.Payload)
	})
	jobsSvc.Register(job.KindReconciliation, func(ctx context.Context, j job.Job) error {
		_, err := coordinator.Reconcile(ctx, j.Payload["tenant_id"], j.Payload["user_id"])
		return err
	})
	jobsSvc.Register(job.KindClaimSweep, func(ctx context.Context, j job.Job) error {
		_, err := tasksSvc.ExpireOverdue(ctx, j.TenantID)
		return err
	})

	if opts.ReconcileSchedule != "" {
		schedule := opts.ReconcileSchedule
		if err := jobsSvc.ScheduleRecurring(schedule, func() {
			runReconcileSweep(stores.Accounts, coordinator, log)
		}); err != nil {
			return nil, fmt.Errorf("register reconcile schedule %q: %w", schedule, err)
		}
	}

	sweeper := taskssvc.NewSweeper(tasksSvc, opts.SweepInterval)
	sweeper.AttachScheduler(jobsSvc)

	for _, svc := range []system.Service{jobsSvc, sweeper, cacheSvc} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:     manager,
		log:         log,
		Ledger:      ledgerSvc,
		Coordinator: coordinator,
		Tasks:       tasksSvc,
		Shop:        shopSvc,
		Jobs:        jobsSvc,
		Cache:       cacheSvc,
		Events:      bus,
	}, nil
}

// runReconcileSweep walks all known accounts and repairs projection drift.
func runReconcileSweep(accounts storage.AccountStore, coordinator *economy.Service, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	all, err := accounts.ListAccounts(ctx, "", 0)
	if err != nil {
		log.WithError(err).Warn("reconcile sweep could not list accounts")
		return
	}

	repaired := 0
	for _, acct := range all {
		drift, err := coordinator.Reconcile(ctx, acct.TenantID, acct.UserID)
		if err != nil {
			log.WithError(err).
				WithField("tenant_id", acct.TenantID).
				WithField("user_id", acct.UserID).
				Warn("reconcile sweep failed for account")
			continue
		}
		if drift != 0 {
			repaired++
		}
	}
	if repaired > 0 {
		log.WithField("accounts", len(all)).WithField("repaired", repaired).Info("reconcile sweep finished")
	}
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
