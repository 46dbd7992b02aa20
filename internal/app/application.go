package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/R3E-Network/custody_layer/internal/app/events"
	"github.com/R3E-Network/custody_layer/internal/app/services/accounts"
	"github.com/R3E-Network/custody_layer/internal/app/services/custody"
	"github.com/R3E-Network/custody_layer/internal/app/storage"
	"github.com/R3E-Network/custody_layer/internal/app/storage/memory"
	"github.com/R3E-Network/custody_layer/internal/app/system"
	"github.com/R3E-Network/custody_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Accounts storage.AccountStore
}

// Options tunes the lifecycle wiring.
type Options struct {
	// Locker serialises work per account. Nil uses an in-process lock.
	Locker accounts.Locker
	Poll   accounts.PollPolicy
	// ResumeSchedule is a cron spec for re-driving interrupted undocking
	// runs. Empty only resumes at start.
	ResumeSchedule string
	// EventBuffer is the number of recent events kept for the stream.
	EventBuffer int
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Accounts *accounts.Service
	Resumer  *accounts.Resumer
	Events   *events.Hub
}

// New builds a fully initialised application with the provided stores and
// key-custody facade.
func New(stores Stores, facade custody.Facade, log *logger.Logger, opts Options) (*Application, error) {
	if facade == nil {
		return nil, errors.New("key custody facade is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	if stores.Accounts == nil {
		stores.Accounts = memory.New()
	}

	hub := events.NewHub(opts.EventBuffer)
	hub.OnHandlerPanic(func(r any) {
		log.Warnf("event subscriber panicked: %v", r)
	})
	events.LogTo(hub, log)

	acctService := accounts.New(stores.Accounts, facade, log,
		accounts.WithSink(hub),
		accounts.WithLocker(opts.Locker),
		accounts.WithPollPolicy(opts.Poll),
	)
	resumer := accounts.NewResumer(acctService, opts.ResumeSchedule, log)

	manager := system.NewManager()
	for _, svc := range []system.Service{acctService, resumer} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:  manager,
		log:      log,
		Accounts: acctService,
		Resumer:  resumer,
		Events:   hub,
	}, nil
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
