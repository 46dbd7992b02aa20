package accounts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/custody_layer/internal/app/domain/account"
	"github.com/R3E-Network/custody_layer/internal/app/storage"
	"github.com/R3E-Network/custody_layer/internal/app/system"
	"github.com/R3E-Network/custody_layer/pkg/logger"
)

var _ system.Service = (*Resumer)(nil)

// Resumer re-drives undocking runs that were interrupted, once at start and
// then on a cron schedule.
type Resumer struct {
	service  *Service
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewResumer creates a resumer. An empty schedule only sweeps at start.
func NewResumer(service *Service, schedule string, log *logger.Logger) *Resumer {
	if log == nil {
		log = logger.NewDefault("accounts-resumer")
	}
	return &Resumer{service: service, schedule: schedule, log: log}
}

func (r *Resumer) Name() string { return "accounts-resumer" }

func (r *Resumer) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var c *cron.Cron
	if r.schedule != "" {
		c = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		if _, err := c.AddFunc(r.schedule, func() { r.sweep(runCtx) }); err != nil {
			cancel()
			return fmt.Errorf("resume schedule %q: %w", r.schedule, err)
		}
		c.Start()
	}
	r.cron = c
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweep(runCtx)
	}()

	r.log.WithField("schedule", r.schedule).Info("undocking resumer started")
	return nil
}

func (r *Resumer) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c, cancel := r.cron, r.cancel
	r.running = false
	r.cron, r.cancel = nil, nil
	r.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if c != nil {
			<-c.Stop().Done()
		}
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("undocking resumer stopped")
	return nil
}

// Sweep re-initiates undocking for every record left mid-undocking and
// returns how many runs it started. Records whose run is already in flight
// are skipped and not counted.
func (r *Resumer) Sweep(ctx context.Context) (int, error) {
	filter := storage.Filter{States: []account.State{account.StateUndockingInit, account.StateUndockingSeedUsed}}
	page := storage.PageOptions{Size: storage.MaxPageSize, Sort: storage.Sort{Property: "accountId"}}.Normalize()

	var ids []string
	for {
		batch, err := r.service.store.ListAccounts(ctx, filter, page)
		if err != nil {
			return 0, fmt.Errorf("list interrupted accounts: %w", err)
		}
		for _, acct := range batch {
			ids = append(ids, acct.AccountID)
		}
		if len(batch) < page.Size {
			break
		}
		page.Index++
	}

	resumed := 0
	for _, id := range ids {
		_, started, err := r.service.startUndocking(ctx, id)
		if err != nil {
			return resumed, fmt.Errorf("resume %s: %w", id, err)
		}
		if started {
			resumed++
		}
	}
	return resumed, nil
}

func (r *Resumer) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := r.Sweep(ctx)
	if err != nil {
		r.log.WithError(err).Warn("undocking resume sweep failed")
		return
	}
	if n > 0 {
		r.log.WithField("resumed", n).Info("resumed interrupted undocking runs")
	}
}
