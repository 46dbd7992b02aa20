package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/custody_layer/internal/app/domain/account"
	"github.com/R3E-Network/custody_layer/pkg/logger"
)

func TestResumerSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seed := map[string]account.State{
		"init.testnet":     account.StateUndockingInit,
		"seedused.testnet": account.StateUndockingSeedUsed,
		"docked.testnet":   account.StateDocked,
		"docking.testnet":  account.StateDocking,
	}
	for id, st := range seed {
		if _, err := f.store.CreateAccount(ctx, account.Account{AccountID: id, State: st}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	r := NewResumer(f.svc, "", logger.Discard())
	n, err := r.Sweep(ctx)
	if err != nil || n != 2 {
		t.Fatalf("sweep = %d, %v; want 2", n, err)
	}
	if !f.locker.Held("init.testnet") || !f.locker.Held("seedused.testnet") {
		t.Fatalf("interrupted runs not restarted")
	}
	if f.locker.Held("docked.testnet") {
		t.Fatalf("docked accounts must not be undocked by a sweep")
	}

	// Runs already in flight are neither duplicated nor counted.
	if n, err := r.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("second sweep = %d, %v", n, err)
	}
	stop(t, f.svc)
	if f.locker.Held("init.testnet") {
		t.Fatalf("stop left locks behind")
	}
}

func TestResumerLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.CreateAccount(ctx, account.Account{AccountID: "init.testnet", State: account.StateUndockingInit}); err != nil {
		t.Fatalf("create: %v", err)
	}

	r := NewResumer(f.svc, "@every 1h", logger.Discard())
	if r.Name() == "" {
		t.Fatalf("resumer needs a name")
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "startup sweep", func() bool { return f.locker.Held("init.testnet") })

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	bad := NewResumer(f.svc, "not a schedule", logger.Discard())
	if err := bad.Start(ctx); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}
