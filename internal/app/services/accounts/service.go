package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/R3E-Network/custody_layer/internal/app/domain/account"
	"github.com/R3E-Network/custody_layer/internal/app/events"
	"github.com/R3E-Network/custody_layer/internal/app/metrics"
	"github.com/R3E-Network/custody_layer/internal/app/services/custody"
	"github.com/R3E-Network/custody_layer/internal/app/storage"
	"github.com/R3E-Network/custody_layer/internal/app/system"
	"github.com/R3E-Network/custody_layer/pkg/logger"
)

var (
	// ErrInvalidState is returned when a record is not in the state an
	// operation requires.
	ErrInvalidState = errors.New("invalid account state")
	// ErrAccountBusy is returned when another operation holds the account.
	ErrAccountBusy = errors.New("account is busy")
	// ErrStopped is returned once the service has been stopped.
	ErrStopped = errors.New("accounts service stopped")
)

// DockRequest carries the owner's seed phrase and the requesting user.
type DockRequest struct {
	SeedPhrase string `json:"seedPhrase"`
	UserID     string `json:"userId"`
}

// Page is a window of accounts plus the total matching count. Page.Size is
// the number of records returned.
type Page struct {
	TotalItems int      `json:"totalItems"`
	Page       PageData `json:"page"`
}

// PageData describes the returned window.
type PageData struct {
	Index int               `json:"index"`
	Size  int               `json:"size"`
	Sort  storage.Sort      `json:"sort"`
	Data  []account.Account `json:"data"`
}

// Service drives accounts through the custody lifecycle.
type Service struct {
	store  storage.AccountStore
	facade custody.Facade
	sink   events.Sink
	locker Locker
	poll   PollPolicy
	log    *logger.Logger

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

var _ system.Service = (*Service)(nil)

// Option customises a Service.
type Option func(*Service)

// WithSink sets where lifecycle events are published.
func WithSink(sink events.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLocker replaces the in-process locker.
func WithLocker(locker Locker) Option {
	return func(s *Service) {
		if locker != nil {
			s.locker = locker
		}
	}
}

// WithPollPolicy sets how undocking runs wait for the owner.
func WithPollPolicy(policy PollPolicy) Option {
	return func(s *Service) { s.poll = policy.normalize() }
}

// New creates an account lifecycle service.
func New(store storage.AccountStore, facade custody.Facade, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("accounts")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:   store,
		facade:  facade,
		sink:    events.SinkFunc(func(events.Event) {}),
		locker:  NewMemoryLocker(),
		poll:    DefaultPollPolicy(),
		log:     log,
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string { return "accounts" }

// Start is a no-op; runs are launched on demand.
func (s *Service) Start(context.Context) error {
	s.log.Info("account lifecycle service started")
	return nil
}

// Stop cancels in-flight undocking runs and waits for them to exit. Records
// stay at their last persisted state and can be resumed later.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("account lifecycle service stopped")
	return nil
}

// Dock takes custody of the account controlled by req.SeedPhrase. Docking an
// account that already has a record returns that record untouched.
func (s *Service) Dock(ctx context.Context, req DockRequest) (account.Account, error) {
	if strings.TrimSpace(req.SeedPhrase) == "" {
		return account.Account{}, fmt.Errorf("%w: seed phrase is required", custody.ErrValidation)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return account.Account{}, fmt.Errorf("%w: user id is required", custody.ErrValidation)
	}

	creds, err := s.facade.DeriveCredentials(ctx, req.SeedPhrase)
	if err != nil {
		return account.Account{}, fmt.Errorf("derive credentials: %w", err)
	}
	if existing, ok, err := s.lookup(ctx, creds.AccountID); err != nil || ok {
		return existing, err
	}

	lease, unlock, ok, err := s.locker.TryLock(ctx, creds.AccountID)
	if err != nil {
		return account.Account{}, fmt.Errorf("lock %s: %w", creds.AccountID, err)
	}
	if !ok {
		return account.Account{}, fmt.Errorf("%w: %s", ErrAccountBusy, creds.AccountID)
	}
	defer unlock()
	defer s.facade.ReleaseSigningAuthority(creds.AccountID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(lease, cancel)()

	if existing, ok, err := s.lookup(ctx, creds.AccountID); err != nil || ok {
		return existing, err
	}

	pairs, err := s.facade.GenerateKeyPairs(2)
	if err != nil {
		return account.Account{}, fmt.Errorf("generate custodial keys: %w", err)
	}
	created, err := s.store.CreateAccount(ctx, account.Account{
		AccountID: creds.AccountID,
		UserID:    req.UserID,
		SeedKey:   keyFrom(pairs[0]),
		BackupKey: keyFrom(pairs[1]),
		State:     account.StateDocking,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return s.store.GetAccount(ctx, creds.AccountID)
	}
	if err != nil {
		return account.Account{}, fmt.Errorf("create account: %w", err)
	}
	if created.State != account.StateDocking {
		return account.Account{}, fmt.Errorf("%w: %s is %s after creation", ErrInvalidState, created.AccountID, created.State)
	}

	docked, err := s.completeDocking(ctx, created, creds)
	if err != nil {
		s.log.WithError(err).WithField("account_id", created.AccountID).Warn("docking failed")
		return account.Account{}, err
	}
	s.log.WithField("account_id", docked.AccountID).WithField("user_id", docked.UserID).Info("account docked")
	return docked, nil
}

// completeDocking hands control of the account to the custodial keys.
func (s *Service) completeDocking(ctx context.Context, acct account.Account, owner custody.Credentials) (account.Account, error) {
	if err := s.facade.GrantLocalSigningAuthority(ctx, acct.AccountID, owner.PrivateKey); err != nil {
		return account.Account{}, fmt.Errorf("grant owner key: %w", err)
	}
	if err := s.facade.AddAccessKeys(ctx, acct.AccountID, acct.CustodialPublicKeys()); err != nil {
		return account.Account{}, fmt.Errorf("add custodial keys: %w", err)
	}
	if err := s.facade.GrantLocalSigningAuthority(ctx, acct.AccountID, acct.SeedKey.PrivateKey); err != nil {
		return account.Account{}, fmt.Errorf("grant seed key: %w", err)
	}
	if err := s.facade.PruneAccessKeys(ctx, acct.AccountID, acct.CustodialPublicKeys()); err != nil {
		return account.Account{}, fmt.Errorf("remove owner keys: %w", err)
	}
	return s.advance(ctx, acct, account.StateDocked, storage.AccountUpdate{})
}

func (s *Service) lookup(ctx context.Context, accountID string) (account.Account, bool, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	switch {
	case err == nil:
		return acct, true, nil
	case errors.Is(err, storage.ErrNotFound):
		return account.Account{}, false, nil
	default:
		return account.Account{}, false, fmt.Errorf("load account: %w", err)
	}
}

// GetSingle returns one record.
func (s *Service) GetSingle(ctx context.Context, accountID string) (account.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// Get returns a page of records matching filter.
func (s *Service) Get(ctx context.Context, filter storage.Filter, opts storage.PageOptions) (Page, error) {
	opts = opts.Normalize()
	items, err := s.store.ListAccounts(ctx, filter, opts)
	if err != nil {
		return Page{}, fmt.Errorf("list accounts: %w", err)
	}
	total, err := s.store.CountAccounts(ctx, filter)
	if err != nil {
		return Page{}, fmt.Errorf("count accounts: %w", err)
	}
	if items == nil {
		items = []account.Account{}
	}
	return Page{
		TotalItems: total,
		Page: PageData{
			Index: opts.Index,
			Size:  len(items),
			Sort:  opts.Sort,
			Data:  items,
		},
	}, nil
}

// InitUndocking starts returning custody of the account to its owner. It
// returns false when there is no record or the record is still docking. The
// run continues in the background; a call while a run is in flight returns
// true without starting another.
func (s *Service) InitUndocking(ctx context.Context, accountID string) (bool, error) {
	accepted, _, err := s.startUndocking(ctx, accountID)
	return accepted, err
}

// startUndocking is InitUndocking that also reports whether this call
// launched a run, as opposed to finding one already in flight.
func (s *Service) startUndocking(ctx context.Context, accountID string) (accepted, started bool, err error) {
	acct, ok, err := s.lookup(ctx, accountID)
	if err != nil || !ok {
		return false, false, err
	}
	if !acct.State.Undockable() {
		return false, false, nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false, false, ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	lease, unlock, locked, err := s.locker.TryLock(ctx, accountID)
	if err != nil || !locked {
		s.wg.Done()
		if err != nil {
			return false, false, fmt.Errorf("lock %s: %w", accountID, err)
		}
		return true, false, nil
	}

	go s.run(accountID, lease, unlock)
	return true, true, nil
}

// run drives one undocking run. It stops at the next blocking step when the
// service stops or the lock lease ends.
func (s *Service) run(accountID string, lease context.Context, unlock func()) {
	defer s.wg.Done()
	defer unlock()
	defer s.facade.ReleaseSigningAuthority(accountID)
	defer metrics.TrackUndockingRun()()

	log := s.log.WithField("account_id", accountID)
	defer func() {
		if r := recover(); r != nil {
			s.fail(accountID, fmt.Errorf("undocking panicked: %v", r))
		}
	}()

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	defer context.AfterFunc(lease, cancel)()

	acct, ok, err := s.lookup(ctx, accountID)
	if err != nil {
		s.fail(accountID, err)
		return
	}
	if !ok {
		log.Debug("account removed before undocking run started")
		return
	}
	if err := s.runUndocking(ctx, acct); err != nil {
		if errors.Is(err, context.Canceled) && s.baseCtx.Err() != nil {
			log.Info("undocking run interrupted by shutdown")
			return
		}
		if lease.Err() != nil {
			err = fmt.Errorf("%w: lock on %s lost mid-run: %v", ErrAccountBusy, accountID, err)
		}
		s.fail(accountID, err)
		return
	}
	log.Info("account undocked")
}

// runUndocking executes every remaining step from the record's current state.
// A run started from docked passes through each later case in turn.
func (s *Service) runUndocking(ctx context.Context, acct account.Account) error {
	var err error
	switch acct.State {
	case account.StateDocked:
		if acct, err = s.advance(ctx, acct, account.StateUndockingInit, storage.AccountUpdate{}); err != nil {
			return err
		}
		s.publish(events.New(events.UndockingInit, acct.AccountID))
		fallthrough

	case account.StateUndockingInit:
		if err = s.awaitNewKeys(ctx, acct, 1); err != nil {
			return err
		}
		if err = s.revoke(ctx, acct.AccountID, acct.SeedKey); err != nil {
			return fmt.Errorf("revoke seed key: %w", err)
		}
		deleted := true
		if acct, err = s.advance(ctx, acct, account.StateUndockingSeedUsed, storage.AccountUpdate{SeedKeyIsDeleted: &deleted}); err != nil {
			return err
		}
		s.publish(events.New(events.UndockingSeedUsed, acct.AccountID))
		fallthrough

	case account.StateUndockingSeedUsed:
		if err = s.awaitNewKeys(ctx, acct, 2); err != nil {
			return err
		}
		if err = s.revoke(ctx, acct.AccountID, acct.BackupKey); err != nil {
			return fmt.Errorf("revoke backup key: %w", err)
		}
		deleted := true
		if acct, err = s.advance(ctx, acct, account.StateUndocked, storage.AccountUpdate{BackupKeyIsDeleted: &deleted}); err != nil {
			return err
		}
		s.publish(events.New(events.Undocked, acct.AccountID))
		fallthrough

	case account.StateUndocked:
		if err = s.store.DeleteAccount(ctx, acct.AccountID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete account: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("%w: cannot undock %s from %s", ErrInvalidState, acct.AccountID, acct.State)
	}
}

// revoke removes key from the account, signing with the key itself.
func (s *Service) revoke(ctx context.Context, accountID string, key account.Key) error {
	if err := s.facade.GrantLocalSigningAuthority(ctx, accountID, key.PrivateKey); err != nil {
		return err
	}
	return s.facade.RemoveAccessKeys(ctx, accountID, []string{key.PublicKey})
}

// advance persists a single forward transition together with update.
func (s *Service) advance(ctx context.Context, acct account.Account, next account.State, update storage.AccountUpdate) (account.Account, error) {
	if !acct.State.CanAdvanceTo(next) {
		return account.Account{}, fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidState, acct.AccountID, acct.State, next)
	}
	update.From = &acct.State
	update.State = &next
	updated, err := s.store.UpdateAccount(ctx, acct.AccountID, update)
	if err != nil {
		return account.Account{}, fmt.Errorf("persist %s: %w", next, err)
	}
	metrics.RecordTransition(string(next))
	return updated, nil
}

func (s *Service) fail(accountID string, err error) {
	metrics.RecordUndockingError()
	s.log.WithError(err).WithField("account_id", accountID).Error("undocking run failed")
	s.publish(events.Failed(accountID, err))
}

func (s *Service) publish(e events.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("event", string(e.Name)).Warnf("event sink panicked: %v", r)
		}
	}()
	s.sink.Publish(e)
}

func keyFrom(p custody.KeyPair) account.Key {
	return account.Key{PublicKey: p.PublicKey, PrivateKey: p.PrivateKey, SeedPhrase: p.SeedPhrase}
}
