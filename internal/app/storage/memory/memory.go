package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/R3E-Network/custody_layer/internal/app/domain/account"
	"github.com/R3E-Network/custody_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]account.Account
}

var _ storage.AccountStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{accounts: make(map[string]account.Account)}
}

// AccountStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	if strings.TrimSpace(acct.AccountID) == "" {
		return account.Account{}, fmt.Errorf("account id is required")
	}
	if acct.State == "" {
		acct.State = account.StateDocking
	}
	if !acct.State.Valid() {
		return account.Account{}, fmt.Errorf("invalid state %q", acct.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acct.AccountID]; exists {
		return account.Account{}, fmt.Errorf("account %s: %w", acct.AccountID, storage.ErrDuplicate)
	}

	now := storage.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	s.accounts[acct.AccountID] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, accountID string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return account.Account{}, fmt.Errorf("account %s: %w", accountID, storage.ErrNotFound)
	}
	return acct, nil
}

func (s *Store) ListAccounts(_ context.Context, filter storage.Filter, page storage.PageOptions) ([]account.Account, error) {
	page = page.Normalize()

	s.mu.RLock()
	matched := make([]account.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		if matches(acct, filter) {
			matched = append(matched, acct)
		}
	}
	s.mu.RUnlock()

	sortAccounts(matched, page.Sort)

	start := page.Offset()
	if start >= len(matched) {
		return []account.Account{}, nil
	}
	end := start + page.Size
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func (s *Store) CountAccounts(_ context.Context, filter storage.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, acct := range s.accounts {
		if matches(acct, filter) {
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateAccount(_ context.Context, accountID string, update storage.AccountUpdate) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return account.Account{}, fmt.Errorf("account %s: %w", accountID, storage.ErrNotFound)
	}
	if update.State != nil && !update.State.Valid() {
		return account.Account{}, fmt.Errorf("invalid state %q", *update.State)
	}
	if !update.Applies(acct.State) {
		return account.Account{}, fmt.Errorf("account %s in state %s: %w", accountID, acct.State, storage.ErrConflict)
	}
	if update.State != nil {
		acct.State = *update.State
	}
	if update.SeedKeyIsDeleted != nil {
		acct.SeedKey.IsDeleted = *update.SeedKeyIsDeleted
	}
	if update.BackupKeyIsDeleted != nil {
		acct.BackupKey.IsDeleted = *update.BackupKeyIsDeleted
	}
	acct.UpdatedAt = storage.Now()

	s.accounts[accountID] = acct
	return acct, nil
}

func (s *Store) DeleteAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return fmt.Errorf("account %s: %w", accountID, storage.ErrNotFound)
	}
	delete(s.accounts, accountID)
	return nil
}

func matches(acct account.Account, f storage.Filter) bool {
	if f.AccountID != "" && acct.AccountID != f.AccountID {
		return false
	}
	if f.UserID != "" && acct.UserID != f.UserID {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if acct.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortAccounts(list []account.Account, by storage.Sort) {
	less := func(a, b account.Account) bool {
		switch by.Property {
		case "accountId":
			return a.AccountID < b.AccountID
		case "userId":
			return a.UserID < b.UserID
		case "state":
			return a.State.Before(b.State)
		case "updatedAt":
			return a.UpdatedAt.Before(b.UpdatedAt)
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if by.Direction == storage.SortDesc {
			a, b = b, a
		}
		if less(a, b) {
			return true
		}
		if less(b, a) {
			return false
		}
		return a.AccountID < b.AccountID
	})
}
