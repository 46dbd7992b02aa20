package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/custody_layer/internal/app/domain/account"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("account not found")
	// ErrDuplicate is returned when creating an account whose id already exists.
	ErrDuplicate = errors.New("account already exists")
	// ErrConflict is returned when a state update does not apply to the
	// record's current state.
	ErrConflict = errors.New("account state conflict")
	// ErrUnavailable wraps backend failures (connection loss, timeouts).
	ErrUnavailable = errors.New("account store unavailable")
)

// Filter selects accounts. Zero-value fields do not constrain the result.
type Filter struct {
	AccountID string          `json:"accountId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	States    []account.State `json:"states,omitempty"`
}

// SortDirection orders list results.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Sort names the property and direction used to order a page.
type Sort struct {
	Property  string        `json:"property,omitempty"`
	Direction SortDirection `json:"direction,omitempty"`
}

// PageOptions selects a window of results. Index is zero-based.
type PageOptions struct {
	Index int  `json:"index"`
	Size  int  `json:"size"`
	Sort  Sort `json:"sort"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// Normalize clamps the page size and fills default sort order.
func (p PageOptions) Normalize() PageOptions {
	if p.Index < 0 {
		p.Index = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	if _, ok := SortableProperties[p.Sort.Property]; !ok {
		p.Sort.Property = "createdAt"
	}
	if p.Sort.Direction != SortDesc {
		p.Sort.Direction = SortAsc
	}
	return p
}

// Offset returns the number of records skipped before the page.
func (p PageOptions) Offset() int {
	return p.Index * p.Size
}

// SortableProperties maps API property names to column names.
var SortableProperties = map[string]string{
	"accountId": "account_id",
	"userId":    "user_id",
	"state":     "state",
	"createdAt": "created_at",
	"updatedAt": "updated_at",
}

// AccountUpdate is a partial update. Nil fields are left untouched, so
// setting one key flag never clobbers the rest of the key record.
//
// A new State must equal the stored state or be its direct successor. From,
// when set, additionally requires the stored state to equal it.
type AccountUpdate struct {
	From               *account.State
	State              *account.State
	SeedKeyIsDeleted   *bool
	BackupKeyIsDeleted *bool
}

// AllowedCurrent lists the stored states the update may apply to. A nil
// result means any state.
func (u AccountUpdate) AllowedCurrent() []account.State {
	var allowed []account.State
	if u.State != nil {
		allowed = append(allowed, *u.State)
		if prev, ok := u.State.Prev(); ok {
			allowed = append(allowed, prev)
		}
	}
	if u.From == nil {
		return allowed
	}
	if allowed == nil {
		return []account.State{*u.From}
	}
	for _, st := range allowed {
		if st == *u.From {
			return []account.State{*u.From}
		}
	}
	return []account.State{}
}

// Applies reports whether the update may be applied to a record in current.
func (u AccountUpdate) Applies(current account.State) bool {
	allowed := u.AllowedCurrent()
	if allowed == nil {
		return true
	}
	for _, st := range allowed {
		if st == current {
			return true
		}
	}
	return false
}

// Empty reports whether the update changes nothing.
func (u AccountUpdate) Empty() bool {
	return u.State == nil && u.SeedKeyIsDeleted == nil && u.BackupKeyIsDeleted == nil
}

// AccountStore persists custody records.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, accountID string) (account.Account, error)
	ListAccounts(ctx context.Context, filter Filter, page PageOptions) ([]account.Account, error)
	CountAccounts(ctx context.Context, filter Filter) (int, error)
	UpdateAccount(ctx context.Context, accountID string, update AccountUpdate) (account.Account, error)
	DeleteAccount(ctx context.Context, accountID string) error
}

// Now is the clock used by store implementations.
var Now = func() time.Time { return time.Now().UTC() }
