package account

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the custody lifecycle position of an account. States only move
// forward in the order declared below.
type State string

const (
	StateDocking           State = "docking"
	StateDocked            State = "docked"
	StateUndockingInit     State = "undocking:init"
	StateUndockingSeedUsed State = "undocking:seedused"
	StateUndocked          State = "undocked"
)

var stateOrder = map[State]int{
	StateDocking:           0,
	StateDocked:            1,
	StateUndockingInit:     2,
	StateUndockingSeedUsed: 3,
	StateUndocked:          4,
}

// States lists every state in lifecycle order.
func States() []State {
	return []State{StateDocking, StateDocked, StateUndockingInit, StateUndockingSeedUsed, StateUndocked}
}

// ParseState validates a raw state string.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if _, ok := stateOrder[s]; !ok {
		return "", fmt.Errorf("unknown account state %q", raw)
	}
	return s, nil
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateOrder[s]
	return ok
}

// Next returns the state that follows s. The terminal state has no successor.
func (s State) Next() (State, bool) {
	switch s {
	case StateDocking:
		return StateDocked, true
	case StateDocked:
		return StateUndockingInit, true
	case StateUndockingInit:
		return StateUndockingSeedUsed, true
	case StateUndockingSeedUsed:
		return StateUndocked, true
	default:
		return "", false
	}
}

// CanAdvanceTo reports whether moving from s to next is a single forward step.
func (s State) CanAdvanceTo(next State) bool {
	n, ok := s.Next()
	return ok && n == next
}

// Prev returns the state that precedes s. The initial state has none.
func (s State) Prev() (State, bool) {
	n, ok := stateOrder[s]
	if !ok || n == 0 {
		return "", false
	}
	return States()[n-1], true
}

// Before reports whether s precedes other in the lifecycle.
func (s State) Before(other State) bool {
	return stateOrder[s] < stateOrder[other]
}

// IsTerminal reports whether s is the final state.
func (s State) IsTerminal() bool {
	return s == StateUndocked
}

// Undockable reports whether an undocking run may be started from s.
func (s State) Undockable() bool {
	switch s {
	case StateDocked, StateUndockingInit, StateUndockingSeedUsed:
		return true
	default:
		return false
	}
}

// UnmarshalJSON rejects unknown states.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Key is a custodial key pair held while the account is docked. IsDeleted
// marks that the key was removed from the remote account; the material is
// kept in storage.
type Key struct {
	PrivateKey string `json:"privateKey,omitempty"`
	PublicKey  string `json:"publicKey"`
	SeedPhrase string `json:"seedPhrase,omitempty"`
	IsDeleted  bool   `json:"isDeleted"`
}

// Account is the custody record for one ledger account.
type Account struct {
	AccountID string    `json:"accountId"`
	UserID    string    `json:"userId"`
	SeedKey   Key       `json:"seedKey"`
	BackupKey Key       `json:"backupKey"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CustodialPublicKeys returns the public keys of both custodial keys.
func (a Account) CustodialPublicKeys() []string {
	return []string{a.SeedKey.PublicKey, a.BackupKey.PublicKey}
}

// Redacted returns a copy with private key material removed, suitable for
// API responses and logs.
func (a Account) Redacted() Account {
	a.SeedKey.PrivateKey, a.SeedKey.SeedPhrase = "", ""
	a.BackupKey.PrivateKey, a.BackupKey.SeedPhrase = "", ""
	return a
}
