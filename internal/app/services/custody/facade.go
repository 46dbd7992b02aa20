// Package custody wraps the ledger's access-key management behind a small
// facade the lifecycle manager drives.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrValidation marks malformed input such as an invalid seed phrase.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when no account is known for a public key.
	ErrNotFound = errors.New("account not found on ledger")
	// ErrRemoteUnavailable marks retryable failures: transport errors, 5xx
	// responses and timeouts.
	ErrRemoteUnavailable = errors.New("ledger unavailable")
	// ErrRemoteRejected marks failures the ledger reported. Retrying will not
	// help.
	ErrRemoteRejected = errors.New("ledger rejected request")
)

// Credentials identify an account and the key that controls it.
type Credentials struct {
	AccountID  string
	PublicKey  string
	PrivateKey string
}

// KeyPair is a freshly generated custodial key.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
	SeedPhrase string
}

// Facade is the key-custody surface used by the lifecycle manager.
type Facade interface {
	ResolveAccountID(ctx context.Context, publicKey string) (string, error)
	DeriveCredentials(ctx context.Context, seedPhrase string) (Credentials, error)
	GenerateKeyPairs(n int) ([]KeyPair, error)
	GrantLocalSigningAuthority(ctx context.Context, accountID, privateKey string) error
	ReleaseSigningAuthority(accountID string)
	AddAccessKeys(ctx context.Context, accountID string, publicKeys []string) error
	RemoveAccessKeys(ctx context.Context, accountID string, publicKeys []string) error
	PruneAccessKeys(ctx context.Context, accountID string, keep []string) error
	CountNewFullAccessKeys(ctx context.Context, accountID string, excluding []string, minCount int) (bool, error)
}

// PartialError reports a multi-key operation where some keys failed.
// errors.Is matches against every per-key cause.
type PartialError struct {
	Op        string
	Succeeded []string
	Failed    map[string]error
}

func (e *PartialError) Error() string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Failed[k]))
	}
	return fmt.Sprintf("%s: %d of %d keys failed (%s)",
		e.Op, len(e.Failed), len(e.Failed)+len(e.Succeeded), strings.Join(parts, "; "))
}

func (e *PartialError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// FailedKeys returns the keys that failed, sorted.
func (e *PartialError) FailedKeys() []string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
