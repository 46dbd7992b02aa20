// Package custodytest provides an in-memory ledger implementing
// custody.Facade for tests.
package custodytest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/R3E-Network/custody_layer/internal/app/services/custody"
)

// Call records one facade invocation.
type Call struct {
	Op        string
	AccountID string
	Keys      []string
	MinCount  int
	Result    bool
}

// Ledger is a fake ledger. Private keys are "priv:<public>" so the fake can
// map a granted secret back to its public key.
type Ledger struct {
	mu       sync.Mutex
	seeds    map[string]custody.Credentials
	accounts map[string]map[string]bool // account -> public key -> full access
	granted  map[string]string          // account -> public key of signer
	calls    []Call
	failures map[string][]error
	counter  int
}

var _ custody.Facade = (*Ledger)(nil)

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		seeds:    make(map[string]custody.Credentials),
		accounts: make(map[string]map[string]bool),
		granted:  make(map[string]string),
		failures: make(map[string][]error),
	}
}

// PrivateFor returns the fake private key for a public key.
func PrivateFor(publicKey string) string { return "priv:" + publicKey }

// Register creates accountID on the ledger with an owner key and makes
// seedPhrase resolve to it. extraKeys are added as function-call keys.
func (l *Ledger) Register(seedPhrase, accountID string, extraKeys ...string) custody.Credentials {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := "ed25519:owner-" + accountID
	creds := custody.Credentials{AccountID: accountID, PublicKey: owner, PrivateKey: PrivateFor(owner)}
	l.seeds[seedPhrase] = creds
	keys := map[string]bool{owner: true}
	for _, k := range extraKeys {
		keys[k] = false
	}
	l.accounts[accountID] = keys
	return creds
}

// OwnerAddsKey simulates the owner adding a new full-access key.
func (l *Ledger) OwnerAddsKey(accountID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	pk := fmt.Sprintf("ed25519:owner-new-%d", l.counter)
	if l.accounts[accountID] == nil {
		l.accounts[accountID] = map[string]bool{}
	}
	l.accounts[accountID][pk] = true
	return pk
}

// Keys returns the account's current keys, sorted.
func (l *Ledger) Keys(accountID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.accounts[accountID]))
	for k := range l.accounts[accountID] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasKey reports whether the account currently holds pk.
func (l *Ledger) HasKey(accountID, pk string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.accounts[accountID][pk]
	return ok
}

// Calls returns a copy of the recorded invocations.
func (l *Ledger) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// CallsOf returns the recorded invocations of op.
func (l *Ledger) CallsOf(op string) []Call {
	var out []Call
	for _, c := range l.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// MutationCount counts calls that change remote keys.
func (l *Ledger) MutationCount() int {
	n := 0
	for _, c := range l.Calls() {
		switch c.Op {
		case "AddAccessKeys", "RemoveAccessKeys", "PruneAccessKeys":
			n++
		}
	}
	return n
}

// FailNext makes the next calls of op return errs in order.
func (l *Ledger) FailNext(op string, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = append(l.failures[op], errs...)
}

func (l *Ledger) takeFailure(op string) error {
	queue := l.failures[op]
	if len(queue) == 0 {
		return nil
	}
	l.failures[op] = queue[1:]
	return queue[0]
}

func (l *Ledger) record(c Call) {
	c.Keys = append([]string(nil), c.Keys...)
	l.calls = append(l.calls, c)
}

func (l *Ledger) ResolveAccountID(_ context.Context, publicKey string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(Call{Op: "ResolveAccountID", Keys: []string{publicKey}})
	if err := l.takeFailure("ResolveAccountID"); err != nil {
		return "", err
	}
	for id, keys := range l.accounts {
		if _, ok := keys[publicKey]; ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("resolve account: %w", custody.ErrNotFound)
}

func (l *Ledger) DeriveCredentials(ctx context.Context, seedPhrase string) (custody.Credentials, error) {
	l.mu.Lock()
	creds, ok := l.seeds[strings.TrimSpace(seedPhrase)]
	if err := l.takeFailure("DeriveCredentials"); err != nil {
		l.mu.Unlock()
		return custody.Credentials{}, err
	}
	l.mu.Unlock()
	if !ok {
		return custody.Credentials{}, fmt.Errorf("derive credentials: %w: invalid seed phrase", custody.ErrValidation)
	}
	id, err := l.ResolveAccountID(ctx, creds.PublicKey)
	if err != nil {
		return custody.Credentials{}, err
	}
	creds.AccountID = id
	return creds, nil
}

func (l *Ledger) GenerateKeyPairs(n int) ([]custody.KeyPair, error) {
	if n < 1 {
		return nil, fmt.Errorf("generate key pairs: %w", custody.ErrValidation)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]custody.KeyPair, 0, n)
	for i := 0; i < n; i++ {
		l.counter++
		pk := fmt.Sprintf("ed25519:custodial-%d", l.counter)
		out = append(out, custody.KeyPair{
			PublicKey:  pk,
			PrivateKey: PrivateFor(pk),
			SeedPhrase: fmt.Sprintf("seed words %d", l.counter),
		})
	}
	return out, nil
}

func (l *Ledger) GrantLocalSigningAuthority(_ context.Context, accountID, privateKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	pk, ok := strings.CutPrefix(privateKey, "priv:")
	if !ok {
		return fmt.Errorf("grant authority: %w: malformed key", custody.ErrValidation)
	}
	l.record(Call{Op: "GrantLocalSigningAuthority", AccountID: accountID, Keys: []string{pk}})
	l.granted[accountID] = pk
	return nil
}

func (l *Ledger) ReleaseSigningAuthority(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(Call{Op: "ReleaseSigningAuthority", AccountID: accountID})
	delete(l.granted, accountID)
}

// Granted reports whether a signer is currently held for accountID.
func (l *Ledger) Granted(accountID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.granted[accountID]
	return ok
}

// authorized reports whether the granted signer is still on the account.
// Callers hold l.mu.
func (l *Ledger) authorized(accountID string) (string, error) {
	signer, ok := l.granted[accountID]
	if !ok {
		return "", fmt.Errorf("%w: no signing authority for %s", custody.ErrRemoteRejected, accountID)
	}
	if _, ok := l.accounts[accountID][signer]; !ok {
		return signer, fmt.Errorf("%w: signer %s is not an access key of %s", custody.ErrRemoteRejected, signer, accountID)
	}
	return signer, nil
}

func (l *Ledger) AddAccessKeys(_ context.Context, accountID string, publicKeys []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(Call{Op: "AddAccessKeys", AccountID: accountID, Keys: publicKeys})
	if err := l.takeFailure("AddAccessKeys"); err != nil {
		return err
	}
	if _, err := l.authorized(accountID); err != nil {
		return err
	}
	for _, pk := range publicKeys {
		l.accounts[accountID][pk] = true
	}
	return nil
}

func (l *Ledger) RemoveAccessKeys(_ context.Context, accountID string, publicKeys []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(Call{Op: "RemoveAccessKeys", AccountID: accountID, Keys: publicKeys})
	if err := l.takeFailure("RemoveAccessKeys"); err != nil {
		return err
	}
	return l.removeLocked(accountID, publicKeys)
}

func (l *Ledger) removeLocked(accountID string, publicKeys []string) error {
	signer, err := l.authorized(accountID)
	if err != nil {
		// The signer removing itself already landed.
		if signer != "" && len(publicKeys) == 1 && publicKeys[0] == signer {
			return nil
		}
		return err
	}
	for _, pk := range publicKeys {
		delete(l.accounts[accountID], pk)
	}
	return nil
}

func (l *Ledger) PruneAccessKeys(_ context.Context, accountID string, keep []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(Call{Op: "PruneAccessKeys", AccountID: accountID, Keys: keep})
	if err := l.takeFailure("PruneAccessKeys"); err != nil {
		return err
	}
	keepSet := map[string]bool{}
	for _, k := range keep {
		keepSet[k] = true
	}
	var remove []string
	for k := range l.accounts[accountID] {
		if !keepSet[k] {
			remove = append(remove, k)
		}
	}
	if len(remove) == 0 {
		return nil
	}
	return l.removeLocked(accountID, remove)
}

func (l *Ledger) CountNewFullAccessKeys(_ context.Context, accountID string, excluding []string, minCount int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure("CountNewFullAccessKeys"); err != nil {
		l.record(Call{Op: "CountNewFullAccessKeys", AccountID: accountID, Keys: excluding, MinCount: minCount})
		return false, err
	}
	skip := map[string]bool{}
	for _, k := range excluding {
		skip[k] = true
	}
	found := 0
	for k, full := range l.accounts[accountID] {
		if full && !skip[k] {
			found++
		}
	}
	ok := found >= minCount
	l.record(Call{Op: "CountNewFullAccessKeys", AccountID: accountID, Keys: excluding, MinCount: minCount, Result: ok})
	return ok, nil
}
