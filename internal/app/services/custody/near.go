package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/custody_layer/internal/chain/near"
	"github.com/R3E-Network/custody_layer/pkg/logger"
)

// Chain is the subset of the NEAR RPC client the facade needs.
type Chain interface {
	ViewAccessKeyList(ctx context.Context, accountID string) ([]near.AccessKeyInfo, error)
	SendActions(ctx context.Context, accountID string, signer near.KeyPair, actions ...near.Action) (string, error)
}

// Resolver maps a public key to the account that holds it.
type Resolver interface {
	AccountByPublicKey(ctx context.Context, publicKey string) (string, error)
}

// Observer is notified after every remote call.
type Observer func(op string, err error)

// Near implements Facade against a NEAR node and wallet indexer.
type Near struct {
	chain    Chain
	resolver Resolver
	keys     *near.KeyStore
	timeout  time.Duration
	observe  Observer
	log      *logger.Logger
}

var _ Facade = (*Near)(nil)

// Option configures a Near facade.
type Option func(*Near)

// WithRequestTimeout bounds every remote call.
func WithRequestTimeout(d time.Duration) Option {
	return func(n *Near) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithObserver registers a callback for remote call outcomes.
func WithObserver(o Observer) Option {
	return func(n *Near) { n.observe = o }
}

// WithLogger sets the facade logger.
func WithLogger(log *logger.Logger) Option {
	return func(n *Near) {
		if log != nil {
			n.log = log
		}
	}
}

// NewNear builds the facade. networkID scopes the local key store.
func NewNear(chain Chain, resolver Resolver, networkID string, opts ...Option) *Near {
	n := &Near{
		chain:    chain,
		resolver: resolver,
		keys:     near.NewKeyStore(networkID),
		timeout:  15 * time.Second,
		log:      logger.NewDefault("custody"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Near) ResolveAccountID(ctx context.Context, publicKey string) (string, error) {
	if _, err := near.ParsePublicKey(publicKey); err != nil {
		return "", fmt.Errorf("resolve account: %w: %v", ErrValidation, err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	id, err := n.resolver.AccountByPublicKey(ctx, publicKey)
	n.record("resolve_account", err)
	if err != nil {
		return "", classify("resolve account", err)
	}
	return id, nil
}

func (n *Near) DeriveCredentials(ctx context.Context, seedPhrase string) (Credentials, error) {
	kp, err := near.ParseSeedPhrase(seedPhrase)
	if err != nil {
		return Credentials{}, fmt.Errorf("derive credentials: %w: invalid seed phrase", ErrValidation)
	}
	accountID, err := n.ResolveAccountID(ctx, kp.PublicKey)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{AccountID: accountID, PublicKey: kp.PublicKey, PrivateKey: kp.SecretKey}, nil
}

func (n *Near) GenerateKeyPairs(count int) ([]KeyPair, error) {
	if count < 1 {
		return nil, fmt.Errorf("generate key pairs: %w: count must be positive", ErrValidation)
	}
	out := make([]KeyPair, 0, count)
	for i := 0; i < count; i++ {
		kp, err := near.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate key pair: %w", err)
		}
		out = append(out, KeyPair{PublicKey: kp.PublicKey, PrivateKey: kp.SecretKey, SeedPhrase: kp.SeedPhrase})
	}
	return out, nil
}

func (n *Near) GrantLocalSigningAuthority(_ context.Context, accountID, privateKey string) error {
	if accountID == "" {
		return fmt.Errorf("grant authority: %w: account id is required", ErrValidation)
	}
	kp, err := near.KeyPairFromSecret(privateKey)
	if err != nil {
		return fmt.Errorf("grant authority: %w: %v", ErrValidation, err)
	}
	n.keys.SetKey(accountID, kp)
	return nil
}

// ReleaseSigningAuthority forgets the signer granted for accountID.
func (n *Near) ReleaseSigningAuthority(accountID string) {
	n.keys.RemoveKey(accountID)
}

func (n *Near) AddAccessKeys(ctx context.Context, accountID string, publicKeys []string) error {
	return n.mutate(ctx, "add_key", accountID, publicKeys, func(pk near.PublicKey) near.Action {
		return near.AddFullAccessKey{PublicKey: pk}
	})
}

// RemoveAccessKeys deletes each key in its own transaction. A key the ledger
// reports as absent counts as removed.
func (n *Near) RemoveAccessKeys(ctx context.Context, accountID string, publicKeys []string) error {
	return n.mutate(ctx, "delete_key", accountID, publicKeys, func(pk near.PublicKey) near.Action {
		return near.DeleteKey{PublicKey: pk}
	})
}

func (n *Near) PruneAccessKeys(ctx context.Context, accountID string, keep []string) error {
	current, err := n.listKeys(ctx, accountID)
	if err != nil {
		return err
	}
	keepSet := toSet(keep)
	var remove []string
	for _, k := range current {
		if _, ok := keepSet[k.PublicKey]; !ok {
			remove = append(remove, k.PublicKey)
		}
	}
	if len(remove) == 0 {
		return nil
	}
	n.log.WithField("account_id", accountID).
		WithField("keys", len(remove)).
		Info("pruning access keys")
	return n.RemoveAccessKeys(ctx, accountID, remove)
}

func (n *Near) CountNewFullAccessKeys(ctx context.Context, accountID string, excluding []string, minCount int) (bool, error) {
	current, err := n.listKeys(ctx, accountID)
	if err != nil {
		return false, err
	}
	skip := toSet(excluding)
	found := 0
	for _, k := range current {
		if !k.FullAccess {
			continue
		}
		if _, ok := skip[k.PublicKey]; ok {
			continue
		}
		found++
	}
	return found >= minCount, nil
}

func (n *Near) listKeys(ctx context.Context, accountID string) ([]near.AccessKeyInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	keys, err := n.chain.ViewAccessKeyList(ctx, accountID)
	n.record("list_keys", err)
	if err != nil {
		return nil, classify("list access keys", err)
	}
	return keys, nil
}

func (n *Near) mutate(ctx context.Context, op, accountID string, publicKeys []string, build func(near.PublicKey) near.Action) error {
	parsed := make([]near.PublicKey, len(publicKeys))
	for i, raw := range publicKeys {
		pk, err := near.ParsePublicKey(raw)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", op, ErrValidation, err)
		}
		parsed[i] = pk
	}

	signer, ok := n.keys.GetKey(accountID)
	if !ok {
		return fmt.Errorf("%s: %w: no signing authority granted for %s", op, ErrRemoteRejected, accountID)
	}

	partial := &PartialError{Op: op, Failed: map[string]error{}}
	for i, pk := range parsed {
		err := n.send(ctx, op, accountID, signer, build(pk))
		if err != nil && op == "delete_key" && alreadyRemoved(err, signer, pk) {
			n.log.WithField("account_id", accountID).
				WithField("public_key", publicKeys[i]).
				Info("access key already absent")
			err = nil
		}
		if err != nil {
			partial.Failed[publicKeys[i]] = classify(op, err)
			continue
		}
		partial.Succeeded = append(partial.Succeeded, publicKeys[i])
	}
	if len(partial.Failed) > 0 {
		return partial
	}
	return nil
}

func (n *Near) send(ctx context.Context, op, accountID string, signer near.KeyPair, action near.Action) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	_, err := n.chain.SendActions(ctx, accountID, signer, action)
	n.record(op, err)
	return err
}

func (n *Near) record(op string, err error) {
	if n.observe != nil {
		n.observe(op, err)
	}
}

// alreadyRemoved treats a missing target key as success. When the signer is
// the key being removed, a missing signer means an earlier attempt landed.
func alreadyRemoved(err error, signer near.KeyPair, target near.PublicKey) bool {
	if near.IsKeyNotFound(err) {
		return true
	}
	return errors.Is(err, near.ErrSignerNotAuthorized) && signer.PublicKey == target.String()
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, near.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, ErrRemoteUnavailable, err)
	case errors.Is(err, near.ErrNoAccount):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, near.ErrInvalidKey):
		return fmt.Errorf("%s: %w: %w", op, ErrValidation, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrRemoteRejected, err)
	}
}

func toSet(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}
