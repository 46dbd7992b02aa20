package near

import (
	"sync"
)

// KeyStore holds one signing key per account, scoped to a network. Setting a
// key replaces the previous one for that account.
type KeyStore struct {
	mu        sync.RWMutex
	networkID string
	keys      map[string]KeyPair
}

// NewKeyStore creates an empty in-memory key store.
func NewKeyStore(networkID string) *KeyStore {
	return &KeyStore{networkID: networkID, keys: make(map[string]KeyPair)}
}

func (s *KeyStore) slot(accountID string) string {
	return s.networkID + ":" + accountID
}

// SetKey registers kp as the signer for accountID.
func (s *KeyStore) SetKey(accountID string, kp KeyPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[s.slot(accountID)] = kp
}

// GetKey returns the signer for accountID.
func (s *KeyStore) GetKey(accountID string) (KeyPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.keys[s.slot(accountID)]
	return kp, ok
}

// RemoveKey forgets the signer for accountID.
func (s *KeyStore) RemoveKey(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, s.slot(accountID))
}
