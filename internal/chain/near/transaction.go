package near

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// Action variant tags in the NEAR transaction schema.
const (
	actionAddKey    uint8 = 5
	actionDeleteKey uint8 = 6
)

const (
	permissionFullAccess uint8 = 1
	keyTypeTagED25519    uint8 = 0
)

// Action is a transaction action the custody layer emits.
type Action interface {
	encode(buf []byte) []byte
}

// AddFullAccessKey grants a full-access key.
type AddFullAccessKey struct {
	PublicKey PublicKey
}

func (a AddFullAccessKey) encode(buf []byte) []byte {
	buf = append(buf, actionAddKey)
	buf = appendPublicKey(buf, a.PublicKey)
	buf = binary.LittleEndian.AppendUint64(buf, 0) // access key nonce
	return append(buf, permissionFullAccess)
}

// DeleteKey revokes an access key.
type DeleteKey struct {
	PublicKey PublicKey
}

func (a DeleteKey) encode(buf []byte) []byte {
	buf = append(buf, actionDeleteKey)
	return appendPublicKey(buf, a.PublicKey)
}

// Transaction is an unsigned transaction.
type Transaction struct {
	SignerID   string
	PublicKey  PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []Action
}

// Encode returns the borsh serialization of tx.
func (tx Transaction) Encode() []byte {
	buf := make([]byte, 0, 128+len(tx.Actions)*48)
	buf = appendString(buf, tx.SignerID)
	buf = appendPublicKey(buf, tx.PublicKey)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Nonce)
	buf = appendString(buf, tx.ReceiverID)
	buf = append(buf, tx.BlockHash[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Actions)))
	for _, a := range tx.Actions {
		buf = a.encode(buf)
	}
	return buf
}

// Hash returns the sha256 digest that is signed and that identifies the
// transaction on chain.
func (tx Transaction) Hash() [32]byte {
	return sha256.Sum256(tx.Encode())
}

// Sign returns the borsh serialization of the signed transaction and its
// base58 hash.
func (tx Transaction) Sign(priv ed25519.PrivateKey) ([]byte, string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, "", fmt.Errorf("%w: signer key has %d bytes", ErrInvalidKey, len(priv))
	}
	body := tx.Encode()
	hash := sha256.Sum256(body)
	sig := ed25519.Sign(priv, hash[:])

	out := make([]byte, 0, len(body)+1+ed25519.SignatureSize)
	out = append(out, body...)
	out = append(out, keyTypeTagED25519)
	out = append(out, sig...)
	return out, base58.Encode(hash[:]), nil
}

// DecodeBlockHash parses a base58 block hash.
func DecodeBlockHash(s string) ([32]byte, error) {
	var h [32]byte
	raw, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("decode block hash: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("block hash has %d bytes", len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendPublicKey(buf []byte, pk PublicKey) []byte {
	buf = append(buf, keyTypeTagED25519)
	return append(buf, pk[:]...)
}
