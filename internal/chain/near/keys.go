package near

import (
	"bytes"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
)

// DerivationPath is the SLIP-10 path NEAR wallets use for seed phrases.
const DerivationPath = "m/44'/397'/0'"

const keyTypeED25519 = "ed25519"

// ErrInvalidKey is returned for malformed keys or seed phrases.
var ErrInvalidKey = errors.New("invalid key")

// KeyPair is an ed25519 key pair in NEAR string encoding. SeedPhrase is empty
// for pairs not derived from a mnemonic.
type KeyPair struct {
	SeedPhrase string
	PublicKey  string
	SecretKey  string
}

// PublicKey is a raw ed25519 public key.
type PublicKey [ed25519.PublicKeySize]byte

// String returns the "ed25519:<base58>" form.
func (pk PublicKey) String() string {
	return keyTypeED25519 + ":" + base58.Encode(pk[:])
}

// ParsePublicKey decodes "ed25519:<base58>". A missing prefix is accepted.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := decodeKey(s)
	if err != nil {
		return pk, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return pk, fmt.Errorf("%w: public key has %d bytes", ErrInvalidKey, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// ParseSecretKey decodes a 64-byte ed25519 secret key (seed followed by the
// public key) or a bare 32-byte seed.
func ParseSecretKey(s string) (ed25519.PrivateKey, error) {
	raw, err := decodeKey(s)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !bytes.Equal(priv[32:], raw[32:]) {
			return nil, fmt.Errorf("%w: public half does not match seed", ErrInvalidKey)
		}
		return priv, nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("%w: secret key has %d bytes", ErrInvalidKey, len(raw))
	}
}

// KeyPairFromSecret rebuilds the string pair for a secret key.
func KeyPairFromSecret(secret string) (KeyPair, error) {
	priv, err := ParseSecretKey(secret)
	if err != nil {
		return KeyPair{}, err
	}
	return keyPairFromPrivate(priv), nil
}

func keyPairFromPrivate(priv ed25519.PrivateKey) KeyPair {
	var pk PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	return KeyPair{
		PublicKey: pk.String(),
		SecretKey: keyTypeED25519 + ":" + base58.Encode(priv),
	}
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if typ, body, ok := strings.Cut(s, ":"); ok {
		if !strings.EqualFold(typ, keyTypeED25519) {
			return nil, fmt.Errorf("%w: unsupported key type %q", ErrInvalidKey, typ)
		}
		s = body
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return raw, nil
}

// NormalizeSeedPhrase lowercases the phrase and collapses whitespace.
func NormalizeSeedPhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// ParseSeedPhrase derives the key pair a NEAR wallet derives for phrase.
func ParseSeedPhrase(phrase string) (KeyPair, error) {
	phrase = NormalizeSeedPhrase(phrase)
	seed, err := bip39.NewSeedWithErrorChecking(phrase, "")
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, err := deriveED25519(seed, DerivationPath)
	if err != nil {
		return KeyPair{}, err
	}
	kp := keyPairFromPrivate(ed25519.NewKeyFromSeed(key))
	kp.SeedPhrase = phrase
	return kp, nil
}

// GenerateKeyPair creates a fresh 12-word seed phrase and its key pair.
func GenerateKeyPair() (KeyPair, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return KeyPair{}, fmt.Errorf("entropy: %w", err)
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return KeyPair{}, fmt.Errorf("mnemonic: %w", err)
	}
	return ParseSeedPhrase(phrase)
}

// deriveED25519 implements SLIP-10 for ed25519, which only defines hardened
// children.
func deriveED25519(seed []byte, path string) ([]byte, error) {
	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)
	key, chain := sum[:32], sum[32:]

	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] != "m" {
		return nil, fmt.Errorf("%w: bad derivation path %q", ErrInvalidKey, path)
	}
	for _, seg := range segments[1:] {
		if !strings.HasSuffix(seg, "'") {
			return nil, fmt.Errorf("%w: ed25519 derivation requires hardened segments, got %q", ErrInvalidKey, seg)
		}
		idx, err := strconv.ParseUint(strings.TrimSuffix(seg, "'"), 10, 31)
		if err != nil {
			return nil, fmt.Errorf("%w: bad path segment %q", ErrInvalidKey, seg)
		}

		data := make([]byte, 0, 37)
		data = append(data, 0)
		data = append(data, key...)
		data = binary.BigEndian.AppendUint32(data, uint32(idx)+0x80000000)

		mac := hmac.New(sha512.New, chain)
		mac.Write(data)
		sum := mac.Sum(nil)
		key, chain = sum[:32], sum[32:]
	}
	return key, nil
}
