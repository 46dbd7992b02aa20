// Package near provides NEAR JSON-RPC access, key handling and transaction
// signing for access-key management.
package near

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrUnavailable marks transport failures, 5xx responses and timeouts.
	ErrUnavailable = errors.New("near rpc unavailable")
	// ErrSignerNotAuthorized is returned when the signing key is not an
	// access key of the account.
	ErrSignerNotAuthorized = errors.New("signer key is not an access key of the account")
)

// Client is a NEAR JSON-RPC client.
type Client struct {
	rpcURL     string
	httpClient *http.Client

	mu     sync.Mutex
	nonces map[string]uint64 // last nonce used per accountID|publicKey
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// NewClient creates a new NEAR RPC client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL:     cfg.RPCURL,
		httpClient: &http.Client{Timeout: timeout},
		nonces:     make(map[string]uint64),
	}, nil
}

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// RPCError is an error reported by the node, either as a JSON-RPC error
// object or as an error string inside a query result.
type RPCError struct {
	Code    int64
	Name    string
	Cause   string
	Message string
	Data    string
	Info    string
}

func (e *RPCError) Error() string {
	parts := []string{"near rpc error"}
	if e.Cause != "" {
		parts = append(parts, e.Cause)
	} else if e.Name != "" {
		parts = append(parts, e.Name)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Data != "" {
		parts = append(parts, e.Data)
	}
	return strings.Join(parts, ": ")
}

// TxFailure is a transaction that was included but failed to execute.
type TxFailure struct {
	Hash    string
	Failure string
}

func (e *TxFailure) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.Hash, e.Failure)
}

// IsKeyNotFound reports whether err says an access key does not exist.
func IsKeyNotFound(err error) bool {
	var rpcErr *RPCError
	var txErr *TxFailure
	var text string
	switch {
	case errors.As(err, &rpcErr):
		if rpcErr.Cause == "UNKNOWN_ACCESS_KEY" {
			return true
		}
		text = rpcErr.Message + " " + rpcErr.Data
	case errors.As(err, &txErr):
		text = txErr.Failure
	default:
		return false
	}
	return strings.Contains(text, "DeleteKeyDoesNotExist") ||
		strings.Contains(text, "AccessKeyNotFound") ||
		strings.Contains(text, "does not exist while viewing")
}

var invalidNoncePaths = []string{
	"TxExecutionError.InvalidTxError.InvalidNonce.ak_nonce",
	"InvalidTxError.InvalidNonce.ak_nonce",
	"InvalidNonce.ak_nonce",
}

// invalidNonce reports whether err rejects a transaction nonce and, if so,
// the access key nonce the node currently holds.
func invalidNonce(err error) (uint64, bool) {
	var rpcErr *RPCError
	var txErr *TxFailure
	var docs []string
	switch {
	case errors.As(err, &rpcErr):
		docs = []string{rpcErr.Data, rpcErr.Info}
	case errors.As(err, &txErr):
		docs = []string{txErr.Failure}
	default:
		return 0, false
	}
	for _, doc := range docs {
		if doc == "" || !gjson.Valid(doc) {
			continue
		}
		for _, path := range invalidNoncePaths {
			if v := gjson.Get(doc, path); v.Exists() {
				return v.Uint(), true
			}
		}
	}
	return 0, false
}

// Call makes an RPC call and returns the result member.
func (c *Client) Call(ctx context.Context, method string, params any) (gjson.Result, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      "custody",
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 && !gjson.GetBytes(respBody, "error").Exists() {
		return gjson.Result{}, fmt.Errorf("%w: %s: status %d", ErrUnavailable, method, resp.StatusCode)
	}
	if !gjson.ValidBytes(respBody) {
		return gjson.Result{}, fmt.Errorf("%w: %s: invalid json response (status %d)", ErrUnavailable, method, resp.StatusCode)
	}

	if e := gjson.GetBytes(respBody, "error"); e.Exists() {
		rpcErr := &RPCError{
			Code:    e.Get("code").Int(),
			Name:    e.Get("name").String(),
			Cause:   e.Get("cause.name").String(),
			Message: e.Get("message").String(),
			Data:    e.Get("data").Raw,
			Info:    e.Get("cause.info").Raw,
		}
		if d := e.Get("data"); d.Type == gjson.String {
			rpcErr.Data = d.String()
		}
		if rpcErr.Name == "INTERNAL_ERROR" || rpcErr.Cause == "TIMEOUT_ERROR" {
			return gjson.Result{}, fmt.Errorf("%w: %v", ErrUnavailable, rpcErr)
		}
		return gjson.Result{}, rpcErr
	}

	result := gjson.GetBytes(respBody, "result")
	if !result.Exists() {
		return gjson.Result{}, fmt.Errorf("%w: %s: response has no result", ErrUnavailable, method)
	}
	// Older nodes report query errors inside the result.
	if qe := result.Get("error"); qe.Exists() && qe.Type == gjson.String {
		return gjson.Result{}, &RPCError{Message: qe.String()}
	}
	return result, nil
}

// AccessKeyInfo describes one access key on an account.
type AccessKeyInfo struct {
	PublicKey  string
	Nonce      uint64
	FullAccess bool
}

// ViewAccessKeyList lists the account's access keys at final finality.
func (c *Client) ViewAccessKeyList(ctx context.Context, accountID string) ([]AccessKeyInfo, error) {
	result, err := c.Call(ctx, "query", map[string]any{
		"request_type": "view_access_key_list",
		"finality":     "final",
		"account_id":   accountID,
	})
	if err != nil {
		return nil, err
	}

	keys := result.Get("keys").Array()
	out := make([]AccessKeyInfo, 0, len(keys))
	for _, k := range keys {
		perm := k.Get("access_key.permission")
		out = append(out, AccessKeyInfo{
			PublicKey:  k.Get("public_key").String(),
			Nonce:      k.Get("access_key.nonce").Uint(),
			FullAccess: perm.Type == gjson.String && perm.String() == "FullAccess",
		})
	}
	return out, nil
}

// AccessKeyView is the signer state needed to build a transaction.
type AccessKeyView struct {
	Nonce     uint64
	BlockHash string
}

// ViewAccessKey returns the nonce of one key and the latest optimistic block
// hash. Final finality lags by a few blocks and can return a nonce that a
// just-committed transaction has already used.
func (c *Client) ViewAccessKey(ctx context.Context, accountID, publicKey string) (AccessKeyView, error) {
	result, err := c.Call(ctx, "query", map[string]any{
		"request_type": "view_access_key",
		"finality":     "optimistic",
		"account_id":   accountID,
		"public_key":   publicKey,
	})
	if err != nil {
		return AccessKeyView{}, err
	}
	return AccessKeyView{
		Nonce:     result.Get("nonce").Uint(),
		BlockHash: result.Get("block_hash").String(),
	}, nil
}

// BroadcastTxCommit submits a signed transaction and waits for its outcome.
func (c *Client) BroadcastTxCommit(ctx context.Context, signed []byte, hash string) error {
	result, err := c.Call(ctx, "broadcast_tx_commit", []string{base64.StdEncoding.EncodeToString(signed)})
	if err != nil {
		return err
	}
	if failure := result.Get("status.Failure"); failure.Exists() {
		return &TxFailure{Hash: hash, Failure: failure.Raw}
	}
	return nil
}

// SendActions signs actions with signer's key and submits them in one
// transaction addressed to the signer's own account.
func (c *Client) SendActions(ctx context.Context, accountID string, signer KeyPair, actions ...Action) (string, error) {
	priv, err := ParseSecretKey(signer.SecretKey)
	if err != nil {
		return "", err
	}
	pk, err := ParsePublicKey(signer.PublicKey)
	if err != nil {
		return "", err
	}

	view, err := c.ViewAccessKey(ctx, accountID, pk.String())
	if IsKeyNotFound(err) {
		return "", fmt.Errorf("%w: %s on %s: %v", ErrSignerNotAuthorized, pk, accountID, err)
	}
	if err != nil {
		return "", fmt.Errorf("view signer key: %w", err)
	}
	blockHash, err := DecodeBlockHash(view.BlockHash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	key := accountID + "|" + pk.String()
	nonce := c.nextNonce(key, view.Nonce)
	hash, err := c.signAndSend(ctx, accountID, pk, priv, nonce, blockHash, actions)
	if current, ok := invalidNonce(err); ok {
		nonce = c.nextNonce(key, current)
		hash, err = c.signAndSend(ctx, accountID, pk, priv, nonce, blockHash, actions)
	}
	if _, ok := invalidNonce(err); !ok {
		c.recordNonce(key, nonce)
	}
	return hash, err
}

func (c *Client) signAndSend(ctx context.Context, accountID string, pk PublicKey, priv ed25519.PrivateKey, nonce uint64, blockHash [32]byte, actions []Action) (string, error) {
	tx := Transaction{
		SignerID:   accountID,
		PublicKey:  pk,
		Nonce:      nonce,
		ReceiverID: accountID,
		BlockHash:  blockHash,
		Actions:    actions,
	}
	signed, hash, err := tx.Sign(priv)
	if err != nil {
		return "", err
	}
	if err := c.BroadcastTxCommit(ctx, signed, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

// nextNonce returns the nonce to sign with given the nonce the node reports.
func (c *Client) nextNonce(key string, onChain uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return max(onChain, c.nonces[key]) + 1
}

func (c *Client) recordNonce(key string, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nonce > c.nonces[key] {
		c.nonces[key] = nonce
	}
}
