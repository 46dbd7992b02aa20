package near

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoAccount is returned when no account is indexed for a public key.
var ErrNoAccount = errors.New("no account for public key")

// WalletClient queries the wallet indexer for accounts owning a key.
type WalletClient struct {
	origin     string
	httpClient *http.Client
}

// NewWalletClient creates a client for the wallet API at origin.
func NewWalletClient(origin string, timeout time.Duration) *WalletClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WalletClient{
		origin:     strings.TrimRight(origin, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// AccountsByPublicKey lists account ids that hold publicKey.
func (w *WalletClient) AccountsByPublicKey(ctx context.Context, publicKey string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/publicKey/%s/accounts", w.origin, url.PathEscape(publicKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet lookup: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read wallet response: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: wallet lookup status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoAccount
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("wallet lookup failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var accounts []string
	if err := json.Unmarshal(body, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode wallet response: %w", err)
	}
	return accounts, nil
}

// AccountByPublicKey returns the first account holding publicKey.
func (w *WalletClient) AccountByPublicKey(ctx context.Context, publicKey string) (string, error) {
	accounts, err := w.AccountsByPublicKey(ctx, publicKey)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 || accounts[0] == "" {
		return "", ErrNoAccount
	}
	return accounts[0], nil
}
