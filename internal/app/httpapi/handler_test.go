package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/R3E-Network/custody_layer/internal/app"
	"github.com/R3E-Network/custody_layer/internal/app/domain/account"
	"github.com/R3E-Network/custody_layer/internal/app/events"
	"github.com/R3E-Network/custody_layer/internal/app/services/accounts"
	"github.com/R3E-Network/custody_layer/internal/app/services/custody"
	"github.com/R3E-Network/custody_layer/internal/app/services/custody/custodytest"
	"github.com/R3E-Network/custody_layer/internal/app/storage"
	"github.com/R3E-Network/custody_layer/internal/app/storage/memory"
	"github.com/R3E-Network/custody_layer/internal/middleware"
	"github.com/R3E-Network/custody_layer/pkg/logger"
)

const (
	testPhrase  = "owner seed phrase"
	testAccount = "dave.testnet"
	testUser    = "user-42"
)

type testEnv struct {
	app     *app.Application
	store   *memory.Store
	ledger  *custodytest.Ledger
	handler http.Handler
	audit   string
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ledger := custodytest.NewLedger()
	ledger.Register(testPhrase, testAccount)

	store := memory.New()
	application, err := app.New(app.Stores{Accounts: store}, ledger, logger.Discard(), app.Options{
		Poll: accounts.PollPolicy{Interval: time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	if cfg.AuditFile == "" {
		cfg.AuditFile = filepath.Join(t.TempDir(), "audit.jsonl")
	}
	if !cfg.Auth.Disabled && cfg.Auth.Secret == "" {
		cfg.Auth = middleware.AuthConfig{Disabled: true}
	}
	handler, err := NewHandler(application, cfg, logger.Discard())
	require.NoError(t, err)
	return &testEnv{app: application, store: store, ledger: ledger, handler: handler, audit: cfg.AuditFile}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, testUser, method, path, body)
}

func (e *testEnv) doAs(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(middleware.UserIDHeader, user)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorDetail {
	t.Helper()
	var body middleware.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

func TestAccountsLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/api/1.0.0/accounts", map[string]string{"seedPhrase": testPhrase})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created account.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, testAccount, created.AccountID)
	assert.Equal(t, testUser, created.UserID)
	assert.Equal(t, account.StateDocked, created.State)
	assert.Empty(t, created.SeedKey.PrivateKey, "private key material must not leave the service")
	assert.Empty(t, created.BackupKey.SeedPhrase)
	assert.NotEmpty(t, created.SeedKey.PublicKey)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	rec = env.do(t, http.MethodGet, "/api/1.0.0/accounts/"+testAccount, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "priv:")

	rec = env.do(t, http.MethodPut, "/api/1.0.0/accounts/"+testAccount, map[string]string{})
	require.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, http.StatusNotImplemented, decodeError(t, rec).Code)

	rec = env.do(t, http.MethodDelete, "/api/1.0.0/accounts/"+testAccount, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var undock struct {
		AccountID string        `json:"accountId"`
		State     account.State `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &undock))
	assert.Equal(t, testAccount, undock.AccountID)
	assert.Equal(t, account.StateDocked, undock.State)

	require.Eventually(t, func() bool {
		acct, err := env.app.Accounts.GetSingle(context.Background(), testAccount)
		return err == nil && acct.State == account.StateUndockingInit
	}, 2*time.Second, time.Millisecond)

	entries := readAudit(t, env.audit)
	require.Len(t, entries, 3)
	assert.Equal(t, http.MethodPost, entries[0].Method)
	assert.Equal(t, http.StatusCreated, entries[0].Status)
	assert.Equal(t, testUser, entries[0].User)
	assert.Equal(t, testAccount, entries[2].AccountID)
}

func readAudit(t *testing.T, path string) []auditEntry {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []auditEntry
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var e auditEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		out = append(out, e)
	}
	return out
}

func TestNotFoundResponses(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodGet, "/api/1.0.0/accounts/nobody.testnet", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, decodeError(t, rec).Code)

	rec = env.do(t, http.MethodDelete, "/api/1.0.0/accounts/nobody.testnet", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No accounts found", decodeError(t, rec).Message)

	rec = env.do(t, http.MethodGet, "/api/1.0.0/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPatch, "/api/1.0.0/accounts/x", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUndockReportsLoadedState(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.store.CreateAccount(context.Background(), account.Account{
		AccountID: testAccount,
		UserID:    testUser,
		State:     account.StateUndockingSeedUsed,
		SeedKey:   account.Key{PublicKey: "ed25519:seed", PrivateKey: "priv:ed25519:seed", IsDeleted: true},
		BackupKey: account.Key{PublicKey: "ed25519:backup", PrivateKey: "priv:ed25519:backup"},
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/api/1.0.0/accounts/"+testAccount, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"accountId":"`+testAccount+`","state":"undocking:seedused"}`, rec.Body.String())
}

func TestAccountsAreScopedToUser(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodPost, "/api/1.0.0/accounts", map[string]string{"seedPhrase": testPhrase})
	require.Equal(t, http.StatusCreated, rec.Code)

	const intruder = "user-7"
	rec = env.doAs(t, intruder, http.MethodGet, "/api/1.0.0/accounts/"+testAccount, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "ed25519:")

	rec = env.doAs(t, intruder, http.MethodDelete, "/api/1.0.0/accounts/"+testAccount, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No accounts found", decodeError(t, rec).Message)

	conditions := url.QueryEscape(`{"userId":"` + testUser + `"}`)
	rec = env.doAs(t, intruder, http.MethodGet, "/api/1.0.0/accounts?conditions="+conditions, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page accounts.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Zero(t, page.TotalItems, "another user's filter must not widen the scope")
	assert.Empty(t, page.Page.Data)

	time.Sleep(20 * time.Millisecond)
	acct, err := env.app.Accounts.GetSingle(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, account.StateDocked, acct.State, "a foreign DELETE must not start undocking")
	assert.Empty(t, env.app.Events.RecentByAccount(testAccount, 10))

	rec = env.do(t, http.MethodGet, "/api/1.0.0/accounts/"+testAccount, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDockValidationOverHTTP(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/api/1.0.0/accounts", map[string]string{"seedPhrase": "wrong words"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/1.0.0/accounts", strings.NewReader("{not json"))
	req.Header.Set(middleware.UserIDHeader, testUser)
	raw := httptest.NewRecorder()
	env.handler.ServeHTTP(raw, req)
	require.Equal(t, http.StatusBadRequest, raw.Code)
	assert.Zero(t, env.ledger.MutationCount())
}

func TestListAccounts(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodPost, "/api/1.0.0/accounts", map[string]string{"seedPhrase": testPhrase})
	require.Equal(t, http.StatusCreated, rec.Code)

	conditions := url.QueryEscape(`{"userId":"` + testUser + `","state":"docked"}`)
	options := url.QueryEscape(`{"page":{"index":0,"size":5,"sort":{"property":"accountId","direction":"DESC"}}}`)
	rec = env.do(t, http.MethodGet, "/api/1.0.0/accounts?conditions="+conditions+"&options="+options, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page accounts.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.TotalItems)
	assert.Equal(t, 1, page.Page.Size)
	assert.Equal(t, storage.Sort{Property: "accountId", Direction: storage.SortDesc}, page.Page.Sort)
	require.Len(t, page.Page.Data, 1)
	assert.Empty(t, page.Page.Data[0].SeedKey.PrivateKey)

	// Malformed parameters fall back to the caller's first page.
	rec = env.do(t, http.MethodGet, "/api/1.0.0/accounts?conditions=%7Bbroken&options=nope", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.TotalItems)

	conditions = url.QueryEscape(`{"state":["undocking:init","undocking:seedused"]}`)
	rec = env.do(t, http.MethodGet, "/api/1.0.0/accounts?conditions="+conditions, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Zero(t, page.TotalItems)
	assert.NotNil(t, page.Page.Data)
}

func TestJWTAuthentication(t *testing.T) {
	env := newTestEnv(t, Config{Auth: middleware.AuthConfig{Secret: "s3cret", SkipPaths: []string{"/healthz"}}})

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/1.0.0/accounts", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, http.StatusUnauthorized, decodeError(t, rec).Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		UserID:           testUser,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"seedPhrase": testPhrase})
	req := httptest.NewRequest(http.MethodPost, "/api/1.0.0/accounts", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "custody_layer_http_requests_total")
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RequestsPerSecond: 1, Burst: 1})

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/1.0.0/accounts", nil).Code)
	rec := env.do(t, http.MethodGet, "/api/1.0.0/accounts", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, http.StatusTooManyRequests, decodeError(t, rec).Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("derive: %w", custody.ErrValidation), http.StatusBadRequest},
		{custody.ErrNotFound, http.StatusBadRequest},
		{storage.ErrNotFound, http.StatusNotFound},
		{accounts.ErrAccountBusy, http.StatusConflict},
		{accounts.ErrInvalidState, http.StatusConflict},
		{fmt.Errorf("persist: %w", storage.ErrConflict), http.StatusConflict},
		{custody.ErrRemoteRejected, http.StatusBadGateway},
		{fmt.Errorf("x: %w", custody.ErrRemoteUnavailable), http.StatusServiceUnavailable},
		{storage.ErrUnavailable, http.StatusServiceUnavailable},
		{accounts.ErrStopped, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestParseConditionsAndOptions(t *testing.T) {
	f := parseConditions(`{"accountId":"a.testnet","states":["docked","bogus"]}`)
	assert.Equal(t, "a.testnet", f.AccountID)
	assert.Equal(t, []account.State{account.StateDocked}, f.States)

	assert.Equal(t, storage.Filter{}, parseConditions(""))
	assert.Equal(t, storage.Filter{}, parseConditions("[1,2"))
	// Double-encoded JSON.
	assert.Equal(t, "u", parseConditions(url.PathEscape(`{"userId":"u"}`)).UserID)

	opts := parseOptions(`{"page":{"index":2,"size":1000,"sort":{"property":"nope"}}}`)
	assert.Equal(t, 2, opts.Index)
	assert.Equal(t, storage.MaxPageSize, opts.Size)
	assert.Equal(t, "createdAt", opts.Sort.Property)
	assert.Equal(t, storage.DefaultPageSize, parseOptions("garbage").Size)
}

func TestReplaySetDropsLiveDuplicates(t *testing.T) {
	a := events.New(events.UndockingInit, testAccount)
	b := events.New(events.UndockingSeedUsed, testAccount)
	set := newReplaySet([]events.Event{a, b})

	assert.True(t, set.take(b.ID), "replayed event arriving live is skipped")
	assert.False(t, set.take(b.ID), "only the first live copy is skipped")
	assert.False(t, set.take(events.New(events.Undocked, testAccount).ID))
	assert.True(t, set.take(a.ID))
	assert.Empty(t, set)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.app.Events.Publish(events.New(events.UndockingInit, "old.testnet"))

	server := httptest.NewServer(env.handler)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/1.0.0/events/stream?recent=5&accountId=" + testAccount
	header := http.Header{}
	header.Set(middleware.UserIDHeader, testUser)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// The server subscribes after the handshake, so keep publishing until
	// the first event arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				env.app.Events.Publish(events.New(events.Undocked, testAccount))
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		var got events.Event
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, testAccount, got.AccountID)
		assert.Equal(t, events.Undocked, got.Name)
		assert.False(t, seen[got.ID], "event %s delivered twice", got.ID)
		seen[got.ID] = true
	}

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/1.0.0/events/stream", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
