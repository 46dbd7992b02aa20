//go:build integration && postgres

package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"

	app "github.com/R3E-Network/custody_layer/internal/app"
	"github.com/R3E-Network/custody_layer/internal/app/domain/account"
	"github.com/R3E-Network/custody_layer/internal/app/services/accounts"
	"github.com/R3E-Network/custody_layer/internal/app/services/custody/custodytest"
	"github.com/R3E-Network/custody_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/custody_layer/internal/crypto"
	"github.com/R3E-Network/custody_layer/internal/middleware"
	"github.com/R3E-Network/custody_layer/internal/platform/migrations"
	"github.com/R3E-Network/custody_layer/pkg/logger"
)

// Integration test against Postgres to ensure migrations and the custody
// flow work with persistence.
func TestIntegrationPostgres(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration")
	}

	ctx := context.Background()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	sealer, err := crypto.NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	store := postgres.New(db, postgres.WithSealer(sealer))

	accountID := "it-" + time.Now().UTC().Format("150405.000000") + ".testnet"
	_ = store.DeleteAccount(ctx, accountID)

	ledger := custodytest.NewLedger()
	ledger.Register("integration phrase", accountID)

	application, err := app.New(app.Stores{Accounts: store}, ledger, logger.Discard(), app.Options{
		Poll: accounts.PollPolicy{Interval: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = application.Stop(ctx)
		_ = store.DeleteAccount(ctx, accountID)
	})

	handler, err := NewHandler(application, Config{Auth: middleware.AuthConfig{Disabled: true}}, logger.Discard())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	do := func(method, path string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set(middleware.UserIDHeader, "integration-user")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodPost, "/api/1.0.0/accounts", []byte(`{"seedPhrase":"integration phrase"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("dock: %d %s", rec.Code, rec.Body.String())
	}

	stored, err := store.GetAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if stored.State != account.StateDocked || stored.SeedKey.PrivateKey == "" {
		t.Fatalf("unexpected stored record: %+v", stored.Redacted())
	}

	var raw string
	if err := db.QueryRowContext(ctx, `SELECT seed_private_key FROM custody_accounts WHERE account_id = $1`, accountID).Scan(&raw); err != nil {
		t.Fatalf("read column: %v", err)
	}
	if raw == stored.SeedKey.PrivateKey {
		t.Fatalf("private key stored in plaintext")
	}

	rec = do(http.MethodGet, "/api/1.0.0/accounts/"+accountID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	var got account.Account
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SeedKey.PrivateKey != "" {
		t.Fatalf("private key leaked in response")
	}

	rec = do(http.MethodDelete, "/api/1.0.0/accounts/"+accountID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("undock: %d %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		acct, err := store.GetAccount(ctx, accountID)
		if err == nil && acct.State == account.StateUndockingInit {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("account did not reach %s: %+v err=%v", account.StateUndockingInit, acct.Redacted(), err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ledger.OwnerAddsKey(accountID)
	ledger.OwnerAddsKey(accountID)
	deadline = time.Now().Add(5 * time.Second)
	for {
		_, err := store.GetAccount(ctx, accountID)
		if err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("undocked record was not deleted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
