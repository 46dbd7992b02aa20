package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/custody_layer/internal/app/domain/account"
	"github.com/R3E-Network/custody_layer/internal/app/storage"
	"github.com/R3E-Network/custody_layer/internal/crypto"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db     *sqlx.DB
	sealer crypto.Sealer
}

var _ storage.AccountStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSealer encrypts private keys and seed phrases before they are written.
func WithSealer(s crypto.Sealer) Option {
	return func(st *Store) {
		if s != nil {
			st.sealer = s
		}
	}
}

// New creates a Store using the provided database handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: sqlx.NewDb(db, "postgres"), sealer: crypto.Plaintext{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const uniqueViolation = "23505"

const accountColumns = `account_id, user_id, state,
	seed_public_key, seed_private_key, seed_phrase, seed_key_is_deleted,
	backup_public_key, backup_private_key, backup_phrase, backup_key_is_deleted,
	created_at, updated_at`

// stateOrderExpr sorts states in lifecycle order rather than alphabetically.
const stateOrderExpr = `array_position(ARRAY['docking','docked','undocking:init','undocking:seedused','undocked']::text[], state)`

type accountRow struct {
	AccountID          string    `db:"account_id"`
	UserID             string    `db:"user_id"`
	State              string    `db:"state"`
	SeedPublicKey      string    `db:"seed_public_key"`
	SeedPrivateKey     string    `db:"seed_private_key"`
	SeedPhrase         string    `db:"seed_phrase"`
	SeedKeyIsDeleted   bool      `db:"seed_key_is_deleted"`
	BackupPublicKey    string    `db:"backup_public_key"`
	BackupPrivateKey   string    `db:"backup_private_key"`
	BackupPhrase       string    `db:"backup_phrase"`
	BackupKeyIsDeleted bool      `db:"backup_key_is_deleted"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if strings.TrimSpace(acct.AccountID) == "" {
		return account.Account{}, fmt.Errorf("account id is required")
	}
	if acct.State == "" {
		acct.State = account.StateDocking
	}
	now := storage.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	row, err := s.toRow(acct)
	if err != nil {
		return account.Account{}, err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO custody_accounts (`+accountColumns+`)
		VALUES (:account_id, :user_id, :state,
			:seed_public_key, :seed_private_key, :seed_phrase, :seed_key_is_deleted,
			:backup_public_key, :backup_private_key, :backup_phrase, :backup_key_is_deleted,
			:created_at, :updated_at)
	`, row)
	if err != nil {
		return account.Account{}, classify(acct.AccountID, err)
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (account.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM custody_accounts
		WHERE account_id = $1
	`, accountID)
	if err != nil {
		return account.Account{}, classify(accountID, err)
	}
	return s.fromRow(row)
}

func (s *Store) ListAccounts(ctx context.Context, filter storage.Filter, page storage.PageOptions) ([]account.Account, error) {
	page = page.Normalize()
	where, args := whereClause(filter)

	order := storage.SortableProperties[page.Sort.Property]
	if order == "state" {
		order = stateOrderExpr
	}
	dir := "ASC"
	if page.Sort.Direction == storage.SortDesc {
		dir = "DESC"
	}

	args = append(args, page.Size, page.Offset())
	query := fmt.Sprintf(`
		SELECT %s
		FROM custody_accounts
		%s
		ORDER BY %s %s, account_id %s
		LIMIT $%d OFFSET $%d
	`, accountColumns, where, order, dir, dir, len(args)-1, len(args))

	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify("", err)
	}

	result := make([]account.Account, 0, len(rows))
	for _, row := range rows {
		acct, err := s.fromRow(row)
		if err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, nil
}

func (s *Store) CountAccounts(ctx context.Context, filter storage.Filter) (int, error) {
	where, args := whereClause(filter)
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM custody_accounts `+where, args...); err != nil {
		return 0, classify("", err)
	}
	return n, nil
}

// UpdateAccount writes only the columns named by update, so flags on one key
// never overwrite the other key or its material.
func (s *Store) UpdateAccount(ctx context.Context, accountID string, update storage.AccountUpdate) (account.Account, error) {
	if update.Empty() {
		return s.GetAccount(ctx, accountID)
	}

	sets := make([]string, 0, 4)
	args := []any{accountID}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if update.State != nil {
		if !update.State.Valid() {
			return account.Account{}, fmt.Errorf("invalid state %q", *update.State)
		}
		add("state", string(*update.State))
	}
	if update.SeedKeyIsDeleted != nil {
		add("seed_key_is_deleted", *update.SeedKeyIsDeleted)
	}
	if update.BackupKeyIsDeleted != nil {
		add("backup_key_is_deleted", *update.BackupKeyIsDeleted)
	}
	add("updated_at", storage.Now())

	where := "account_id = $1"
	allowed := update.AllowedCurrent()
	if allowed != nil {
		if len(allowed) == 0 {
			return account.Account{}, fmt.Errorf("account %s: %w", accountID, storage.ErrConflict)
		}
		states := make([]string, len(allowed))
		for i, st := range allowed {
			states[i] = string(st)
		}
		args = append(args, pq.Array(states))
		where += fmt.Sprintf(" AND state = ANY($%d)", len(args))
	}

	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE custody_accounts
		SET `+strings.Join(sets, ", ")+`
		WHERE `+where+`
		RETURNING `+accountColumns, args...)
	if errors.Is(err, sql.ErrNoRows) && allowed != nil {
		current, getErr := s.GetAccount(ctx, accountID)
		if getErr != nil {
			return account.Account{}, getErr
		}
		return account.Account{}, fmt.Errorf("account %s in state %s: %w", accountID, current.State, storage.ErrConflict)
	}
	if err != nil {
		return account.Account{}, classify(accountID, err)
	}
	return s.fromRow(row)
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM custody_accounts WHERE account_id = $1`, accountID)
	if err != nil {
		return classify(accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(accountID, err)
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", accountID, storage.ErrNotFound)
	}
	return nil
}

// --- helpers ----------------------------------------------------------------

func whereClause(f storage.Filter) (string, []any) {
	var conds []string
	var args []any
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		conds = append(conds, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		args = append(args, pq.Array(states))
		conds = append(conds, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func classify(accountID string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("account %s: %w", accountID, storage.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("account %s: %w", accountID, storage.ErrDuplicate)
	}
	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

func (s *Store) toRow(acct account.Account) (accountRow, error) {
	row := accountRow{
		AccountID:          acct.AccountID,
		UserID:             acct.UserID,
		State:              string(acct.State),
		SeedPublicKey:      acct.SeedKey.PublicKey,
		SeedKeyIsDeleted:   acct.SeedKey.IsDeleted,
		BackupPublicKey:    acct.BackupKey.PublicKey,
		BackupKeyIsDeleted: acct.BackupKey.IsDeleted,
		CreatedAt:          acct.CreatedAt,
		UpdatedAt:          acct.UpdatedAt,
	}
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&row.SeedPrivateKey, acct.SeedKey.PrivateKey},
		{&row.SeedPhrase, acct.SeedKey.SeedPhrase},
		{&row.BackupPrivateKey, acct.BackupKey.PrivateKey},
		{&row.BackupPhrase, acct.BackupKey.SeedPhrase},
	} {
		sealed, err := s.sealer.Seal(f.src)
		if err != nil {
			return accountRow{}, fmt.Errorf("seal key material: %w", err)
		}
		*f.dst = sealed
	}
	return row, nil
}

func (s *Store) fromRow(row accountRow) (account.Account, error) {
	state, err := account.ParseState(row.State)
	if err != nil {
		return account.Account{}, err
	}
	acct := account.Account{
		AccountID: row.AccountID,
		UserID:    row.UserID,
		State:     state,
		SeedKey:   account.Key{PublicKey: row.SeedPublicKey, IsDeleted: row.SeedKeyIsDeleted},
		BackupKey: account.Key{PublicKey: row.BackupPublicKey, IsDeleted: row.BackupKeyIsDeleted},
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&acct.SeedKey.PrivateKey, row.SeedPrivateKey},
		{&acct.SeedKey.SeedPhrase, row.SeedPhrase},
		{&acct.BackupKey.PrivateKey, row.BackupPrivateKey},
		{&acct.BackupKey.SeedPhrase, row.BackupPhrase},
	} {
		plain, err := s.sealer.Open(f.src)
		if err != nil {
			return account.Account{}, fmt.Errorf("open key material for %s: %w", row.AccountID, err)
		}
		*f.dst = plain
	}
	return acct, nil
}
