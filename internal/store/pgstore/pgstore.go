package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectMapping     = "mapping"
	errorSubjectTransaction = "transaction"
	errorSubjectEvent       = "event"
	errorSubjectSchema      = "schema"
	errorSubjectTx          = "tx"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeUpsert         = "upsert"
	errorCodeMigrate        = "migrate"

	sqlSchema = `
		create table if not exists accounts (
			account_id text primary key,
			username text not null,
			balance_cents bigint not null default 0 check (balance_cents >= 0),
			membership_active boolean not null default false,
			deactivated boolean not null default false,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create table if not exists anonymous_mappings (
			anonymous_id text primary key,
			account_id text not null,
			active boolean not null default true,
			created_at timestamptz not null default now()
		);
		create unique index if not exists uniq_mappings_account_active
			on anonymous_mappings(account_id) where active;
		create table if not exists credit_transactions (
			id bigserial primary key,
			account_id text not null,
			amount_cents bigint not null,
			source text not null,
			product_id text not null,
			related_transaction_id text not null,
			created_at timestamptz not null default now(),
			constraint uniq_credit_related_transaction unique (related_transaction_id)
		);
		create index if not exists idx_credit_account_created on credit_transactions(account_id, created_at);
		create table if not exists webhook_events (
			event_id text primary key,
			transaction_id text not null default '',
			event_type text not null,
			product_id text not null default '',
			subject_id text not null default '',
			outcome text not null,
			account_id text not null default '',
			detail text not null default '',
			payload jsonb not null default '{}'::jsonb,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create index if not exists idx_webhook_outcome_created on webhook_events(outcome, created_at);
	`

	sqlInsertAccount = `
		insert into accounts(account_id, username, balance_cents, membership_active, deactivated, created_at, updated_at)
		values ($1, $2, $3, $4, $5, to_timestamp($6), to_timestamp($6))
	`

	sqlSelectAccount = `
		select account_id, username, balance_cents, membership_active, deactivated, extract(epoch from created_at)::bigint
		from accounts
		where account_id = $1
	`

	sqlIncrementBalance = `
		update accounts set balance_cents = balance_cents + $2, updated_at = now()
		where account_id = $1
	`

	sqlActivateMembership = `
		update accounts set membership_active = true, updated_at = now()
		where account_id = $1
	`

	sqlSelectMapping = `
		select anonymous_id, account_id, active, extract(epoch from created_at)::bigint
		from anonymous_mappings
		where anonymous_id = $1
	`

	sqlDeactivateMappings = `
		update anonymous_mappings set active = false
		where account_id = $1 and active
	`

	sqlInsertMapping = `
		insert into anonymous_mappings(anonymous_id, account_id, active, created_at)
		values ($1, $2, $3, to_timestamp($4))
	`

	sqlSelectCreditTransaction = `
		select account_id, amount_cents, source, product_id, related_transaction_id, extract(epoch from created_at)::bigint
		from credit_transactions
		where related_transaction_id = $1
	`

	sqlInsertCreditTransaction = `
		insert into credit_transactions(account_id, amount_cents, source, product_id, related_transaction_id, created_at)
		values ($1, $2, $3, $4, $5, to_timestamp($6))
	`

	sqlListCreditTransactions = `
		select account_id, amount_cents, source, product_id, related_transaction_id, extract(epoch from created_at)::bigint
		from credit_transactions
		where account_id = $1
		order by created_at desc, id desc
		limit $2
	`

	sqlUpsertWebhookEvent = `
		insert into webhook_events(event_id, transaction_id, event_type, product_id, subject_id, outcome, account_id, detail, payload, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, coalesce(nullif($9,''),'{}')::jsonb, to_timestamp($10), to_timestamp($10))
		on conflict (event_id) do update
		set outcome = excluded.outcome, account_id = excluded.account_id, detail = excluded.detail, updated_at = excluded.updated_at
		where webhook_events.outcome <> 'applied'
	`

	sqlListWebhookEvents = `
		select event_id, transaction_id, event_type, product_id, subject_id, outcome, account_id, detail, payload::text, extract(epoch from updated_at)::bigint
		from webhook_events
		where outcome = $1
		order by created_at asc, event_id asc
		limit $2
	`
)

// queryer is the subset of pgx shared by pools and transactions.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements fulfillment.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	db   queryer
}

// TxStore implements fulfillment.Store for an active transaction.
type TxStore struct {
	Store
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// EnsureSchema creates the tables when they do not exist yet.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore fulfillment.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	txStore := &TxStore{Store: Store{db: tx}}
	if err := fn(ctx, txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account fulfillment.Account) error {
	_, err := store.db.Exec(ctx, sqlInsertAccount,
		account.AccountID.String(),
		account.Username,
		account.BalanceCents.Int64(),
		account.MembershipActive,
		account.Deactivated,
		unixOrNow(account.CreatedUnixUTC),
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, fulfillment.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID fulfillment.AccountID) (fulfillment.Account, error) {
	var (
		rawAccountID string
		account      fulfillment.Account
		balance      int64
	)
	err := store.db.QueryRow(ctx, sqlSelectAccount, accountID.String()).Scan(
		&rawAccountID, &account.Username, &balance, &account.MembershipActive, &account.Deactivated, &account.CreatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return fulfillment.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, fulfillment.ErrUnknownAccount)
	}
	if err != nil {
		return fulfillment.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	parsedAccountID, err := fulfillment.NewAccountID(rawAccountID)
	if err != nil {
		return fulfillment.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account.AccountID = parsedAccountID
	account.BalanceCents = fulfillment.AmountCents(balance)
	return account, nil
}

func (store *Store) IncrementBalance(ctx context.Context, accountID fulfillment.AccountID, amount fulfillment.AmountCents) error {
	return store.updateAccount(ctx, sqlIncrementBalance, accountID.String(), amount.Int64())
}

func (store *Store) ActivateMembership(ctx context.Context, accountID fulfillment.AccountID) error {
	return store.updateAccount(ctx, sqlActivateMembership, accountID.String())
}

func (store *Store) updateAccount(ctx context.Context, statement string, arguments ...any) error {
	tag, err := store.db.Exec(ctx, statement, arguments...)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, fulfillment.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) FindMapping(ctx context.Context, anonymousID fulfillment.AnonymousID) (fulfillment.AnonymousMapping, error) {
	var (
		rawAnonymousID string
		rawAccountID   string
		mapping        fulfillment.AnonymousMapping
	)
	err := store.db.QueryRow(ctx, sqlSelectMapping, anonymousID.String()).Scan(&rawAnonymousID, &rawAccountID, &mapping.Active, &mapping.CreatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return fulfillment.AnonymousMapping{}, wrapStoreError(errorSubjectMapping, errorCodeGet, fulfillment.ErrUnknownMapping)
	}
	if err != nil {
		return fulfillment.AnonymousMapping{}, wrapStoreError(errorSubjectMapping, errorCodeGet, err)
	}
	parsedAnonymousID, err := fulfillment.NewAnonymousID(rawAnonymousID)
	if err != nil {
		return fulfillment.AnonymousMapping{}, wrapStoreError(errorSubjectMapping, errorCodeInvalid, err)
	}
	parsedAccountID, err := fulfillment.NewAccountID(rawAccountID)
	if err != nil {
		return fulfillment.AnonymousMapping{}, wrapStoreError(errorSubjectMapping, errorCodeInvalid, err)
	}
	mapping.AnonymousID = parsedAnonymousID
	mapping.AccountID = parsedAccountID
	return mapping, nil
}

func (store *Store) DeactivateMappings(ctx context.Context, accountID fulfillment.AccountID) error {
	if _, err := store.db.Exec(ctx, sqlDeactivateMappings, accountID.String()); err != nil {
		return wrapStoreError(errorSubjectMapping, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) InsertMapping(ctx context.Context, mapping fulfillment.AnonymousMapping) error {
	_, err := store.db.Exec(ctx, sqlInsertMapping,
		mapping.AnonymousID.String(),
		mapping.AccountID.String(),
		mapping.Active,
		unixOrNow(mapping.CreatedUnixUTC),
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectMapping, errorCodeDuplicate, fulfillment.ErrMappingConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectMapping, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindCreditTransaction(ctx context.Context, transactionID fulfillment.TransactionID) (fulfillment.CreditTransaction, error) {
	row := store.db.QueryRow(ctx, sqlSelectCreditTransaction, transactionID.String())
	transaction, err := scanCreditTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return fulfillment.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, fulfillment.ErrUnknownTransaction)
	}
	if err != nil {
		return fulfillment.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) InsertCreditTransaction(ctx context.Context, transaction fulfillment.CreditTransaction) error {
	_, err := store.db.Exec(ctx, sqlInsertCreditTransaction,
		transaction.AccountID.String(),
		transaction.AmountCents.Int64(),
		transaction.Source,
		transaction.ProductID.String(),
		transaction.RelatedTransactionID.String(),
		unixOrNow(transaction.CreatedUnixUTC),
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, fulfillment.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListCreditTransactions(ctx context.Context, accountID fulfillment.AccountID, limit int) ([]fulfillment.CreditTransaction, error) {
	rows, err := store.db.Query(ctx, sqlListCreditTransactions, accountID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]fulfillment.CreditTransaction, 0, limit)
	for rows.Next() {
		transaction, err := scanCreditTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) RecordWebhookEvent(ctx context.Context, record fulfillment.WebhookRecord) error {
	_, err := store.db.Exec(ctx, sqlUpsertWebhookEvent,
		record.EventID.String(),
		record.TransactionID,
		record.Type.String(),
		record.ProductID,
		record.SubjectID,
		record.Outcome.String(),
		record.AccountID,
		record.Detail,
		record.Payload,
		unixOrNow(record.UpdatedUnixUTC),
	)
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) ListWebhookEvents(ctx context.Context, outcome fulfillment.Outcome, limit int) ([]fulfillment.WebhookRecord, error) {
	rows, err := store.db.Query(ctx, sqlListWebhookEvents, outcome.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	defer rows.Close()
	records := make([]fulfillment.WebhookRecord, 0, limit)
	for rows.Next() {
		var (
			rawEventID   string
			rawEventType string
			rawOutcome   string
			record       fulfillment.WebhookRecord
		)
		if err := rows.Scan(&rawEventID, &record.TransactionID, &rawEventType, &record.ProductID, &record.SubjectID,
			&rawOutcome, &record.AccountID, &record.Detail, &record.Payload, &record.UpdatedUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
		}
		eventID, err := fulfillment.NewEventID(rawEventID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
		}
		parsedOutcome, err := fulfillment.ParseOutcome(rawOutcome)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
		}
		record.EventID = eventID
		record.Type = fulfillment.EventType(rawEventType)
		record.Outcome = parsedOutcome
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	return records, nil
}

func scanCreditTransaction(row pgx.Row) (fulfillment.CreditTransaction, error) {
	var (
		rawAccountID     string
		rawProductID     string
		rawTransactionID string
		amount           int64
		transaction      fulfillment.CreditTransaction
	)
	if err := row.Scan(&rawAccountID, &amount, &transaction.Source, &rawProductID, &rawTransactionID, &transaction.CreatedUnixUTC); err != nil {
		return fulfillment.CreditTransaction{}, err
	}
	accountID, err := fulfillment.NewAccountID(rawAccountID)
	if err != nil {
		return fulfillment.CreditTransaction{}, err
	}
	productID, err := fulfillment.NewProductID(rawProductID)
	if err != nil {
		return fulfillment.CreditTransaction{}, err
	}
	transactionID, err := fulfillment.NewTransactionID(rawTransactionID)
	if err != nil {
		return fulfillment.CreditTransaction{}, err
	}
	transaction.AccountID = accountID
	transaction.AmountCents = fulfillment.AmountCents(amount)
	transaction.ProductID = productID
	transaction.RelatedTransactionID = transactionID
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return fulfillment.WrapError(errorOperationStore, subject, code, err)
}

func unixOrNow(unixUTC int64) int64 {
	if unixUTC == 0 {
		return time.Now().UTC().Unix()
	}
	return unixUTC
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
