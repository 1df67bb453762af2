package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPayloadJSON      = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectMapping     = "mapping"
	errorSubjectTransaction = "transaction"
	errorSubjectEvent       = "event"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeUpsert         = "upsert"
)

// Store implements fulfillment.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore fulfillment.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account fulfillment.Account) error {
	created := time.Unix(account.CreatedUnixUTC, 0).UTC()
	if account.CreatedUnixUTC == 0 {
		created = time.Now().UTC()
	}
	model := Account{
		AccountID:        account.AccountID.String(),
		Username:         account.Username,
		BalanceCents:     account.BalanceCents.Int64(),
		MembershipActive: account.MembershipActive,
		Deactivated:      account.Deactivated,
		CreatedAt:        created,
		UpdatedAt:        created,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, fulfillment.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID fulfillment.AccountID) (fulfillment.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fulfillment.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, fulfillment.ErrUnknownAccount)
	}
	if err != nil {
		return fulfillment.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return fulfillment.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) IncrementBalance(ctx context.Context, accountID fulfillment.AccountID, amount fulfillment.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{
			"balance_cents": gorm.Expr("balance_cents + ?", amount.Int64()),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, fulfillment.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) ActivateMembership(ctx context.Context, accountID fulfillment.AccountID) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{
			"membership_active": true,
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, fulfillment.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) FindMapping(ctx context.Context, anonymousID fulfillment.AnonymousID) (fulfillment.AnonymousMapping, error) {
	var model AnonymousMapping
	err := store.db.WithContext(ctx).
		Where("anonymous_id = ?", anonymousID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fulfillment.AnonymousMapping{}, wrapStoreError(errorSubjectMapping, errorCodeGet, fulfillment.ErrUnknownMapping)
	}
	if err != nil {
		return fulfillment.AnonymousMapping{}, wrapStoreError(errorSubjectMapping, errorCodeGet, err)
	}
	mapping, err := mapAnonymousMapping(model)
	if err != nil {
		return fulfillment.AnonymousMapping{}, wrapStoreError(errorSubjectMapping, errorCodeInvalid, err)
	}
	return mapping, nil
}

func (store *Store) DeactivateMappings(ctx context.Context, accountID fulfillment.AccountID) error {
	err := store.db.WithContext(ctx).
		Model(&AnonymousMapping{}).
		Where("account_id = ? AND active = ?", accountID.String(), true).
		Update("active", false).Error
	if err != nil {
		return wrapStoreError(errorSubjectMapping, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) InsertMapping(ctx context.Context, mapping fulfillment.AnonymousMapping) error {
	model := AnonymousMapping{
		AnonymousID: mapping.AnonymousID.String(),
		AccountID:   mapping.AccountID.String(),
		Active:      mapping.Active,
		CreatedAt:   unixOrNow(mapping.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectMapping, errorCodeDuplicate, fulfillment.ErrMappingConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectMapping, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindCreditTransaction(ctx context.Context, transactionID fulfillment.TransactionID) (fulfillment.CreditTransaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("related_transaction_id = ?", transactionID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fulfillment.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, fulfillment.ErrUnknownTransaction)
	}
	if err != nil {
		return fulfillment.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapCreditTransaction(model)
	if err != nil {
		return fulfillment.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) InsertCreditTransaction(ctx context.Context, transaction fulfillment.CreditTransaction) error {
	model := CreditTransaction{
		AccountID:            transaction.AccountID.String(),
		AmountCents:          transaction.AmountCents.Int64(),
		Source:               transaction.Source,
		ProductID:            transaction.ProductID.String(),
		RelatedTransactionID: transaction.RelatedTransactionID.String(),
		CreatedAt:            unixOrNow(transaction.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, fulfillment.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListCreditTransactions(ctx context.Context, accountID fulfillment.AccountID, limit int) ([]fulfillment.CreditTransaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]fulfillment.CreditTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapCreditTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// RecordWebhookEvent upserts the audit row. An applied row is final and is
// never overwritten by a redelivery.
func (store *Store) RecordWebhookEvent(ctx context.Context, record fulfillment.WebhookRecord) error {
	at := unixOrNow(record.UpdatedUnixUTC)
	model := WebhookEvent{
		EventID:       record.EventID.String(),
		TransactionID: record.TransactionID,
		EventType:     record.Type.String(),
		ProductID:     record.ProductID,
		SubjectID:     record.SubjectID,
		Outcome:       record.Outcome.String(),
		AccountID:     record.AccountID,
		Detail:        record.Detail,
		Payload:       datatypesJSON(record.Payload),
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"outcome", "account_id", "detail", "updated_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "webhook_events.outcome <> ?", Vars: []any{fulfillment.OutcomeApplied.String()}},
			}},
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) ListWebhookEvents(ctx context.Context, outcome fulfillment.Outcome, limit int) ([]fulfillment.WebhookRecord, error) {
	var rows []WebhookEvent
	err := store.db.WithContext(ctx).
		Where("outcome = ?", outcome.String()).
		Order("created_at ASC").
		Order("event_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	records := make([]fulfillment.WebhookRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapWebhookEvent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return fulfillment.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (fulfillment.Account, error) {
	accountID, err := fulfillment.NewAccountID(model.AccountID)
	if err != nil {
		return fulfillment.Account{}, err
	}
	return fulfillment.Account{
		AccountID:        accountID,
		Username:         model.Username,
		BalanceCents:     fulfillment.AmountCents(model.BalanceCents),
		MembershipActive: model.MembershipActive,
		Deactivated:      model.Deactivated,
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}, nil
}

func mapAnonymousMapping(model AnonymousMapping) (fulfillment.AnonymousMapping, error) {
	anonymousID, err := fulfillment.NewAnonymousID(model.AnonymousID)
	if err != nil {
		return fulfillment.AnonymousMapping{}, err
	}
	accountID, err := fulfillment.NewAccountID(model.AccountID)
	if err != nil {
		return fulfillment.AnonymousMapping{}, err
	}
	return fulfillment.AnonymousMapping{
		AnonymousID:    anonymousID,
		AccountID:      accountID,
		Active:         model.Active,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapCreditTransaction(model CreditTransaction) (fulfillment.CreditTransaction, error) {
	accountID, err := fulfillment.NewAccountID(model.AccountID)
	if err != nil {
		return fulfillment.CreditTransaction{}, err
	}
	productID, err := fulfillment.NewProductID(model.ProductID)
	if err != nil {
		return fulfillment.CreditTransaction{}, err
	}
	transactionID, err := fulfillment.NewTransactionID(model.RelatedTransactionID)
	if err != nil {
		return fulfillment.CreditTransaction{}, err
	}
	return fulfillment.CreditTransaction{
		AccountID:            accountID,
		AmountCents:          fulfillment.AmountCents(model.AmountCents),
		Source:               model.Source,
		ProductID:            productID,
		RelatedTransactionID: transactionID,
		CreatedUnixUTC:       model.CreatedAt.Unix(),
	}, nil
}

func mapWebhookEvent(model WebhookEvent) (fulfillment.WebhookRecord, error) {
	eventID, err := fulfillment.NewEventID(model.EventID)
	if err != nil {
		return fulfillment.WebhookRecord{}, err
	}
	outcome, err := fulfillment.ParseOutcome(model.Outcome)
	if err != nil {
		return fulfillment.WebhookRecord{}, err
	}
	return fulfillment.WebhookRecord{
		EventID:        eventID,
		TransactionID:  model.TransactionID,
		Type:           fulfillment.EventType(model.EventType),
		ProductID:      model.ProductID,
		SubjectID:      model.SubjectID,
		Outcome:        outcome,
		AccountID:      model.AccountID,
		Detail:         model.Detail,
		Payload:        string(model.Payload),
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, nil
}

func unixOrNow(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultPayloadJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
