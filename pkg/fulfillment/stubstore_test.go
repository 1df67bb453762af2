package fulfillment

import (
	"context"
	"sort"
	"testing"
)

type stubStore struct {
	accounts     map[string]Account
	mappings     map[string]AnonymousMapping
	transactions map[string]CreditTransaction
	order        []string
	events       map[string]WebhookRecord

	getAccountError      error
	findMappingError     error
	findTransactionError error
	insertTransactionErr error
	incrementError       error
	recordEventError     error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:     map[string]Account{},
		mappings:     map[string]AnonymousMapping{},
		transactions: map[string]CreditTransaction{},
		events:       map[string]WebhookRecord{},
	}
}

func (store *stubStore) snapshot() *stubStore {
	clone := *store
	clone.accounts = make(map[string]Account, len(store.accounts))
	for key, value := range store.accounts {
		clone.accounts[key] = value
	}
	clone.mappings = make(map[string]AnonymousMapping, len(store.mappings))
	for key, value := range store.mappings {
		clone.mappings[key] = value
	}
	clone.transactions = make(map[string]CreditTransaction, len(store.transactions))
	for key, value := range store.transactions {
		clone.transactions[key] = value
	}
	clone.order = append([]string(nil), store.order...)
	return &clone
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	before := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.accounts = before.accounts
		store.mappings = before.mappings
		store.transactions = before.transactions
		store.order = before.order
		return err
	}
	return nil
}

func (store *stubStore) CreateAccount(_ context.Context, account Account) error {
	if _, ok := store.accounts[account.AccountID.String()]; ok {
		return ErrAccountExists
	}
	store.accounts[account.AccountID.String()] = account
	return nil
}

func (store *stubStore) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) IncrementBalance(_ context.Context, accountID AccountID, amount AmountCents) error {
	if store.incrementError != nil {
		return store.incrementError
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return ErrUnknownAccount
	}
	account.BalanceCents += amount
	store.accounts[accountID.String()] = account
	return nil
}

func (store *stubStore) ActivateMembership(_ context.Context, accountID AccountID) error {
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return ErrUnknownAccount
	}
	account.MembershipActive = true
	store.accounts[accountID.String()] = account
	return nil
}

func (store *stubStore) FindMapping(_ context.Context, anonymousID AnonymousID) (AnonymousMapping, error) {
	if store.findMappingError != nil {
		return AnonymousMapping{}, store.findMappingError
	}
	mapping, ok := store.mappings[anonymousID.String()]
	if !ok {
		return AnonymousMapping{}, ErrUnknownMapping
	}
	return mapping, nil
}

func (store *stubStore) DeactivateMappings(_ context.Context, accountID AccountID) error {
	for key, mapping := range store.mappings {
		if mapping.AccountID == accountID {
			mapping.Active = false
			store.mappings[key] = mapping
		}
	}
	return nil
}

func (store *stubStore) InsertMapping(_ context.Context, mapping AnonymousMapping) error {
	if _, ok := store.mappings[mapping.AnonymousID.String()]; ok {
		return ErrMappingConflict
	}
	store.mappings[mapping.AnonymousID.String()] = mapping
	return nil
}

func (store *stubStore) FindCreditTransaction(_ context.Context, transactionID TransactionID) (CreditTransaction, error) {
	if store.findTransactionError != nil {
		return CreditTransaction{}, store.findTransactionError
	}
	transaction, ok := store.transactions[transactionID.String()]
	if !ok {
		return CreditTransaction{}, ErrUnknownTransaction
	}
	return transaction, nil
}

func (store *stubStore) InsertCreditTransaction(_ context.Context, transaction CreditTransaction) error {
	if store.insertTransactionErr != nil {
		return store.insertTransactionErr
	}
	key := transaction.RelatedTransactionID.String()
	if _, ok := store.transactions[key]; ok {
		return ErrDuplicateTransaction
	}
	store.transactions[key] = transaction
	store.order = append(store.order, key)
	return nil
}

func (store *stubStore) ListCreditTransactions(_ context.Context, accountID AccountID, limit int) ([]CreditTransaction, error) {
	transactions := make([]CreditTransaction, 0)
	for index := len(store.order) - 1; index >= 0 && len(transactions) < limit; index-- {
		transaction := store.transactions[store.order[index]]
		if transaction.AccountID == accountID {
			transactions = append(transactions, transaction)
		}
	}
	return transactions, nil
}

func (store *stubStore) RecordWebhookEvent(_ context.Context, record WebhookRecord) error {
	if store.recordEventError != nil {
		return store.recordEventError
	}
	store.events[record.EventID.String()] = record
	return nil
}

func (store *stubStore) ListWebhookEvents(_ context.Context, outcome Outcome, limit int) ([]WebhookRecord, error) {
	keys := make([]string, 0, len(store.events))
	for key, record := range store.events {
		if record.Outcome == outcome {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	records := make([]WebhookRecord, 0, len(keys))
	for _, key := range keys {
		if len(records) == limit {
			break
		}
		records = append(records, store.events[key])
	}
	return records, nil
}

// raceStore reports no prior transaction but rejects the insert, like a
// concurrent delivery committing first.
type raceStore struct {
	*stubStore
}

func (store raceStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return store.stubStore.WithTx(ctx, func(ctx context.Context, _ Store) error {
		return fn(ctx, store)
	})
}

func (store raceStore) FindCreditTransaction(context.Context, TransactionID) (CreditTransaction, error) {
	return CreditTransaction{}, ErrUnknownTransaction
}

func (store raceStore) InsertCreditTransaction(context.Context, CreditTransaction) error {
	return WrapError("store", "transaction", "duplicate", ErrDuplicateTransaction)
}

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustAnonymousID(test *testing.T, raw string) AnonymousID {
	test.Helper()
	anonymousID, err := NewAnonymousID(raw)
	if err != nil {
		test.Fatalf("anonymous id: %v", err)
	}
	return anonymousID
}

func mustProductID(test *testing.T, raw string) ProductID {
	test.Helper()
	productID, err := NewProductID(raw)
	if err != nil {
		test.Fatalf("product id: %v", err)
	}
	return productID
}

func mustReward(test *testing.T, creditCents int64, membership bool) Reward {
	test.Helper()
	reward, err := NewReward(creditCents, membership)
	if err != nil {
		test.Fatalf("reward: %v", err)
	}
	return reward
}

func mustCatalog(test *testing.T) Catalog {
	test.Helper()
	catalog, err := NewCatalog(map[ProductID]Reward{
		mustProductID(test, "credits_10"): mustReward(test, 1000, false),
		mustProductID(test, "credits_25"): mustReward(test, 2500, false),
		mustProductID(test, "membership"): mustReward(test, 6900, true),
	})
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	return catalog
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, mustCatalog(test), func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func seedAccount(test *testing.T, store *stubStore, raw string) AccountID {
	test.Helper()
	accountID := mustAccountID(test, raw)
	store.accounts[accountID.String()] = Account{AccountID: accountID, Username: "user" + raw}
	return accountID
}

func mustEvent(test *testing.T, body string) PurchaseEvent {
	test.Helper()
	event, err := ParseWebhookPayload([]byte(body))
	if err != nil {
		test.Fatalf("parse payload: %v", err)
	}
	return event
}
