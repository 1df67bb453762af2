package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Service turns commerce backend notifications into account credit.
type Service struct {
	store   Store
	catalog Catalog
	nowFn   func() int64
	loggers []OperationLogger
}

// NewService wires a Service.
func NewService(store Store, catalog Catalog, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if len(catalog.rewards) == 0 {
		return nil, fmt.Errorf("%w: catalog is empty", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, catalog: catalog, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Catalog returns the product table the service credits against.
func (service *Service) Catalog() Catalog {
	return service.catalog
}

// Fulfill applies a purchase event to the ledger at most once per transaction id.
// Terminal non-credit outcomes (duplicate, unresolved, rejected, ignored) are
// reported through Result and never as an error; an error means the event could
// not be processed and the sender should retry.
func (service *Service) Fulfill(ctx context.Context, event PurchaseEvent) (Result, error) {
	result, operationError := service.fulfill(ctx, event)
	if operationError == nil {
		operationError = service.recordEvent(ctx, event, result)
	}
	logError := operationError
	if logError == nil {
		logError = result.Reason
	}
	service.logOperation(ctx, OperationLog{
		Operation:           OperationFulfill,
		EventID:             event.EventID,
		EventType:           event.Type,
		TransactionID:       event.TransactionID,
		SubjectID:           event.SubjectID,
		AccountID:           result.AccountID,
		ProductID:           event.ProductID,
		Amount:              result.CreditCents,
		Outcome:             result.Outcome,
		MembershipActivated: result.MembershipActivated,
		Error:               logError,
	})
	return result, operationError
}

func (service *Service) fulfill(ctx context.Context, event PurchaseEvent) (Result, error) {
	if !event.Type.Creditable() {
		return Result{Outcome: OutcomeIgnored}, nil
	}
	reward, known := service.catalog.Lookup(event.ProductID)
	if !known {
		return Result{
			Outcome: OutcomeRejected,
			Reason:  fmt.Errorf("%w: %s", ErrUnknownProduct, event.ProductID.String()),
		}, nil
	}

	var result Result
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.FindCreditTransaction(ctx, event.TransactionID)
		if err == nil {
			result = Result{Outcome: OutcomeDuplicate, AccountID: existing.AccountID, Reason: ErrDuplicateTransaction}
			return nil
		}
		if !errors.Is(err, ErrUnknownTransaction) {
			return err
		}

		accountID, err := resolveAccount(ctx, transactionStore, event)
		if errors.Is(err, ErrUnresolvable) {
			result = Result{Outcome: OutcomeUnresolved, Reason: err}
			return nil
		}
		if err != nil {
			return err
		}

		if err := transactionStore.InsertCreditTransaction(ctx, CreditTransaction{
			AccountID:            accountID,
			AmountCents:          reward.CreditCents,
			Source:               transactionSourcePurchase,
			ProductID:            event.ProductID,
			RelatedTransactionID: event.TransactionID,
			CreatedUnixUTC:       service.nowFn(),
		}); err != nil {
			return err
		}
		if reward.CreditCents > 0 {
			if err := transactionStore.IncrementBalance(ctx, accountID, reward.CreditCents); err != nil {
				return err
			}
		}
		if reward.ActivatesMembership {
			if err := transactionStore.ActivateMembership(ctx, accountID); err != nil {
				return err
			}
		}
		result = Result{
			Outcome:             OutcomeApplied,
			AccountID:           accountID,
			CreditCents:         reward.CreditCents,
			MembershipActivated: reward.ActivatesMembership,
		}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateTransaction) {
		// A concurrent delivery of the same transaction won the unique constraint.
		return Result{Outcome: OutcomeDuplicate, Reason: ErrDuplicateTransaction}, nil
	}
	if operationError != nil {
		return Result{}, operationError
	}
	return result, nil
}

// resolveAccount maps the event's identities to an account: an existing account
// id is used directly, otherwise a stored anonymous mapping.
func resolveAccount(ctx context.Context, store Store, event PurchaseEvent) (AccountID, error) {
	for _, candidate := range event.subjectCandidates() {
		if accountID, err := NewAccountID(candidate); err == nil {
			account, err := store.GetAccount(ctx, accountID)
			if err == nil && !account.Deactivated {
				return account.AccountID, nil
			}
			if err != nil && !errors.Is(err, ErrUnknownAccount) {
				return AccountID{}, err
			}
		}
		anonymousID, err := NewAnonymousID(candidate)
		if err != nil {
			continue
		}
		mapping, err := store.FindMapping(ctx, anonymousID)
		if errors.Is(err, ErrUnknownMapping) {
			continue
		}
		if err != nil {
			return AccountID{}, err
		}
		return mapping.AccountID, nil
	}
	return AccountID{}, fmt.Errorf("%w: %s", ErrUnresolvable, event.SubjectID)
}

// RegisterMapping durably records that an anonymous SDK identity belongs to an
// account. Re-registering the same pair is a no-op; mapping an anonymous id that
// already belongs to another account fails with ErrMappingConflict.
func (service *Service) RegisterMapping(ctx context.Context, anonymousID AnonymousID, accountID AccountID) (MappingStatus, error) {
	var status MappingStatus
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Deactivated {
			return fmt.Errorf("%w: %s is deactivated", ErrUnknownAccount, accountID.String())
		}
		existing, err := transactionStore.FindMapping(ctx, anonymousID)
		if err == nil {
			if existing.AccountID != accountID {
				return fmt.Errorf("%w: %s already maps to %s", ErrMappingConflict, anonymousID.String(), existing.AccountID.String())
			}
			status = MappingUnchanged
			return nil
		}
		if !errors.Is(err, ErrUnknownMapping) {
			return err
		}
		if err := transactionStore.DeactivateMappings(ctx, accountID); err != nil {
			return err
		}
		if err := transactionStore.InsertMapping(ctx, AnonymousMapping{
			AnonymousID:    anonymousID,
			AccountID:      accountID,
			Active:         true,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		status = MappingCreated
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     OperationRegisterMapping,
		SubjectID:     anonymousID.String(),
		AccountID:     accountID,
		MappingStatus: status,
		Error:         operationError,
	})
	if operationError != nil {
		return "", operationError
	}
	return status, nil
}

// RegisterAccount creates an account row for an id issued by the identity provider.
func (service *Service) RegisterAccount(ctx context.Context, accountID AccountID, username string) error {
	trimmed := strings.TrimSpace(username)
	var operationError error
	if trimmed == "" {
		operationError = fmt.Errorf("%w: empty value", ErrInvalidUsername)
	} else {
		operationError = service.store.CreateAccount(ctx, Account{
			AccountID:      accountID,
			Username:       trimmed,
			CreatedUnixUTC: service.nowFn(),
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: OperationRegisterAccount,
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}

// AccountStatement returns the balance and most recent credit lines of an account.
func (service *Service) AccountStatement(ctx context.Context, accountID AccountID, limit int) (Statement, error) {
	if limit <= 0 {
		limit = defaultStatementLimit
	}
	if limit > maxStatementLimit {
		limit = maxStatementLimit
	}
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Statement{}, err
	}
	transactions, err := service.store.ListCreditTransactions(ctx, accountID, limit)
	if err != nil {
		return Statement{}, err
	}
	return Statement{Account: account, Transactions: transactions}, nil
}

// UnresolvedEvents lists deliveries awaiting operator reconciliation.
func (service *Service) UnresolvedEvents(ctx context.Context, limit int) ([]WebhookRecord, error) {
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	return service.store.ListWebhookEvents(ctx, OutcomeUnresolved, limit)
}

// ReplayResult pairs a replayed event with its new result.
type ReplayResult struct {
	EventID EventID
	Result  Result
	Error   error
}

// ReplayUnresolved re-runs stored unresolved deliveries, typically after an
// operator registered the missing mapping.
func (service *Service) ReplayUnresolved(ctx context.Context, limit int) ([]ReplayResult, error) {
	records, err := service.UnresolvedEvents(ctx, limit)
	if err != nil {
		return nil, err
	}
	results := make([]ReplayResult, 0, len(records))
	for _, record := range records {
		event, parseError := ParseWebhookPayload([]byte(record.Payload))
		if parseError != nil {
			service.logOperation(ctx, OperationLog{
				Operation: OperationReplay,
				EventID:   record.EventID,
				SubjectID: record.SubjectID,
				Error:     parseError,
			})
			results = append(results, ReplayResult{EventID: record.EventID, Error: parseError})
			continue
		}
		result, fulfillError := service.Fulfill(ctx, event)
		results = append(results, ReplayResult{EventID: record.EventID, Result: result, Error: fulfillError})
	}
	return results, nil
}

func (service *Service) recordEvent(ctx context.Context, event PurchaseEvent, result Result) error {
	detail := ""
	if result.Reason != nil {
		detail = result.Reason.Error()
	}
	return service.store.RecordWebhookEvent(ctx, WebhookRecord{
		EventID:        event.EventID,
		TransactionID:  event.TransactionID.String(),
		Type:           event.Type,
		ProductID:      event.ProductID.String(),
		SubjectID:      event.SubjectID,
		Outcome:        result.Outcome,
		AccountID:      result.AccountID.String(),
		Detail:         detail,
		Payload:        event.Payload,
		UpdatedUnixUTC: service.nowFn(),
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil && entry.Outcome != OutcomeDuplicate && entry.Outcome != OutcomeIgnored {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}
