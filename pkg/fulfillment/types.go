package fulfillment

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// AmountCents is an integer currency amount in cents.
type AmountCents int64

// Int64 returns the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// AccountID identifies an application account issued at registration.
type AccountID struct {
	value string
}

// AnonymousID is an identity the commerce SDK generated on its own.
type AnonymousID struct {
	value string
}

// TransactionID is the store transaction identifier used as the idempotency key.
type TransactionID struct {
	value string
}

// ProductID is a store product identifier.
type ProductID struct {
	value string
}

// EventID identifies a single webhook delivery from the commerce backend.
type EventID struct {
	value string
}

// NewAccountID validates and normalizes an account id. Account ids are positive
// decimal integers.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return AccountID{}, fmt.Errorf("%w: %q is not numeric", ErrInvalidAccountID, trimmed)
	}
	if parsed <= 0 {
		return AccountID{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAccountID)
	}
	return AccountID{value: strconv.FormatInt(parsed, 10)}, nil
}

// String returns the canonical identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// IsAnonymousIdentity reports whether raw carries the SDK anonymous prefix.
func IsAnonymousIdentity(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	return strings.HasPrefix(trimmed, AnonymousIDPrefix) && len(trimmed) > len(AnonymousIDPrefix)
}

// NewAnonymousID validates an SDK-generated anonymous identity.
func NewAnonymousID(raw string) (AnonymousID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AnonymousID{}, fmt.Errorf("%w: empty value", ErrInvalidAnonymousID)
	}
	if !IsAnonymousIdentity(trimmed) {
		return AnonymousID{}, fmt.Errorf("%w: missing %q prefix", ErrInvalidAnonymousID, AnonymousIDPrefix)
	}
	return AnonymousID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AnonymousID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewProductID validates and normalizes a product id.
func NewProductID(raw string) (ProductID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProductID{}, fmt.Errorf("%w: empty value", ErrInvalidProductID)
	}
	return ProductID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProductID) String() string {
	return id.value
}

// NewEventID validates and normalizes a webhook event id.
func NewEventID(raw string) (EventID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EventID{}, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	return EventID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EventID) String() string {
	return id.value
}

// EventType enumerates commerce backend notification kinds.
type EventType string

const (
	EventInitialPurchase     EventType = "INITIAL_PURCHASE"
	EventNonRenewingPurchase EventType = "NON_RENEWING_PURCHASE"
	EventRenewal             EventType = "RENEWAL"
	EventProductChange       EventType = "PRODUCT_CHANGE"
	EventCancellation        EventType = "CANCELLATION"
	EventExpiration          EventType = "EXPIRATION"
	EventBillingIssue        EventType = "BILLING_ISSUE"
	EventTransfer            EventType = "TRANSFER"
	EventTest                EventType = "TEST"
)

// Creditable reports whether the event carries a payment that earns a reward.
// PRODUCT_CHANGE names the product being left; the new product is charged by
// its own later purchase or renewal event.
func (eventType EventType) Creditable() bool {
	switch eventType {
	case EventInitialPurchase, EventNonRenewingPurchase, EventRenewal:
		return true
	default:
		return false
	}
}

// String returns the wire value.
func (eventType EventType) String() string {
	return string(eventType)
}

// Outcome is the terminal state of a processed webhook event.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeRejected   Outcome = "rejected"
	OutcomeIgnored    Outcome = "ignored"
)

// String returns the stored value.
func (outcome Outcome) String() string {
	return string(outcome)
}

// ParseOutcome validates a stored outcome value.
func ParseOutcome(raw string) (Outcome, error) {
	switch Outcome(strings.TrimSpace(raw)) {
	case OutcomeApplied, OutcomeDuplicate, OutcomeUnresolved, OutcomeRejected, OutcomeIgnored:
		return Outcome(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("unknown outcome %q", raw)
	}
}

// Reward is what a recognized product grants.
type Reward struct {
	CreditCents         AmountCents
	ActivatesMembership bool
}

// NewReward validates a reward. A reward grants credit, membership, or both.
func NewReward(creditCents int64, activatesMembership bool) (Reward, error) {
	if creditCents < 0 {
		return Reward{}, fmt.Errorf("%w: credit must not be negative", ErrInvalidReward)
	}
	if creditCents == 0 && !activatesMembership {
		return Reward{}, fmt.Errorf("%w: grants nothing", ErrInvalidReward)
	}
	return Reward{CreditCents: AmountCents(creditCents), ActivatesMembership: activatesMembership}, nil
}

// Catalog is the closed product-to-reward table.
type Catalog struct {
	rewards map[string]Reward
}

// NewCatalog builds a catalog from product ids and rewards.
func NewCatalog(rewards map[ProductID]Reward) (Catalog, error) {
	if len(rewards) == 0 {
		return Catalog{}, fmt.Errorf("%w: catalog is empty", ErrInvalidServiceConfig)
	}
	table := make(map[string]Reward, len(rewards))
	for productID, reward := range rewards {
		if productID.String() == "" {
			return Catalog{}, fmt.Errorf("%w: empty product id", ErrInvalidProductID)
		}
		if _, err := NewReward(reward.CreditCents.Int64(), reward.ActivatesMembership); err != nil {
			return Catalog{}, fmt.Errorf("product %s: %w", productID.String(), err)
		}
		table[productID.String()] = reward
	}
	return Catalog{rewards: table}, nil
}

// Lookup returns the reward for a product.
func (catalog Catalog) Lookup(productID ProductID) (Reward, bool) {
	reward, ok := catalog.rewards[productID.String()]
	return reward, ok
}

// ProductIDs lists configured product ids in lexical order.
func (catalog Catalog) ProductIDs() []string {
	identifiers := make([]string, 0, len(catalog.rewards))
	for productID := range catalog.rewards {
		identifiers = append(identifiers, productID)
	}
	sort.Strings(identifiers)
	return identifiers
}

// PurchaseEvent is a normalized commerce backend notification.
type PurchaseEvent struct {
	EventID               EventID
	Type                  EventType
	TransactionID         TransactionID
	ProductID             ProductID
	SubjectID             string
	OriginalAppUserID     string
	Aliases               []string
	PurchasedAtUnixMillis int64
	Payload               string
}

// Result describes how an event was handled.
type Result struct {
	Outcome             Outcome
	AccountID           AccountID
	CreditCents         AmountCents
	MembershipActivated bool
	Reason              error
}

// Account mirrors an application account row.
type Account struct {
	AccountID        AccountID
	Username         string
	BalanceCents     AmountCents
	MembershipActive bool
	Deactivated      bool
	CreatedUnixUTC   int64
}

// AnonymousMapping binds an SDK anonymous identity to an account.
type AnonymousMapping struct {
	AnonymousID    AnonymousID
	AccountID      AccountID
	Active         bool
	CreatedUnixUTC int64
}

// CreditTransaction is an immutable credit line.
type CreditTransaction struct {
	AccountID            AccountID
	AmountCents          AmountCents
	Source               string
	ProductID            ProductID
	RelatedTransactionID TransactionID
	CreatedUnixUTC       int64
}

// WebhookRecord is the audit row kept for every authenticated delivery.
type WebhookRecord struct {
	EventID        EventID
	TransactionID  string
	Type           EventType
	ProductID      string
	SubjectID      string
	Outcome        Outcome
	AccountID      string
	Detail         string
	Payload        string
	UpdatedUnixUTC int64
}

// Statement is an account balance with its most recent credit lines.
type Statement struct {
	Account      Account
	Transactions []CreditTransaction
}

// MappingStatus reports what RegisterMapping did.
type MappingStatus string

const (
	MappingCreated   MappingStatus = "created"
	MappingUnchanged MappingStatus = "unchanged"
)

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	IncrementBalance(ctx context.Context, accountID AccountID, amount AmountCents) error
	ActivateMembership(ctx context.Context, accountID AccountID) error
	FindMapping(ctx context.Context, anonymousID AnonymousID) (AnonymousMapping, error)
	DeactivateMappings(ctx context.Context, accountID AccountID) error
	InsertMapping(ctx context.Context, mapping AnonymousMapping) error
	FindCreditTransaction(ctx context.Context, transactionID TransactionID) (CreditTransaction, error)
	InsertCreditTransaction(ctx context.Context, transaction CreditTransaction) error
	ListCreditTransactions(ctx context.Context, accountID AccountID, limit int) ([]CreditTransaction, error)
	RecordWebhookEvent(ctx context.Context, record WebhookRecord) error
	ListWebhookEvents(ctx context.Context, outcome Outcome, limit int) ([]WebhookRecord, error)
}
