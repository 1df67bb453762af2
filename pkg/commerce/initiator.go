package commerce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// PurchaseOutcome classifies a completed purchase attempt.
type PurchaseOutcome string

const (
	PurchaseSucceeded PurchaseOutcome = "succeeded"
	PurchaseCancelled PurchaseOutcome = "cancelled"
)

// PurchaseResult is the outcome of Initiator.Purchase.
type PurchaseResult struct {
	Outcome       PurchaseOutcome
	ProductID     string
	TransactionID string
}

// Initiator resolves a product choice to an SDK offer and runs the purchase.
type Initiator struct {
	sdk    SDK
	policy RetryPolicy
}

// NewInitiator wires an Initiator.
func NewInitiator(sdk SDK, policy RetryPolicy) (*Initiator, error) {
	if sdk == nil {
		return nil, fmt.Errorf("%w: sdk is nil", ErrInvalidConfig)
	}
	return &Initiator{sdk: sdk, policy: policy.normalized()}, nil
}

// Purchase buys productID. A user cancellation is reported as a
// PurchaseCancelled result with a nil error. An SDK result without a matching
// transaction is ErrFakeSuccess.
func (initiator *Initiator) Purchase(ctx context.Context, productID string) (PurchaseResult, error) {
	requested := strings.TrimSpace(productID)
	offers, err := withRetry(ctx, initiator.policy, initiator.sdk.Offerings)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("%w: %v", ErrOfferingsUnavailable, err)
	}
	if len(offers) == 0 {
		return PurchaseResult{}, fmt.Errorf("%w: empty catalog", ErrOfferingsUnavailable)
	}
	offer, found := findOffer(offers, requested)
	if !found {
		return PurchaseResult{}, &ProductNotFoundError{Requested: requested, Available: offerProductIDs(offers)}
	}

	// The native purchase flow is not retried: a repeat could charge twice.
	receipt, err := callWithTimeout(ctx, initiator.policy.CallTimeout, func(ctx context.Context) (PurchaseReceipt, error) {
		return initiator.sdk.Purchase(ctx, offer)
	})
	if errors.Is(err, ErrPurchaseCancelled) {
		return PurchaseResult{Outcome: PurchaseCancelled, ProductID: requested}, nil
	}
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("purchase %s: %w", requested, err)
	}
	transaction, found := latestTransaction(receipt.NonSubscriptionTransactions, requested)
	if !found {
		return PurchaseResult{}, fmt.Errorf("%w: %s returned %d transactions", ErrFakeSuccess, requested, len(receipt.NonSubscriptionTransactions))
	}
	return PurchaseResult{
		Outcome:       PurchaseSucceeded,
		ProductID:     requested,
		TransactionID: transaction.TransactionID,
	}, nil
}

func findOffer(offers []Offer, productID string) (Offer, bool) {
	for _, offer := range offers {
		if offer.ProductID == productID {
			return offer, true
		}
	}
	return Offer{}, false
}

func offerProductIDs(offers []Offer) []string {
	identifiers := make([]string, 0, len(offers))
	for _, offer := range offers {
		identifiers = append(identifiers, offer.ProductID)
	}
	sort.Strings(identifiers)
	return identifiers
}

func latestTransaction(transactions []Transaction, productID string) (Transaction, bool) {
	var (
		latest Transaction
		found  bool
	)
	for _, transaction := range transactions {
		if transaction.ProductID != productID || strings.TrimSpace(transaction.TransactionID) == "" {
			continue
		}
		if !found || transaction.PurchasedUnixUTC >= latest.PurchasedUnixUTC {
			latest = transaction
			found = true
		}
	}
	return latest, found
}
