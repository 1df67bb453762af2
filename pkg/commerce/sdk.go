// Package commerce wraps the in-app-purchase SDK session behind the identity
// binder and purchase initiator used by the app.
package commerce

import (
	"context"
	"time"
)

// Offer is a purchasable package from the SDK catalog.
type Offer struct {
	OfferingID string
	PackageID  string
	ProductID  string
}

// Transaction is a single non-subscription store transaction.
type Transaction struct {
	TransactionID    string
	ProductID        string
	PurchasedUnixUTC int64
}

// PurchaseReceipt is what the SDK returns after the native purchase flow.
type PurchaseReceipt struct {
	AppUserID                   string
	NonSubscriptionTransactions []Transaction
	ActiveEntitlements          []string
}

// SDK is the commerce SDK session. Every call blocks until the SDK reports
// completion or ctx expires.
type SDK interface {
	Configure(ctx context.Context, appUserID string) error
	AppUserID(ctx context.Context) (string, error)
	LogIn(ctx context.Context, appUserID string) (string, error)
	Offerings(ctx context.Context) ([]Offer, error)
	Purchase(ctx context.Context, offer Offer) (PurchaseReceipt, error)
}

// MappingRecorder durably stores an anonymous SDK identity for an account.
type MappingRecorder interface {
	RecordMapping(ctx context.Context, anonymousID string, accountID string) error
}

// RetryPolicy bounds retries of transient SDK failures.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		CallTimeout:    10 * time.Second,
	}
}
