package revenuecat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/beanstalker/fulfillment/pkg/commerce"
	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	"github.com/google/uuid"
)

// StoreReceipt is what the platform store hands back after the native payment sheet.
type StoreReceipt struct {
	FetchToken string
	Price      float64
	Currency   string
}

// NativeCheckout drives the platform payment sheet for an offer. It returns
// commerce.ErrPurchaseCancelled when the user dismisses the sheet.
type NativeCheckout interface {
	Checkout(ctx context.Context, offer commerce.Offer) (StoreReceipt, error)
}

// Session is a commerce.SDK backed by the RevenueCat REST API. Like the mobile
// SDK it is configured once; later Configure calls keep the identity already in
// use, and only LogIn switches it.
type Session struct {
	client         *client
	checkout       NativeCheckout
	newAnonymousID func() string

	mu         sync.Mutex
	configured bool
	appUserID  string
}

// NewSession builds a Session for the public (app-scoped) API key.
func NewSession(cfg ClientConfig, checkout NativeCheckout) (*Session, error) {
	apiClient, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	if checkout == nil {
		return nil, fmt.Errorf("%w: native checkout is required", ErrInvalidClientConfig)
	}
	return &Session{client: apiClient, checkout: checkout, newAnonymousID: generateAnonymousID}, nil
}

func generateAnonymousID() string {
	return fulfillment.AnonymousIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type subscriberEnvelope struct {
	Subscriber subscriberPayload `json:"subscriber"`
}

type subscriberPayload struct {
	OriginalAppUserID string                              `json:"original_app_user_id"`
	NonSubscriptions  map[string][]nonSubscriptionPayload `json:"non_subscriptions"`
	Entitlements      map[string]entitlementPayload       `json:"entitlements"`
}

type nonSubscriptionPayload struct {
	ID                 string    `json:"id"`
	StoreTransactionID string    `json:"store_transaction_id"`
	PurchaseDate       time.Time `json:"purchase_date"`
}

type entitlementPayload struct {
	ExpiresDate       *time.Time `json:"expires_date"`
	ProductIdentifier string     `json:"product_identifier"`
}

// Configure opens the session for appUserID, or for a fresh anonymous
// identity when appUserID is empty.
func (session *Session) Configure(ctx context.Context, appUserID string) error {
	session.mu.Lock()
	if session.configured {
		session.mu.Unlock()
		return nil
	}
	candidate := strings.TrimSpace(appUserID)
	if candidate == "" {
		candidate = session.newAnonymousID()
	}
	session.mu.Unlock()

	var envelope subscriberEnvelope
	if err := session.client.do(ctx, http.MethodGet, subscriberPath(candidate), nil, &envelope); err != nil {
		return fmt.Errorf("configure %s: %w", candidate, err)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.configured {
		session.configured = true
		session.appUserID = candidate
	}
	return nil
}

// AppUserID returns the identity the session currently acts as.
func (session *Session) AppUserID(_ context.Context) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.configured {
		return "", fmt.Errorf("%w: session is not configured", commerce.ErrInvalidConfig)
	}
	return session.appUserID, nil
}

// LogIn aliases the current identity to appUserID and switches the session to it.
func (session *Session) LogIn(ctx context.Context, appUserID string) (string, error) {
	current, err := session.AppUserID(ctx)
	if err != nil {
		return "", err
	}
	target := strings.TrimSpace(appUserID)
	if target == "" {
		return "", fmt.Errorf("%w: empty app user id", commerce.ErrInvalidAccountID)
	}
	if target == current {
		return current, nil
	}
	request := map[string]string{"app_user_id": current, "new_app_user_id": target}
	var envelope subscriberEnvelope
	if err := session.client.do(ctx, http.MethodPost, "/v1/subscribers/identify", request, &envelope); err != nil {
		return "", fmt.Errorf("log in %s: %w", target, err)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	session.appUserID = target
	return target, nil
}

type offeringsEnvelope struct {
	CurrentOfferingID string             `json:"current_offering_id"`
	Offerings         []offeringsPayload `json:"offerings"`
}

type offeringsPayload struct {
	Identifier string           `json:"identifier"`
	Packages   []packagePayload `json:"packages"`
}

type packagePayload struct {
	Identifier                string `json:"identifier"`
	PlatformProductIdentifier string `json:"platform_product_identifier"`
}

// Offerings lists every package of every offering, current offering first.
func (session *Session) Offerings(ctx context.Context) ([]commerce.Offer, error) {
	appUserID, err := session.AppUserID(ctx)
	if err != nil {
		return nil, err
	}
	var envelope offeringsEnvelope
	if err := session.client.do(ctx, http.MethodGet, subscriberPath(appUserID)+"/offerings", nil, &envelope); err != nil {
		return nil, fmt.Errorf("offerings: %w", err)
	}
	offerings := envelope.Offerings
	sort.SliceStable(offerings, func(left, right int) bool {
		return offerings[left].Identifier == envelope.CurrentOfferingID && offerings[right].Identifier != envelope.CurrentOfferingID
	})
	offers := make([]commerce.Offer, 0)
	for _, offering := range offerings {
		for _, pkg := range offering.Packages {
			if pkg.PlatformProductIdentifier == "" {
				continue
			}
			offers = append(offers, commerce.Offer{
				OfferingID: offering.Identifier,
				PackageID:  pkg.Identifier,
				ProductID:  pkg.PlatformProductIdentifier,
			})
		}
	}
	return offers, nil
}

// Purchase runs the native checkout and posts the store receipt for validation.
func (session *Session) Purchase(ctx context.Context, offer commerce.Offer) (commerce.PurchaseReceipt, error) {
	appUserID, err := session.AppUserID(ctx)
	if err != nil {
		return commerce.PurchaseReceipt{}, err
	}
	storeReceipt, err := session.checkout.Checkout(ctx, offer)
	if err != nil {
		if errors.Is(err, commerce.ErrPurchaseCancelled) {
			return commerce.PurchaseReceipt{}, err
		}
		return commerce.PurchaseReceipt{}, fmt.Errorf("native checkout: %w", err)
	}
	if strings.TrimSpace(storeReceipt.FetchToken) == "" {
		return commerce.PurchaseReceipt{}, fmt.Errorf("native checkout returned no receipt token")
	}
	request := map[string]any{
		"app_user_id":                   appUserID,
		"fetch_token":                   storeReceipt.FetchToken,
		"product_id":                    offer.ProductID,
		"presented_offering_identifier": offer.OfferingID,
	}
	if storeReceipt.Currency != "" {
		request["price"] = storeReceipt.Price
		request["currency"] = storeReceipt.Currency
	}
	var envelope subscriberEnvelope
	if err := session.client.do(ctx, http.MethodPost, "/v1/receipts", request, &envelope); err != nil {
		return commerce.PurchaseReceipt{}, fmt.Errorf("post receipt: %w", err)
	}
	return newPurchaseReceipt(appUserID, envelope.Subscriber, time.Now().UTC()), nil
}

func newPurchaseReceipt(appUserID string, subscriber subscriberPayload, now time.Time) commerce.PurchaseReceipt {
	receipt := commerce.PurchaseReceipt{AppUserID: appUserID}
	productIDs := make([]string, 0, len(subscriber.NonSubscriptions))
	for productID := range subscriber.NonSubscriptions {
		productIDs = append(productIDs, productID)
	}
	sort.Strings(productIDs)
	for _, productID := range productIDs {
		for _, purchase := range subscriber.NonSubscriptions[productID] {
			transactionID := purchase.StoreTransactionID
			if transactionID == "" {
				transactionID = purchase.ID
			}
			receipt.NonSubscriptionTransactions = append(receipt.NonSubscriptionTransactions, commerce.Transaction{
				TransactionID:    transactionID,
				ProductID:        productID,
				PurchasedUnixUTC: purchase.PurchaseDate.Unix(),
			})
		}
	}
	for name, entitlement := range subscriber.Entitlements {
		if entitlement.ExpiresDate == nil || entitlement.ExpiresDate.After(now) {
			receipt.ActiveEntitlements = append(receipt.ActiveEntitlements, name)
		}
	}
	sort.Strings(receipt.ActiveEntitlements)
	return receipt
}

func subscriberPath(appUserID string) string {
	return "/v1/subscribers/" + url.PathEscape(appUserID)
}
