package fulfillment

import (
	"encoding/json"
	"fmt"
	"strings"
)

const eventIDDelimiter = ":"

type webhookEnvelope struct {
	APIVersion string        `json:"api_version"`
	Event      *webhookEvent `json:"event"`
}

type webhookEvent struct {
	ID                    string   `json:"id"`
	Type                  string   `json:"type"`
	ProductID             string   `json:"product_id"`
	AppUserID             string   `json:"app_user_id"`
	OriginalAppUserID     string   `json:"original_app_user_id"`
	Aliases               []string `json:"aliases"`
	TransactionID         string   `json:"transaction_id"`
	OriginalTransactionID string   `json:"original_transaction_id"`
	PurchasedAtMillis     int64    `json:"purchased_at_ms"`
}

// ParseWebhookPayload decodes a commerce backend webhook body into a PurchaseEvent.
// The store transaction_id is preferred as the idempotency key; the
// original_transaction_id is used when the backend omits it.
func ParseWebhookPayload(body []byte) (PurchaseEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return PurchaseEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	if envelope.Event == nil {
		return PurchaseEvent{}, fmt.Errorf("%w: missing event", ErrInvalidWebhookPayload)
	}
	raw := envelope.Event
	eventType := EventType(strings.ToUpper(strings.TrimSpace(raw.Type)))
	if eventType == "" {
		return PurchaseEvent{}, fmt.Errorf("%w: missing event type", ErrInvalidWebhookPayload)
	}

	event := PurchaseEvent{
		Type:                  eventType,
		SubjectID:             strings.TrimSpace(raw.AppUserID),
		OriginalAppUserID:     strings.TrimSpace(raw.OriginalAppUserID),
		Aliases:               raw.Aliases,
		PurchasedAtUnixMillis: raw.PurchasedAtMillis,
		Payload:               string(body),
	}

	transactionRaw := raw.TransactionID
	if strings.TrimSpace(transactionRaw) == "" {
		transactionRaw = raw.OriginalTransactionID
	}
	if strings.TrimSpace(transactionRaw) != "" {
		transactionID, err := NewTransactionID(transactionRaw)
		if err != nil {
			return PurchaseEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
		}
		event.TransactionID = transactionID
	}
	if strings.TrimSpace(raw.ProductID) != "" {
		productID, err := NewProductID(raw.ProductID)
		if err != nil {
			return PurchaseEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
		}
		event.ProductID = productID
	}

	if eventType.Creditable() {
		if event.TransactionID.String() == "" {
			return PurchaseEvent{}, fmt.Errorf("%w: %s event without transaction id", ErrInvalidWebhookPayload, eventType)
		}
		if event.ProductID.String() == "" {
			return PurchaseEvent{}, fmt.Errorf("%w: %s event without product id", ErrInvalidWebhookPayload, eventType)
		}
	}

	eventIDRaw := raw.ID
	if strings.TrimSpace(eventIDRaw) == "" && event.TransactionID.String() != "" {
		eventIDRaw = eventType.String() + eventIDDelimiter + event.TransactionID.String()
	}
	eventID, err := NewEventID(eventIDRaw)
	if err != nil {
		return PurchaseEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	event.EventID = eventID
	return event, nil
}

// subjectCandidates lists identities to resolve, primary subject first.
func (event PurchaseEvent) subjectCandidates() []string {
	seen := make(map[string]struct{}, len(event.Aliases)+2)
	candidates := make([]string, 0, len(event.Aliases)+2)
	for _, candidate := range append([]string{event.SubjectID, event.OriginalAppUserID}, event.Aliases...) {
		trimmed := strings.TrimSpace(candidate)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		candidates = append(candidates, trimmed)
	}
	return candidates
}
