// Package creem adapts Creem webhook deliveries into canonical payment
// events.
package creem

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditledger/internal/config"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
)

const SignatureHeader = "creem-signature"

type Adapter struct {
	webhookSecret string
	now           func() time.Time
}

// NewAdapter returns an adapter that skips signature checks when secret is
// empty.
func NewAdapter(secret string) *Adapter {
	return &Adapter{
		webhookSecret: strings.TrimSpace(secret),
		now:           time.Now,
	}
}

func Provide(cfg config.Config) paymentdomain.Adapter {
	return NewAdapter(cfg.Webhook.Secret)
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return nil
	}
	signature := strings.ToLower(strings.TrimSpace(headers.Get(SignatureHeader)))
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type creemEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	CreatedAt any             `json:"created_at"`
	Object    json.RawMessage `json:"object"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event creemEvent
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	eventType := paymentdomain.NormalizeEventType(event.EventType)
	if eventType == "" {
		return nil, paymentdomain.ErrMissingEventType
	}

	object := map[string]any{}
	if len(event.Object) > 0 && string(event.Object) != "null" {
		objDecoder := json.NewDecoder(bytes.NewReader(event.Object))
		objDecoder.UseNumber()
		if err := objDecoder.Decode(&object); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
	}

	ev := &paymentdomain.PaymentEvent{
		ID:         strings.TrimSpace(event.ID),
		Type:       eventType,
		RawPayload: payload,
		OccurredAt: a.occurredAt(event.CreatedAt),
	}
	ev.AccountID = firstID(object,
		"metadata.account_id",
		"metadata.accountId",
		"metadata.userId",
		"metadata.user_id",
		"customer.metadata.account_id",
		"customer.metadata.userId",
		"subscription.metadata.account_id",
		"subscription.metadata.userId",
		"checkout.metadata.account_id",
		"checkout.metadata.userId",
		"account_id",
	)
	ev.ProductID = firstID(object, "product", "product_id", "order.product", "subscription.product")
	ev.OrderID = firstID(object, "order", "order_id", "last_transaction.order")
	ev.CheckoutID = firstID(object, "checkout_id", "checkout")
	ev.SubscriptionID = firstID(object, "subscription", "subscription_id")

	objectID := idOf(object["id"])
	switch {
	case eventType == paymentdomain.EventCheckoutCompleted && ev.CheckoutID == "":
		ev.CheckoutID = objectID
	case strings.HasPrefix(eventType, "subscription.") && ev.SubscriptionID == "":
		ev.SubscriptionID = objectID
	case eventType == paymentdomain.EventRefundCreated || eventType == paymentdomain.EventDisputeCreated:
		ev.ReferenceID = objectID
	}

	ev.Amount = amountAt(object, "order.amount", "amount", "refund_amount")
	ev.Currency = strings.ToUpper(firstID(object, "order.currency", "currency", "refund_currency"))
	return ev, nil
}

func (a *Adapter) occurredAt(raw any) time.Time {
	switch cast := raw.(type) {
	case json.Number:
		if value, err := cast.Int64(); err == nil && value > 0 {
			// millisecond epochs are 13 digits
			if value > 1e12 {
				return time.UnixMilli(value).UTC()
			}
			return time.Unix(value, 0).UTC()
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(cast)); err == nil {
			return parsed.UTC()
		}
	}
	return a.now().UTC()
}

// lookup walks a dotted path through nested objects.
func lookup(object map[string]any, path string) any {
	var current any = object
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[key]
	}
	return current
}

// idOf reads a scalar id, or the "id" field of an expanded object.
func idOf(value any) string {
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case json.Number:
		return cast.String()
	case map[string]any:
		return idOf(cast["id"])
	}
	return ""
}

func firstID(object map[string]any, paths ...string) string {
	for _, path := range paths {
		if id := idOf(lookup(object, path)); id != "" {
			return id
		}
	}
	return ""
}

// amountAt reads minor units (integer cents) or a decimal string.
func amountAt(object map[string]any, paths ...string) *decimal.Decimal {
	for _, path := range paths {
		switch cast := lookup(object, path).(type) {
		case json.Number:
			if minor, err := strconv.ParseInt(cast.String(), 10, 64); err == nil {
				amount := decimal.New(minor, -2)
				return &amount
			}
			if amount, err := decimal.NewFromString(cast.String()); err == nil {
				return &amount
			}
		case string:
			if amount, err := decimal.NewFromString(strings.TrimSpace(cast)); err == nil {
				return &amount
			}
		}
	}
	return nil
}
