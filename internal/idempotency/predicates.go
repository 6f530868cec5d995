// Package idempotency decides whether a payment event was already applied.
// Checks run most-specific first and stop at the first match.
package idempotency

import (
	"strings"
	"time"

	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	orderdomain "github.com/smallbiznis/creditledger/internal/order/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
)

// DuplicateWindow bounds the same-amount purchase heuristic.
const DuplicateWindow = 3 * time.Minute

type Check string

const (
	CheckPurchaseForOrder   Check = "purchase_for_order"
	CheckCompletedOrder     Check = "completed_order"
	CheckSubscriptionExists Check = "subscription_exists"
	CheckCheckoutFallback   Check = "checkout_fallback"
	CheckRecentSameAmount   Check = "recent_same_amount"
)

// Descriptor is the normalized identity of a payment event.
type Descriptor struct {
	AccountID      string
	ProductID      string
	OrderID        string
	CheckoutID     string
	SubscriptionID string
	Credits        int64
}

// ExternalSubscriptionID returns the incoming subscription id, or the
// synthesized one-time id when only an order id is known.
func (d Descriptor) ExternalSubscriptionID() string {
	if id := strings.TrimSpace(d.SubscriptionID); id != "" {
		return id
	}
	if id := strings.TrimSpace(d.OrderID); id != "" {
		return subscriptiondomain.OnetimeExternalID(id)
	}
	return ""
}

// Snapshot is everything the checks read, loaded up front.
type Snapshot struct {
	PurchaseForOrder *ledgerdomain.Transaction
	CompletedOrder   *orderdomain.Order
	Subscription     *subscriptiondomain.Subscription
	CheckoutOrder    *orderdomain.Order
	CheckoutPurchase *ledgerdomain.Transaction
	RecentPurchase   *ledgerdomain.Transaction
}

type Evidence struct {
	Check             Check  `json:"check"`
	TransactionNumber string `json:"transaction_number,omitempty"`
	OrderID           string `json:"order_id,omitempty"`
	SubscriptionID    string `json:"subscription_id,omitempty"`
}

type Decision struct {
	AlreadyApplied bool
	Evidence       *Evidence
}

func proceed() Decision { return Decision{} }

func applied(e Evidence) Decision { return Decision{AlreadyApplied: true, Evidence: &e} }

type predicate func(Descriptor, Snapshot) (Evidence, bool)

// fullChain is used for purchase-style events; orderChain for renewals whose
// subscription row legitimately exists already.
var (
	fullChain  = []predicate{purchaseForOrder, completedOrder, subscriptionExists, checkoutFallback, recentSameAmount}
	orderChain = []predicate{purchaseForOrder, completedOrder}
)

func evaluate(chain []predicate, d Descriptor, snap Snapshot) Decision {
	for _, check := range chain {
		if evidence, ok := check(d, snap); ok {
			return applied(evidence)
		}
	}
	return proceed()
}

// Evaluate runs every check against snap.
func Evaluate(d Descriptor, snap Snapshot) Decision {
	return evaluate(fullChain, d, snap)
}

// EvaluateOrder runs only the order-id checks.
func EvaluateOrder(d Descriptor, snap Snapshot) Decision {
	return evaluate(orderChain, d, snap)
}

func purchaseForOrder(d Descriptor, snap Snapshot) (Evidence, bool) {
	if d.OrderID == "" || snap.PurchaseForOrder == nil {
		return Evidence{}, false
	}
	return Evidence{
		Check:             CheckPurchaseForOrder,
		TransactionNumber: snap.PurchaseForOrder.TransactionNumber,
		OrderID:           d.OrderID,
	}, true
}

func completedOrder(d Descriptor, snap Snapshot) (Evidence, bool) {
	if d.OrderID == "" || snap.CompletedOrder == nil {
		return Evidence{}, false
	}
	return Evidence{Check: CheckCompletedOrder, OrderID: snap.CompletedOrder.ExternalOrderID}, true
}

func subscriptionExists(d Descriptor, snap Snapshot) (Evidence, bool) {
	externalID := d.ExternalSubscriptionID()
	if externalID == "" || snap.Subscription == nil || snap.Subscription.ExternalID != externalID {
		return Evidence{}, false
	}
	return Evidence{Check: CheckSubscriptionExists, SubscriptionID: externalID}, true
}

func checkoutFallback(d Descriptor, snap Snapshot) (Evidence, bool) {
	if d.OrderID != "" || d.CheckoutID == "" {
		return Evidence{}, false
	}
	if snap.CheckoutOrder != nil {
		evidence := Evidence{Check: CheckCheckoutFallback, OrderID: snap.CheckoutOrder.ExternalOrderID}
		if snap.CheckoutPurchase != nil {
			evidence.TransactionNumber = snap.CheckoutPurchase.TransactionNumber
		}
		return evidence, true
	}
	if snap.CheckoutPurchase != nil {
		return Evidence{Check: CheckCheckoutFallback, TransactionNumber: snap.CheckoutPurchase.TransactionNumber}, true
	}
	return Evidence{}, false
}

func recentSameAmount(d Descriptor, snap Snapshot) (Evidence, bool) {
	if d.Credits <= 0 || snap.RecentPurchase == nil || snap.RecentPurchase.Amount != d.Credits {
		return Evidence{}, false
	}
	return Evidence{Check: CheckRecentSameAmount, TransactionNumber: snap.RecentPurchase.TransactionNumber}, true
}
