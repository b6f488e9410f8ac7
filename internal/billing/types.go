package billing

import (
	"strings"
	"time"
)

// Kind is the closed set of lifecycle events the reconciler acts on.
type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindCheckoutCompleted Kind = "checkout_completed"
	KindCreated           Kind = "created"
	KindPaymentSucceeded  Kind = "payment_succeeded"
	KindPaymentFailed     Kind = "payment_failed"
	KindCancelled         Kind = "cancelled"
)

// Stripe event types consumed by the webhook.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
)

// KindForType maps a Stripe event type to a lifecycle kind.
func KindForType(eventType string) Kind {
	switch eventType {
	case EventCheckoutSessionCompleted:
		return KindCheckoutCompleted
	case EventSubscriptionCreated:
		return KindCreated
	case EventInvoicePaymentSucceeded:
		return KindPaymentSucceeded
	case EventInvoicePaymentFailed:
		return KindPaymentFailed
	case EventSubscriptionDeleted:
		return KindCancelled
	default:
		return KindUnknown
	}
}

// Amount is a monetary value in the currency's minor unit.
type Amount struct {
	Minor    int64
	Currency string
}

// Event is a verified, decoded billing event.
type Event struct {
	ID         string
	Type       string
	Kind       Kind
	OccurredAt time.Time

	CustomerID     string
	SubscriptionID string
	CustomerEmail  string

	// Subscription is set for customer.subscription.* events, which carry
	// the full object (and its metadata) in the payload.
	Subscription *Subscription
	Amount       *Amount
}

// Subscription is the subset of a Stripe subscription the reconciler needs.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	Metadata         map[string]string
	CurrentPeriodEnd time.Time
}

// Customer is the subset of a Stripe customer the reconciler needs.
type Customer struct {
	ID       string
	Name     string
	Email    string
	Metadata map[string]string
}

// DisplayName returns the customer name, or "N/A" when Stripe has none.
func (c *Customer) DisplayName() string {
	if c == nil || strings.TrimSpace(c.Name) == "" {
		return "N/A"
	}
	return strings.TrimSpace(c.Name)
}
