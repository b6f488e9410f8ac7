package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82/webhook"
)

// AuthenticationError is returned when a webhook payload cannot be trusted:
// missing or bad signature, or a body that does not decode.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return "webhook authentication failed: " + e.Reason
	}
	return fmt.Sprintf("webhook authentication failed: %s: %v", e.Reason, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// IsAuthenticationError reports whether err is (or wraps) an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// Normalizer verifies Stripe webhook signatures and decodes events.
type Normalizer struct {
	secret string
}

// NewNormalizer creates a Normalizer for the given webhook signing secret.
func NewNormalizer(secret string) *Normalizer {
	return &Normalizer{secret: strings.TrimSpace(secret)}
}

// Normalize verifies payload against the Stripe-Signature header and decodes
// it into an Event. Unknown event types decode to KindUnknown without error.
func (n *Normalizer) Normalize(payload []byte, sigHeader string) (Event, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return Event{}, &AuthenticationError{Reason: "missing signature"}
	}
	if n.secret == "" {
		return Event{}, &AuthenticationError{Reason: "webhook secret not configured"}
	}

	raw, err := webhook.ConstructEventWithOptions(payload, sigHeader, n.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, &AuthenticationError{Reason: "invalid signature", Err: err}
	}

	ev := Event{
		ID:   raw.ID,
		Type: string(raw.Type),
		Kind: KindForType(string(raw.Type)),
	}
	if raw.Created > 0 {
		ev.OccurredAt = time.Unix(raw.Created, 0).UTC()
	}
	if raw.Data == nil {
		if ev.Kind == KindUnknown {
			return ev, nil
		}
		return Event{}, &AuthenticationError{Reason: "malformed payload", Err: errors.New("event has no data object")}
	}

	if err := decodeObject(&ev, raw.Data.Raw); err != nil {
		return Event{}, &AuthenticationError{Reason: "malformed payload", Err: err}
	}

	log.Debug().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Str("kind", string(ev.Kind)).
		Msg("Billing event verified")
	return ev, nil
}

func decodeObject(ev *Event, data json.RawMessage) error {
	switch ev.Kind {
	case KindCheckoutCompleted:
		var session checkoutSessionObject
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		ev.CustomerID = strings.TrimSpace(session.Customer)
		ev.SubscriptionID = strings.TrimSpace(session.Subscription)
		ev.CustomerEmail = session.email()
		if session.AmountTotal > 0 {
			ev.Amount = &Amount{Minor: session.AmountTotal, Currency: session.Currency}
		}

	case KindCreated, KindCancelled:
		var sub subscriptionObject
		if err := json.Unmarshal(data, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		s := sub.toSubscription()
		ev.Subscription = &s
		ev.SubscriptionID = s.ID
		ev.CustomerID = s.CustomerID

	case KindPaymentSucceeded, KindPaymentFailed:
		var inv invoiceObject
		if err := json.Unmarshal(data, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		ev.CustomerID = strings.TrimSpace(inv.Customer)
		ev.SubscriptionID = inv.subscriptionID()
		ev.CustomerEmail = strings.TrimSpace(inv.CustomerEmail)
		amount := inv.AmountPaid
		if ev.Kind == KindPaymentFailed {
			amount = inv.AmountDue
		}
		ev.Amount = &Amount{Minor: amount, Currency: inv.Currency}
	}
	return nil
}

type checkoutSessionObject struct {
	ID                string `json:"id"`
	Mode              string `json:"mode"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	ClientReferenceID string `json:"client_reference_id"`
	CustomerEmail     string `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	AmountTotal int64             `json:"amount_total"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *checkoutSessionObject) email() string {
	if v := strings.TrimSpace(s.CustomerEmail); v != "" {
		return v
	}
	return strings.TrimSpace(s.CustomerDetails.Email)
}

type subscriptionObject struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// periodEnd prefers the top-level field and falls back to the first item,
// where newer API versions report it.
func (s *subscriptionObject) periodEnd() int64 {
	if s.CurrentPeriodEnd > 0 {
		return s.CurrentPeriodEnd
	}
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return item.CurrentPeriodEnd
		}
	}
	return 0
}

func (s *subscriptionObject) toSubscription() Subscription {
	out := Subscription{
		ID:         strings.TrimSpace(s.ID),
		CustomerID: strings.TrimSpace(s.Customer),
		Status:     s.Status,
		Metadata:   s.Metadata,
	}
	if end := s.periodEnd(); end > 0 {
		out.CurrentPeriodEnd = time.Unix(end, 0).UTC()
	}
	return out
}

type invoiceObject struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	CustomerEmail string `json:"customer_email"`
	Subscription  string `json:"subscription"`
	AmountPaid    int64  `json:"amount_paid"`
	AmountDue     int64  `json:"amount_due"`
	Currency      string `json:"currency"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (inv *invoiceObject) subscriptionID() string {
	if v := strings.TrimSpace(inv.Subscription); v != "" {
		return v
	}
	return strings.TrimSpace(inv.Parent.SubscriptionDetails.Subscription)
}
