package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// MetadataDiscordID is the metadata key that links a Stripe subscription or
// customer to a Discord user.
const MetadataDiscordID = "discord_id"

const subscriptionListPageSize = 100

// CheckoutConfig describes the checkout session created for $subscribe.
type CheckoutConfig struct {
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// StripeClient wraps the Stripe API calls subsync makes.
type StripeClient struct {
	api      *client.API
	checkout CheckoutConfig
}

// NewStripeClient creates a client bound to apiKey. backends may be nil to use
// the default Stripe endpoints.
func NewStripeClient(apiKey string, checkout CheckoutConfig, backends *stripelib.Backends) *StripeClient {
	api := &client.API{}
	api.Init(strings.TrimSpace(apiKey), backends)
	return &StripeClient{api: api, checkout: checkout}
}

// CreateCheckoutSession creates a subscription checkout session tagged with
// the Discord user id and returns its URL.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, discordID string) (string, error) {
	params := &stripelib.CheckoutSessionParams{
		Mode:               stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripelib.StringSlice([]string{"card"}),
		SuccessURL:         stripelib.String(c.checkout.SuccessURL),
		CancelURL:          stripelib.String(c.checkout.CancelURL),
		ClientReferenceID:  stripelib.String(discordID),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(c.checkout.PriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataDiscordID: discordID},
		},
	}
	params.Context = ctx

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return "", errors.New("create checkout session: empty session url")
	}
	return session.URL, nil
}

// FindSubscription walks the currently listed subscriptions and returns the
// first one for which match returns true, or nil when none does.
func (c *StripeClient) FindSubscription(ctx context.Context, match func(Subscription) bool) (*Subscription, error) {
	params := &stripelib.SubscriptionListParams{}
	params.Limit = stripelib.Int64(subscriptionListPageSize)
	params.Context = ctx

	iter := c.api.Subscriptions.List(params)
	for iter.Next() {
		sub := fromStripeSubscription(iter.Subscription())
		if match(sub) {
			return &sub, nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return nil, nil
}

// CancelSubscription cancels a subscription immediately.
func (c *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripelib.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := c.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// GetSubscription retrieves a subscription by id.
func (c *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription %s: %w", subscriptionID, err)
	}
	out := fromStripeSubscription(sub)
	return &out, nil
}

// GetCustomer retrieves a customer by id.
func (c *StripeClient) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	params := &stripelib.CustomerParams{}
	params.Context = ctx
	cust, err := c.api.Customers.Get(customerID, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve customer %s: %w", customerID, err)
	}
	return &Customer{
		ID:       cust.ID,
		Name:     cust.Name,
		Email:    cust.Email,
		Metadata: cust.Metadata,
	}, nil
}

// IsNotFound reports whether err is Stripe saying the requested object does
// not exist. Redelivering the event will not bring it back.
func IsNotFound(err error) bool {
	var stripeErr *stripelib.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripelib.ErrorCodeResourceMissing
}

func fromStripeSubscription(sub *stripelib.Subscription) Subscription {
	if sub == nil {
		return Subscription{}
	}
	out := Subscription{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	return out
}
