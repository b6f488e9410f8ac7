package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

func sign(t *testing.T, secret, payload string) ([]byte, string) {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

func TestNormalizeSubscriptionCreated(t *testing.T) {
	payload, header := sign(t, testSecret, `{
		"id":"evt_1","object":"event","type":"customer.subscription.created","created":1719000000,
		"data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active",
			"current_period_end":1721600000,"metadata":{"discord_id":"123"}}}}`)

	ev, err := NewNormalizer(testSecret).Normalize(payload, header)
	require.NoError(t, err)

	assert.Equal(t, KindCreated, ev.Kind)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Equal(t, "cus_1", ev.CustomerID)
	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "123", ev.Subscription.Metadata[MetadataDiscordID])
	assert.Equal(t, time.Unix(1721600000, 0).UTC(), ev.Subscription.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1719000000, 0).UTC(), ev.OccurredAt)
}

func TestNormalizeSubscriptionPeriodEndFromItems(t *testing.T) {
	payload, header := sign(t, testSecret, `{
		"id":"evt_2","object":"event","type":"customer.subscription.deleted",
		"data":{"object":{"id":"sub_2","customer":"cus_2","status":"canceled",
			"items":{"data":[{"current_period_end":1730000000}]},"metadata":{}}}}`)

	ev, err := NewNormalizer(testSecret).Normalize(payload, header)
	require.NoError(t, err)
	assert.Equal(t, KindCancelled, ev.Kind)
	assert.Equal(t, time.Unix(1730000000, 0).UTC(), ev.Subscription.CurrentPeriodEnd)
}

func TestNormalizeInvoiceShapes(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantKind   Kind
		wantSub    string
		wantAmount int64
	}{
		{
			name: "legacy-subscription-field",
			payload: `{"id":"evt_3","object":"event","type":"invoice.payment_succeeded",
				"data":{"object":{"id":"in_1","customer":"cus_1","subscription":"sub_1","amount_paid":999,"amount_due":999,"currency":"usd"}}}`,
			wantKind:   KindPaymentSucceeded,
			wantSub:    "sub_1",
			wantAmount: 999,
		},
		{
			name: "parent-subscription-details",
			payload: `{"id":"evt_4","object":"event","type":"invoice.payment_failed",
				"data":{"object":{"id":"in_2","customer":"cus_2","amount_paid":0,"amount_due":1500,"currency":"eur",
					"parent":{"subscription_details":{"subscription":"sub_2"}}}}}`,
			wantKind:   KindPaymentFailed,
			wantSub:    "sub_2",
			wantAmount: 1500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, header := sign(t, testSecret, tt.payload)
			ev, err := NewNormalizer(testSecret).Normalize(payload, header)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, ev.Kind)
			assert.Equal(t, tt.wantSub, ev.SubscriptionID)
			require.NotNil(t, ev.Amount)
			assert.Equal(t, tt.wantAmount, ev.Amount.Minor)
		})
	}
}

func TestNormalizeCheckoutCompleted(t *testing.T) {
	payload, header := sign(t, testSecret, `{"id":"evt_5","object":"event","type":"checkout.session.completed",
		"data":{"object":{"id":"cs_1","mode":"subscription","customer":"cus_5","subscription":"sub_5",
			"client_reference_id":"123","customer_details":{"email":"a@example.com"},"amount_total":500,"currency":"usd"}}}`)

	ev, err := NewNormalizer(testSecret).Normalize(payload, header)
	require.NoError(t, err)
	assert.Equal(t, KindCheckoutCompleted, ev.Kind)
	assert.Equal(t, "sub_5", ev.SubscriptionID)
	assert.Equal(t, "a@example.com", ev.CustomerEmail)
	assert.Nil(t, ev.Subscription)
}

func TestNormalizeUnknownTypeIsAccepted(t *testing.T) {
	payload, header := sign(t, testSecret, `{"id":"evt_6","object":"event","type":"customer.updated","data":{"object":{"id":"cus_1"}}}`)

	ev, err := NewNormalizer(testSecret).Normalize(payload, header)
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, ev.Kind)
	assert.Equal(t, "customer.updated", ev.Type)
}

func TestNormalizeRejectsUntrustedPayloads(t *testing.T) {
	good := `{"id":"evt_7","object":"event","type":"customer.subscription.created","data":{"object":{"id":"sub_7"}}}`

	t.Run("missing-header", func(t *testing.T) {
		_, err := NewNormalizer(testSecret).Normalize([]byte(good), "")
		assert.True(t, IsAuthenticationError(err), "err = %v", err)
	})

	t.Run("wrong-secret", func(t *testing.T) {
		payload, header := sign(t, "whsec_other", good)
		_, err := NewNormalizer(testSecret).Normalize(payload, header)
		assert.True(t, IsAuthenticationError(err), "err = %v", err)
	})

	t.Run("tampered-body", func(t *testing.T) {
		_, header := sign(t, testSecret, good)
		_, err := NewNormalizer(testSecret).Normalize([]byte(good+" "), header)
		assert.True(t, IsAuthenticationError(err), "err = %v", err)
	})

	t.Run("malformed-object", func(t *testing.T) {
		payload, header := sign(t, testSecret, `{"id":"evt_8","object":"event","type":"customer.subscription.created","data":{"object":{"id":42}}}`)
		_, err := NewNormalizer(testSecret).Normalize(payload, header)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "malformed payload")
	})

	t.Run("empty-secret", func(t *testing.T) {
		payload, header := sign(t, testSecret, good)
		_, err := NewNormalizer("").Normalize(payload, header)
		assert.True(t, IsAuthenticationError(err), "err = %v", err)
	})
}

func TestCustomerDisplayName(t *testing.T) {
	var nilCustomer *Customer
	assert.Equal(t, "N/A", nilCustomer.DisplayName())
	assert.Equal(t, "N/A", (&Customer{Name: "  "}).DisplayName())
	assert.Equal(t, "Ada Lovelace", (&Customer{Name: "Ada Lovelace"}).DisplayName())
}
