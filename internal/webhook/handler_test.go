package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rcourtman/subsync/internal/billing"
	syncerrors "github.com/rcourtman/subsync/internal/errors"
	"github.com/rcourtman/subsync/internal/ledger"
	"github.com/rcourtman/subsync/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

func signedRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

type stubEvents struct {
	events []billing.Event
	err    error
}

func (s *stubEvents) Handle(_ context.Context, ev billing.Event) (reconcile.Report, error) {
	s.events = append(s.events, ev)
	return reconcile.Report{EventID: ev.ID, Kind: ev.Kind}, s.err
}

func TestServeHTTPStatusMapping(t *testing.T) {
	const payload = `{"id":"evt_1","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "accepted", want: http.StatusOK},
		{name: "retryable", err: syncerrors.NewStepError(syncerrors.ErrorTypeTimeout, "grant", errors.New("stalled")), want: http.StatusServiceUnavailable},
		{name: "permanent", err: syncerrors.NewStepError(syncerrors.ErrorTypeInternal, "ledger_update", errors.New("bad cell")), want: http.StatusInternalServerError},
		{name: "joined with retryable", err: errors.Join(
			syncerrors.NewStepError(syncerrors.ErrorTypeInternal, "ledger_update", errors.New("bad cell")),
			syncerrors.NewStepError(syncerrors.ErrorTypeAccess, "grant", errors.New("502")),
		), want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &stubEvents{err: tt.err}
			rec := httptest.NewRecorder()
			NewHandler(testSecret, events).ServeHTTP(rec, signedRequest(t, testSecret, payload))

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d, body=%q", rec.Code, tt.want, rec.Body.String())
			}
			require.Len(t, events.events, 1)
			assert.Equal(t, billing.KindUnknown, events.events[0].Kind)
		})
	}
}

func TestServeHTTPAcceptedHasEmptyBody(t *testing.T) {
	rec := httptest.NewRecorder()
	payload := `{"id":"evt_1","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`
	NewHandler(testSecret, &stubEvents{}).ServeHTTP(rec, signedRequest(t, testSecret, payload))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestServeHTTPRejectsBeforeEngine(t *testing.T) {
	const payload = `{"id":"evt_1","object":"event","type":"customer.subscription.created","data":{"object":{"id":"sub_1"}}}`

	tests := []struct {
		name    string
		secret  string
		request func(t *testing.T) *http.Request
		want    int
	}{
		{
			name:   "method",
			secret: testSecret,
			request: func(*testing.T) *http.Request {
				return httptest.NewRequest(http.MethodGet, "/webhook", nil)
			},
			want: http.StatusMethodNotAllowed,
		},
		{
			name:   "secret unset",
			secret: "",
			request: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, payload)
			},
			want: http.StatusServiceUnavailable,
		},
		{
			name:   "missing signature",
			secret: testSecret,
			request: func(*testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(payload)))
			},
			want: http.StatusBadRequest,
		},
		{
			name:   "wrong secret",
			secret: testSecret,
			request: func(t *testing.T) *http.Request {
				return signedRequest(t, "whsec_other", payload)
			},
			want: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &stubEvents{}
			rec := httptest.NewRecorder()
			NewHandler(tt.secret, events).ServeHTTP(rec, tt.request(t))

			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, events.events)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

// End-to-end fakes for the reconciliation engine.

type recordingGrantor struct {
	ops []string
}

func (g *recordingGrantor) Grant(_ context.Context, _, userID, _ string) error {
	g.ops = append(g.ops, "grant:"+userID)
	return nil
}

func (g *recordingGrantor) Revoke(_ context.Context, _, userID, _ string) error {
	g.ops = append(g.ops, "revoke:"+userID)
	return nil
}

type staticDirectory map[string]string

func (d staticDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	name, ok := d[userID]
	if !ok {
		return "", fmt.Errorf("unknown user %s", userID)
	}
	return name, nil
}

type memoryLedger struct {
	rows  []ledger.Row
	calls int
}

func (l *memoryLedger) FindRowByDisplayName(_ context.Context, name string) (ledger.RowRef, bool, error) {
	l.calls++
	for i, row := range l.rows {
		if row.DisplayName == name {
			return ledger.RowRef{Row: i + 1}, true, nil
		}
	}
	return ledger.RowRef{}, false, nil
}

func (l *memoryLedger) UpdateCell(_ context.Context, ref ledger.RowRef, _ ledger.Column, value string) error {
	l.calls++
	l.rows[ref.Row-1].Status = ledger.Status(value)
	return nil
}

func (l *memoryLedger) AppendRow(_ context.Context, row ledger.Row) error {
	l.calls++
	l.rows = append(l.rows, row)
	return nil
}

type staticBilling struct{}

func (staticBilling) GetSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	return nil, fmt.Errorf("unexpected subscription lookup %s", id)
}

func (staticBilling) GetCustomer(_ context.Context, id string) (*billing.Customer, error) {
	return &billing.Customer{ID: id, Name: "Alice Example", Email: "alice@example.com"}, nil
}

type inlineScheduler struct{}

func (inlineScheduler) Do(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

func newEngineHandler(grantor *recordingGrantor, store *memoryLedger) *Handler {
	engine := reconcile.NewEngine(reconcile.Config{GuildID: "100", RoleID: "200", PlanLabel: "Subscription"}, reconcile.Deps{
		Access:    grantor,
		Directory: staticDirectory{"123": "alice"},
		Ledger:    store,
		Billing:   staticBilling{},
		Scheduler: inlineScheduler{},
	})
	return NewHandler(testSecret, engine)
}

func subscriptionPayload(eventType string) string {
	return fmt.Sprintf(`{"id":"evt_%[1]s","object":"event","type":"%[1]s","data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active","metadata":{"discord_id":"123"},"current_period_end":1775001600}}}`, eventType)
}

func TestSubscriptionCreatedGrantsAndAppends(t *testing.T) {
	grantor := &recordingGrantor{}
	store := &memoryLedger{}
	rec := httptest.NewRecorder()

	newEngineHandler(grantor, store).ServeHTTP(rec, signedRequest(t, testSecret, subscriptionPayload(billing.EventSubscriptionCreated)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"grant:123"}, grantor.ops)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "alice", store.rows[0].DisplayName)
	assert.Equal(t, ledger.StatusActive, store.rows[0].Status)
	assert.Equal(t, "2026-04-01", store.rows[0].Values()[ledger.ColumnNextBillingDate-1])
}

func TestSubscriptionDeletedRevokesAndKeepsRow(t *testing.T) {
	grantor := &recordingGrantor{}
	store := &memoryLedger{rows: []ledger.Row{{Name: "Alice Example", DisplayName: "alice", Status: ledger.StatusActive}}}
	rec := httptest.NewRecorder()

	newEngineHandler(grantor, store).ServeHTTP(rec, signedRequest(t, testSecret, subscriptionPayload(billing.EventSubscriptionDeleted)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"revoke:123"}, grantor.ops)
	require.Len(t, store.rows, 1)
	assert.Equal(t, ledger.StatusCancelled, store.rows[0].Status)
	assert.Equal(t, "Alice Example", store.rows[0].Name)
}

func TestInvalidSignatureTouchesNothing(t *testing.T) {
	grantor := &recordingGrantor{}
	store := &memoryLedger{}
	req := signedRequest(t, testSecret, subscriptionPayload(billing.EventSubscriptionCreated))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()

	newEngineHandler(grantor, store).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, grantor.ops)
	assert.Zero(t, store.calls)
}

func TestUnresolvedIdentityIsAccepted(t *testing.T) {
	grantor := &recordingGrantor{}
	store := &memoryLedger{}
	payload := `{"id":"evt_2","object":"event","type":"customer.subscription.created","data":{"object":{"id":"sub_2","object":"subscription","customer":"cus_2","status":"active","metadata":{}}}}`
	rec := httptest.NewRecorder()

	newEngineHandler(grantor, store).ServeHTTP(rec, signedRequest(t, testSecret, payload))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, grantor.ops)
	assert.Zero(t, store.calls)
}
