package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/rentledger/internal/circuitbreaker"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/retry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastResilient(gw Gateway, opts ...ResilientOption) *Resilient {
	opts = append([]ResilientOption{WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Microsecond})}, opts...)
	return NewResilient(gw, time.Second, quietLogger(), opts...)
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusSuccess, ParseStatus("SUCCESS"))
	assert.Equal(t, StatusSuccess, ParseStatus("completed"))
	assert.Equal(t, StatusFailed, ParseStatus("FAILED"))
	assert.Equal(t, StatusFailed, ParseStatus("cancelled"))
	assert.Equal(t, StatusPending, ParseStatus("weird"))
	assert.Equal(t, StatusPending, ParseStatus(""))
}

func TestSandbox_Lifecycle(t *testing.T) {
	sb := NewSandbox("http://localhost:8080/sandbox")
	ctx := context.Background()

	sess, err := sb.Checkout(ctx, CheckoutRequest{ProviderTransactionID: "tx_1", Amount: 82500})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/sandbox/checkout/sbx_tx_1", sess.RedirectURL)

	v, err := sb.Verify(ctx, VerifyRequest{ProviderTransactionID: "tx_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, v.Status)

	require.NoError(t, sb.Complete("tx_1", StatusSuccess))
	v, err = sb.Verify(ctx, VerifyRequest{ProviderTransactionID: "tx_1"})
	require.NoError(t, err)
	assert.Equal(t, Verification{Status: StatusSuccess, Amount: 82500}, *v)

	_, err = sb.Verify(ctx, VerifyRequest{ProviderTransactionID: "tx_missing"})
	assert.ErrorIs(t, err, ErrUnknownPayment)
	assert.ErrorIs(t, sb.Complete("tx_missing", StatusFailed), ErrUnknownPayment)
}

func TestResilient_RetriesTransientErrors(t *testing.T) {
	sb := NewSandbox("http://sbx")
	r := fastResilient(sb)
	ctx := context.Background()

	sb.FailNext(errors.New("connection reset"), errors.New("connection reset"))
	sess, err := r.Checkout(ctx, CheckoutRequest{ProviderTransactionID: "tx_1", Amount: 100})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ProviderRef)
	assert.Equal(t, 3, sb.Calls("checkout"))
}

func TestResilient_ExhaustionIsProviderError(t *testing.T) {
	sb := NewSandbox("http://sbx")
	r := fastResilient(sb)

	sb.FailNext(errors.New("down"), errors.New("down"), errors.New("down"))
	_, err := r.Checkout(context.Background(), CheckoutRequest{ProviderTransactionID: "tx_1", Amount: 100})
	require.ErrorIs(t, err, domain.ErrProvider)
	assert.Equal(t, 3, sb.Calls("checkout"))
}

func TestResilient_PermanentErrorsAreNotRetried(t *testing.T) {
	sb := NewSandbox("http://sbx")
	r := fastResilient(sb)

	sb.FailNext(retry.Permanent(errors.New("bad request")))
	_, err := r.Checkout(context.Background(), CheckoutRequest{ProviderTransactionID: "tx_1", Amount: 100})
	require.ErrorIs(t, err, domain.ErrProvider)
	assert.Equal(t, 1, sb.Calls("checkout"))
}

func TestResilient_UnknownPaymentPassesThrough(t *testing.T) {
	sb := NewSandbox("http://sbx")
	r := fastResilient(sb)

	_, err := r.Verify(context.Background(), VerifyRequest{ProviderTransactionID: "tx_nope"})
	require.ErrorIs(t, err, ErrUnknownPayment)
	assert.NotErrorIs(t, err, domain.ErrProvider)
	assert.Equal(t, 1, sb.Calls("verify"))
}

func TestResilient_CircuitOpensAfterFailures(t *testing.T) {
	sb := NewSandbox("http://sbx")
	r := fastResilient(sb,
		WithRetryPolicy(retry.Policy{MaxAttempts: 1}),
		WithBreaker(circuitbreaker.New(2, time.Hour)))
	ctx := context.Background()

	sb.FailNext(errors.New("down"), errors.New("down"))
	for i := 0; i < 2; i++ {
		_, err := r.Verify(ctx, VerifyRequest{ProviderTransactionID: "tx_1"})
		require.ErrorIs(t, err, domain.ErrProvider)
	}

	_, err := r.Verify(ctx, VerifyRequest{ProviderTransactionID: "tx_1"})
	require.ErrorIs(t, err, domain.ErrProvider)
	assert.Contains(t, err.Error(), circuitbreaker.ErrOpen.Error())
	assert.Equal(t, 2, sb.Calls("verify"), "open circuit short-circuits the call")
	assert.Equal(t, []string{"sandbox.verify"}, r.OpenCircuits())

	// Checkout has its own circuit.
	_, err = r.Checkout(ctx, CheckoutRequest{ProviderTransactionID: "tx_1", Amount: 1})
	assert.NoError(t, err)
}

type slowGateway struct{ *Sandbox }

func (s *slowGateway) Verify(ctx context.Context, _ VerifyRequest) (*Verification, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResilient_TimeoutPerAttempt(t *testing.T) {
	gw := &slowGateway{Sandbox: NewSandbox("http://sbx")}
	r := NewResilient(gw, 5*time.Millisecond, quietLogger(), WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Microsecond}))

	start := time.Now()
	_, err := r.Verify(context.Background(), VerifyRequest{ProviderTransactionID: "tx_1"})
	require.ErrorIs(t, err, domain.ErrProvider)
	assert.Less(t, time.Since(start), time.Second)
}

const testWebhookSecret = "whsec_test"

func signed(t *testing.T, payload string) (string, []byte) {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return sp.Header, sp.Payload
}

func TestParseStripeWebhook(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *WebhookEvent
	}{
		{
			"completed and paid",
			`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":"tx_1","payment_status":"paid","status":"complete","amount_total":82500}}}`,
			&WebhookEvent{Type: "checkout.session.completed", ProviderTransactionID: "tx_1", Status: StatusSuccess},
		},
		{
			"completed awaiting async payment",
			`{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":"tx_1","payment_status":"unpaid","status":"complete"}}}`,
			&WebhookEvent{Type: "checkout.session.completed", ProviderTransactionID: "tx_1", Status: StatusPending},
		},
		{
			"expired",
			`{"id":"evt_3","object":"event","type":"checkout.session.expired","data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":"tx_1","status":"expired"}}}`,
			&WebhookEvent{Type: "checkout.session.expired", ProviderTransactionID: "tx_1", Status: StatusFailed},
		},
		{
			"unrelated",
			`{"id":"evt_4","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`,
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, payload := signed(t, tt.body)
			got, err := ParseStripeWebhook(payload, header, testWebhookSecret)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStripeWebhook_BadSignature(t *testing.T) {
	header, payload := signed(t, `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)
	_, err := ParseStripeWebhook(payload, header, "whsec_other")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = ParseStripeWebhook(payload, "", testWebhookSecret)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
