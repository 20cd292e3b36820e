package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) paymentdomain.Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	provider, err := NewFactory().NewProvider(paymentdomain.ProviderConfig{
		APIKey:  "sk_test_123",
		BaseURL: srv.URL,
	})
	require.NoError(t, err)
	return provider
}

func chargeRequest() paymentdomain.ChargeRequest {
	return paymentdomain.ChargeRequest{
		AccountID:        "u1",
		AmountCents:      500,
		CustomerRef:      "cus_1",
		PaymentMethodRef: "pm_1",
		IdempotencyKey:   "auto-topup-u1-2026-10-01T09:30",
		Description:      "Auto top-up 500 credits",
	}
}

func TestChargeSucceeded(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.Equal(t, "auto-topup-u1-2026-10-01T09:30", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "500", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "true", r.PostForm.Get("confirm"))
		assert.Equal(t, "true", r.PostForm.Get("off_session"))
		assert.Equal(t, "cus_1", r.PostForm.Get("customer"))
		assert.Equal(t, "pm_1", r.PostForm.Get("payment_method"))
		assert.Equal(t, "u1", r.PostForm.Get("metadata[account_id]"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_1","status":"succeeded","amount":500,"currency":"usd"}`))
	})

	res, err := provider.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "pi_1", res.ChargeID)
}

func TestChargeCardDeclined(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds.","payment_intent":{"id":"pi_2","status":"requires_payment_method"}}}`))
	})

	res, err := provider.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "pi_2", res.ChargeID)
	assert.Equal(t, "insufficient_funds", res.FailureReason)
}

func TestChargeRequiresAction(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pi_3","status":"requires_action"}`))
	})

	res, err := provider.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "payment_intent_requires_action", res.FailureReason)
}

func TestChargeProcessingIsPending(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pi_4","status":"processing"}`))
	})

	res, err := provider.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Pending)
	assert.Equal(t, "pi_4", res.ChargeID)
	assert.Empty(t, res.FailureReason)
}

func TestChargeServerErrorIsNotADecline(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	})

	_, err := provider.Charge(context.Background(), chargeRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestChargeValidation(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	req := chargeRequest()
	req.IdempotencyKey = ""
	_, err := provider.Charge(context.Background(), req)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidCharge)

	_, err = NewFactory().NewProvider(paymentdomain.ProviderConfig{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}
