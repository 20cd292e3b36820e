package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
)

const defaultBaseURL = "https://api.stripe.com"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewProvider(cfg paymentdomain.ProviderConfig) (paymentdomain.Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}

	return &Adapter{
		apiKey:   apiKey,
		baseURL:  baseURL,
		currency: currency,
		client:   &http.Client{Timeout: 12 * time.Second},
	}, nil
}

type Adapter struct {
	apiKey   string
	baseURL  string
	currency string
	client   *http.Client
}

func (a *Adapter) Name() string { return "stripe" }

type stripePaymentIntent struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeErrorResponse struct {
	Error struct {
		Type          string               `json:"type"`
		Code          string               `json:"code"`
		DeclineCode   string               `json:"decline_code"`
		Message       string               `json:"message"`
		PaymentIntent *stripePaymentIntent `json:"payment_intent"`
	} `json:"error"`
}

// Charge confirms an off-session PaymentIntent against the customer's saved
// payment method.
func (a *Adapter) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	if req.AmountCents <= 0 || strings.TrimSpace(req.IdempotencyKey) == "" {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidCharge
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = a.currency
	}

	values := url.Values{}
	values.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	values.Set("currency", currency)
	values.Set("confirm", "true")
	values.Set("off_session", "true")
	if customer := strings.TrimSpace(req.CustomerRef); customer != "" {
		values.Set("customer", customer)
	}
	if method := strings.TrimSpace(req.PaymentMethodRef); method != "" {
		values.Set("payment_method", method)
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		values.Set("description", desc)
	}
	values.Set("metadata[account_id]", strings.TrimSpace(req.AccountID))
	values.Set("metadata[operation_id]", req.IdempotencyKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/payment_intents", strings.NewReader(values.Encode()))
	if err != nil {
		return paymentdomain.ChargeResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return paymentdomain.ChargeResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	var intent stripePaymentIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return paymentdomain.ChargeResult{}, err
	}
	if intent.ID == "" {
		return paymentdomain.ChargeResult{}, errors.New("stripe_response_invalid")
	}
	return resultFromIntent(intent), nil
}

func resultFromIntent(intent stripePaymentIntent) paymentdomain.ChargeResult {
	switch intent.Status {
	case "succeeded":
		return paymentdomain.ChargeResult{Success: true, ChargeID: intent.ID}
	case "processing":
		return paymentdomain.ChargeResult{Pending: true, ChargeID: intent.ID}
	}
	reason := "payment_intent_" + intent.Status
	if intent.LastPaymentError != nil {
		reason = failureReason(intent.LastPaymentError.DeclineCode, intent.LastPaymentError.Code, intent.LastPaymentError.Message, reason)
	}
	return paymentdomain.ChargeResult{Success: false, ChargeID: intent.ID, FailureReason: reason}
}

// decodeError maps card errors to a declined result and anything else to an
// error, since only a card error proves no money moved.
func decodeError(resp *http.Response) (paymentdomain.ChargeResult, error) {
	var stripeErr stripeErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err != nil {
		return paymentdomain.ChargeResult{}, fmt.Errorf("stripe_request_failed: status %d", resp.StatusCode)
	}

	if stripeErr.Error.Type == "card_error" {
		chargeID := ""
		if stripeErr.Error.PaymentIntent != nil {
			chargeID = stripeErr.Error.PaymentIntent.ID
		}
		return paymentdomain.ChargeResult{
			Success:       false,
			ChargeID:      chargeID,
			FailureReason: failureReason(stripeErr.Error.DeclineCode, stripeErr.Error.Code, stripeErr.Error.Message, "card_declined"),
		}, nil
	}

	message := strings.TrimSpace(stripeErr.Error.Message)
	if message == "" {
		message = "stripe_request_failed"
	}
	return paymentdomain.ChargeResult{}, fmt.Errorf("%s: status %d", message, resp.StatusCode)
}

func failureReason(declineCode, code, message, fallback string) string {
	for _, candidate := range []string{declineCode, code, message} {
		if c := strings.TrimSpace(candidate); c != "" {
			return c
		}
	}
	return fallback
}
