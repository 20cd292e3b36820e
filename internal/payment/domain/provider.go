package domain

import (
	"context"
	"errors"
)

var (
	ErrProviderNotFound      = errors.New("payment_provider_not_found")
	ErrDuplicateProvider     = errors.New("payment_provider_duplicate")
	ErrProviderNotConfigured = errors.New("payment_provider_not_configured")
	ErrInvalidConfig         = errors.New("invalid_payment_config")
	ErrInvalidCharge         = errors.New("invalid_charge")
)

// ChargeRequest asks a provider to collect AmountCents off-session.
type ChargeRequest struct {
	AccountID        string
	AmountCents      int64
	Currency         string
	CustomerRef      string
	PaymentMethodRef string
	// IdempotencyKey is forwarded to the provider so a retried call cannot
	// charge twice.
	IdempotencyKey string
	Description    string
}

// ChargeResult reports the provider's decision. A declined charge is a
// result with Success false, not an error; errors mean the outcome is unknown.
// Pending marks a charge the provider accepted but has not settled yet.
type ChargeResult struct {
	Success       bool
	Pending       bool
	ChargeID      string
	FailureReason string
}

type Provider interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

type ProviderConfig struct {
	APIKey   string
	BaseURL  string
	Currency string
}

type ProviderFactory interface {
	Provider() string
	NewProvider(cfg ProviderConfig) (Provider, error)
}
