package domain

import (
	"context"
	"errors"
	"strings"

	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
)

var (
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidOverride = errors.New("invalid_override")
)

// Override lets the caller pin the charged ledger explicitly.
type Override string

const (
	OverrideNone         Override = ""
	OverridePersonal     Override = "personal"
	OverrideOrganization Override = "organization"
)

// ParseOverride normalizes raw into a known override.
func ParseOverride(raw string) (Override, error) {
	switch o := Override(strings.ToLower(strings.TrimSpace(raw))); o {
	case OverrideNone, OverridePersonal, OverrideOrganization:
		return o, nil
	default:
		return "", ErrInvalidOverride
	}
}

const (
	ReasonNoOrganization = "no_organization"
	ReasonOverride       = "override"
	ReasonPreferred      = "preferred"
	ReasonFallback       = "fallback"
	ReasonAmbiguous      = "ambiguous"
)

type Request struct {
	UserID         string
	OrganizationID string
	// Amount is the debit the caller intends to make. Zero only checks that
	// the balance is above the policy floor.
	Amount   int64
	Override Override
}

// Resolution names the single ledger a debit must be charged to. It is
// computed once per logical request and passed to the debit unchanged.
type Resolution struct {
	UseOrganization     bool                    `json:"useOrganization"`
	ChargedAccountID    string                  `json:"chargedAccountId"`
	ChargedAccountType  grantdomain.AccountType `json:"chargedAccountType"`
	RequiresOverride    bool                    `json:"requiresOverride"`
	Reason              string                  `json:"reason"`
	UserBalance         int64                   `json:"userBalance"`
	OrganizationBalance int64                   `json:"organizationBalance"`
}

type Service interface {
	ResolveAccount(ctx context.Context, req Request) (Resolution, error)
}
