package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// GrantType identifies where a grant's credits came from.
type GrantType string

const (
	GrantTypeSubscription   GrantType = "subscription"
	GrantTypeFree           GrantType = "free"
	GrantTypeReferralLegacy GrantType = "referral_legacy"
	GrantTypeAd             GrantType = "ad"
	GrantTypeReferral       GrantType = "referral"
	GrantTypeAdmin          GrantType = "admin"
	GrantTypeOrganization   GrantType = "organization"
	GrantTypePurchase       GrantType = "purchase"
)

// AllGrantTypes lists every known grant type in drain order.
var AllGrantTypes = []GrantType{
	GrantTypeSubscription,
	GrantTypeFree,
	GrantTypeReferralLegacy,
	GrantTypeAd,
	GrantTypeReferral,
	GrantTypeAdmin,
	GrantTypeOrganization,
	GrantTypePurchase,
}

// Priority returns the drain priority for the grant type. Lower drains first.
// Every GrantType constant must have a case here.
func (t GrantType) Priority() (int, bool) {
	switch t {
	case GrantTypeSubscription:
		return 10, true
	case GrantTypeFree:
		return 20, true
	case GrantTypeReferralLegacy:
		return 30, true
	case GrantTypeAd:
		return 40, true
	case GrantTypeReferral:
		return 50, true
	case GrantTypeAdmin:
		return 60, true
	case GrantTypeOrganization:
		return 70, true
	case GrantTypePurchase:
		return 80, true
	default:
		return 0, false
	}
}

// Valid reports whether t is a known grant type.
func (t GrantType) Valid() bool {
	_, ok := t.Priority()
	return ok
}

// ParseGrantType normalizes raw into a known grant type.
func ParseGrantType(raw string) (GrantType, error) {
	t := GrantType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", ErrInvalidGrantType
	}
	return t, nil
}

// ZeroBreakdown returns a breakdown with every known grant type set to zero.
func ZeroBreakdown() map[GrantType]int64 {
	out := make(map[GrantType]int64, len(AllGrantTypes))
	for _, t := range AllGrantTypes {
		out[t] = 0
	}
	return out
}

// AccountType distinguishes personal and organization ledgers.
type AccountType string

const (
	AccountTypeUser         AccountType = "user"
	AccountTypeOrganization AccountType = "organization"
)

// ParseAccountType normalizes raw into a known account type. Empty defaults to user.
func ParseAccountType(raw string) (AccountType, error) {
	switch AccountType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", AccountTypeUser:
		return AccountTypeUser, nil
	case AccountTypeOrganization:
		return AccountTypeOrganization, nil
	default:
		return "", ErrInvalidAccountType
	}
}

// Grant is one issuance of credit. Principal never changes after insert;
// Balance only decreases.
type Grant struct {
	OperationID string      `gorm:"primaryKey;type:varchar(191)" json:"operationId"`
	AccountID   string      `gorm:"type:varchar(191);not null;index:ix_credit_grants_consume,priority:1" json:"accountId"`
	AccountType AccountType `gorm:"type:varchar(32);not null" json:"accountType"`
	Type        GrantType   `gorm:"column:grant_type;type:varchar(32);not null" json:"type"`
	Priority    int         `gorm:"not null;index:ix_credit_grants_consume,priority:2" json:"priority"`
	Principal   int64       `gorm:"not null;check:chk_credit_grants_principal,principal > 0" json:"principal"`
	Balance     int64       `gorm:"not null;check:chk_credit_grants_balance,balance >= 0 AND balance <= principal" json:"balance"`
	ExpiresAt   *time.Time  `gorm:"index:ix_credit_grants_consume,priority:3" json:"expiresAt,omitempty"`
	Description string      `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time   `gorm:"not null;index:ix_credit_grants_consume,priority:4" json:"createdAt"`
}

// TableName sets the database table name.
func (Grant) TableName() string { return "credit_grants" }

// Expired reports whether the grant is past its expiry at now.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Spendable reports whether the grant can still be drawn from at now.
func (g Grant) Spendable(now time.Time) bool {
	return g.Balance > 0 && !g.Expired(now)
}

// Consumed returns the amount drawn from the grant so far.
func (g Grant) Consumed() int64 {
	return g.Principal - g.Balance
}

// Debt is a recorded shortfall that future grants repay.
type Debt struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID     string       `gorm:"type:varchar(191);not null;index:ix_credit_debts_account,priority:1" json:"accountId"`
	ConsumptionID snowflake.ID `gorm:"not null;index" json:"consumptionId"`
	Amount        int64        `gorm:"not null" json:"amount"`
	Outstanding   int64        `gorm:"not null;check:chk_credit_debts_outstanding,outstanding >= 0 AND outstanding <= amount" json:"outstanding"`
	CreatedAt     time.Time    `gorm:"not null;index:ix_credit_debts_account,priority:2" json:"createdAt"`
	SettledAt     *time.Time   `json:"settledAt,omitempty"`
}

// TableName sets the database table name.
func (Debt) TableName() string { return "credit_debts" }

// ApplyGrantRequest describes a grant to issue under an operation id.
type ApplyGrantRequest struct {
	OperationID string
	AccountID   string
	AccountType AccountType
	Type        GrantType
	Principal   int64
	ExpiresAt   *time.Time
	Description string
}

// ApplyGrantResult reports whether the grant was newly applied. Applied is false
// when the operation id had already been used; Grant then holds the existing row.
type ApplyGrantResult struct {
	Applied     bool   `json:"applied"`
	Grant       *Grant `json:"grant"`
	DebtSettled int64  `json:"debtSettled"`
}

// ListGrantsRequest pages through an account's grants, newest first.
type ListGrantsRequest struct {
	AccountID string
	PageToken string
	PageSize  int
}

// ListGrantsResponse is a page of grants.
type ListGrantsResponse struct {
	Grants        []Grant `json:"grants"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
	HasMore       bool    `json:"hasMore"`
}
