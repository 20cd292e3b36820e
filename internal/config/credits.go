package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	DelegationModePreferOrganization = "prefer_organization"
	DelegationModePreferPersonal     = "prefer_personal"
)

// CreditPolicy holds the tunable rules of the credit ledger.
type CreditPolicy struct {
	Delegation         DelegationPolicy `mapstructure:"delegation"`
	AutoTopup          AutoTopupPolicy  `mapstructure:"autoTopup"`
	SettleDebtOnGrant  bool             `mapstructure:"settleDebtOnGrant"`
	MaxConsumeAttempts int              `mapstructure:"maxConsumeAttempts" validate:"gte=1,lte=20"`
}

type DelegationPolicy struct {
	Mode string `mapstructure:"mode" validate:"oneof=prefer_organization prefer_personal"`
	// LowBalanceFloor is the net balance at or below which an account is considered low.
	LowBalanceFloor int64 `mapstructure:"lowBalanceFloor" validate:"gte=0"`
}

type AutoTopupPolicy struct {
	MinAmount      int64         `mapstructure:"minAmount" validate:"gt=0"`
	MaxAmount      int64         `mapstructure:"maxAmount" validate:"gtefield=MinAmount"`
	CentsPerCredit int64         `mapstructure:"centsPerCredit" validate:"gt=0"`
	LockTTL        time.Duration `mapstructure:"lockTTL" validate:"gt=0"`
}

// ClampAmount bounds a configured topup amount to the allowed range.
func (p AutoTopupPolicy) ClampAmount(amount int64) int64 {
	if amount < p.MinAmount {
		return p.MinAmount
	}
	if amount > p.MaxAmount {
		return p.MaxAmount
	}
	return amount
}

func DefaultCreditPolicy() CreditPolicy {
	return CreditPolicy{
		Delegation: DelegationPolicy{
			Mode:            DelegationModePreferOrganization,
			LowBalanceFloor: 0,
		},
		AutoTopup: AutoTopupPolicy{
			MinAmount:      500,
			MaxAmount:      10_000,
			CentsPerCredit: 1,
			LockTTL:        30 * time.Second,
		},
		SettleDebtOnGrant:  true,
		MaxConsumeAttempts: 5,
	}
}

// CreditPolicyHolder serves the current policy and swaps it on config file changes.
type CreditPolicyHolder struct {
	current atomic.Value // holds CreditPolicy
}

func NewCreditPolicyHolder(cfg Config, log *zap.Logger) (*CreditPolicyHolder, error) {
	v := viper.New()

	name := strings.TrimSpace(cfg.Policies.ConfigName)
	if name == "" {
		name = "credits"
	}
	v.SetConfigName(name)
	v.SetConfigType("yml")
	for _, path := range cfg.Policies.ConfigPaths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setPolicyDefaults(v, DefaultCreditPolicy())

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	policy, err := decodeCreditPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticCreditPolicyHolder(policy)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCreditPolicy(v)
		if err != nil {
			log.Warn("credit policy reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("credit policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticCreditPolicyHolder returns a holder that never reloads.
func NewStaticCreditPolicyHolder(policy CreditPolicy) *CreditPolicyHolder {
	holder := &CreditPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func (h *CreditPolicyHolder) Get() CreditPolicy {
	if h == nil {
		return DefaultCreditPolicy()
	}
	return h.current.Load().(CreditPolicy)
}

func setPolicyDefaults(v *viper.Viper, defaults CreditPolicy) {
	v.SetDefault("credits.delegation.mode", defaults.Delegation.Mode)
	v.SetDefault("credits.delegation.lowBalanceFloor", defaults.Delegation.LowBalanceFloor)
	v.SetDefault("credits.autoTopup.minAmount", defaults.AutoTopup.MinAmount)
	v.SetDefault("credits.autoTopup.maxAmount", defaults.AutoTopup.MaxAmount)
	v.SetDefault("credits.autoTopup.centsPerCredit", defaults.AutoTopup.CentsPerCredit)
	v.SetDefault("credits.autoTopup.lockTTL", defaults.AutoTopup.LockTTL)
	v.SetDefault("credits.settleDebtOnGrant", defaults.SettleDebtOnGrant)
	v.SetDefault("credits.maxConsumeAttempts", defaults.MaxConsumeAttempts)
}

func decodeCreditPolicy(v *viper.Viper) (CreditPolicy, error) {
	// Unmarshal merges defaults per leaf key, so partial files keep the remaining defaults.
	var wrapper struct {
		Credits CreditPolicy `mapstructure:"credits"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return CreditPolicy{}, err
	}
	if err := ValidateCreditPolicy(wrapper.Credits); err != nil {
		return CreditPolicy{}, err
	}
	return wrapper.Credits, nil
}

var policyValidator = validator.New()

// ValidateCreditPolicy rejects policies that would break ledger invariants.
func ValidateCreditPolicy(policy CreditPolicy) error {
	if err := policyValidator.Struct(policy); err != nil {
		return fmt.Errorf("invalid credit policy: %w", err)
	}
	return nil
}
