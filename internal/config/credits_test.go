package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultCreditPolicyIsValid(t *testing.T) {
	require.NoError(t, ValidateCreditPolicy(DefaultCreditPolicy()))
}

func TestValidateCreditPolicyRejectsInvertedTopupBounds(t *testing.T) {
	policy := DefaultCreditPolicy()
	policy.AutoTopup.MinAmount = 1000
	policy.AutoTopup.MaxAmount = 10

	assert.Error(t, ValidateCreditPolicy(policy))
}

func TestValidateCreditPolicyRejectsUnknownDelegationMode(t *testing.T) {
	policy := DefaultCreditPolicy()
	policy.Delegation.Mode = "coin_flip"

	assert.Error(t, ValidateCreditPolicy(policy))
}

func TestClampAmount(t *testing.T) {
	policy := DefaultCreditPolicy().AutoTopup

	assert.Equal(t, int64(500), policy.ClampAmount(10))
	assert.Equal(t, int64(2500), policy.ClampAmount(2500))
	assert.Equal(t, int64(10_000), policy.ClampAmount(50_000))
}

func TestNewCreditPolicyHolderFallsBackToDefaults(t *testing.T) {
	holder, err := NewCreditPolicyHolder(Config{
		Policies: PolicyConfig{ConfigName: "missing", ConfigPaths: []string{t.TempDir()}},
	}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, DefaultCreditPolicy(), holder.Get())
}

func TestNewCreditPolicyHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`credits:
  delegation:
    mode: prefer_personal
    lowBalanceFloor: 25
  autoTopup:
    minAmount: 1000
    maxAmount: 5000
    centsPerCredit: 2
    lockTTL: 10s
  settleDebtOnGrant: false
  maxConsumeAttempts: 3
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "credits.yml"), content, 0o600))

	holder, err := NewCreditPolicyHolder(Config{
		Policies: PolicyConfig{ConfigName: "credits", ConfigPaths: []string{dir}},
	}, zap.NewNop())
	require.NoError(t, err)

	policy := holder.Get()
	assert.Equal(t, DelegationModePreferPersonal, policy.Delegation.Mode)
	assert.Equal(t, int64(25), policy.Delegation.LowBalanceFloor)
	assert.Equal(t, int64(1000), policy.AutoTopup.MinAmount)
	assert.Equal(t, int64(5000), policy.AutoTopup.MaxAmount)
	assert.Equal(t, int64(2), policy.AutoTopup.CentsPerCredit)
	assert.Equal(t, 10*time.Second, policy.AutoTopup.LockTTL)
	assert.False(t, policy.SettleDebtOnGrant)
	assert.Equal(t, 3, policy.MaxConsumeAttempts)
}
