package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityCoversEveryGrantType(t *testing.T) {
	want := map[GrantType]int{
		GrantTypeSubscription:   10,
		GrantTypeFree:           20,
		GrantTypeReferralLegacy: 30,
		GrantTypeAd:             40,
		GrantTypeReferral:       50,
		GrantTypeAdmin:          60,
		GrantTypeOrganization:   70,
		GrantTypePurchase:       80,
	}
	require.Len(t, AllGrantTypes, len(want))

	last := 0
	for _, grantType := range AllGrantTypes {
		priority, ok := grantType.Priority()
		require.True(t, ok, grantType)
		assert.Equal(t, want[grantType], priority, grantType)
		assert.Greater(t, priority, last, "AllGrantTypes must be in drain order")
		last = priority
	}

	_, ok := GrantType("bonus").Priority()
	assert.False(t, ok)
}

func TestParseGrantType(t *testing.T) {
	got, err := ParseGrantType(" Purchase ")
	require.NoError(t, err)
	assert.Equal(t, GrantTypePurchase, got)

	_, err = ParseGrantType("auto-topup")
	assert.ErrorIs(t, err, ErrInvalidGrantType)
}

func TestParseAccountType(t *testing.T) {
	got, err := ParseAccountType("")
	require.NoError(t, err)
	assert.Equal(t, AccountTypeUser, got)

	got, err = ParseAccountType("ORGANIZATION")
	require.NoError(t, err)
	assert.Equal(t, AccountTypeOrganization, got)

	_, err = ParseAccountType("team")
	assert.ErrorIs(t, err, ErrInvalidAccountType)
}

func TestZeroBreakdownHasEveryType(t *testing.T) {
	breakdown := ZeroBreakdown()
	assert.Len(t, breakdown, len(AllGrantTypes))
	for _, grantType := range AllGrantTypes {
		v, ok := breakdown[grantType]
		assert.True(t, ok)
		assert.Zero(t, v)
	}
}

func TestGrantExpiry(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	expiresAt := now

	g := Grant{Balance: 10, ExpiresAt: &expiresAt}
	assert.True(t, g.Expired(now), "a grant is expired at its expiry instant")
	assert.False(t, g.Spendable(now))
	assert.True(t, g.Spendable(now.Add(-time.Second)))

	g = Grant{Balance: 0}
	assert.False(t, g.Spendable(now))

	g = Grant{Principal: 100, Balance: 40}
	assert.True(t, g.Spendable(now))
	assert.Equal(t, int64(60), g.Consumed())
}
