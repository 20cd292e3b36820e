package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	grantrepo "github.com/smallbiznis/creditledger/internal/grant/repository"
	"github.com/smallbiznis/creditledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)

func TestGetBalanceMatchesSpendableGrants(t *testing.T) {
	db := dbtest.Open(t, &grantdomain.Grant{}, &grantdomain.Debt{})
	clk := clock.NewFakeClock(testNow)
	svc := NewService(Params{DB: db, Log: zap.NewNop(), Grants: grantrepo.Provide(), Clock: clk})

	past := testNow.Add(-time.Second)
	future := testNow.Add(time.Hour)
	grants := []grantdomain.Grant{
		{OperationID: "subscription-1", AccountID: "u1", AccountType: grantdomain.AccountTypeUser, Type: grantdomain.GrantTypeSubscription, Priority: 10, Principal: 100, Balance: 60, ExpiresAt: &future, CreatedAt: testNow},
		{OperationID: "subscription-0", AccountID: "u1", AccountType: grantdomain.AccountTypeUser, Type: grantdomain.GrantTypeSubscription, Priority: 10, Principal: 100, Balance: 100, ExpiresAt: &past, CreatedAt: testNow},
		{OperationID: "purchase-1", AccountID: "u1", AccountType: grantdomain.AccountTypeUser, Type: grantdomain.GrantTypePurchase, Priority: 80, Principal: 50, Balance: 50, CreatedAt: testNow},
		{OperationID: "purchase-2", AccountID: "u1", AccountType: grantdomain.AccountTypeUser, Type: grantdomain.GrantTypePurchase, Priority: 80, Principal: 50, Balance: 0, CreatedAt: testNow},
		{OperationID: "purchase-other", AccountID: "u2", AccountType: grantdomain.AccountTypeUser, Type: grantdomain.GrantTypePurchase, Priority: 80, Principal: 500, Balance: 500, CreatedAt: testNow},
	}
	require.NoError(t, db.Create(&grants).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	require.NoError(t, db.Create(&grantdomain.Debt{
		ID: node.Generate(), AccountID: "u1", ConsumptionID: node.Generate(),
		Amount: 30, Outstanding: 25, CreatedAt: testNow,
	}).Error)

	summary, err := svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(110), summary.TotalRemaining)
	assert.Equal(t, int64(25), summary.TotalDebt)
	assert.Equal(t, int64(85), summary.NetBalance)
	assert.Len(t, summary.Breakdown, len(grantdomain.AllGrantTypes))
	assert.Equal(t, int64(60), summary.Breakdown[grantdomain.GrantTypeSubscription])
	assert.Equal(t, int64(50), summary.Breakdown[grantdomain.GrantTypePurchase])
	assert.Equal(t, int64(0), summary.Breakdown[grantdomain.GrantTypeAd])

	var sum int64
	for _, amount := range summary.Breakdown {
		sum += amount
	}
	assert.Equal(t, summary.TotalRemaining, sum)

	ok, err := svc.CanAfford(context.Background(), "u1", 85)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.CanAfford(context.Background(), "u1", 86)
	require.NoError(t, err)
	assert.False(t, ok)

	// The future grant drops out once the clock passes its expiry.
	clk.Set(future)
	summary, err = svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), summary.TotalRemaining)
}

func TestGetBalanceEmptyAccount(t *testing.T) {
	db := dbtest.Open(t, &grantdomain.Grant{}, &grantdomain.Debt{})
	svc := NewService(Params{DB: db, Log: zap.NewNop(), Grants: grantrepo.Provide(), Clock: clock.NewFakeClock(testNow)})

	summary, err := svc.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, summary.TotalRemaining)
	assert.Zero(t, summary.NetBalance)
	assert.Len(t, summary.Breakdown, len(grantdomain.AllGrantTypes))

	_, err = svc.GetBalance(context.Background(), " ")
	assert.ErrorIs(t, err, grantdomain.ErrInvalidAccount)

	_, err = svc.CanAfford(context.Background(), "nobody", -1)
	assert.Error(t, err)
}
