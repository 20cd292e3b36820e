package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	auditrepo "github.com/smallbiznis/creditledger/internal/audit/repository"
	auditservice "github.com/smallbiznis/creditledger/internal/audit/service"
	autotopupdomain "github.com/smallbiznis/creditledger/internal/autotopup/domain"
	autotopuprepo "github.com/smallbiznis/creditledger/internal/autotopup/repository"
	autotopupservice "github.com/smallbiznis/creditledger/internal/autotopup/service"
	balanceservice "github.com/smallbiznis/creditledger/internal/balance/service"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	consumptionrepo "github.com/smallbiznis/creditledger/internal/consumption/repository"
	consumptionservice "github.com/smallbiznis/creditledger/internal/consumption/service"
	delegationdomain "github.com/smallbiznis/creditledger/internal/delegation/domain"
	delegationservice "github.com/smallbiznis/creditledger/internal/delegation/service"
	"github.com/smallbiznis/creditledger/internal/events"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	grantrepo "github.com/smallbiznis/creditledger/internal/grant/repository"
	grantservice "github.com/smallbiznis/creditledger/internal/grant/service"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/lock"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	usageservice "github.com/smallbiznis/creditledger/internal/usage/service"
	"github.com/smallbiznis/creditledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "stripe" }

func (m *mockProvider) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(paymentdomain.ChargeResult), args.Error(1)
}

type recordingPublisher struct {
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) types() []string {
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

type fixture struct {
	svc       ledgerdomain.Service
	topups    autotopupdomain.Service
	provider  *mockProvider
	publisher *recordingPublisher
	db        *gorm.DB
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := dbtest.Open(t,
		&grantdomain.Grant{},
		&grantdomain.Debt{},
		&consumptiondomain.Consumption{},
		&autotopupdomain.Settings{},
		&auditdomain.AuditLog{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	log := zap.NewNop()
	clk := clock.NewFakeClock(testNow)
	policy := config.NewStaticCreditPolicyHolder(config.DefaultCreditPolicy())
	publisher := &recordingPublisher{}
	provider := &mockProvider{}

	audit := auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Repo: auditrepo.Provide(), Clock: clk,
	})
	grants := grantservice.NewService(grantservice.Params{
		DB: db, Log: log, Repo: grantrepo.Provide(), Clock: clk, Policy: policy,
	})
	balances := balanceservice.NewService(balanceservice.Params{
		DB: db, Log: log, Grants: grantrepo.Provide(), Clock: clk,
	})
	consumptions := consumptionservice.NewService(consumptionservice.Params{
		DB: db, Log: log, GenID: node, Grants: grantrepo.Provide(), Repo: consumptionrepo.Provide(), Clock: clk, Policy: policy,
	})
	delegation := delegationservice.NewService(delegationservice.Params{
		Log: log, Balances: balances, Policy: policy,
	})
	topups := autotopupservice.NewService(autotopupservice.Params{
		DB:        db,
		Log:       log,
		Repo:      autotopuprepo.Provide(),
		Grants:    grants,
		Balances:  balances,
		Locker:    lock.NewLocalLocker(),
		Provider:  provider,
		Publisher: publisher,
		Audit:     audit,
		Clock:     clk,
		Policy:    policy,
	})
	usage := usageservice.NewService(usageservice.Params{
		DB: db, Log: log, Consumptions: consumptionrepo.Provide(), Balances: balances, Clock: clk,
	})

	svc := NewService(Params{
		Log:          log,
		Grants:       grants,
		Consumptions: consumptions,
		Balances:     balances,
		Delegation:   delegation,
		Topups:       topups,
		Usage:        usage,
		Publisher:    publisher,
		Audit:        audit,
	})
	return fixture{svc: svc, topups: topups, provider: provider, publisher: publisher, db: db}
}

func (f fixture) grant(t *testing.T, operationID, accountID string, accountType grantdomain.AccountType, amount int64) {
	t.Helper()
	_, err := f.svc.ApplyGrant(context.Background(), grantdomain.ApplyGrantRequest{
		OperationID: operationID,
		AccountID:   accountID,
		AccountType: accountType,
		Type:        grantdomain.GrantTypeSubscription,
		Principal:   amount,
	})
	require.NoError(t, err)
}

func TestApplyGrantPublishesOnce(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "subscription-u1-2026-10-01T00:00", "u1", grantdomain.AccountTypeUser, 100)
	f.grant(t, "subscription-u1-2026-10-01T00:00", "u1", grantdomain.AccountTypeUser, 100)

	assert.Equal(t, []string{events.TypeGrantApplied}, f.publisher.types())
	assert.Equal(t, "u1", f.publisher.events[0].AccountID)
}

func (f fixture) auditActions(t *testing.T, accountID string) []string {
	t.Helper()
	var logs []auditdomain.AuditLog
	require.NoError(t, f.db.Where("account_id = ?", accountID).Order("id").Find(&logs).Error)
	out := make([]string, 0, len(logs))
	for _, log := range logs {
		out = append(out, log.Action)
	}
	return out
}

func TestApplyGrantAuditsAdminAndOrganizationGrants(t *testing.T) {
	f := newFixture(t)
	ctx := auditdomain.ContextWithActor(context.Background(), auditdomain.ActorTypeAPI, "admin-7")

	f.grant(t, "subscription-u1-2026-10-01T00:00", "u1", grantdomain.AccountTypeUser, 100)
	for _, req := range []grantdomain.ApplyGrantRequest{
		{OperationID: "admin-u1-1", AccountID: "u1", Type: grantdomain.GrantTypeAdmin, Principal: 25, Description: "support credit"},
		{OperationID: "organization-o1-1", AccountID: "o1", AccountType: grantdomain.AccountTypeOrganization, Type: grantdomain.GrantTypeOrganization, Principal: 500},
	} {
		_, err := f.svc.ApplyGrant(ctx, req)
		require.NoError(t, err)
		_, err = f.svc.ApplyGrant(ctx, req)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{auditdomain.ActionGrantApplied}, f.auditActions(t, "u1"))
	assert.Equal(t, []string{auditdomain.ActionGrantApplied}, f.auditActions(t, "o1"))

	var log auditdomain.AuditLog
	require.NoError(t, f.db.Where("account_id = ?", "u1").First(&log).Error)
	require.NotNil(t, log.ActorID)
	assert.Equal(t, "admin-7", *log.ActorID)
	require.NotNil(t, log.TargetID)
	assert.Equal(t, "admin-u1-1", *log.TargetID)
	assert.Equal(t, "support credit", log.Metadata["description"])
}

func TestDebitPersonalAccount(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "subscription-u1-2026-10-01T00:00", "u1", grantdomain.AccountTypeUser, 100)
	f.publisher.events = nil

	res, err := f.svc.Debit(context.Background(), ledgerdomain.DebitRequest{UserID: "u1", Amount: 30})
	require.NoError(t, err)

	assert.Equal(t, "u1", res.Resolution.ChargedAccountID)
	assert.Equal(t, delegationdomain.ReasonNoOrganization, res.Resolution.Reason)
	require.NotNil(t, res.Consumption)
	assert.Equal(t, int64(30), res.Consumption.Consumed)
	require.NotNil(t, res.Topup)
	assert.Equal(t, autotopupdomain.ReasonDisabled, res.Topup.Reason)
	assert.Equal(t, int64(70), res.Balance.NetBalance)
	assert.Equal(t, []string{events.TypeCreditsConsumed}, f.publisher.types())
}

func TestDebitShortfallPublishesDebt(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "subscription-u1-2026-10-01T00:00", "u1", grantdomain.AccountTypeUser, 10)
	f.publisher.events = nil

	res, err := f.svc.Debit(context.Background(), ledgerdomain.DebitRequest{UserID: "u1", Amount: 15})
	require.NoError(t, err)
	require.NotNil(t, res.Consumption)
	assert.Equal(t, int64(5), res.Consumption.Shortfall)
	assert.Equal(t, int64(5), res.Balance.TotalDebt)
	assert.Equal(t, int64(-5), res.Balance.NetBalance)
	assert.Equal(t, []string{events.TypeCreditsConsumed, events.TypeCreditsDebtRecorded}, f.publisher.types())
}

func TestDebitPrefersOrganization(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "subscription-u1-2026-10-01T00:00", "u1", grantdomain.AccountTypeUser, 100)
	f.grant(t, "organization-o1-2026-10-01T00:00", "o1", grantdomain.AccountTypeOrganization, 100)

	res, err := f.svc.Debit(context.Background(), ledgerdomain.DebitRequest{UserID: "u1", OrganizationID: "o1", Amount: 40})
	require.NoError(t, err)
	assert.True(t, res.Resolution.UseOrganization)
	assert.Equal(t, "o1", res.Resolution.ChargedAccountID)
	assert.Equal(t, int64(60), res.Balance.NetBalance)

	personal, err := f.svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), personal.NetBalance)
}

func TestDebitAmbiguousDoesNotConsume(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "subscription-u1-2026-10-01T00:00", "u1", grantdomain.AccountTypeUser, 5)
	f.grant(t, "organization-o1-2026-10-01T00:00", "o1", grantdomain.AccountTypeOrganization, 5)
	f.publisher.events = nil

	res, err := f.svc.Debit(context.Background(), ledgerdomain.DebitRequest{UserID: "u1", OrganizationID: "o1", Amount: 50})
	require.NoError(t, err)
	assert.True(t, res.Resolution.RequiresOverride)
	assert.Nil(t, res.Consumption)
	assert.Equal(t, int64(5), res.Balance.NetBalance)
	assert.Empty(t, f.publisher.events)

	// An explicit choice goes through and records the shortfall as debt.
	res, err = f.svc.Debit(context.Background(), ledgerdomain.DebitRequest{
		UserID:         "u1",
		OrganizationID: "o1",
		Amount:         50,
		Override:       delegationdomain.OverridePersonal,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Consumption)
	assert.Equal(t, "u1", res.Resolution.ChargedAccountID)
	assert.Equal(t, int64(45), res.Consumption.Shortfall)
}

func TestDebitTriggersAutoTopup(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "subscription-u1-2026-10-01T00:00", "u1", grantdomain.AccountTypeUser, 120)
	_, err := f.topups.SaveSettings(context.Background(), autotopupdomain.Settings{
		AccountID: "u1", Enabled: true, Threshold: 100, Amount: 500, PaymentMethodRef: "pm_1",
	})
	require.NoError(t, err)

	f.provider.On("Charge", mock.Anything, mock.Anything).
		Return(paymentdomain.ChargeResult{Success: true, ChargeID: "pi_1"}, nil).Once()

	res, err := f.svc.Debit(context.Background(), ledgerdomain.DebitRequest{UserID: "u1", Amount: 50})
	require.NoError(t, err)
	require.NotNil(t, res.Topup)
	assert.True(t, res.Topup.Triggered)
	assert.Equal(t, int64(570), res.Balance.NetBalance)
	assert.Equal(t, int64(500), res.Balance.Breakdown[grantdomain.GrantTypePurchase])

	res, err = f.svc.Debit(context.Background(), ledgerdomain.DebitRequest{UserID: "u1", Amount: 10})
	require.NoError(t, err)
	require.NotNil(t, res.Topup)
	assert.False(t, res.Topup.Triggered)
	f.provider.AssertNumberOfCalls(t, "Charge", 1)
}

func TestDebitSurfacesTopupDecline(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "subscription-u1-2026-10-01T00:00", "u1", grantdomain.AccountTypeUser, 20)
	_, err := f.topups.SaveSettings(context.Background(), autotopupdomain.Settings{
		AccountID: "u1", Enabled: true, Threshold: 100, Amount: 500,
	})
	require.NoError(t, err)

	f.provider.On("Charge", mock.Anything, mock.Anything).
		Return(paymentdomain.ChargeResult{Success: false, FailureReason: "card_declined"}, nil).Once()

	res, err := f.svc.Debit(context.Background(), ledgerdomain.DebitRequest{UserID: "u1", Amount: 10})
	require.NoError(t, err)
	require.NotNil(t, res.Consumption)
	assert.True(t, res.Consumption.Committed)
	assert.Equal(t, autotopupdomain.ErrPaymentFailed.Error(), res.TopupError)
	require.NotNil(t, res.Topup)
	assert.Equal(t, "card_declined", res.Topup.FailureReason)
	assert.Equal(t, int64(10), res.Balance.NetBalance)
	assert.Equal(t, []string{auditdomain.ActionAutoTopupSaved, auditdomain.ActionAutoTopupBlocked}, f.auditActions(t, "u1"))
}

func TestDebitReplayDoesNotRepublish(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "subscription-u1-2026-10-01T00:00", "u1", grantdomain.AccountTypeUser, 100)
	f.publisher.events = nil

	req := ledgerdomain.DebitRequest{UserID: "u1", Amount: 30, IdempotencyKey: "req-1"}
	_, err := f.svc.Debit(context.Background(), req)
	require.NoError(t, err)
	res, err := f.svc.Debit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Consumption.Replayed)
	assert.Equal(t, int64(70), res.Balance.NetBalance)
	assert.Equal(t, []string{events.TypeCreditsConsumed}, f.publisher.types())
}

func TestUsageReportsCycle(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "subscription-u1-2026-10-01T00:00", "u1", grantdomain.AccountTypeUser, 100)
	_, err := f.svc.Debit(context.Background(), ledgerdomain.DebitRequest{UserID: "u1", Amount: 30})
	require.NoError(t, err)

	report, err := f.svc.Usage(context.Background(), "u1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(30), report.UsageThisCycle)
	assert.Equal(t, int64(70), report.Balance.NetBalance)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), report.NextQuotaReset)
}

func TestDebitRejectsNegativeAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Debit(context.Background(), ledgerdomain.DebitRequest{UserID: "u1", Amount: -1})
	assert.ErrorIs(t, err, consumptiondomain.ErrInvalidAmount)
}
