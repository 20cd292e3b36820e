package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	auditrepo "github.com/smallbiznis/creditledger/internal/audit/repository"
	auditservice "github.com/smallbiznis/creditledger/internal/audit/service"
	autotopupdomain "github.com/smallbiznis/creditledger/internal/autotopup/domain"
	autotopuprepo "github.com/smallbiznis/creditledger/internal/autotopup/repository"
	balanceservice "github.com/smallbiznis/creditledger/internal/balance/service"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/events"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	grantrepo "github.com/smallbiznis/creditledger/internal/grant/repository"
	grantservice "github.com/smallbiznis/creditledger/internal/grant/service"
	"github.com/smallbiznis/creditledger/internal/lock"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/smallbiznis/creditledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 10, 1, 9, 30, 15, 0, time.UTC)

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

type fixture struct {
	svc       autotopupdomain.Service
	grants    grantdomain.Service
	provider  *mockProvider
	locker    *lock.LocalLocker
	publisher *recordingPublisher
	clock     *clock.FakeClock
	db        *gorm.DB
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := dbtest.Open(t, &grantdomain.Grant{}, &grantdomain.Debt{}, &autotopupdomain.Settings{}, &auditdomain.AuditLog{})
	clk := clock.NewFakeClock(testNow)
	policy := config.NewStaticCreditPolicyHolder(config.DefaultCreditPolicy())
	log := zap.NewNop()

	grants := grantservice.NewService(grantservice.Params{
		DB:     db,
		Log:    log,
		Repo:   grantrepo.Provide(),
		Clock:  clk,
		Policy: policy,
	})
	balances := balanceservice.NewService(balanceservice.Params{
		DB:     db,
		Log:    log,
		Grants: grantrepo.Provide(),
		Clock:  clk,
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	audit := auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Repo: auditrepo.Provide(), Clock: clk,
	})

	provider := &mockProvider{}
	locker := lock.NewLocalLocker()
	publisher := &recordingPublisher{}
	svc := NewService(Params{
		DB:        db,
		Log:       log,
		Repo:      autotopuprepo.Provide(),
		Grants:    grants,
		Balances:  balances,
		Locker:    locker,
		Provider:  provider,
		Publisher: publisher,
		Audit:     audit,
		Clock:     clk,
		Policy:    policy,
	})

	return fixture{
		svc:       svc,
		grants:    grants,
		provider:  provider,
		locker:    locker,
		publisher: publisher,
		clock:     clk,
		db:        db,
	}
}

func (f fixture) auditLogs(t *testing.T) []auditdomain.AuditLog {
	t.Helper()
	var logs []auditdomain.AuditLog
	require.NoError(t, f.db.Order("id").Find(&logs).Error)
	return logs
}

func (f fixture) seedBalance(t *testing.T, amount int64) {
	t.Helper()
	_, err := f.grants.ApplyGrant(context.Background(), grantdomain.ApplyGrantRequest{
		OperationID: "subscription-u1-2026-10-01T00:00",
		AccountID:   "u1",
		Type:        grantdomain.GrantTypeSubscription,
		Principal:   amount,
	})
	require.NoError(t, err)
}

func (f fixture) saveSettings(t *testing.T, threshold, amount int64) {
	t.Helper()
	_, err := f.svc.SaveSettings(context.Background(), autotopupdomain.Settings{
		AccountID:          "u1",
		Enabled:            true,
		Threshold:          threshold,
		Amount:             amount,
		PaymentCustomerRef: "cus_1",
		PaymentMethodRef:   "pm_1",
	})
	require.NoError(t, err)
}

func TestMaybeTopupTriggersOncePerWindow(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, 50)
	f.saveSettings(t, 1000, 500)

	f.provider.On("Charge", mock.Anything, mock.MatchedBy(func(req paymentdomain.ChargeRequest) bool {
		return req.IdempotencyKey == "auto-topup-u1-2026-10-01T09:30" &&
			req.AmountCents == 500 &&
			req.PaymentMethodRef == "pm_1"
	})).Return(paymentdomain.ChargeResult{Success: true, ChargeID: "pi_1"}, nil).Once()

	res, err := f.svc.MaybeTopup(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, autotopupdomain.ReasonTriggered, res.Reason)
	require.NotNil(t, res.Grant)
	assert.Equal(t, grantdomain.GrantTypePurchase, res.Grant.Type)
	assert.Equal(t, int64(500), res.Grant.Principal)
	assert.Equal(t, "pi_1", res.ChargeID)

	// Balance is still below threshold but the minute window already has a topup.
	f.clock.Advance(30 * time.Second)
	res, err = f.svc.MaybeTopup(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Equal(t, autotopupdomain.ReasonAlreadyApplied, res.Reason)

	f.provider.AssertNumberOfCalls(t, "Charge", 1)
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, events.TypeTopupTriggered, f.publisher.events[0].Type)
}

func TestMaybeTopupNextWindowChargesAgain(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, 50)
	f.saveSettings(t, 2000, 500)

	f.provider.On("Charge", mock.Anything, mock.Anything).
		Return(paymentdomain.ChargeResult{Success: true, ChargeID: "pi_1"}, nil)

	_, err := f.svc.MaybeTopup(context.Background(), "u1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	res, err := f.svc.MaybeTopup(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, "auto-topup-u1-2026-10-01T09:31", res.Grant.OperationID)
	f.provider.AssertNumberOfCalls(t, "Charge", 2)
}

func TestMaybeTopupAboveThreshold(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, 500)
	f.saveSettings(t, 100, 500)

	res, err := f.svc.MaybeTopup(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Equal(t, autotopupdomain.ReasonAboveThreshold, res.Reason)
	f.provider.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
}

func TestMaybeTopupDisabled(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, 10)

	res, err := f.svc.MaybeTopup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, autotopupdomain.ReasonDisabled, res.Reason)
	f.provider.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
}

func TestMaybeTopupInFlight(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, 10)
	f.saveSettings(t, 100, 500)

	_, ok, err := f.locker.TryLock(context.Background(), lockKey("u1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.svc.MaybeTopup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, autotopupdomain.ReasonInFlight, res.Reason)
	f.provider.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
}

func TestMaybeTopupDeclineBlocksAccount(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, 10)
	f.saveSettings(t, 100, 500)

	f.provider.On("Charge", mock.Anything, mock.Anything).
		Return(paymentdomain.ChargeResult{Success: false, ChargeID: "pi_2", FailureReason: "insufficient_funds"}, nil).Once()

	res, err := f.svc.MaybeTopup(context.Background(), "u1")
	require.ErrorIs(t, err, autotopupdomain.ErrPaymentFailed)
	assert.Equal(t, autotopupdomain.ReasonPaymentFailed, res.Reason)
	assert.Equal(t, "insufficient_funds", res.FailureReason)

	settings, err := f.svc.GetSettings(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, settings)
	require.NotNil(t, settings.BlockedReason)
	assert.Equal(t, "insufficient_funds", *settings.BlockedReason)
	assert.NotNil(t, settings.BlockedAt)

	f.clock.Advance(5 * time.Minute)
	res, err = f.svc.MaybeTopup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, autotopupdomain.ReasonBlocked, res.Reason)
	f.provider.AssertNumberOfCalls(t, "Charge", 1)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, events.TypeTopupFailed, f.publisher.events[0].Type)

	logs := f.auditLogs(t)
	require.Len(t, logs, 2)
	assert.Equal(t, auditdomain.ActionAutoTopupBlocked, logs[1].Action)
	assert.Equal(t, "insufficient_funds", logs[1].Metadata["reason"])
	assert.Equal(t, "pi_2", logs[1].Metadata["charge_id"])

	// Re-saving settings lifts the block.
	f.saveSettings(t, 100, 500)
	settings, err = f.svc.GetSettings(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, settings.Blocked())
}

func TestMaybeTopupPendingChargeHoldsAccount(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, 10)
	f.saveSettings(t, 100, 500)

	f.provider.On("Charge", mock.Anything, mock.Anything).
		Return(paymentdomain.ChargeResult{Pending: true, ChargeID: "pi_4"}, nil).Once()

	res, err := f.svc.MaybeTopup(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Equal(t, autotopupdomain.ReasonPaymentPending, res.Reason)
	assert.Equal(t, "pi_4", res.ChargeID)
	assert.Nil(t, res.Grant)
	assert.Empty(t, f.publisher.events)

	_, err = f.grants.Find(context.Background(), grantdomain.MinuteOperationID(autotopupdomain.OperationPrefix, "u1", testNow))
	assert.ErrorIs(t, err, grantdomain.ErrGrantNotFound)

	f.clock.Advance(5 * time.Minute)
	res, err = f.svc.MaybeTopup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, autotopupdomain.ReasonBlocked, res.Reason)
	assert.Equal(t, autotopupdomain.ReasonPaymentPending, res.FailureReason)
	f.provider.AssertNumberOfCalls(t, "Charge", 1)
}

func TestMaybeTopupProviderErrorDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(t, 10)
	f.saveSettings(t, 100, 500)

	f.provider.On("Charge", mock.Anything, mock.Anything).
		Return(paymentdomain.ChargeResult{}, errors.New("connection reset")).Once()

	_, err := f.svc.MaybeTopup(context.Background(), "u1")
	require.ErrorIs(t, err, autotopupdomain.ErrPaymentUnavailable)

	settings, err := f.svc.GetSettings(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, settings.Blocked())

	// The lock is released so the next debit may retry.
	_, ok, err := f.locker.TryLock(context.Background(), lockKey("u1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaveSettingsClampsAmount(t *testing.T) {
	f := newFixture(t)

	saved, err := f.svc.SaveSettings(context.Background(), autotopupdomain.Settings{
		AccountID: "u1", Enabled: true, Threshold: 100, Amount: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), saved.Amount)
	assert.Equal(t, grantdomain.AccountTypeUser, saved.AccountType)

	saved, err = f.svc.SaveSettings(context.Background(), autotopupdomain.Settings{
		AccountID: "u1", Enabled: true, Threshold: 100, Amount: 50_000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), saved.Amount)

	stored, err := f.svc.GetSettings(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), stored.Amount)
}

func TestSaveSettingsAuditsMaskedPaymentRefs(t *testing.T) {
	f := newFixture(t)
	ctx := auditdomain.ContextWithActor(context.Background(), auditdomain.ActorTypeAPI, "admin-7")

	_, err := f.svc.SaveSettings(ctx, autotopupdomain.Settings{
		AccountID:          "u1",
		Enabled:            true,
		Threshold:          100,
		Amount:             500,
		PaymentCustomerRef: "cus_9Xabcd1234",
		PaymentMethodRef:   "pm_1Nabcd5678",
	})
	require.NoError(t, err)

	logs := f.auditLogs(t)
	require.Len(t, logs, 1)
	log := logs[0]
	assert.Equal(t, auditdomain.ActionAutoTopupSaved, log.Action)
	assert.Equal(t, auditdomain.TargetTypeAutoTopup, log.TargetType)
	assert.Equal(t, auditdomain.ActorTypeAPI, log.ActorType)
	require.NotNil(t, log.ActorID)
	assert.Equal(t, "admin-7", *log.ActorID)
	assert.Equal(t, "cus_****1234", log.Metadata["payment_customer_ref"])
	assert.Equal(t, "pm_****5678", log.Metadata["payment_method_ref"])
	assert.Equal(t, true, log.Metadata["enabled"])
}

func TestSaveSettingsValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SaveSettings(context.Background(), autotopupdomain.Settings{Enabled: true, Amount: 500})
	assert.ErrorIs(t, err, grantdomain.ErrInvalidAccount)

	_, err = f.svc.SaveSettings(context.Background(), autotopupdomain.Settings{AccountID: "u1", Enabled: true})
	assert.ErrorIs(t, err, autotopupdomain.ErrInvalidSettings)

	_, err = f.svc.SaveSettings(context.Background(), autotopupdomain.Settings{AccountID: "u1", Threshold: -1})
	assert.ErrorIs(t, err, autotopupdomain.ErrInvalidSettings)

	_, err = f.svc.SaveSettings(context.Background(), autotopupdomain.Settings{AccountID: "u1", AccountType: "team", Amount: 500})
	assert.ErrorIs(t, err, grantdomain.ErrInvalidAccountType)
}
