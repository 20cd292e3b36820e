package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCycleOperationIDIsMinuteResolution(t *testing.T) {
	at := time.Date(2026, 10, 1, 0, 0, 42, 123, time.UTC)
	assert.Equal(t, "subscription-u1-2026-10-01T00:00", CycleOperationID(GrantTypeSubscription, "u1", at))

	local := time.FixedZone("WIB", 7*60*60)
	assert.Equal(t,
		CycleOperationID(GrantTypeFree, "u1", at),
		CycleOperationID(GrantTypeFree, "u1", at.In(local)),
		"ids are computed in UTC regardless of the caller's zone",
	)
}

func TestMinuteOperationIDRollover(t *testing.T) {
	// A renewal job that fires at 00:00:59.9 and retries at 00:01:00.1 lands in
	// two different minutes when keyed on the wall clock.
	first := time.Date(2026, 10, 1, 0, 0, 59, 900_000_000, time.UTC)
	retry := first.Add(200 * time.Millisecond)

	assert.NotEqual(t,
		MinuteOperationID(string(GrantTypeSubscription), "u1", first),
		MinuteOperationID(string(GrantTypeSubscription), "u1", retry),
	)

	// Keying on the start of the cycle each attempt belongs to makes them collide.
	cycleStart := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	assert.Equal(t,
		CycleOperationID(GrantTypeSubscription, "u1", cycleStart(first)),
		CycleOperationID(GrantTypeSubscription, "u1", cycleStart(retry)),
	)
}

func TestOneOffOperationIDIsUnique(t *testing.T) {
	at := time.Date(2026, 10, 1, 0, 0, 0, 1, time.UTC)
	a := OneOffOperationID(GrantTypePurchase, "u1", at)
	b := OneOffOperationID(GrantTypePurchase, "u1", at.Add(time.Nanosecond))
	assert.NotEqual(t, a, b)
	assert.Equal(t, "purchase-u1-2026-10-01T00:00:00.000000001Z", a)
}
