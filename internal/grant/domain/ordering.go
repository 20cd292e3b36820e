package domain

import (
	"sort"
	"time"
)

// SortForConsumption orders grants by priority, then soonest expiry with
// non-expiring grants last, then creation time. Operation id breaks any
// remaining tie.
func SortForConsumption(grants []Grant) {
	sort.SliceStable(grants, func(i, j int) bool {
		return drainsBefore(grants[i], grants[j])
	})
}

func drainsBefore(a, b Grant) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt != nil:
		return false
	case a.ExpiresAt != nil && b.ExpiresAt == nil:
		return true
	case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OperationID < b.OperationID
}

// FilterSpendable returns the grants that can be drawn from at now.
func FilterSpendable(grants []Grant, now time.Time) []Grant {
	out := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if g.Spendable(now) {
			out = append(out, g)
		}
	}
	return out
}
