package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	// MinuteLayout is the timestamp resolution used for cyclic operation ids.
	MinuteLayout = "2006-01-02T15:04"
)

// MinuteOperationID builds "{prefix}-{account}-{minute}" in UTC. Two calls in the
// same wall-clock minute yield the same id.
func MinuteOperationID(prefix, accountID string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s",
		strings.TrimSpace(prefix),
		strings.TrimSpace(accountID),
		at.UTC().Truncate(time.Minute).Format(MinuteLayout),
	)
}

// CycleOperationID builds the id for a recurring grant from the start of the
// period it covers, so retries that straddle a minute boundary still collide.
func CycleOperationID(grantType GrantType, accountID string, periodStart time.Time) string {
	return MinuteOperationID(string(grantType), accountID, periodStart)
}

// OneOffOperationID builds a wall-clock id at nanosecond resolution for grants
// that may legitimately repeat within a cycle.
func OneOffOperationID(grantType GrantType, accountID string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s",
		grantType,
		strings.TrimSpace(accountID),
		at.UTC().Format(time.RFC3339Nano),
	)
}
