package domain

import (
	"time"

	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
)

// BuildPlan walks the spendable grants in drain order and draws from each
// until amount is covered or the grants run out.
func BuildPlan(grants []grantdomain.Grant, amount int64, now time.Time) Plan {
	spendable := grantdomain.FilterSpendable(grants, now)
	grantdomain.SortForConsumption(spendable)

	plan := Plan{
		Draws:     make([]Draw, 0, len(spendable)),
		Breakdown: grantdomain.ZeroBreakdown(),
	}
	remaining := amount
	for _, g := range spendable {
		if remaining <= 0 {
			break
		}
		take := min(remaining, g.Balance)
		plan.Draws = append(plan.Draws, Draw{
			OperationID: g.OperationID,
			Type:        g.Type,
			Amount:      take,
		})
		plan.Breakdown[g.Type] += take
		plan.Consumed += take
		remaining -= take
	}
	if remaining > 0 {
		plan.Shortfall = remaining
	}
	return plan
}
