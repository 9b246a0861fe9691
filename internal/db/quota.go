package db

import "time"

// QuotaDecision is the outcome of reserving one send against a tenant's quota.
type QuotaDecision struct {
	Allowed bool
	// Exceeded names the first window that blocked the send: "hourly",
	// "daily" or "monthly". Empty when allowed.
	Exceeded string
	// ResetAt is when the blocking window resets. Zero when allowed.
	ResetAt time.Time
}

// rollQuota applies window resets to a counter, then either reserves one
// send (incrementing every window) or denies. The counter is mutated in
// place; the caller persists it inside the same transaction that read it,
// which is what makes the check-and-increment atomic.
func rollQuota(c *RateCounter, now time.Time) QuotaDecision {
	if !now.Before(c.HourlyResetAt) {
		c.HourlyCount = 0
		c.HourlyResetAt = advancePast(c.HourlyResetAt, time.Hour, now)
	}
	if !now.Before(c.DailyResetAt) {
		c.DailyCount = 0
		c.DailyResetAt = advancePast(c.DailyResetAt, 24*time.Hour, now)
	}
	if !now.Before(c.MonthlyResetAt) {
		c.MonthlyCount = 0
		c.MonthlyResetAt = c.MonthlyResetAt.AddDate(0, 1, 0)
		for !c.MonthlyResetAt.After(now) {
			c.MonthlyResetAt = c.MonthlyResetAt.AddDate(0, 1, 0)
		}
	}

	switch {
	case c.HourlyCount >= c.HourlyLimit:
		return QuotaDecision{Exceeded: "hourly", ResetAt: c.HourlyResetAt}
	case c.DailyCount >= c.DailyLimit:
		return QuotaDecision{Exceeded: "daily", ResetAt: c.DailyResetAt}
	case c.MonthlyCount >= c.MonthlyLimit:
		return QuotaDecision{Exceeded: "monthly", ResetAt: c.MonthlyResetAt}
	}

	c.HourlyCount++
	c.DailyCount++
	c.MonthlyCount++
	return QuotaDecision{Allowed: true}
}

// advancePast moves a reset timestamp forward in whole periods until it
// lies strictly after now. A counter idle for several periods advances in
// one step rather than one period per send.
func advancePast(resetAt time.Time, period time.Duration, now time.Time) time.Time {
	for !resetAt.After(now) {
		resetAt = resetAt.Add(period)
	}
	return resetAt
}
