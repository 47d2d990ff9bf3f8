package types

// UsageLimits is the upstream usage-limits snapshot for one credential.
type UsageLimits struct {
	SubscriptionTitle string   `json:"subscriptionTitle,omitempty"`
	CurrentUsage      float64  `json:"currentUsage"`
	UsageLimit        float64  `json:"usageLimit"`
	NextDateReset     *float64 `json:"nextDateReset,omitempty"`
}

// Remaining returns the unused quota, floored at zero.
func (u *UsageLimits) Remaining() float64 {
	r := u.UsageLimit - u.CurrentUsage
	if r < 0 {
		return 0
	}
	return r
}

// UsagePercentage returns the consumed share in percent, capped at 100.
// A zero limit yields 0.
func (u *UsageLimits) UsagePercentage() float64 {
	if u.UsageLimit <= 0 {
		return 0
	}
	p := u.CurrentUsage / u.UsageLimit * 100
	if p > 100 {
		return 100
	}
	return p
}
