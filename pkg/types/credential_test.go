package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolvedAuthMethod(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", AuthMethodSocial},
		{"social", AuthMethodSocial},
		{"IdC", AuthMethodIDC},
		{" Builder-ID ", AuthMethodBuilderID},
	}
	for _, tt := range tests {
		c := Credential{AuthMethod: tt.in}
		assert.Equal(t, tt.want, c.ResolvedAuthMethod())
	}
}

func TestTokenExpiryBoundaries(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name         string
		expiresAt    time.Time
		wantExpired  bool
		wantExpiring bool
	}{
		{"unknown expiry", time.Time{}, true, false},
		{"already past", now.Add(-time.Minute), true, true},
		{"exactly at leeway", now.Add(5 * time.Minute), true, true},
		{"inside soon window", now.Add(8 * time.Minute), false, true},
		{"comfortably fresh", now.Add(time.Hour), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Credential{ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.wantExpired, c.TokenExpired(now), "expired")
			assert.Equal(t, tt.wantExpiring, c.TokenExpiringSoon(now), "expiring soon")
			assert.Equal(t, tt.wantExpired || tt.wantExpiring, c.NeedsRefresh(now), "needs refresh")
		})
	}
}

// An unknown expiry is "expired" but never "expiring soon". The refresh
// path relies on that to force a refresh on first use.
func TestUnknownExpiryAsymmetry(t *testing.T) {
	c := Credential{}
	now := time.Now()
	assert.True(t, c.TokenExpired(now))
	assert.False(t, c.TokenExpiringSoon(now))
}

func TestCloneIsDeep(t *testing.T) {
	reset := 100.0
	orig := Credential{ID: 1, NextResetAt: &reset}

	clone := orig.Clone()
	*clone.NextResetAt = 200.0

	assert.Equal(t, 100.0, *orig.NextResetAt)
	assert.Equal(t, 200.0, *clone.NextResetAt)
}

func TestUsageLimitsMath(t *testing.T) {
	u := UsageLimits{CurrentUsage: 30, UsageLimit: 120}
	assert.Equal(t, 90.0, u.Remaining())
	assert.Equal(t, 25.0, u.UsagePercentage())

	over := UsageLimits{CurrentUsage: 150, UsageLimit: 120}
	assert.Equal(t, 0.0, over.Remaining())
	assert.Equal(t, 100.0, over.UsagePercentage())

	unlimited := UsageLimits{CurrentUsage: 5}
	assert.Equal(t, 0.0, unlimited.UsagePercentage())
}
