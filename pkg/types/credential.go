// Package types defines the shared data model for the kiro-gateway
// credential pool: the persisted credential record, the typed error
// taxonomy, and the usage-limits snapshot returned by the upstream.
package types

import (
	"strings"
	"time"
)

// Supported authentication methods. The method selects which upstream
// refresh protocol a credential uses.
const (
	AuthMethodSocial    = "social"
	AuthMethodIDC       = "idc"
	AuthMethodBuilderID = "builder-id"
)

// Token expiry thresholds. A token within expiredLeeway of its expiry is
// treated as already expired; a token within expiringSoonWindow triggers a
// proactive refresh.
const (
	expiredLeeway      = 5 * time.Minute
	expiringSoonWindow = 10 * time.Minute
)

// Credential is one persisted upstream credential plus its derived state.
// Instances that travel through the pool manager are value snapshots, never
// aliases into the store.
type Credential struct {
	// ID is assigned by the store on insert and is stable for the lifetime
	// of the record. Zero means "not yet persisted".
	ID int64 `json:"id,omitempty"`

	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`

	// ExpiresAt is the absolute expiry instant of AccessToken. The zero
	// value means the expiry is unknown, which counts as expired.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`

	// AuthMethod is one of the AuthMethod* constants; empty means social.
	AuthMethod string `json:"authMethod,omitempty"`

	// ClientID and ClientSecret are required for idc / builder-id refresh.
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`

	// MachineID, when a syntactically valid UUID v4, overrides the derived
	// device fingerprint.
	MachineID string `json:"machineId,omitempty"`

	// Priority orders credential selection; lower value wins.
	Priority int `json:"priority,omitempty"`

	Disabled     bool      `json:"-"`
	DisabledAt   time.Time `json:"-"`
	FailureCount int       `json:"-"`

	// Last observed usage snapshot, informational only.
	SubscriptionTitle string    `json:"-"`
	CurrentUsage      float64   `json:"-"`
	UsageLimit        float64   `json:"-"`
	NextResetAt       *float64  `json:"-"`
	BalanceUpdatedAt  time.Time `json:"-"`
}

// Clone returns a deep value copy of the credential.
func (c Credential) Clone() Credential {
	out := c
	if c.NextResetAt != nil {
		v := *c.NextResetAt
		out.NextResetAt = &v
	}
	return out
}

// ResolvedAuthMethod returns the effective auth method, lowercased, with
// social as the default.
func (c *Credential) ResolvedAuthMethod() string {
	m := strings.ToLower(strings.TrimSpace(c.AuthMethod))
	if m == "" {
		return AuthMethodSocial
	}
	return m
}

// TokenExpired reports whether the access token is expired as of now,
// including the 5-minute leeway. An unknown expiry counts as expired.
func (c *Credential) TokenExpired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	return !c.ExpiresAt.After(now.Add(expiredLeeway))
}

// TokenExpiringSoon reports whether the access token expires within the
// 10-minute proactive-refresh window. An unknown expiry is NOT "expiring
// soon" (it is already expired); keeping the asymmetry lets the
// double-checked refresh path force a refresh on first use.
func (c *Credential) TokenExpiringSoon(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !c.ExpiresAt.After(now.Add(expiringSoonWindow))
}

// NeedsRefresh reports whether the access token must be refreshed before
// the credential can serve a request.
func (c *Credential) NeedsRefresh(now time.Time) bool {
	return c.TokenExpired(now) || c.TokenExpiringSoon(now)
}
