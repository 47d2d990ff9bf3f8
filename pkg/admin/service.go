// Package admin exposes the credential pool management surface: a thin
// service that forwards to the pool manager and an HTTP handler set with
// bearer authentication.
package admin

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cecil-the-coder/kiro-gateway/pkg/pool"
	"github.com/cecil-the-coder/kiro-gateway/pkg/types"
)

// balanceFetchLimit caps how many live balance probes a single list
// request runs in parallel.
const balanceFetchLimit = 4

// Service adapts admin requests onto the pool manager.
type Service struct {
	pool      *pool.Manager
	refresher pool.Refresher
}

// NewService builds the admin service.
func NewService(p *pool.Manager, refresher pool.Refresher) *Service {
	return &Service{pool: p, refresher: refresher}
}

// CredentialView is one credential as rendered to the admin UI. Secrets
// are masked; only enough of the refresh token survives to recognize it.
type CredentialView struct {
	ID                int64      `json:"id"`
	AuthMethod        string     `json:"authMethod"`
	RefreshTokenHint  string     `json:"refreshTokenHint,omitempty"`
	ProfileARN        string     `json:"profileArn,omitempty"`
	MachineID         string     `json:"machineId,omitempty"`
	Priority          int        `json:"priority"`
	Disabled          bool       `json:"disabled"`
	DisabledAt        *time.Time `json:"disabledAt,omitempty"`
	FailureCount      int        `json:"failureCount"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	IsCurrent         bool       `json:"isCurrent"`
	SubscriptionTitle string     `json:"subscriptionTitle,omitempty"`
	CurrentUsage      float64    `json:"currentUsage"`
	UsageLimit        float64    `json:"usageLimit"`
	NextResetAt       *float64   `json:"nextResetAt,omitempty"`
	BalanceUpdatedAt  *time.Time `json:"balanceUpdatedAt,omitempty"`
}

// ListResponse is the snapshot returned by the list endpoint.
type ListResponse struct {
	Credentials []CredentialView `json:"credentials"`
	CurrentID   int64            `json:"currentId"`
	Total       int              `json:"total"`
	Enabled     int              `json:"enabled"`
}

// List returns the pool snapshot, enriched with live balances for every
// credential whose access token is currently usable. Fetched balances are
// written back to the store asynchronously.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	snap, err := s.pool.SnapshotState()
	if err != nil {
		return nil, err
	}

	views := make([]CredentialView, len(snap.Credentials))
	for i := range snap.Credentials {
		views[i] = viewOf(&snap.Credentials[i], snap.CurrentID)
	}

	// Probe live balances in parallel for credentials that can be queried
	// without a refresh.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(balanceFetchLimit)
	var mu sync.Mutex

	now := time.Now()
	for i := range snap.Credentials {
		cred := snap.Credentials[i]
		if cred.AccessToken == "" || cred.TokenExpired(now) {
			continue
		}
		idx := i
		g.Go(func() error {
			limits, err := s.refresher.UsageLimits(gctx, cred, cred.AccessToken)
			if err != nil {
				log.Printf("admin: balance probe for #%d failed: %v", cred.ID, err)
				return nil
			}

			mu.Lock()
			views[idx].SubscriptionTitle = limits.SubscriptionTitle
			views[idx].CurrentUsage = limits.CurrentUsage
			views[idx].UsageLimit = limits.UsageLimit
			views[idx].NextResetAt = limits.NextDateReset
			mu.Unlock()

			// Write-back is best effort and off the request path.
			go func() {
				if _, err := s.pool.Store().UpdateBalance(cred.ID, limits.SubscriptionTitle,
					limits.CurrentUsage, limits.UsageLimit, limits.NextDateReset); err != nil {
					log.Printf("admin: balance write-back for #%d failed: %v", cred.ID, err)
				}
			}()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &ListResponse{
		Credentials: views,
		CurrentID:   snap.CurrentID,
		Total:       snap.Total,
		Enabled:     snap.Enabled,
	}, nil
}

// AddRequest is the add-credential payload.
type AddRequest struct {
	RefreshToken string `json:"refreshToken"`
	AccessToken  string `json:"accessToken,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	MachineID    string `json:"machineId,omitempty"`
	Priority     int    `json:"priority,omitempty"`
}

// Add validates and inserts a new credential, returning its id.
func (s *Service) Add(ctx context.Context, req AddRequest) (int64, error) {
	if strings.TrimSpace(req.RefreshToken) == "" {
		return 0, types.NewInvalidRequestError("refreshToken is required")
	}
	method := strings.ToLower(strings.TrimSpace(req.AuthMethod))
	switch method {
	case "", types.AuthMethodSocial:
	case types.AuthMethodIDC, types.AuthMethodBuilderID:
		if req.ClientID == "" || req.ClientSecret == "" {
			return 0, types.NewInvalidRequestError("clientId and clientSecret are required for " + method)
		}
	default:
		return 0, types.NewInvalidRequestError("unknown authMethod " + req.AuthMethod)
	}

	return s.pool.Add(ctx, types.Credential{
		RefreshToken: req.RefreshToken,
		AccessToken:  req.AccessToken,
		AuthMethod:   method,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		ProfileARN:   req.ProfileARN,
		MachineID:    req.MachineID,
		Priority:     req.Priority,
	})
}

// Delete removes a credential.
func (s *Service) Delete(id int64) error {
	return s.pool.Delete(id)
}

// SetDisabled enables or disables a credential.
func (s *Service) SetDisabled(id int64, disabled bool) error {
	return s.pool.SetDisabled(id, disabled)
}

// SetPriority updates a credential's priority.
func (s *Service) SetPriority(id int64, priority int) error {
	if priority < 0 {
		return types.NewInvalidRequestError("priority must not be negative")
	}
	return s.pool.SetPriority(id, priority)
}

// Reset clears a credential's failure state and re-enables it.
func (s *Service) Reset(id int64) error {
	return s.pool.ResetAndEnable(id)
}

// Balance fetches live usage limits for one credential and persists them.
func (s *Service) Balance(ctx context.Context, id int64) (types.UsageLimits, error) {
	return s.pool.UsageLimitsFor(ctx, id)
}

func viewOf(cred *types.Credential, currentID int64) CredentialView {
	v := CredentialView{
		ID:                cred.ID,
		AuthMethod:        cred.ResolvedAuthMethod(),
		RefreshTokenHint:  maskToken(cred.RefreshToken),
		ProfileARN:        cred.ProfileARN,
		MachineID:         cred.MachineID,
		Priority:          cred.Priority,
		Disabled:          cred.Disabled,
		FailureCount:      cred.FailureCount,
		IsCurrent:         cred.ID == currentID,
		SubscriptionTitle: cred.SubscriptionTitle,
		CurrentUsage:      cred.CurrentUsage,
		UsageLimit:        cred.UsageLimit,
		NextResetAt:       cred.NextResetAt,
	}
	if !cred.DisabledAt.IsZero() {
		t := cred.DisabledAt
		v.DisabledAt = &t
	}
	if !cred.ExpiresAt.IsZero() {
		t := cred.ExpiresAt
		v.ExpiresAt = &t
	}
	if !cred.BalanceUpdatedAt.IsZero() {
		t := cred.BalanceUpdatedAt
		v.BalanceUpdatedAt = &t
	}
	return v
}

// maskToken keeps just enough of a token to recognize it in the UI.
func maskToken(token string) string {
	if len(token) <= 12 {
		return ""
	}
	return token[:8] + "…" + token[len(token)-4:]
}

// ErrorKind is the admin-surface error category.
type ErrorKind string

const (
	KindNotFound       ErrorKind = "not_found"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindAPIError       ErrorKind = "api_error"
	KindInternalError  ErrorKind = "internal_error"
)

// Classify maps an error to its admin-surface kind and HTTP status. Typed
// pool errors classify by code; anything else falls back to message
// inspection.
func Classify(err error) (ErrorKind, int) {
	var pe *types.PoolError
	if errors.As(err, &pe) {
		switch pe.Code {
		case types.ErrCodeNotFound:
			return KindNotFound, 404
		case types.ErrCodeInvalidRequest, types.ErrCodeTruncatedCredential:
			return KindInvalidRequest, 400
		case types.ErrCodeStore, types.ErrCodeUnknown:
			return KindInternalError, 500
		default:
			return KindAPIError, 502
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"):
		return KindNotFound, 404
	case strings.Contains(msg, "expired"), strings.Contains(msg, "invalid credential"),
		strings.Contains(msg, "forbidden"), strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "server error"), strings.Contains(msg, "refresh failed"),
		strings.Contains(msg, "timed out"), strings.Contains(msg, "connection refused"):
		return KindAPIError, 502
	default:
		return KindInternalError, 500
	}
}
