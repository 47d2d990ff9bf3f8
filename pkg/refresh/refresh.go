// Package refresh implements the stateless upstream clients for the two
// token-refresh protocols (social OAuth and AWS SSO OIDC) and the
// usage-limits endpoint. Functions take a credential snapshot and return a
// new snapshot or a typed error; they never touch the store.
package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	internalhttp "github.com/cecil-the-coder/kiro-gateway/internal/http"
	"github.com/cecil-the-coder/kiro-gateway/pkg/fingerprint"
	"github.com/cecil-the-coder/kiro-gateway/pkg/types"
)

// minRefreshTokenLength is the shortest refresh token the Kiro IDE emits.
// Anything shorter has been truncated, usually deliberately by the IDE to
// keep credentials from leaving the machine.
const minRefreshTokenLength = 100

// idcAmzUserAgent is the x-amz-user-agent the OIDC endpoint expects.
const idcAmzUserAgent = "aws-sdk-js/3.738.0 ua/2.1 os/other lang/js md/browser#unknown_unknown api/sso-oidc#3.738.0 m/E KiroIDE"

// usageAmzUserAgentPrefix prefixes the x-amz-user-agent on usage queries.
const usageAmzUserAgentPrefix = "aws-sdk-js/1.0.0"

// Config configures a refresh client. The base-URL overrides exist for
// tests; when empty the production endpoints for Region are used.
type Config struct {
	Region      string
	KiroVersion string
	HTTPClient  *http.Client

	// RefreshPerSecond throttles upstream refresh attempts so a refresh
	// storm cannot trip upstream rate limits. Zero selects the default.
	RefreshPerSecond float64

	SocialBaseURL string
	OIDCBaseURL   string
	UsageBaseURL  string
}

// Client calls the upstream refresh and usage endpoints.
type Client struct {
	region      string
	kiroVersion string
	httpClient  *http.Client
	limiter     *rate.Limiter

	socialBaseURL string
	oidcBaseURL   string
	usageBaseURL  string
}

// NewClient builds a refresh client from config, filling in defaults.
func NewClient(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient, _ = internalhttp.NewClient(internalhttp.ClientConfig{})
	}

	perSecond := config.RefreshPerSecond
	if perSecond <= 0 {
		perSecond = 2
	}

	c := &Client{
		region:        config.Region,
		kiroVersion:   config.KiroVersion,
		httpClient:    httpClient,
		limiter:       rate.NewLimiter(rate.Limit(perSecond), 5),
		socialBaseURL: config.SocialBaseURL,
		oidcBaseURL:   config.OIDCBaseURL,
		usageBaseURL:  config.UsageBaseURL,
	}
	if c.socialBaseURL == "" {
		c.socialBaseURL = fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev", c.region)
	}
	if c.oidcBaseURL == "" {
		c.oidcBaseURL = fmt.Sprintf("https://oidc.%s.amazonaws.com", c.region)
	}
	if c.usageBaseURL == "" {
		c.usageBaseURL = fmt.Sprintf("https://q.%s.amazonaws.com", c.region)
	}
	return c
}

// ValidateRefreshToken checks the basic integrity of a refresh token
// before any network call: present, at least 100 characters, and free of
// the "..." truncation marker.
func ValidateRefreshToken(cred *types.Credential) error {
	token := cred.RefreshToken
	if token == "" {
		return types.NewPoolError(types.ErrCodeTruncatedCredential, "missing refreshToken")
	}
	if len(token) < minRefreshTokenLength || strings.Contains(token, "...") {
		return types.NewPoolError(types.ErrCodeTruncatedCredential,
			fmt.Sprintf("refreshToken appears truncated (%d chars); the Kiro IDE truncates credentials to keep them from third-party tools", len(token)))
	}
	return nil
}

// Refresh exchanges the credential's refresh token for a new access token,
// selecting the protocol by auth method. The returned snapshot preserves
// every field the upstream did not replace.
func (c *Client) Refresh(ctx context.Context, cred types.Credential) (types.Credential, error) {
	if err := ValidateRefreshToken(&cred); err != nil {
		return types.Credential{}, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return types.Credential{}, err
	}

	switch cred.ResolvedAuthMethod() {
	case types.AuthMethodIDC, types.AuthMethodBuilderID:
		return c.refreshIDC(ctx, cred)
	default:
		return c.refreshSocial(ctx, cred)
	}
}

type socialRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type socialRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	ExpiresIn    *int64 `json:"expiresIn,omitempty"`
}

func (c *Client) refreshSocial(ctx context.Context, cred types.Credential) (types.Credential, error) {
	machineID := fingerprint.FromCredential(&cred)
	if machineID == "" {
		return types.Credential{}, fmt.Errorf("cannot derive device fingerprint for credential #%d", cred.ID)
	}

	body, err := json.Marshal(socialRefreshRequest{RefreshToken: cred.RefreshToken})
	if err != nil {
		return types.Credential{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.socialBaseURL+"/refreshToken", bytes.NewReader(body))
	if err != nil {
		return types.Credential{}, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s", c.kiroVersion, machineID))
	req.Header.Set("Accept-Encoding", "gzip, compress, deflate, br")
	req.Header.Set("Connection", "close")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.Credential{}, types.NewNetworkError("refresh", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.Credential{}, refreshStatusError("refresh", resp)
	}

	var data socialRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return types.Credential{}, fmt.Errorf("decoding refresh response: %w", err)
	}
	if data.AccessToken == "" {
		return types.Credential{}, types.NewPoolError(types.ErrCodeRefreshFailed, "refresh response missing accessToken")
	}

	out := cred.Clone()
	out.AccessToken = data.AccessToken
	if data.RefreshToken != "" {
		out.RefreshToken = data.RefreshToken
	}
	if data.ProfileARN != "" {
		out.ProfileARN = data.ProfileARN
	}
	if data.ExpiresIn != nil {
		out.ExpiresAt = time.Now().Add(time.Duration(*data.ExpiresIn) * time.Second)
	}
	return out, nil
}

type idcRefreshRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	GrantType    string `json:"grantType"`
}

type idcRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    *int64 `json:"expiresIn,omitempty"`
}

func (c *Client) refreshIDC(ctx context.Context, cred types.Credential) (types.Credential, error) {
	if cred.ClientID == "" {
		return types.Credential{}, types.NewInvalidRequestError("idc refresh requires clientId")
	}
	if cred.ClientSecret == "" {
		return types.Credential{}, types.NewInvalidRequestError("idc refresh requires clientSecret")
	}

	body, err := json.Marshal(idcRefreshRequest{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		RefreshToken: cred.RefreshToken,
		GrantType:    "refresh_token",
	})
	if err != nil {
		return types.Credential{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oidcBaseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return types.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("x-amz-user-agent", idcAmzUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "*")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("User-Agent", "node")
	req.Header.Set("Accept-Encoding", "br, gzip, deflate")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.Credential{}, types.NewNetworkError("refresh", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.Credential{}, refreshStatusError("refresh", resp)
	}

	var data idcRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return types.Credential{}, fmt.Errorf("decoding refresh response: %w", err)
	}
	if data.AccessToken == "" {
		return types.Credential{}, types.NewPoolError(types.ErrCodeRefreshFailed, "refresh response missing accessToken")
	}

	out := cred.Clone()
	out.AccessToken = data.AccessToken
	if data.RefreshToken != "" {
		out.RefreshToken = data.RefreshToken
	}
	if data.ExpiresIn != nil {
		out.ExpiresAt = time.Now().Add(time.Duration(*data.ExpiresIn) * time.Second)
	}
	return out, nil
}

// refreshStatusError maps a non-2xx upstream response to a typed error,
// folding in a snippet of the response body.
func refreshStatusError(operation string, resp *http.Response) *types.PoolError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	code := types.ClassifyRefreshStatus(resp.StatusCode)
	var message string
	switch code {
	case types.ErrCodeCredentialExpired:
		message = "credential expired or invalid, re-authentication required"
	case types.ErrCodePermissionDenied:
		message = "permission denied by upstream"
	case types.ErrCodeRateLimited:
		message = "rate limited by upstream"
	case types.ErrCodeUpstreamUnavailable:
		message = "upstream service temporarily unavailable"
	default:
		message = "upstream call failed"
	}
	if len(snippet) > 0 {
		message = fmt.Sprintf("%s: %s", message, strings.TrimSpace(string(snippet)))
	}

	return types.NewPoolError(code, message).
		WithOperation(operation).
		WithStatusCode(resp.StatusCode)
}
