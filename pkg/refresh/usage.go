package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/cecil-the-coder/kiro-gateway/pkg/fingerprint"
	"github.com/cecil-the-coder/kiro-gateway/pkg/types"
)

type usageLimitsResponse struct {
	SubscriptionTitle string   `json:"subscriptionTitle"`
	CurrentUsage      float64  `json:"currentUsage"`
	UsageLimit        float64  `json:"usageLimit"`
	NextDateReset     *float64 `json:"nextDateReset,omitempty"`
}

// UsageLimits queries the upstream usage endpoint with the given access
// token and returns the account's current quota snapshot.
func (c *Client) UsageLimits(ctx context.Context, cred types.Credential, accessToken string) (types.UsageLimits, error) {
	machineID := fingerprint.FromCredential(&cred)
	if machineID == "" {
		return types.UsageLimits{}, fmt.Errorf("cannot derive device fingerprint for credential #%d", cred.ID)
	}

	query := url.Values{}
	query.Set("origin", "AI_EDITOR")
	query.Set("resourceType", "AGENTIC_REQUEST")
	if cred.ProfileARN != "" {
		query.Set("profileArn", cred.ProfileARN)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.usageBaseURL+"/getUsageLimits?"+query.Encode(), nil)
	if err != nil {
		return types.UsageLimits{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent",
		fmt.Sprintf("aws-sdk-js/1.0.0 ua/2.1 os/darwin#24.6.0 lang/js md/nodejs#22.21.1 api/codewhispererruntime#1.0.0 m/N,E KiroIDE-%s-%s", c.kiroVersion, machineID))
	req.Header.Set("x-amz-user-agent",
		fmt.Sprintf("%s KiroIDE-%s-%s", usageAmzUserAgentPrefix, c.kiroVersion, machineID))
	req.Header.Set("amz-sdk-invocation-id", uuid.New().String())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("Connection", "close")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.UsageLimits{}, types.NewNetworkError("usage_limits", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.UsageLimits{}, refreshStatusError("usage_limits", resp)
	}

	var data usageLimitsResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return types.UsageLimits{}, fmt.Errorf("decoding usage response: %w", err)
	}

	return types.UsageLimits{
		SubscriptionTitle: data.SubscriptionTitle,
		CurrentUsage:      data.CurrentUsage,
		UsageLimit:        data.UsageLimit,
		NextDateReset:     data.NextDateReset,
	}, nil
}
