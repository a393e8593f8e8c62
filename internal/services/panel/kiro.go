package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/j-veylop/cliproxy-manager/internal/logger"
	"github.com/j-veylop/cliproxy-manager/internal/models"
)

const (
	kiroEndpointTemplate = "https://codewhisperer.%s.amazonaws.com/getUsageLimits"
	defaultRegion        = "us-east-1"
)

// Kiro IDE headers; the usage API refuses requests without them.
var kiroHeaders = map[string]string{
	"Content-Type":           "application/json",
	"Accept":                 "application/json",
	"amz-sdk-request":        "attempt=1; max=1",
	"x-amzn-kiro-agent-mode": "vibe",
	"x-amz-user-agent":       "aws-sdk-js/1.0.0 KiroIDE-0.8.140-BalanceQuery",
	"User-Agent":             "aws-sdk-js/1.0.0 ua/2.1 os/windows lang/go api/codewhispererruntime#1.0.0 m/E KiroIDE-0.8.140-BalanceQuery",
	"Connection":             "close",
}

// UsageLimitsResponse is the part of the getUsageLimits response we read.
type UsageLimitsResponse struct {
	NextDateReset *float64 `json:"nextDateReset"`
	SubscriptionInfo struct {
		SubscriptionTitle string `json:"subscriptionTitle"`
	} `json:"subscriptionInfo"`
	UsageBreakdownList []struct {
		UsageLimitWithPrecision   *float64 `json:"usageLimitWithPrecision"`
		UsageLimit                *float64 `json:"usageLimit"`
		CurrentUsageWithPrecision *float64 `json:"currentUsageWithPrecision"`
		CurrentUsage              *float64 `json:"currentUsage"`
	} `json:"usageBreakdownList"`
}

// FetchUsage queries the Kiro usage limits for one access token.
func (c *Client) FetchUsage(ctx context.Context, accessToken, region string) (*UsageLimitsResponse, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("access token is empty")
	}
	if region == "" {
		region = defaultRegion
	}

	q := url.Values{}
	q.Set("isEmailRequired", "true")
	q.Set("origin", "AI_EDITOR")
	q.Set("resourceType", "AGENTIC_REQUEST")
	endpoint := fmt.Sprintf(c.usageURL, url.PathEscape(region)) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	for k, v := range kiroHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage request failed (status %d): %s", resp.StatusCode, truncate(body))
	}

	var usage UsageLimitsResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		return nil, fmt.Errorf("failed to parse usage response: %w", err)
	}
	return &usage, nil
}

// Summarize totals the usage breakdown. Remaining never goes below zero.
func Summarize(resp *UsageLimitsResponse) models.UsageSummary {
	summary := models.UsageSummary{
		Subscription: resp.SubscriptionInfo.SubscriptionTitle,
	}

	for _, item := range resp.UsageBreakdownList {
		summary.TotalLimit += firstOf(item.UsageLimitWithPrecision, item.UsageLimit)
		summary.TotalUsed += firstOf(item.CurrentUsageWithPrecision, item.CurrentUsage)
	}

	summary.Remaining = max(0, summary.TotalLimit-summary.TotalUsed)
	if summary.TotalLimit > 0 {
		summary.Percentage = summary.TotalUsed / summary.TotalLimit * 100
	}

	if resp.NextDateReset != nil && *resp.NextDateReset > 0 {
		summary.NextReset = time.UnixMilli(int64(*resp.NextDateReset))
	}

	return summary
}

func firstOf(values ...*float64) float64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}
