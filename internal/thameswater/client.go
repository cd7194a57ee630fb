package thameswater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// Client fetches smart-meter consumption readings from the portal. The first
// call (or the first call after the session was invalidated) drives the full
// login sequence; subsequent calls reuse the session cookies. Not safe for
// concurrent use.
type Client struct {
	session *Session
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a Client around the given transport. A nil transport means
// http.DefaultTransport; tests pass a stub.
func NewClient(rt http.RoundTripper, creds Credentials) *Client {
	if creds.ClientID == "" {
		creds.ClientID = DefaultClientID
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "thameswater-usage",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
	return &Client{
		session: newSession(rt, creds),
		breaker: cb,
	}
}

// MeterUsage queries consumption for one meter over [start, end] at the given
// granularity (hourly when empty). The date range travels as day/month/year
// components, which is how the portal expects it.
func (c *Client) MeterUsage(ctx context.Context, meterID string, start, end time.Time, granularity Granularity) (*MeterUsage, error) {
	if granularity == "" {
		granularity = GranularityHour
	}

	if !c.session.Authenticated() {
		if err := c.session.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchUsage(ctx, meterID, start, end, granularity)
	})
	if err != nil {
		return nil, err
	}
	return result.(*MeterUsage), nil
}

func (c *Client) fetchUsage(ctx context.Context, meterID string, start, end time.Time, granularity Granularity) (*MeterUsage, error) {
	params := url.Values{}
	params.Set("meter", meterID)
	params.Set("startDate", strconv.Itoa(start.Day()))
	params.Set("startMonth", strconv.Itoa(int(start.Month())))
	params.Set("startYear", strconv.Itoa(start.Year()))
	params.Set("endDate", strconv.Itoa(end.Day()))
	params.Set("endMonth", strconv.Itoa(int(end.Month())))
	params.Set("endYear", strconv.Itoa(end.Year()))
	params.Set("granularity", string(granularity))
	params.Set("premiseId", "")
	params.Set("isForC4C", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, consumptionURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("user-agent", userAgent)
	req.Header.Set("Referer", metersUsageURL)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.session.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !success(resp) {
		// An expired site session answers 401/403; drop it so the next
		// call rebuilds the login from scratch.
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			c.session.reset()
		}
		io.Copy(io.Discard, resp.Body)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Endpoint: req.URL.Path}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Endpoint: req.URL.Path}
	}

	// IsError and IsDataAvailable are decoded through pointers so a payload
	// that lacks them is rejected instead of silently defaulting.
	var payload struct {
		IsError                *bool   `json:"IsError"`
		IsDataAvailable        *bool   `json:"IsDataAvailable"`
		IsConsumptionAvailable bool    `json:"IsConsumptionAvailable"`
		TargetUsage            float64 `json:"TargetUsage"`
		AverageUsage           float64 `json:"AverageUsage"`
		ActualUsage            float64 `json:"ActualUsage"`
		Lines                  []Line  `json:"Lines"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if payload.IsError == nil || payload.IsDataAvailable == nil {
		return nil, fmt.Errorf("%w: required fields missing", ErrMalformedResponse)
	}

	usage := &MeterUsage{
		IsError:                *payload.IsError,
		IsDataAvailable:        *payload.IsDataAvailable,
		IsConsumptionAvailable: payload.IsConsumptionAvailable,
		TargetUsage:            payload.TargetUsage,
		AverageUsage:           payload.AverageUsage,
		ActualUsage:            payload.ActualUsage,
		Lines:                  payload.Lines,
	}
	if usage.Lines == nil {
		usage.Lines = []Line{}
	}
	return usage, nil
}
