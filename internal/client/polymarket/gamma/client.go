// Package polymarketgamma reads the Polymarket Gamma catalog API.
package polymarketgamma

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultBaseURL = "https://gamma-api.polymarket.com"

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gamma API error (%d): %s", e.Status, e.Body)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Market is the subset of a Gamma market the catalog keeps. Outcomes,
// OutcomePrices and ClobTokenIDs arrive as JSON encoded strings.
type Market struct {
	ID                  string          `json:"id"`
	Question            string          `json:"question"`
	ConditionID         string          `json:"conditionId"`
	Slug                string          `json:"slug"`
	Category            string          `json:"category"`
	EndDate             string          `json:"endDate"`
	Active              bool            `json:"active"`
	Closed              bool            `json:"closed"`
	Outcomes            string          `json:"outcomes"`
	OutcomePrices       string          `json:"outcomePrices"`
	ClobTokenIDs        string          `json:"clobTokenIds"`
	Volume24hr          decimal.Decimal `json:"volume24hr"`
	LiquidityNum        decimal.Decimal `json:"liquidityNum"`
	UMAResolutionStatus string          `json:"umaResolutionStatus"`
	ClosedTime          string          `json:"closedTime"`
	Events              []struct {
		Category string `json:"category"`
	} `json:"events"`

	Raw json.RawMessage `json:"-"`
}

type ListMarketsParams struct {
	Limit  int
	Offset int
	Active *bool
	Closed *bool
	IDs    []string
}

// ListMarkets returns one page of /markets. Entries that fail to decode are
// skipped; the caller still sees the page length through the raw count.
func (c *Client) ListMarkets(ctx context.Context, p ListMarketsParams) ([]Market, int, error) {
	query := url.Values{}
	if p.Limit > 0 {
		query.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		query.Set("offset", strconv.Itoa(p.Offset))
	}
	if p.Active != nil {
		query.Set("active", strconv.FormatBool(*p.Active))
	}
	if p.Closed != nil {
		query.Set("closed", strconv.FormatBool(*p.Closed))
	}
	for _, id := range p.IDs {
		query.Add("id", id)
	}
	body, err := c.doRequest(ctx, "/markets", query)
	if err != nil {
		return nil, 0, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, 0, fmt.Errorf("decode markets: %w", err)
	}
	out := make([]Market, 0, len(raws))
	for _, raw := range raws {
		var m Market
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		m.Raw = raw
		out = append(out, m)
	}
	return out, len(raws), nil
}

// GetMarket fetches one market by its Gamma id.
func (c *Client) GetMarket(ctx context.Context, id string) (*Market, error) {
	body, err := c.doRequest(ctx, "/markets/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var m Market
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode market: %w", err)
	}
	m.Raw = body
	return &m, nil
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// ParseStringList decodes the JSON-in-a-string lists Gamma uses, falling back
// to a comma separated form.
func ParseStringList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err == nil {
			return ids
		}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), "[]\"")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EndTime parses EndDate; nil when absent or unparsable.
func (m Market) EndTime() *time.Time {
	return parseTime(m.EndDate)
}

func (m Market) ClosedAt() *time.Time {
	return parseTime(m.ClosedTime)
}

func (m Market) CategoryName() string {
	if m.Category != "" {
		return m.Category
	}
	for _, e := range m.Events {
		if e.Category != "" {
			return e.Category
		}
	}
	return ""
}

// Winner returns the index of the outcome that settled at 1 once UMA reports
// the market resolved, or -1.
func (m Market) Winner() int {
	if !m.Closed || !strings.EqualFold(m.UMAResolutionStatus, "resolved") {
		return -1
	}
	prices := ParseStringList(m.OutcomePrices)
	threshold := decimal.RequireFromString("0.99")
	for i, p := range prices {
		d, err := decimal.NewFromString(p)
		if err != nil {
			continue
		}
		if d.GreaterThanOrEqual(threshold) {
			return i
		}
	}
	return -1
}

func parseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05Z07", "2006-01-02 15:04:05-07:00", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}
