package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/clock"
)

const DefaultRESTURL = "https://api.elections.kalshi.com/trade-api/v2"

// NoSuffix marks the synthetic NO-side id of a market ticker. Kalshi quotes
// the YES side only; NO is derived as 1 - YES.
const NoSuffix = ":NO"

func NoTokenID(ticker string) string { return ticker + NoSuffix }

// MarketTicker strips the NO suffix.
func MarketTicker(id string) string { return strings.TrimSuffix(id, NoSuffix) }

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kalshi API error (%d): %s", e.Status, e.Body)
}

type Client struct {
	base       string
	basePath   string
	httpClient *http.Client
	signer     *Signer
	clock      clock.Clock
}

// NewClient builds a REST client. signer may be nil; market data reads are
// public.
func NewClient(httpClient *http.Client, base string, signer *Signer, clk clock.Clock) *Client {
	if base == "" {
		base = DefaultRESTURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	base = strings.TrimRight(base, "/")
	basePath := ""
	if u, err := url.Parse(base); err == nil {
		basePath = u.Path
	}
	return &Client{base: base, basePath: basePath, httpClient: httpClient, signer: signer, clock: clock.OrReal(clk)}
}

// Market mirrors the fields of /markets the module reads. Prices are cents.
type Market struct {
	Ticker       string     `json:"ticker"`
	EventTicker  string     `json:"event_ticker"`
	Title        string     `json:"title"`
	Subtitle     string     `json:"subtitle"`
	Category     string     `json:"category"`
	Status       string     `json:"status"`
	Result       string     `json:"result"`
	YesBid       int64      `json:"yes_bid"`
	YesAsk       int64      `json:"yes_ask"`
	LastPrice    int64      `json:"last_price"`
	Volume24h    int64      `json:"volume_24h"`
	Liquidity    int64      `json:"liquidity"`
	CloseTime    *time.Time `json:"close_time"`
	ExpirationTS *time.Time `json:"expiration_time"`

	Raw json.RawMessage `json:"-"`
}

type marketsPage struct {
	Markets []json.RawMessage `json:"markets"`
	Cursor  string            `json:"cursor"`
}

// Mid is the midpoint of a two sided quote, else the last trade. The second
// return is false when neither exists.
func (m Market) Mid() (decimal.Decimal, bool) {
	if m.YesBid > 0 && m.YesAsk > 0 && m.YesAsk < 100 {
		return Cents(m.YesBid + m.YesAsk).Div(decimal.NewFromInt(2)), true
	}
	if m.LastPrice > 0 {
		return Cents(m.LastPrice), true
	}
	return decimal.Zero, false
}

func Cents(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

type ListMarketsParams struct {
	Status  string
	Limit   int
	Cursor  string
	Tickers []string
}

// ListMarkets returns one page and the cursor for the next (empty at the end).
func (c *Client) ListMarkets(ctx context.Context, p ListMarketsParams) ([]Market, string, error) {
	query := url.Values{}
	if p.Status != "" {
		query.Set("status", p.Status)
	}
	if p.Limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", p.Limit))
	}
	if p.Cursor != "" {
		query.Set("cursor", p.Cursor)
	}
	if len(p.Tickers) > 0 {
		query.Set("tickers", strings.Join(p.Tickers, ","))
	}
	body, err := c.get(ctx, "/markets", query)
	if err != nil {
		return nil, "", err
	}
	var page marketsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", fmt.Errorf("decode markets: %w", err)
	}
	out := make([]Market, 0, len(page.Markets))
	for _, raw := range page.Markets {
		var m Market
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		m.Raw = raw
		out = append(out, m)
	}
	return out, page.Cursor, nil
}

func (c *Client) GetMarket(ctx context.Context, ticker string) (*Market, error) {
	body, err := c.get(ctx, "/markets/"+url.PathEscape(ticker), nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Market json.RawMessage `json:"market"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode market: %w", err)
	}
	var m Market
	if err := json.Unmarshal(resp.Market, &m); err != nil {
		return nil, fmt.Errorf("decode market: %w", err)
	}
	m.Raw = resp.Market
	return &m, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.base + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.signer != nil {
		if err := c.signer.Apply(req.Header, c.clock.Now(), http.MethodGet, c.basePath+path); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}
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
