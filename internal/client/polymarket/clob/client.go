package clob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const pricesBatchSize = 50

type Client struct {
	host       string
	httpClient *http.Client
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

func NewClient(httpClient *http.Client, host string) *Client {
	if host == "" {
		host = "https://clob.polymarket.com"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	host = strings.TrimRight(host, "/")
	return &Client{
		host:       host,
		httpClient: httpClient,
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

type priceRequest struct {
	TokenID string `json:"token_id"`
	Side    string `json:"side"`
}

// GetPrices returns the current price per token for side (BUY or SELL).
// Tokens the venue does not know are missing from the result.
func (c *Client) GetPrices(ctx context.Context, tokenIDs []string, side string) (map[string]decimal.Decimal, error) {
	if side == "" {
		side = "BUY"
	}
	out := make(map[string]decimal.Decimal, len(tokenIDs))
	for start := 0; start < len(tokenIDs); start += pricesBatchSize {
		end := start + pricesBatchSize
		if end > len(tokenIDs) {
			end = len(tokenIDs)
		}
		reqs := make([]priceRequest, 0, end-start)
		for _, id := range tokenIDs[start:end] {
			reqs = append(reqs, priceRequest{TokenID: id, Side: side})
		}
		body, err := c.doRequest(ctx, http.MethodPost, "/prices", nil, reqs)
		if err != nil {
			return out, err
		}
		if err := parsePrices(body, side, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// parsePrices accepts {"<token>": {"BUY": "0.55"}} and the older
// [{"token_id": "...", "price": "0.55"}] shape.
func parsePrices(body []byte, side string, out map[string]decimal.Decimal) error {
	var bySide map[string]map[string]Decimal
	if err := json.Unmarshal(body, &bySide); err == nil {
		for id, sides := range bySide {
			if p, ok := sides[side]; ok {
				out[id] = p.Decimal
			}
		}
		return nil
	}
	var list []struct {
		TokenID string  `json:"token_id"`
		Price   Decimal `json:"price"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return fmt.Errorf("unknown prices format: %w", err)
	}
	for _, item := range list {
		if item.TokenID != "" {
			out[item.TokenID] = item.Price.Decimal
		}
	}
	return nil
}
