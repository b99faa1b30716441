package clob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/stream"
)

type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		d.Decimal = decimal.Zero
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		val, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		d.Decimal = val
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		d.Decimal = decimal.NewFromFloat(f)
		return nil
	}
	return fmt.Errorf("invalid decimal: %s", string(b))
}

type Order struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

func (o *Order) UnmarshalJSON(b []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err == nil && len(arr) >= 2 {
		price, err := parseDecimalRaw(arr[0])
		if err != nil {
			return err
		}
		size, err := parseDecimalRaw(arr[1])
		if err != nil {
			return err
		}
		o.Price = price
		o.Size = size
		return nil
	}
	var obj struct {
		Price json.RawMessage `json:"price"`
		Size  json.RawMessage `json:"size"`
		Qty   json.RawMessage `json:"qty"`
	}
	if err := json.Unmarshal(b, &obj); err == nil {
		price, err := parseDecimalRaw(obj.Price)
		if err != nil {
			return err
		}
		sizeRaw := obj.Size
		if len(sizeRaw) == 0 {
			sizeRaw = obj.Qty
		}
		size, err := parseDecimalRaw(sizeRaw)
		if err != nil {
			return err
		}
		o.Price = price
		o.Size = size
		return nil
	}
	return fmt.Errorf("invalid order: %s", string(b))
}

// MarketMessage is one element of a market channel frame. Frames carry
// either a single object or an array of them.
type MarketMessage struct {
	EventType       string          `json:"event_type"`
	AssetID         string          `json:"asset_id"`
	Market          string          `json:"market"`
	Price           *Decimal        `json:"price"`
	Size            *Decimal        `json:"size"`
	Side            string          `json:"side"`
	Timestamp       json.RawMessage `json:"timestamp"`
	TransactionHash string          `json:"transaction_hash"`
	Bids            []Order         `json:"bids"`
	Asks            []Order         `json:"asks"`
	PriceChanges    []PriceChange   `json:"price_changes"`
}

type PriceChange struct {
	AssetID string   `json:"asset_id"`
	Price   Decimal  `json:"price"`
	BestBid *Decimal `json:"best_bid"`
	BestAsk *Decimal `json:"best_ask"`
}

// DecodeMarketFrame turns one text frame into stream events. Control
// frames decode to a heartbeat; anything unparseable wraps
// stream.ErrMalformed.
func DecodeMarketFrame(data []byte) ([]stream.Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if isControlFrame(trimmed) {
		return []stream.Event{{Kind: stream.EventHeartbeat}}, nil
	}
	var msgs []MarketMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, fmt.Errorf("%w: %v", stream.ErrMalformed, err)
		}
	} else {
		var msg MarketMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", stream.ErrMalformed, err)
		}
		msgs = append(msgs, msg)
	}
	out := make([]stream.Event, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.events(data)...)
	}
	return out, nil
}

func (m MarketMessage) events(raw []byte) []stream.Event {
	ts, _ := parseTimeRaw(m.Timestamp)
	switch strings.ToLower(m.EventType) {
	case "price_change":
		if len(m.PriceChanges) > 0 {
			out := make([]stream.Event, 0, len(m.PriceChanges))
			for _, ch := range m.PriceChanges {
				if ch.AssetID == "" {
					continue
				}
				out = append(out, stream.Event{
					Kind:    stream.EventPrice,
					AssetID: ch.AssetID,
					Price:   ch.Price.Decimal,
					BestBid: decimalPtr(ch.BestBid),
					BestAsk: decimalPtr(ch.BestAsk),
					TS:      ts,
				})
			}
			return out
		}
		if m.AssetID == "" || m.Price == nil {
			return nil
		}
		return []stream.Event{{Kind: stream.EventPrice, AssetID: m.AssetID, Price: m.Price.Decimal, TS: ts}}
	case "book":
		if m.AssetID == "" {
			return nil
		}
		bid, ask := topOfBook(m.Bids, m.Asks)
		ev := stream.Event{Kind: stream.EventBook, AssetID: m.AssetID, BestBid: bid, BestAsk: ask, TS: ts}
		switch {
		case bid != nil && ask != nil:
			ev.Price = bid.Add(*ask).Div(decimal.NewFromInt(2))
		case bid != nil:
			ev.Price = *bid
		case ask != nil:
			ev.Price = *ask
		default:
			return nil
		}
		return []stream.Event{ev}
	case "last_trade_price":
		if m.AssetID == "" || m.Price == nil {
			return nil
		}
		ev := stream.Event{
			Kind:    stream.EventTrade,
			AssetID: m.AssetID,
			Price:   m.Price.Decimal,
			Side:    strings.ToUpper(m.Side),
			TradeID: m.TransactionHash,
			TS:      ts,
		}
		if m.Size != nil {
			ev.Size = m.Size.Decimal
		}
		return []stream.Event{ev}
	default:
		return []stream.Event{{Kind: stream.EventUnknown, AssetID: m.AssetID, TS: ts, Raw: raw}}
	}
}

func topOfBook(bids, asks []Order) (*decimal.Decimal, *decimal.Decimal) {
	var bid, ask *decimal.Decimal
	for _, o := range bids {
		if o.Size.IsZero() {
			continue
		}
		if bid == nil || o.Price.GreaterThan(*bid) {
			p := o.Price
			bid = &p
		}
	}
	for _, o := range asks {
		if o.Size.IsZero() {
			continue
		}
		if ask == nil || o.Price.LessThan(*ask) {
			p := o.Price
			ask = &p
		}
	}
	return bid, ask
}

func isControlFrame(b []byte) bool {
	s := strings.ToUpper(string(b))
	return s == "PONG" || s == "PING"
}

func decimalPtr(d *Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := d.Decimal
	return &v
}

func parseDecimalRaw(b json.RawMessage) (decimal.Decimal, error) {
	var d Decimal
	if err := json.Unmarshal(b, &d); err != nil {
		return decimal.Zero, err
	}
	return d.Decimal, nil
}

func parseTimeRaw(b json.RawMessage) (time.Time, error) {
	if len(b) == 0 {
		return time.Time{}, fmt.Errorf("empty time")
	}
	var i int64
	if err := json.Unmarshal(b, &i); err == nil {
		return unixToTime(i), nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		return unixToTime(int64(f)), nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil && s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixToTime(v), nil
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time: %s", string(b))
}

func unixToTime(v int64) time.Time {
	if v > 1_000_000_000_000 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}
