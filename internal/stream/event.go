// Package stream keeps one live market-data connection per venue and turns
// whatever the venue sends into typed events.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type EventKind int

const (
	EventUnknown EventKind = iota
	EventPrice
	EventBook
	EventTrade
	EventHeartbeat
)

func (k EventKind) String() string {
	switch k {
	case EventPrice:
		return "price"
	case EventBook:
		return "book"
	case EventTrade:
		return "trade"
	case EventHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

const (
	SourceStream = "ws"
	SourcePoll   = "poll"
)

// Event is one decoded venue message. Which fields are set depends on Kind:
// price and book events carry Price and optionally the top of book, trade
// events carry Price, Size, Side and TradeID.
type Event struct {
	Kind    EventKind
	Venue   string
	AssetID string
	Source  string

	Price     decimal.Decimal
	BestBid   *decimal.Decimal
	BestAsk   *decimal.Decimal
	Volume24h *decimal.Decimal

	Size    decimal.Decimal
	Side    string
	TradeID string

	TS  time.Time
	Raw []byte
}

// ErrMalformed marks a frame that could not be decoded. The manager drops
// and counts it without tearing the connection down.
var ErrMalformed = errors.New("malformed message")

// Conn is one open venue connection.
type Conn interface {
	// Subscribe sends a subscription for ids. The first call on a fresh
	// connection opens the feed.
	Subscribe(ctx context.Context, ids []string) error
	Unsubscribe(ctx context.Context, ids []string) error
	// Read blocks for the next frame. A frame may decode to several events
	// or to none (acks, pongs).
	Read(ctx context.Context) ([]Event, error)
	Ping(ctx context.Context) error
	Close() error
}

// Venue dials stream connections and serves the REST fallback.
type Venue interface {
	Name() string
	Dial(ctx context.Context) (Conn, error)
	Poll(ctx context.Context, ids []string) ([]Event, error)
}

// IDProvider returns the ids the venue should currently be subscribed to.
type IDProvider func(ctx context.Context) ([]string, error)

// Metrics receives every state change and counter update.
type Metrics interface {
	Transition(venue, from, to string)
	MessageReceived(venue string)
	MessageMalformed(venue string)
	MessageUnknown(venue string)
	Reconnect(venue string, failures int, err error)
	ResetFailures(venue string)
	ObserveLatency(venue string, d time.Duration)
	SetSubscriptions(venue string, count, target int)
}

type nopMetrics struct{}

func (nopMetrics) Transition(string, string, string) {}
func (nopMetrics) MessageReceived(string) {}
func (nopMetrics) MessageMalformed(string) {}
func (nopMetrics) MessageUnknown(string) {}
func (nopMetrics) Reconnect(string, int, error) {}
func (nopMetrics) ResetFailures(string) {}
func (nopMetrics) ObserveLatency(string, time.Duration) {}
func (nopMetrics) SetSubscriptions(string, int, int) {}
