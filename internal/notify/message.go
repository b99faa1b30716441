package notify

import (
	"context"
	"time"

	"marketpulse/internal/models"
)

const (
	KindAlert       = "alert"
	KindFallback    = "ops.fallback"
	KindRecovered   = "ops.recovered"
	KindOpportunity = "arbitrage"
)

// Message is what every sink receives. Alert is set for KindAlert only.
type Message struct {
	Kind  string        `json:"kind"`
	Title string        `json:"title"`
	Text  string        `json:"text"`
	Venue string        `json:"venue,omitempty"`
	Alert *models.Alert `json:"alert,omitempty"`
	At    time.Time     `json:"at"`
}

// Sink delivers one message to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Notifier is what the rest of the module depends on.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }
