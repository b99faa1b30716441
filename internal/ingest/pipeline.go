// Package ingest turns venue stream events into stored ticks, candles,
// rolling volume and the latest price view.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
	"marketpulse/internal/pricecache"
	"marketpulse/internal/repository"
	"marketpulse/internal/stream"
	"marketpulse/internal/volume"
)

const finalFlushTimeout = 5 * time.Second

type VolumeSink interface {
	Accumulate(ctx context.Context, tokenID uint64, notional decimal.Decimal, tradeTS time.Time) error
}

type TickSink interface {
	AddTicks(ticks []models.Tick)
}

type PriceSink interface {
	Put(ctx context.Context, points ...pricecache.Point) error
}

type Metrics interface {
	TicksWritten(venue string, n int)
	TicksSkipped(venue string, n int)
}

type Deps struct {
	Catalog repository.CatalogRepository
	Ticks   repository.TickRepository
	Volumes VolumeSink
	Rollup  TickSink
	Prices  PriceSink
	Movers  MoversRunner
	Metrics Metrics
}

// Pipeline consumes one venue's events. Run is single goroutine; create one
// pipeline per venue.
type Pipeline struct {
	venue   string
	deps    Deps
	cfg     config.IngestConfig
	logger  *zap.Logger
	clock   clock.Clock
	gate    *Gate
	tokens  *resolver
	instant *instant

	pending  map[uint64]models.Tick
	notional map[uint64]decimal.Decimal
	queued   int
}

func NewPipeline(venue string, deps Deps, cfg config.IngestConfig, logger *zap.Logger, clk clock.Clock) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchMaxAge <= 0 {
		cfg.BatchMaxAge = time.Second
	}
	logger = logger.With(zap.String("venue", venue))
	p := &Pipeline{
		venue:    venue,
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		clock:    clock.OrReal(clk),
		gate:     NewGate(cfg.ForceMovePP, cfg.MinWriteInterval),
		tokens:   newResolver(deps.Catalog),
		pending:  map[uint64]models.Tick{},
		notional: map[uint64]decimal.Decimal{},
	}
	if deps.Movers != nil {
		p.instant = newInstant(deps.Movers, cfg.InstantMovePP, cfg.InstantDebounce, cfg.InstantQuality, logger)
	}
	return p
}

// Run drains events until the channel closes or ctx is done, flushing on
// batch size or age. Pending ticks are flushed before returning.
func (p *Pipeline) Run(ctx context.Context, events <-chan stream.Event) error {
	ticker := time.NewTicker(p.cfg.BatchMaxAge)
	defer ticker.Stop()
	defer p.instant.wait()
	for {
		select {
		case <-ctx.Done():
			p.finalFlush(ctx)
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				p.finalFlush(ctx)
				return nil
			}
			if err := p.Handle(ctx, ev); err != nil {
				p.logger.Warn("event dropped", zap.String("kind", ev.Kind.String()), zap.String("asset", ev.AssetID), zap.Error(err))
			}
			if p.queued >= p.cfg.BatchSize {
				p.flushLogged(ctx)
			}
		case <-ticker.C:
			p.flushLogged(ctx)
		}
	}
}

// Handle applies one event. Price and book updates queue a tick; trades
// feed the volume windows.
func (p *Pipeline) Handle(ctx context.Context, ev stream.Event) error {
	switch ev.Kind {
	case stream.EventPrice, stream.EventBook, stream.EventTrade:
	default:
		return nil
	}
	now := p.clock.Now()
	tokenID, err := p.tokens.lookup(ctx, ev.AssetID, now)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	if tokenID == 0 {
		return nil
	}
	ts := ev.TS
	if ts.IsZero() || ts.After(now) {
		ts = now
	}
	if ev.Kind == stream.EventTrade {
		return p.trade(ctx, tokenID, ev, ts)
	}
	if !ev.Price.IsPositive() {
		return nil
	}
	tick := models.Tick{
		TokenID:   tokenID,
		TS:        ts.UTC(),
		Price:     ev.Price,
		BestBid:   ev.BestBid,
		BestAsk:   ev.BestAsk,
		Volume24h: ev.Volume24h,
		Source:    ev.Source,
	}
	if tick.Source == "" {
		tick.Source = models.TickSourceStream
	}
	if ev.BestBid != nil && ev.BestAsk != nil {
		spread := ev.BestAsk.Sub(*ev.BestBid)
		tick.Spread = &spread
	}
	if p.deps.Rollup != nil {
		p.deps.Rollup.AddTicks([]models.Tick{tick})
	}
	p.pending[tokenID] = tick
	p.queued++
	p.checkInstant(ctx, tokenID, tick.Price, decimal.Zero, now)
	return nil
}

func (p *Pipeline) trade(ctx context.Context, tokenID uint64, ev stream.Event, ts time.Time) error {
	notional := ev.Price.Mul(ev.Size)
	if p.deps.Volumes != nil {
		if err := p.deps.Volumes.Accumulate(ctx, tokenID, notional, ts); err != nil && !errors.Is(err, volume.ErrInvalidVolume) {
			return fmt.Errorf("accumulate volume: %w", err)
		}
	}
	if notional.IsPositive() {
		p.notional[tokenID] = p.notional[tokenID].Add(notional)
	}
	p.checkInstant(ctx, tokenID, ev.Price, notional, p.clock.Now())
	return nil
}

func (p *Pipeline) checkInstant(ctx context.Context, tokenID uint64, price, notional decimal.Decimal, now time.Time) {
	if p.instant == nil || !price.IsPositive() {
		return
	}
	last, ok := p.gate.LastWritten(tokenID)
	if !ok {
		return
	}
	p.instant.check(ctx, tokenID, last, price, notional, now)
}

func (p *Pipeline) flushLogged(ctx context.Context) {
	if _, _, err := p.Flush(ctx); err != nil {
		p.logger.Warn("tick flush failed", zap.Error(err))
	}
}

func (p *Pipeline) finalFlush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()
	p.flushLogged(flushCtx)
}

// Flush gates the latest pending tick per token, stores the survivors and
// refreshes the latest price view.
func (p *Pipeline) Flush(ctx context.Context) (int, int, error) {
	if len(p.pending) == 0 {
		p.queued = 0
		clear(p.notional)
		return 0, 0, nil
	}
	now := p.clock.Now()
	writes := make([]models.Tick, 0, len(p.pending))
	points := make([]pricecache.Point, 0, len(p.pending))
	skipped := 0
	for tokenID, tick := range p.pending {
		points = append(points, pricecache.FromTick(tick))
		if p.gate.ShouldWrite(tick, p.notional[tokenID], now) {
			writes = append(writes, tick)
		} else {
			skipped++
		}
	}
	clear(p.pending)
	clear(p.notional)
	p.queued = 0

	if p.deps.Prices != nil {
		if err := p.deps.Prices.Put(ctx, points...); err != nil {
			p.logger.Debug("price cache update failed", zap.Error(err))
		}
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.TicksSkipped(p.venue, skipped)
	}
	if len(writes) == 0 {
		return 0, skipped, nil
	}
	if err := p.deps.Ticks.InsertTicks(ctx, writes); err != nil {
		return 0, skipped, fmt.Errorf("insert ticks: %w", err)
	}
	for _, tick := range writes {
		p.gate.Record(tick, now)
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.TicksWritten(p.venue, len(writes))
	}
	p.logger.Debug("ticks flushed", zap.Int("written", len(writes)), zap.Int("skipped", skipped))
	return len(writes), skipped, nil
}
