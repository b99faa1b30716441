package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketpulse/internal/models"
	"marketpulse/internal/movers"
)

// MoversRunner computes a movers snapshot for one window.
type MoversRunner interface {
	RunWindow(ctx context.Context, windowSeconds int, now time.Time) ([]models.Mover, error)
}

// instant triggers an out-of-schedule 5m movers run when a single tick moves
// far enough. At most one run is in flight.
type instant struct {
	runner   MoversRunner
	movePP   float64
	debounce time.Duration
	params   movers.Params
	logger   *zap.Logger

	lastFired map[uint64]time.Time
	running   atomic.Bool
	done      chan struct{}
}

func newInstant(runner MoversRunner, movePP float64, debounce time.Duration, quality float64, logger *zap.Logger) *instant {
	if movePP <= 0 {
		movePP = 5
	}
	if debounce <= 0 {
		debounce = 10 * time.Second
	}
	if quality <= 0 {
		quality = 1
	}
	return &instant{
		runner:    runner,
		movePP:    movePP,
		debounce:  debounce,
		params:    movers.Params{MinQuality: quality},
		logger:    logger,
		lastFired: map[uint64]time.Time{},
	}
}

// check compares price against the last written price. Trade notional, when
// present, must also pass the movers quality gate.
func (in *instant) check(ctx context.Context, tokenID uint64, then, now decimal.Decimal, notional decimal.Decimal, at time.Time) bool {
	if in == nil || in.runner == nil || !then.IsPositive() {
		return false
	}
	if movePP(then, now) < in.movePP {
		return false
	}
	if last, ok := in.lastFired[tokenID]; ok && at.Sub(last) < in.debounce {
		return false
	}
	if notional.IsPositive() {
		if _, ok := movers.Score(movers.Candidate{TokenID: tokenID, PriceNow: now, PriceThen: then, Volume24h: notional}, in.params); !ok {
			return false
		}
	}
	in.lastFired[tokenID] = at
	in.logger.Info("instant mover",
		zap.Uint64("token_id", tokenID),
		zap.String("from", then.String()),
		zap.String("to", now.String()),
	)
	in.fire(ctx, at)
	return true
}

func (in *instant) fire(ctx context.Context, at time.Time) {
	if !in.running.CompareAndSwap(false, true) {
		return
	}
	done := make(chan struct{})
	in.done = done
	go func() {
		defer close(done)
		defer in.running.Store(false)
		if _, err := in.runner.RunWindow(ctx, models.Window5m, at); err != nil && ctx.Err() == nil {
			in.logger.Warn("instant movers run failed", zap.Error(err))
		}
	}()
}

// wait blocks until the in-flight run, if any, returns.
func (in *instant) wait() {
	if in == nil || in.done == nil {
		return
	}
	<-in.done
}
