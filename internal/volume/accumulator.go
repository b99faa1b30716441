package volume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"marketpulse/internal/clock"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

var ErrInvalidVolume = errors.New("volume: notional must be positive")

// RejectCounter receives data-integrity rejections.
type RejectCounter interface {
	VolumeRejected(reason string)
}

type Accumulator struct {
	repo    repository.VolumeRepository
	logger  *zap.Logger
	clock   clock.Clock
	rejects RejectCounter
	windows []int
}

func NewAccumulator(repo repository.VolumeRepository, logger *zap.Logger, clk clock.Clock, rejects RejectCounter) *Accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accumulator{
		repo:    repo,
		logger:  logger,
		clock:   clock.OrReal(clk),
		rejects: rejects,
		windows: models.VolumeWindows,
	}
}

// Accumulate adds one trade to every rolling window of the token and to the
// hourly ledger. All writes commit together.
func (a *Accumulator) Accumulate(ctx context.Context, tokenID uint64, notional decimal.Decimal, tradeTS time.Time) error {
	if a == nil || a.repo == nil {
		return nil
	}
	if !notional.IsPositive() {
		a.reject("non_positive")
		return ErrInvalidVolume
	}
	if tokenID == 0 || tradeTS.IsZero() {
		a.reject("missing_key")
		return ErrInvalidVolume
	}
	now := a.clock.Now()
	tradeTS = tradeTS.UTC()

	err := a.repo.InTx(ctx, func(tx *gorm.DB) error {
		for _, length := range a.windows {
			if err := a.repo.EnsureWindowTx(ctx, tx, tokenID, length, tradeTS); err != nil {
				return fmt.Errorf("ensure window %d: %w", length, err)
			}
			row, err := a.repo.LockWindowTx(ctx, tx, tokenID, length)
			if err != nil {
				return fmt.Errorf("lock window %d: %w", length, err)
			}
			if row == nil {
				return fmt.Errorf("window %d for token %d vanished", length, tokenID)
			}
			next, changed := Apply(*row, notional, tradeTS, now)
			if !changed {
				continue
			}
			if err := a.repo.SaveWindowTx(ctx, tx, &next); err != nil {
				return fmt.Errorf("save window %d: %w", length, err)
			}
		}
		return a.repo.AddHourlyVolumeTx(ctx, tx, tokenID, HourBucket(tradeTS), notional)
	})
	if err != nil {
		return fmt.Errorf("accumulate token %d: %w", tokenID, err)
	}
	return nil
}

func (a *Accumulator) reject(reason string) {
	if a.rejects != nil {
		a.rejects.VolumeRejected(reason)
	}
	a.logger.Debug("trade rejected", zap.String("reason", reason))
}

// Windows returns the token's rolling windows as of now.
func (a *Accumulator) Windows(ctx context.Context, tokenID uint64) ([]models.RollingVolumeWindow, error) {
	if a == nil || a.repo == nil {
		return nil, nil
	}
	return a.repo.ListWindows(ctx, tokenID)
}

// Volume24h returns the streamed 24h volume for each token that has a live
// window. Tokens without one are absent so callers can fall back to the
// venue figure.
func (a *Accumulator) Volume24h(ctx context.Context, tokenIDs []uint64) (map[uint64]decimal.Decimal, error) {
	out := map[uint64]decimal.Decimal{}
	if a == nil || a.repo == nil || len(tokenIDs) == 0 {
		return out, nil
	}
	rows, err := a.repo.ListWindowsByLength(ctx, models.Window24h, tokenIDs)
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()
	for _, row := range rows {
		v := Effective(row, now)
		if v.IsPositive() {
			out[row.TokenID] = v
		}
	}
	return out, nil
}
