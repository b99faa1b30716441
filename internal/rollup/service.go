package rollup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"marketpulse/internal/clock"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

// Service feeds ticks into the engine and persists candles.
type Service struct {
	engine *Engine
	repo   repository.CandleRepository
	logger *zap.Logger
	clock  clock.Clock
}

func NewService(engine *Engine, repo repository.CandleRepository, logger *zap.Logger, clk clock.Clock) *Service {
	if engine == nil {
		engine = NewEngine()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, repo: repo, logger: logger, clock: clock.OrReal(clk)}
}

func (s *Service) Engine() *Engine {
	return s.engine
}

func (s *Service) AddTicks(ticks []models.Tick) {
	for _, t := range ticks {
		s.engine.Add(t)
	}
}

// Flush closes due buckets and writes them as final, then upserts open
// buckets that changed. Writes are idempotent.
func (s *Service) Flush(ctx context.Context) error {
	if s == nil || s.repo == nil {
		return nil
	}
	closed := s.engine.CloseDue(s.clock.Now())
	if len(closed) > 0 {
		if err := s.repo.UpsertCandles(ctx, closed); err != nil {
			s.engine.Requeue(closed)
			return fmt.Errorf("write closed candles: %w", err)
		}
	}
	open := s.engine.Pending()
	if len(open) > 0 {
		if err := s.repo.UpsertCandles(ctx, open); err != nil {
			s.engine.MarkDirty(open)
			return fmt.Errorf("write open candles: %w", err)
		}
	}
	if len(closed) > 0 {
		s.logger.Debug("candles finalized", zap.Int("count", len(closed)), zap.Int("open", s.engine.OpenCount()))
	}
	return nil
}
