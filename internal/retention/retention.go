// Package retention prunes aged rows table by table.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

const (
	day             = 24 * time.Hour
	archivePage     = 5000
	maxArchivePages = 200
)

// TickArchiver stores a page of ticks somewhere durable.
type TickArchiver interface {
	ArchiveTicks(ctx context.Context, ticks []models.Tick) (string, error)
}

// Archivers that can be switched off at runtime report it here; ticks are
// then pruned without an upload.
type switchable interface {
	Enabled(ctx context.Context) bool
}

// OpenBuckets reports the earliest open rollup bucket of a granularity.
type OpenBuckets interface {
	OldestOpenStart(granularity int) (time.Time, bool)
}

type Service struct {
	repo     repository.RetentionRepository
	ticks    repository.TickRepository
	archiver TickArchiver
	open     OpenBuckets
	cfg      config.RetentionConfig
	logger   *zap.Logger
	clock    clock.Clock
}

// Report counts deleted rows per table.
type Report struct {
	Archived int
	Objects  int
	Deleted  map[string]int64
}

// New builds the service. archiver and open may be nil.
func New(repo repository.RetentionRepository, ticks repository.TickRepository, archiver TickArchiver, open OpenBuckets, cfg config.RetentionConfig, logger *zap.Logger, clk clock.Clock) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		ticks:    ticks,
		archiver: archiver,
		open:     open,
		cfg:      withDefaults(cfg),
		logger:   logger,
		clock:    clock.OrReal(clk),
	}
}

func withDefaults(cfg config.RetentionConfig) config.RetentionConfig {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&cfg.TicksDays, 3)
	def(&cfg.Candles1mDays, 14)
	def(&cfg.Candles5mDays, 30)
	def(&cfg.Candles1hDays, 120)
	def(&cfg.MoversDays, 14)
	def(&cfg.AlertsDays, 30)
	def(&cfg.SpikesDays, 30)
	def(&cfg.ArbitrageDays, 14)
	def(&cfg.VolumeHourlyDays, 120)
	return cfg
}

// TickCutoff is the newest instant before which ticks may go: older than the
// tick retention and older than every open hourly bucket.
func (s *Service) TickCutoff(now time.Time) time.Time {
	cutoff := now.Add(-time.Duration(s.cfg.TicksDays) * day)
	if s.open != nil {
		if start, ok := s.open.OldestOpenStart(models.Granularity1h); ok && start.Before(cutoff) {
			cutoff = start
		}
	}
	return cutoff
}

// Run archives (when configured) and deletes expired rows. A failing table
// is reported and the rest still run.
func (s *Service) Run(ctx context.Context) (Report, error) {
	now := s.clock.Now().UTC()
	rep := Report{Deleted: map[string]int64{}}
	var errs []error

	cutoff := s.TickCutoff(now)
	archived := true
	if s.archiving(ctx) {
		n, objects, err := s.archiveTicks(ctx, cutoff)
		rep.Archived, rep.Objects = n, objects
		if err != nil {
			archived = false
			errs = append(errs, fmt.Errorf("archive ticks: %w", err))
		}
	}
	if archived {
		s.prune(ctx, &rep, &errs, "ticks", func() (int64, error) { return s.repo.DeleteTicksBefore(ctx, cutoff) })
	}

	ago := func(days int) time.Time { return now.Add(-time.Duration(days) * day) }
	candles := map[int]int{
		models.Granularity1m: s.cfg.Candles1mDays,
		models.Granularity5m: s.cfg.Candles5mDays,
		models.Granularity1h: s.cfg.Candles1hDays,
	}
	for _, g := range models.Granularities {
		before := ago(candles[g])
		s.prune(ctx, &rep, &errs, "candles_"+models.GranularityLabel(g), func() (int64, error) {
			return s.repo.DeleteCandlesBefore(ctx, g, before)
		})
	}
	s.prune(ctx, &rep, &errs, "movers", func() (int64, error) { return s.repo.DeleteMoversBefore(ctx, ago(s.cfg.MoversDays)) })
	s.prune(ctx, &rep, &errs, "alerts", func() (int64, error) { return s.repo.DeleteAlertsBefore(ctx, ago(s.cfg.AlertsDays)) })
	s.prune(ctx, &rep, &errs, "volume_spikes", func() (int64, error) { return s.repo.DeleteSpikesBefore(ctx, ago(s.cfg.SpikesDays)) })
	s.prune(ctx, &rep, &errs, "arbitrage_opportunities", func() (int64, error) {
		return s.repo.DeleteOpportunitiesBefore(ctx, ago(s.cfg.ArbitrageDays))
	})
	s.prune(ctx, &rep, &errs, "volume_hourly", func() (int64, error) {
		return s.repo.DeleteVolumeHourlyBefore(ctx, ago(s.cfg.VolumeHourlyDays))
	})

	s.logger.Info("retention pass",
		zap.Time("tick_cutoff", cutoff),
		zap.Int("archived", rep.Archived),
		zap.Any("deleted", rep.Deleted),
	)
	return rep, errors.Join(errs...)
}

func (s *Service) archiving(ctx context.Context) bool {
	if s.archiver == nil {
		return false
	}
	if sw, ok := s.archiver.(switchable); ok {
		return sw.Enabled(ctx)
	}
	return true
}

func (s *Service) prune(ctx context.Context, rep *Report, errs *[]error, table string, fn func() (int64, error)) {
	if ctx.Err() != nil {
		return
	}
	n, err := fn()
	if err != nil {
		*errs = append(*errs, fmt.Errorf("prune %s: %w", table, err))
		return
	}
	rep.Deleted[table] = n
}

// archiveTicks pages through every tick older than cutoff. Deletion only
// follows a complete archive.
func (s *Service) archiveTicks(ctx context.Context, cutoff time.Time) (int, int, error) {
	var afterID uint64
	rows, objects := 0, 0
	for i := 0; i < maxArchivePages; i++ {
		if err := ctx.Err(); err != nil {
			return rows, objects, err
		}
		page, err := s.ticks.ListTicksBefore(ctx, cutoff, afterID, archivePage)
		if err != nil {
			return rows, objects, err
		}
		if len(page) == 0 {
			return rows, objects, nil
		}
		if _, err := s.archiver.ArchiveTicks(ctx, page); err != nil {
			return rows, objects, err
		}
		rows += len(page)
		objects++
		afterID = page[len(page)-1].ID
		if len(page) < archivePage {
			return rows, objects, nil
		}
	}
	return rows, objects, fmt.Errorf("more than %d pages pending, deferring delete", maxArchivePages)
}
