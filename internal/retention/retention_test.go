package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
)

type fakeRepo struct {
	ticksBefore   time.Time
	tickDeletes   int
	candlesBefore map[int]time.Time
	moversBefore  time.Time
	hourlyBefore  time.Time
	alertsErr     error
}

func (f *fakeRepo) DeleteTicksBefore(_ context.Context, before time.Time) (int64, error) {
	f.ticksBefore = before
	f.tickDeletes++
	return 7, nil
}

func (f *fakeRepo) DeleteCandlesBefore(_ context.Context, g int, before time.Time) (int64, error) {
	f.candlesBefore[g] = before
	return 1, nil
}

func (f *fakeRepo) DeleteMoversBefore(_ context.Context, before time.Time) (int64, error) {
	f.moversBefore = before
	return 2, nil
}

func (f *fakeRepo) DeleteAlertsBefore(context.Context, time.Time) (int64, error) {
	return 0, f.alertsErr
}

func (f *fakeRepo) DeleteSpikesBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeRepo) DeleteOpportunitiesBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) DeleteVolumeHourlyBefore(_ context.Context, before time.Time) (int64, error) {
	f.hourlyBefore = before
	return 0, nil
}

type pagedTicks struct {
	rows  []models.Tick
	calls int
}

func (p *pagedTicks) InsertTicks(context.Context, []models.Tick) error { return nil }
func (p *pagedTicks) LatestTicks(context.Context, time.Time, time.Time) (map[uint64]models.Tick, error) {
	return nil, nil
}
func (p *pagedTicks) EarliestTicks(context.Context, time.Time, time.Time) (map[uint64]models.Tick, error) {
	return nil, nil
}
func (p *pagedTicks) LatestTicksForTokens(context.Context, []uint64) (map[uint64]models.Tick, error) {
	return nil, nil
}
func (p *pagedTicks) ListTicks(context.Context, uint64, time.Time, int) ([]models.Tick, error) {
	return nil, nil
}

func (p *pagedTicks) ListTicksBefore(_ context.Context, before time.Time, afterID uint64, limit int) ([]models.Tick, error) {
	p.calls++
	var out []models.Tick
	for _, r := range p.rows {
		if r.ID > afterID && r.TS.Before(before) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeArchiver struct {
	pages [][]models.Tick
	err   error
}

func (f *fakeArchiver) ArchiveTicks(_ context.Context, ticks []models.Tick) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.pages = append(f.pages, ticks)
	return "k", nil
}

type openAt struct {
	start time.Time
	ok    bool
}

func (o openAt) OldestOpenStart(int) (time.Time, bool) { return o.start, o.ok }

var now = time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC)

func TestRunUsesPerTableCutoffs(t *testing.T) {
	repo := &fakeRepo{candlesBefore: map[int]time.Time{}}
	svc := New(repo, &pagedTicks{}, nil, nil, config.RetentionConfig{TicksDays: 2}, nil, clock.NewManual(now))
	rep, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !repo.ticksBefore.Equal(now.Add(-48 * time.Hour)) {
		t.Fatalf("ticks cutoff = %s", repo.ticksBefore)
	}
	if !repo.candlesBefore[models.Granularity1m].Equal(now.Add(-14*day)) || !repo.candlesBefore[models.Granularity1h].Equal(now.Add(-120*day)) {
		t.Fatalf("candle cutoffs = %v", repo.candlesBefore)
	}
	if !repo.moversBefore.Equal(now.Add(-14*day)) || !repo.hourlyBefore.Equal(now.Add(-120*day)) {
		t.Fatalf("movers=%s hourly=%s", repo.moversBefore, repo.hourlyBefore)
	}
	if rep.Deleted["ticks"] != 7 || rep.Deleted["movers"] != 2 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestTickCutoffRespectsOpenHourlyBucket(t *testing.T) {
	early := now.Add(-5 * day)
	svc := New(&fakeRepo{}, nil, nil, openAt{start: early, ok: true}, config.RetentionConfig{}, nil, clock.NewManual(now))
	if got := svc.TickCutoff(now); !got.Equal(early) {
		t.Fatalf("cutoff = %s, want open bucket start %s", got, early)
	}
	svc = New(&fakeRepo{}, nil, nil, openAt{start: now.Add(-time.Hour), ok: true}, config.RetentionConfig{}, nil, clock.NewManual(now))
	if got := svc.TickCutoff(now); !got.Equal(now.Add(-3 * day)) {
		t.Fatalf("cutoff = %s", got)
	}
}

func TestRunArchivesBeforeDeleting(t *testing.T) {
	old := now.Add(-10 * day)
	ticks := &pagedTicks{}
	for i := 1; i <= archivePage+3; i++ {
		ticks.rows = append(ticks.rows, models.Tick{ID: uint64(i), TokenID: 1, TS: old, Price: decimal.RequireFromString("0.5")})
	}
	ticks.rows = append(ticks.rows, models.Tick{ID: uint64(archivePage + 10), TokenID: 1, TS: now, Price: decimal.RequireFromString("0.5")})

	repo := &fakeRepo{candlesBefore: map[int]time.Time{}}
	arch := &fakeArchiver{}
	svc := New(repo, ticks, arch, nil, config.RetentionConfig{}, nil, clock.NewManual(now))
	rep, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(arch.pages) != 2 || len(arch.pages[0]) != archivePage || len(arch.pages[1]) != 3 {
		t.Fatalf("archived pages = %d", len(arch.pages))
	}
	if rep.Archived != archivePage+3 || rep.Objects != 2 || repo.tickDeletes != 1 {
		t.Fatalf("report=%+v deletes=%d", rep, repo.tickDeletes)
	}

	failing := &fakeRepo{candlesBefore: map[int]time.Time{}, alertsErr: errors.New("locked")}
	svc = New(failing, ticks, &fakeArchiver{err: errors.New("s3 down")}, nil, config.RetentionConfig{}, nil, clock.NewManual(now))
	_, err = svc.Run(context.Background())
	if err == nil {
		t.Fatalf("expected archive and alert errors")
	}
	if failing.tickDeletes != 0 {
		t.Fatalf("ticks must not be deleted when the archive fails")
	}
	if len(failing.candlesBefore) != 3 {
		t.Fatalf("other tables still run, got %v", failing.candlesBefore)
	}
}

type offArchiver struct{ fakeArchiver }

func (offArchiver) Enabled(context.Context) bool { return false }

func TestRunSkipsSwitchedOffArchiver(t *testing.T) {
	ticks := &pagedTicks{rows: []models.Tick{{ID: 1, TokenID: 1, TS: now.Add(-10 * day), Price: decimal.RequireFromString("0.5")}}}
	repo := &fakeRepo{candlesBefore: map[int]time.Time{}}
	arch := &offArchiver{}
	rep, err := New(repo, ticks, arch, nil, config.RetentionConfig{}, nil, clock.NewManual(now)).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(arch.pages) != 0 || ticks.calls != 0 || rep.Archived != 0 {
		t.Fatalf("archiver should be skipped, pages=%d calls=%d", len(arch.pages), ticks.calls)
	}
	if repo.tickDeletes != 1 {
		t.Fatalf("ticks still pruned, deletes=%d", repo.tickDeletes)
	}
}
