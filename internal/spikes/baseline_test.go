package spikes

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/config"
	"marketpulse/internal/models"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func hour(ago time.Duration, volume int64) models.VolumeHourly {
	return models.VolumeHourly{TokenID: 1, BucketTS: now.Add(-ago).Truncate(time.Hour), Volume: decimal.NewFromInt(volume)}
}

func TestBaselineExcludesLastDay(t *testing.T) {
	hourly := []models.VolumeHourly{
		hour(2*time.Hour, 99999),
		hour(30*time.Hour, 400),
		hour(31*time.Hour, 600),
		hour(60*time.Hour, 2000),
	}
	avg, days, err := Baseline(hourly, now, 7, 2)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if days != 2 || avg != 1500 {
		t.Fatalf("avg=%f days=%d want 1500/2", avg, days)
	}
}

func TestBaselineNeedsMinDays(t *testing.T) {
	_, days, err := Baseline([]models.VolumeHourly{hour(30*time.Hour, 500)}, now, 7, 2)
	if !errors.Is(err, ErrNoBaseline) || days != 1 {
		t.Fatalf("err=%v days=%d", err, days)
	}
	_, _, err = Baseline([]models.VolumeHourly{hour(30*time.Hour, 0), hour(60*time.Hour, 0)}, now, 7, 2)
	if !errors.Is(err, ErrNoBaseline) {
		t.Fatalf("zero baseline accepted")
	}
}

func TestBaselineIgnoresOlderThanLookback(t *testing.T) {
	hourly := []models.VolumeHourly{
		hour(30*time.Hour, 100),
		hour(54*time.Hour, 300),
		hour(9*24*time.Hour, 100000),
	}
	avg, days, err := Baseline(hourly, now, 7, 2)
	if err != nil || days != 2 || avg != 200 {
		t.Fatalf("avg=%f days=%d err=%v", avg, days, err)
	}
}

func TestSeverityTiers(t *testing.T) {
	cfg := withDefaults(config.SpikesConfig{})
	cases := map[float64]string{
		1.2:  models.SeverityNone,
		1.5:  models.SeverityLow,
		2.9:  models.SeverityLow,
		3:    models.SeverityMedium,
		5:    models.SeverityHigh,
		9.99: models.SeverityHigh,
		10:   models.SeverityExtreme,
		42:   models.SeverityExtreme,
	}
	for ratio, want := range cases {
		if got := Severity(ratio, cfg); got != want {
			t.Fatalf("ratio=%f severity=%s want %s", ratio, got, want)
		}
	}
}
