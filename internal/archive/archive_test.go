package archive

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
)

type memUploader struct {
	objects map[string][]byte
}

func (m *memUploader) Upload(_ context.Context, key string, data []byte) error {
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func sampleTicks() []models.Tick {
	spread := decimal.RequireFromString("0.02")
	return []models.Tick{
		{ID: 1, TokenID: 9, TS: time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC), Price: decimal.RequireFromString("0.41"), Spread: &spread, Source: models.TickSourceStream},
		{ID: 2, TokenID: 9, TS: time.Date(2026, 2, 20, 8, 0, 5, 0, time.UTC), Price: decimal.RequireFromString("0.43"), Source: models.TickSourcePoll},
	}
}

func TestEncodeWritesParquet(t *testing.T) {
	for _, codec := range []string{"snappy", "gzip", ""} {
		data, err := Encode(sampleTicks(), codec)
		if err != nil {
			t.Fatalf("encode %q: %v", codec, err)
		}
		if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
			t.Fatalf("codec %q: output is not a parquet file", codec)
		}
	}
}

func TestArchiveTicksKeysByDay(t *testing.T) {
	up := &memUploader{objects: map[string][]byte{}}
	a := New(up, config.ArchiveConfig{Prefix: "/cold/ticks/", Compression: "snappy"}, nil, clock.NewManual(time.Date(2026, 3, 1, 3, 30, 0, 0, time.UTC)))
	key, err := a.ArchiveTicks(context.Background(), sampleTicks())
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.HasPrefix(key, "cold/ticks/date=2026-02-20/ticks_20260301033000_") || !strings.HasSuffix(key, ".parquet") {
		t.Fatalf("key = %s", key)
	}
	if len(up.objects[key]) == 0 {
		t.Fatalf("nothing uploaded")
	}

	key, err = a.ArchiveTicks(context.Background(), nil)
	if err != nil || key != "" || len(up.objects) != 1 {
		t.Fatalf("empty page should be a no-op: %q %v", key, err)
	}
}
