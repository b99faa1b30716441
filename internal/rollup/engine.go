package rollup

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"marketpulse/internal/models"
)

type bucketKey struct {
	tokenID     uint64
	granularity int
}

type bucket struct {
	key    bucketKey
	start  time.Time
	end    time.Time
	candle models.Candle
	dirty  bool
}

// Engine keeps one open OHLC bucket per (token, granularity). Buckets are
// indexed by end time so closing due buckets walks the tree from the front.
type Engine struct {
	mu            sync.Mutex
	granularities []int
	open          map[bucketKey]*bucket
	byEnd         *btree.Map[string, *bucket]
	lastClosed    map[bucketKey]time.Time
	closed        []models.Candle
	ignored       int64
}

func NewEngine(granularities ...int) *Engine {
	if len(granularities) == 0 {
		granularities = models.Granularities
	}
	return &Engine{
		granularities: granularities,
		open:          map[bucketKey]*bucket{},
		byEnd:         btree.NewMap[string, *bucket](32),
		lastClosed:    map[bucketKey]time.Time{},
	}
}

func treeKey(b *bucket) string {
	return fmt.Sprintf("%020d/%020d/%010d", b.end.Unix(), b.key.tokenID, b.key.granularity)
}

// Add folds a tick into every granularity. Ticks for a bucket at or before
// the last closed one are dropped.
func (e *Engine) Add(t models.Tick) {
	if t.TokenID == 0 || t.TS.IsZero() {
		return
	}
	ts := t.TS.UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, g := range e.granularities {
		key := bucketKey{tokenID: t.TokenID, granularity: g}
		size := time.Duration(g) * time.Second
		start := ts.Truncate(size)

		if last, ok := e.lastClosed[key]; ok && !start.After(last) {
			e.ignored++
			continue
		}
		cur := e.open[key]
		switch {
		case cur == nil:
		case start.Equal(cur.start):
			update(cur, t)
			continue
		case start.Before(cur.start):
			e.ignored++
			continue
		default:
			e.closeLocked(cur)
		}
		b := &bucket{key: key, start: start, end: start.Add(size)}
		b.candle = models.Candle{
			TokenID:            t.TokenID,
			GranularitySeconds: g,
			BucketStart:        start,
			Open:               t.Price,
			High:               t.Price,
			Low:                t.Price,
			Close:              t.Price,
			Volume:             tickVolume(t),
			TickCount:          1,
		}
		b.dirty = true
		e.open[key] = b
		e.byEnd.Set(treeKey(b), b)
	}
}

func update(b *bucket, t models.Tick) {
	c := &b.candle
	if t.Price.GreaterThan(c.High) {
		c.High = t.Price
	}
	if t.Price.LessThan(c.Low) {
		c.Low = t.Price
	}
	c.Close = t.Price
	if v := tickVolume(t); v.GreaterThan(c.Volume) {
		c.Volume = v
	}
	c.TickCount++
	b.dirty = true
}

func tickVolume(t models.Tick) decimal.Decimal {
	if t.Volume24h == nil {
		return decimal.Zero
	}
	return *t.Volume24h
}

func (e *Engine) closeLocked(b *bucket) {
	e.byEnd.Delete(treeKey(b))
	delete(e.open, b.key)
	e.lastClosed[b.key] = b.start
	c := b.candle
	c.Final = true
	e.closed = append(e.closed, c)
}

// CloseDue finalizes every bucket whose range ended at or before now and
// returns all candles finalized since the last call.
func (e *Engine) CloseDue(now time.Time) []models.Candle {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		_, b, ok := e.byEnd.Min()
		if !ok || b.end.After(now) {
			break
		}
		e.closeLocked(b)
	}
	out := e.closed
	e.closed = nil
	return out
}

// Requeue puts finalized candles back after a failed write.
func (e *Engine) Requeue(items []models.Candle) {
	if len(items) == 0 {
		return
	}
	e.mu.Lock()
	e.closed = append(items, e.closed...)
	e.mu.Unlock()
}

// Pending returns open buckets changed since the previous call and clears
// their dirty flag.
func (e *Engine) Pending() []models.Candle {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.Candle
	e.byEnd.Scan(func(_ string, b *bucket) bool {
		if b.dirty {
			out = append(out, b.candle)
			b.dirty = false
		}
		return true
	})
	return out
}

// MarkDirty flags open buckets again so a failed write is retried.
func (e *Engine) MarkDirty(items []models.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range items {
		if b, ok := e.open[bucketKey{tokenID: c.TokenID, granularity: c.GranularitySeconds}]; ok && b.start.Equal(c.BucketStart) {
			b.dirty = true
		}
	}
}

// OldestOpenStart is the start of the earliest open bucket of granularity g.
func (e *Engine) OldestOpenStart(g int) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var oldest time.Time
	found := false
	for key, b := range e.open {
		if key.granularity != g {
			continue
		}
		if !found || b.start.Before(oldest) {
			oldest = b.start
			found = true
		}
	}
	return oldest, found
}

func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

func (e *Engine) Ignored() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ignored
}
