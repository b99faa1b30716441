package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/config"
	"marketpulse/internal/notify"
)

type fakeFrame struct {
	events []Event
	err    error
}

type fakeConn struct {
	frames chan fakeFrame

	mu     sync.Mutex
	subs   [][]string
	unsubs [][]string
	pings  int

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(frames chan fakeFrame) *fakeConn {
	return &fakeConn{frames: frames, closed: make(chan struct{})}
}

func (c *fakeConn) Subscribe(_ context.Context, ids []string) error {
	c.mu.Lock()
	c.subs = append(c.subs, append([]string(nil), ids...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Unsubscribe(_ context.Context, ids []string) error {
	c.mu.Lock()
	c.unsubs = append(c.unsubs, append([]string(nil), ids...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Read(ctx context.Context) ([]Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case f, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return f.events, f.err
	}
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	c.pings++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) subscriptions() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.subs...)
}

func (c *fakeConn) unsubscriptions() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.unsubs...)
}

// fakeVenue hands out scripted connections in order. A nil entry makes Dial
// fail.
type fakeVenue struct {
	conns []*fakeConn
	// gate, when set for a dial index, blocks that dial until closed.
	gate map[int]chan struct{}

	mu    sync.Mutex
	dials int
}

func (v *fakeVenue) Name() string { return "fake" }

func (v *fakeVenue) Dial(ctx context.Context) (Conn, error) {
	v.mu.Lock()
	i := v.dials
	v.dials++
	v.mu.Unlock()
	if g, ok := v.gate[i]; ok {
		select {
		case <-g:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i >= len(v.conns) || v.conns[i] == nil {
		return nil, fmt.Errorf("dial %d refused", i)
	}
	return v.conns[i], nil
}

func (v *fakeVenue) Poll(_ context.Context, ids []string) ([]Event, error) {
	out := make([]Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, Event{Kind: EventPrice, AssetID: id, Price: decimal.RequireFromString("0.5")})
	}
	return out, nil
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []string
	received    int
	malformed   int
	unknown     int
	reconnects  []int
	resets      int
	subCount    int
	subTarget   int
}

func (r *recordingMetrics) Transition(_, from, to string) {
	r.mu.Lock()
	r.transitions = append(r.transitions, from+"->"+to)
	r.mu.Unlock()
}

func (r *recordingMetrics) MessageReceived(string) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
}

func (r *recordingMetrics) MessageMalformed(string) {
	r.mu.Lock()
	r.malformed++
	r.mu.Unlock()
}

func (r *recordingMetrics) MessageUnknown(string) {
	r.mu.Lock()
	r.unknown++
	r.mu.Unlock()
}

func (r *recordingMetrics) Reconnect(_ string, failures int, _ error) {
	r.mu.Lock()
	r.reconnects = append(r.reconnects, failures)
	r.mu.Unlock()
}

func (r *recordingMetrics) ResetFailures(string) {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
}

func (r *recordingMetrics) ObserveLatency(string, time.Duration) {}

func (r *recordingMetrics) SetSubscriptions(_ string, count, target int) {
	r.mu.Lock()
	r.subCount, r.subTarget = count, target
	r.mu.Unlock()
}

type metricsView struct {
	transitions []string
	received    int
	malformed   int
	unknown     int
	reconnects  []int
	resets      int
	subCount    int
	subTarget   int
}

func (r *recordingMetrics) snapshot() metricsView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return metricsView{
		transitions: append([]string(nil), r.transitions...),
		received:    r.received,
		malformed:   r.malformed,
		unknown:     r.unknown,
		reconnects:  append([]int(nil), r.reconnects...),
		resets:      r.resets,
		subCount:    r.subCount,
		subTarget:   r.subTarget,
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	n.kinds = append(n.kinds, msg.Kind)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.kinds...)
}

func testConfig() config.StreamConfig {
	return config.StreamConfig{
		MaxAssets:            100,
		WatchdogTimeout:      30 * time.Millisecond,
		ReconnectBase:        5 * time.Second,
		ReconnectMax:         60 * time.Second,
		MaxReconnectAttempts: 2,
		PollInterval:         time.Hour,
		PingInterval:         time.Hour,
		RefreshInterval:      time.Hour,
		ChunkSize:            20,
		ChunkRate:            10000,
		EventBuffer:          64,
	}
}

func newTestManager(v Venue, m Metrics, n notify.Notifier, cfg config.StreamConfig) (*Manager, *[]time.Duration) {
	mgr := NewManager(v, nil, cfg, m, n, nil, nil)
	var mu sync.Mutex
	delays := []time.Duration{}
	mgr.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	mgr.jitter = func(time.Duration) time.Duration { return 0 }
	return mgr, &delays
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestManagerSilenceBackoffFallbackAndRecovery(t *testing.T) {
	live := make(chan fakeFrame, 4)
	// The third dial waits until a poll-derived event has been consumed.
	pollSeen := make(chan struct{})
	venue := &fakeVenue{
		conns: []*fakeConn{
			newFakeConn(nil),
			newFakeConn(nil),
			newFakeConn(live),
		},
		gate: map[int]chan struct{}{2: pollSeen},
	}
	rec := &recordingMetrics{}
	notes := &recordingNotifier{}
	mgr, delays := newTestManager(venue, rec, notes, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := mgr.Connect(ctx, []string{"tok-a"})

	live <- fakeFrame{events: []Event{{
		Kind:    EventTrade,
		AssetID: "tok-a",
		Price:   decimal.RequireFromString("0.61"),
		Size:    decimal.NewFromInt(10),
	}}}

	var sawPoll, sawStream bool
	for ev := range events {
		switch ev.Source {
		case SourcePoll:
			if !sawPoll {
				sawPoll = true
				close(pollSeen)
			}
		case SourceStream:
			sawStream = true
			if ev.Kind != EventTrade || ev.Venue != "fake" {
				t.Fatalf("unexpected stream event %+v", ev)
			}
		}
		if sawStream {
			cancel()
		}
	}
	if !sawPoll {
		t.Fatalf("expected a poll-derived event while in fallback")
	}
	if !sawStream {
		t.Fatalf("expected the live trade event")
	}

	got := rec.snapshot()
	want := []string{
		"stopped->connecting",
		"connecting->reconnect_backoff",
		"reconnect_backoff->polling_fallback",
		"polling_fallback->streaming",
		"streaming->stopped",
	}
	if !equalStrings(got.transitions, want) {
		t.Fatalf("transitions = %v, want %v", got.transitions, want)
	}
	if len(got.reconnects) != 2 || got.reconnects[0] != 1 || got.reconnects[1] != 2 {
		t.Fatalf("reconnect failures = %v", got.reconnects)
	}
	if got.resets != 1 {
		t.Fatalf("failure counter resets = %d, want 1", got.resets)
	}
	if mgr.Failures() != 0 {
		t.Fatalf("failures after recovery = %d", mgr.Failures())
	}
	if len(*delays) != 2 || (*delays)[0] != 5*time.Second || (*delays)[1] != 10*time.Second {
		t.Fatalf("backoff delays = %v", *delays)
	}
	if kinds := notes.list(); !equalStrings(kinds, []string{notify.KindFallback, notify.KindRecovered}) {
		t.Fatalf("notifications = %v", kinds)
	}
}

func TestManagerChunksSubscriptionsAndAppliesDiffs(t *testing.T) {
	live := make(chan fakeFrame, 4)
	conn := newFakeConn(live)
	venue := &fakeVenue{conns: []*fakeConn{conn}}
	rec := &recordingMetrics{}
	cfg := testConfig()
	cfg.WatchdogTimeout = time.Minute
	mgr, _ := newTestManager(venue, rec, nil, cfg)

	ids := make([]string, 45)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%02d", i)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := mgr.Connect(ctx, ids)

	live <- fakeFrame{events: []Event{{Kind: EventHeartbeat}}}
	<-events

	subs := conn.subscriptions()
	if len(subs) != 3 || len(subs[0]) != 20 || len(subs[1]) != 20 || len(subs[2]) != 5 {
		t.Fatalf("subscribe chunks = %d", len(subs))
	}

	mgr.Unsubscribe([]string{"id-00", "id-01"})
	mgr.Subscribe([]string{"id-99"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(conn.unsubscriptions()) == 1 && len(conn.subscriptions()) == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("diff not applied: unsubs=%v subs=%d", conn.unsubscriptions(), len(conn.subscriptions()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if un := conn.unsubscriptions()[0]; !equalStrings(un, []string{"id-00", "id-01"}) {
		t.Fatalf("unsubscribed %v", un)
	}
	if last := conn.subscriptions()[3]; !equalStrings(last, []string{"id-99"}) {
		t.Fatalf("subscribed %v", last)
	}
	cancel()
	for range events {
	}
	got := rec.snapshot()
	if got.subCount != 44 || got.subTarget != 44 {
		t.Fatalf("subscriptions = %d/%d, want 44/44", got.subCount, got.subTarget)
	}
}

func TestManagerDropsMalformedFrames(t *testing.T) {
	live := make(chan fakeFrame, 4)
	venue := &fakeVenue{conns: []*fakeConn{newFakeConn(live)}}
	rec := &recordingMetrics{}
	cfg := testConfig()
	cfg.WatchdogTimeout = time.Minute
	mgr, _ := newTestManager(venue, rec, nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := mgr.Connect(ctx, []string{"a"})
	live <- fakeFrame{err: fmt.Errorf("bad json: %w", ErrMalformed)}
	live <- fakeFrame{events: []Event{{Kind: EventUnknown, AssetID: "a", Raw: []byte(`{"event_type":"tick_size_change"}`)}}}
	live <- fakeFrame{events: []Event{{Kind: EventPrice, AssetID: "a", Price: decimal.RequireFromString("0.2")}}}

	ev := <-events
	if ev.Kind != EventPrice || ev.AssetID != "a" {
		t.Fatalf("unexpected event %+v", ev)
	}
	cancel()
	for range events {
	}
	got := rec.snapshot()
	if got.malformed != 1 {
		t.Fatalf("malformed = %d, want 1", got.malformed)
	}
	if got.unknown != 1 {
		t.Fatalf("unknown = %d, want 1", got.unknown)
	}
	if len(got.reconnects) != 0 {
		t.Fatalf("malformed frame must not reconnect, got %v", got.reconnects)
	}
}

func TestManagerRunTwice(t *testing.T) {
	venue := &fakeVenue{}
	mgr, _ := newTestManager(venue, nil, nil, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := mgr.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if err := mgr.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run = %v", err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	mgr, _ := newTestManager(&fakeVenue{}, nil, nil, testConfig())
	want := []time.Duration{5, 10, 20, 40, 60, 60}
	for i, w := range want {
		if got := mgr.backoff(i + 1); got != w*time.Second {
			t.Fatalf("backoff(%d) = %s, want %s", i+1, got, w*time.Second)
		}
	}
}

func TestRefreshIntervalCoversSubscriptionTime(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkRate = 5
	cfg.RefreshInterval = time.Minute
	mgr, _ := newTestManager(&fakeVenue{}, nil, nil, cfg)
	if got := mgr.refreshInterval(500); got != 125*time.Second {
		t.Fatalf("refreshInterval(500) = %s", got)
	}
	mgr.cfg.RefreshInterval = 5 * time.Minute
	if got := mgr.refreshInterval(500); got != 5*time.Minute {
		t.Fatalf("refreshInterval with long config = %s", got)
	}
}

func TestDiffSetsAndChunks(t *testing.T) {
	added, removed := diffSets(setFromSlice([]string{"a", "b", " "}), setFromSlice([]string{"b", "c"}))
	if !equalStrings(added, []string{"c"}) || !equalStrings(removed, []string{"a"}) {
		t.Fatalf("diff = %v %v", added, removed)
	}
	chunks := chunkIDs([]string{"1", "2", "3"}, 2)
	if len(chunks) != 2 || len(chunks[1]) != 1 {
		t.Fatalf("chunks = %v", chunks)
	}
}
