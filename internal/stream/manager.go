package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/metrics"
	"marketpulse/internal/notify"
)

var (
	ErrWatchdog       = errors.New("stream silent past watchdog timeout")
	ErrAlreadyRunning = errors.New("stream manager already running")
)

const (
	pingTimeout     = 5 * time.Second
	refreshSlack    = 120 * time.Second
	frameBufferSize = 64
)

// Manager owns the connection to one venue. It reconnects with exponential
// backoff, falls back to REST polling after too many consecutive failures and
// returns to streaming on the first live message.
type Manager struct {
	venue    Venue
	provider IDProvider
	cfg      config.StreamConfig
	metrics  Metrics
	notifier notify.Notifier
	logger   *zap.Logger
	clock    clock.Clock
	limiter  *rate.Limiter

	events  chan Event
	changed chan struct{}
	started atomic.Bool

	mu       sync.Mutex
	mode     string
	failures int
	desired  map[string]struct{}

	// owned by the run goroutine
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// NewManager builds a manager for venue. provider may be nil, in which case
// the desired ids only change through Connect, Subscribe and Unsubscribe.
func NewManager(venue Venue, provider IDProvider, cfg config.StreamConfig, m Metrics, n notify.Notifier, logger *zap.Logger, clk clock.Clock) *Manager {
	cfg = withDefaults(cfg)
	if m == nil {
		m = nopMetrics{}
	}
	if n == nil {
		n = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		venue:    venue,
		provider: provider,
		cfg:      cfg,
		metrics:  m,
		notifier: n,
		logger:   logger.With(zap.String("venue", venue.Name())),
		clock:    clock.OrReal(clk),
		limiter:  rate.NewLimiter(rate.Limit(cfg.ChunkRate), 1),
		events:   make(chan Event, cfg.EventBuffer),
		changed:  make(chan struct{}, 1),
		mode:     metrics.ModeStopped,
		desired:  map[string]struct{}{},
		sleep:    sleepContext,
		jitter:   halfJitter,
	}
}

func withDefaults(cfg config.StreamConfig) config.StreamConfig {
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 120 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 5 * time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 20
	}
	if cfg.ChunkRate <= 0 {
		cfg.ChunkRate = 5
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.MaxAssets <= 0 {
		cfg.MaxAssets = 500
	}
	return cfg
}

func (m *Manager) Name() string { return m.venue.Name() }

// Events stays open until Run returns.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Connect adds ids to the desired set and starts the run loop in the
// background if it is not running yet.
func (m *Manager) Connect(ctx context.Context, ids []string) <-chan Event {
	m.Subscribe(ids)
	if m.started.CompareAndSwap(false, true) {
		go func() {
			if err := m.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("stream manager stopped", zap.Error(err))
			}
		}()
	}
	return m.events
}

// Subscribe adds ids to the desired set. A running session picks the change
// up immediately.
func (m *Manager) Subscribe(ids []string) {
	m.mu.Lock()
	dropped := 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := m.desired[id]; ok {
			continue
		}
		if len(m.desired) >= m.cfg.MaxAssets {
			dropped++
			continue
		}
		m.desired[id] = struct{}{}
	}
	m.mu.Unlock()
	if dropped > 0 {
		m.logger.Warn("subscription cap reached", zap.Int("dropped", dropped), zap.Int("max_assets", m.cfg.MaxAssets))
	}
	m.nudge()
}

func (m *Manager) Unsubscribe(ids []string) {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.desired, strings.TrimSpace(id))
	}
	m.mu.Unlock()
	m.nudge()
}

func (m *Manager) nudge() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *Manager) desiredIDs() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.desired))
	for id := range m.desired {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Run blocks until ctx is done. The events channel is closed on return.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	return m.run(ctx)
}

func (m *Manager) run(ctx context.Context) error {
	defer close(m.events)
	defer m.setMode(metrics.ModeStopped)
	defer m.stopPolling()

	m.setMode(metrics.ModeConnecting)
	m.refreshDesired(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.connectOnce(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		failures := m.recordFailure(err)
		switch {
		case m.Mode() == metrics.ModePollingFallback:
		case failures >= m.cfg.MaxReconnectAttempts:
			m.enterFallback(ctx, err)
		default:
			m.setMode(metrics.ModeReconnecting)
		}
		delay := m.backoff(failures)
		m.logger.Warn("stream disconnected",
			zap.Error(err),
			zap.Int("failures", failures),
			zap.Duration("retry_in", delay),
		)
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (m *Manager) connectOnce(ctx context.Context) error {
	conn, err := m.venue.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	return m.session(ctx, conn)
}

type frame struct {
	events []Event
	err    error
}

func (m *Manager) session(ctx context.Context, conn Conn) error {
	sessCtx, cancel := context.WithCancel(ctx)
	frames := make(chan frame, frameBufferSize)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			events, err := conn.Read(sessCtx)
			select {
			case frames <- frame{events: events, err: err}:
			case <-sessCtx.Done():
				return
			}
			if err != nil && !errors.Is(err, ErrMalformed) {
				return
			}
		}
	}()
	defer func() {
		cancel()
		_ = conn.Close()
		<-readerDone
	}()

	// Subscribing happens before the watchdog starts so a long chunked
	// subscription never reads as silence.
	active := map[string]struct{}{}
	if err := m.sync(sessCtx, conn, active); err != nil {
		return err
	}

	watchdog := time.NewTimer(m.cfg.WatchdogTimeout)
	defer watchdog.Stop()
	ping := time.NewTicker(m.cfg.PingInterval)
	defer ping.Stop()
	refresh := time.NewTicker(m.refreshInterval(len(active)))
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-frames:
			if f.err != nil {
				if errors.Is(f.err, ErrMalformed) {
					m.metrics.MessageMalformed(m.Name())
					m.logger.Debug("malformed message dropped", zap.Error(f.err))
					resetTimer(watchdog, m.cfg.WatchdogTimeout)
					continue
				}
				return fmt.Errorf("read: %w", f.err)
			}
			resetTimer(watchdog, m.cfg.WatchdogTimeout)
			if err := m.deliver(ctx, f.events); err != nil {
				return err
			}
		case <-watchdog.C:
			return fmt.Errorf("%w (%s)", ErrWatchdog, m.cfg.WatchdogTimeout)
		case <-ping.C:
			pingCtx, cancelPing := context.WithTimeout(sessCtx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-refresh.C:
			m.refreshDesired(ctx)
			if err := m.sync(sessCtx, conn, active); err != nil {
				return err
			}
			refresh.Reset(m.refreshInterval(len(active)))
			resetTimer(watchdog, m.cfg.WatchdogTimeout)
		case <-m.changed:
			if err := m.sync(sessCtx, conn, active); err != nil {
				return err
			}
			resetTimer(watchdog, m.cfg.WatchdogTimeout)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, events []Event) error {
	m.markStreaming(ctx)
	m.metrics.MessageReceived(m.Name())
	now := m.clock.Now()
	for _, ev := range events {
		// Unrecognised messages are counted here and never reach ingest.
		if ev.Kind == EventUnknown {
			m.metrics.MessageUnknown(m.Name())
			continue
		}
		if ev.Venue == "" {
			ev.Venue = m.Name()
		}
		if ev.Source == "" {
			ev.Source = SourceStream
		}
		if !ev.TS.IsZero() && ev.Kind != EventHeartbeat {
			m.metrics.ObserveLatency(m.Name(), now.Sub(ev.TS))
		}
		select {
		case m.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// sync brings the connection's active set in line with the desired set,
// unsubscribing first and then subscribing in rate limited chunks.
func (m *Manager) sync(ctx context.Context, conn Conn, active map[string]struct{}) error {
	want := setFromSlice(m.desiredIDs())
	added, removed := diffSets(active, want)
	for _, chunk := range chunkIDs(removed, m.cfg.ChunkSize) {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := conn.Unsubscribe(ctx, chunk); err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		for _, id := range chunk {
			delete(active, id)
		}
	}
	for _, chunk := range chunkIDs(added, m.cfg.ChunkSize) {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := conn.Subscribe(ctx, chunk); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		for _, id := range chunk {
			active[id] = struct{}{}
		}
		m.metrics.SetSubscriptions(m.Name(), len(active), len(want))
	}
	m.metrics.SetSubscriptions(m.Name(), len(active), len(want))
	if len(added) > 0 || len(removed) > 0 {
		m.logger.Info("subscriptions updated",
			zap.Int("added", len(added)),
			zap.Int("removed", len(removed)),
			zap.Int("active", len(active)),
		)
	}
	return nil
}

// refreshDesired replaces the desired set with the provider's ids.
func (m *Manager) refreshDesired(ctx context.Context) {
	if m.provider == nil {
		return
	}
	ids, err := m.provider(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("subscription refresh failed", zap.Error(err))
		}
		return
	}
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if len(next) >= m.cfg.MaxAssets {
			break
		}
		next[id] = struct{}{}
	}
	m.mu.Lock()
	m.desired = next
	m.mu.Unlock()
}

func (m *Manager) refreshInterval(ids int) time.Duration {
	chunks := (ids + m.cfg.ChunkSize - 1) / m.cfg.ChunkSize
	perChunk := time.Duration(float64(time.Second) / m.cfg.ChunkRate)
	floor := time.Duration(chunks)*perChunk + refreshSlack
	if m.cfg.RefreshInterval > floor {
		return m.cfg.RefreshInterval
	}
	return floor
}

func (m *Manager) setMode(to string) {
	m.mu.Lock()
	from := m.mode
	if from == to {
		m.mu.Unlock()
		return
	}
	m.mode = to
	m.mu.Unlock()
	m.metrics.Transition(m.Name(), from, to)
	m.logger.Info("stream mode changed", zap.String("from", from), zap.String("to", to))
}

func (m *Manager) recordFailure(err error) int {
	m.mu.Lock()
	m.failures++
	n := m.failures
	m.mu.Unlock()
	m.metrics.Reconnect(m.Name(), n, err)
	return n
}

func (m *Manager) markStreaming(ctx context.Context) {
	prev := m.Mode()
	if prev == metrics.ModeStreaming {
		return
	}
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
	m.metrics.ResetFailures(m.Name())
	m.setMode(metrics.ModeStreaming)
	if prev != metrics.ModePollingFallback {
		return
	}
	m.stopPolling()
	m.announce(ctx, notify.KindRecovered, m.Name()+" stream recovered", "live stream restored, polling stopped")
}

func (m *Manager) enterFallback(ctx context.Context, cause error) {
	m.setMode(metrics.ModePollingFallback)
	m.startPolling(ctx)
	text := fmt.Sprintf("%d consecutive connection failures, polling every %s", m.Failures(), m.cfg.PollInterval)
	if cause != nil {
		text += ": " + cause.Error()
	}
	m.announce(ctx, notify.KindFallback, m.Name()+" stream unavailable", text)
}

func (m *Manager) announce(ctx context.Context, kind, title, text string) {
	err := m.notifier.Notify(ctx, notify.Message{
		Kind:  kind,
		Title: title,
		Text:  text,
		Venue: m.Name(),
		At:    m.clock.Now(),
	})
	if err != nil {
		m.logger.Warn("operational notification failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (m *Manager) startPolling(ctx context.Context) {
	if m.pollCancel != nil {
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.pollCancel, m.pollDone = cancel, done
	go func() {
		defer close(done)
		m.pollLoop(pollCtx)
	}()
}

func (m *Manager) stopPolling() {
	if m.pollCancel == nil {
		return
	}
	m.pollCancel()
	<-m.pollDone
	m.pollCancel, m.pollDone = nil, nil
}

func (m *Manager) pollLoop(ctx context.Context) {
	m.pollOnce(ctx)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) {
	ids := m.desiredIDs()
	if len(ids) == 0 {
		return
	}
	events, err := m.venue.Poll(ctx, ids)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("fallback poll failed", zap.Error(err))
		}
		return
	}
	m.metrics.MessageReceived(m.Name())
	for _, ev := range events {
		ev.Source = SourcePoll
		if ev.Venue == "" {
			ev.Venue = m.Name()
		}
		select {
		case m.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// backoff doubles from ReconnectBase per consecutive failure, capped at
// ReconnectMax, plus jitter.
func (m *Manager) backoff(failures int) time.Duration {
	d := m.cfg.ReconnectBase
	for i := 1; i < failures && d < m.cfg.ReconnectMax; i++ {
		d *= 2
	}
	if d > m.cfg.ReconnectMax {
		d = m.cfg.ReconnectMax
	}
	return d + m.jitter(d)
}

func halfJitter(d time.Duration) time.Duration {
	if d/2 <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d / 2)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func setFromSlice(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = struct{}{}
	}
	return out
}

// diffSets returns the sorted ids only in next and only in current.
func diffSets(current, next map[string]struct{}) ([]string, []string) {
	added := make([]string, 0)
	removed := make([]string, 0)
	for key := range next {
		if _, ok := current[key]; !ok {
			added = append(added, key)
		}
	}
	for key := range current {
		if _, ok := next[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func chunkIDs(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(ids)
	}
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
