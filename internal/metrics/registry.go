package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketpulse/internal/clock"
)

// Mode values mirror the connection manager states.
const (
	ModeConnecting      = "connecting"
	ModeStreaming       = "streaming"
	ModeReconnecting    = "reconnect_backoff"
	ModePollingFallback = "polling_fallback"
	ModeStopped         = "stopped"
)

var modeValue = map[string]float64{
	ModeStopped:         0,
	ModeConnecting:      1,
	ModeStreaming:       2,
	ModeReconnecting:    3,
	ModePollingFallback: 4,
}

const rateWindow = time.Minute

// VenueSnapshot is an immutable copy of one venue's counters.
type VenueSnapshot struct {
	Venue               string     `json:"venue"`
	Connected           bool       `json:"connected"`
	Mode                string     `json:"mode"`
	LatencyMs           float64    `json:"latency_ms"`
	MessagesReceived    int64      `json:"messages_received"`
	MessagesMalformed   int64      `json:"messages_malformed"`
	MessagesUnknown     int64      `json:"messages_unknown"`
	MessageRate         float64    `json:"message_rate"`
	Reconnects          int64      `json:"reconnects"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SubscriptionCount   int        `json:"subscription_count"`
	SubscriptionTarget  int        `json:"subscription_target"`
	TicksWritten        int64      `json:"ticks_written"`
	TicksSkipped        int64      `json:"ticks_skipped"`
	LastError           string     `json:"last_error,omitempty"`
	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`
	ModeSince           time.Time  `json:"mode_since"`
}

type venueState struct {
	snap VenueSnapshot

	rateStart time.Time
	rateCount int64
	lastRate  float64
}

// Registry owns every runtime counter. It is safe for concurrent use and
// also exports the counters as prometheus collectors.
type Registry struct {
	clock clock.Clock

	mu       sync.Mutex
	venues   map[string]*venueState
	rejected map[string]int64

	prom          *prometheus.Registry
	connected     *prometheus.GaugeVec
	mode          *prometheus.GaugeVec
	messages      *prometheus.CounterVec
	malformed     *prometheus.CounterVec
	unknown       *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	ticks         *prometheus.CounterVec
	volumeRejects *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	jobRuns       *prometheus.CounterVec
}

func NewRegistry(clk clock.Clock) *Registry {
	r := &Registry{
		clock:    clock.OrReal(clk),
		venues:   map[string]*venueState{},
		rejected: map[string]int64{},
		prom:     prometheus.NewRegistry(),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketpulse_venue_connected",
			Help: "1 while the venue stream is connected.",
		}, []string{"venue"}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketpulse_venue_mode",
			Help: "Connection state: 0 stopped, 1 connecting, 2 streaming, 3 backoff, 4 polling fallback.",
		}, []string{"venue"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_venue_messages_total",
			Help: "Messages received from the venue.",
		}, []string{"venue"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_venue_malformed_total",
			Help: "Messages dropped because they could not be parsed.",
		}, []string{"venue"}),
		unknown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_venue_unknown_total",
			Help: "Messages dropped because their type is not recognised.",
		}, []string{"venue"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_venue_reconnects_total",
			Help: "Reconnect attempts.",
		}, []string{"venue"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_venue_transitions_total",
			Help: "Connection state transitions.",
		}, []string{"venue", "from", "to"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketpulse_venue_latency_seconds",
			Help:    "Venue timestamp to receive latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"venue"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_ticks_total",
			Help: "Ticks by gate result.",
		}, []string{"venue", "result"}),
		volumeRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_volume_rejected_total",
			Help: "Trades rejected by the volume accumulator.",
		}, []string{"reason"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_alerts_emitted_total",
			Help: "Alerts kept after suppression.",
		}, []string{"type"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_job_runs_total",
			Help: "Analytics job runs by outcome.",
		}, []string{"job", "result"}),
	}
	r.prom.MustRegister(
		r.connected,
		r.mode,
		r.messages,
		r.malformed,
		r.unknown,
		r.reconnects,
		r.transitions,
		r.latency,
		r.ticks,
		r.volumeRejects,
		r.alerts,
		r.jobRuns,
		collectors.NewGoCollector(),
	)
	return r
}

// Handler serves the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

func (r *Registry) venue(name string) *venueState {
	v, ok := r.venues[name]
	if !ok {
		now := r.clock.Now()
		v = &venueState{
			snap:      VenueSnapshot{Venue: name, Mode: ModeStopped, ModeSince: now},
			rateStart: now,
		}
		r.venues[name] = v
	}
	return v
}

func (r *Registry) Transition(venue, from, to string) {
	r.mu.Lock()
	v := r.venue(venue)
	v.snap.Mode = to
	v.snap.ModeSince = r.clock.Now()
	v.snap.Connected = to == ModeStreaming
	r.mu.Unlock()

	r.transitions.WithLabelValues(venue, from, to).Inc()
	r.mode.WithLabelValues(venue).Set(modeValue[to])
	if to == ModeStreaming {
		r.connected.WithLabelValues(venue).Set(1)
	} else {
		r.connected.WithLabelValues(venue).Set(0)
	}
}

func (r *Registry) MessageReceived(venue string) {
	now := r.clock.Now()
	r.mu.Lock()
	v := r.venue(venue)
	v.snap.MessagesReceived++
	v.snap.LastMessageAt = &now
	if elapsed := now.Sub(v.rateStart); elapsed >= rateWindow {
		v.lastRate = float64(v.rateCount) / elapsed.Seconds()
		v.rateStart = now
		v.rateCount = 0
	}
	v.rateCount++
	r.mu.Unlock()
	r.messages.WithLabelValues(venue).Inc()
}

func (r *Registry) MessageMalformed(venue string) {
	r.mu.Lock()
	r.venue(venue).snap.MessagesMalformed++
	r.mu.Unlock()
	r.malformed.WithLabelValues(venue).Inc()
}

func (r *Registry) MessageUnknown(venue string) {
	r.mu.Lock()
	r.venue(venue).snap.MessagesUnknown++
	r.mu.Unlock()
	r.unknown.WithLabelValues(venue).Inc()
}

func (r *Registry) Reconnect(venue string, failures int, err error) {
	r.mu.Lock()
	v := r.venue(venue)
	v.snap.Reconnects++
	v.snap.ConsecutiveFailures = failures
	if err != nil {
		v.snap.LastError = err.Error()
	}
	r.mu.Unlock()
	r.reconnects.WithLabelValues(venue).Inc()
}

func (r *Registry) ResetFailures(venue string) {
	r.mu.Lock()
	r.venue(venue).snap.ConsecutiveFailures = 0
	r.mu.Unlock()
}

func (r *Registry) ObserveLatency(venue string, d time.Duration) {
	if d < 0 {
		return
	}
	r.mu.Lock()
	r.venue(venue).snap.LatencyMs = float64(d.Microseconds()) / 1000
	r.mu.Unlock()
	r.latency.WithLabelValues(venue).Observe(d.Seconds())
}

func (r *Registry) SetSubscriptions(venue string, count, target int) {
	r.mu.Lock()
	v := r.venue(venue)
	v.snap.SubscriptionCount = count
	v.snap.SubscriptionTarget = target
	r.mu.Unlock()
}

func (r *Registry) TicksWritten(venue string, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.venue(venue).snap.TicksWritten += int64(n)
	r.mu.Unlock()
	r.ticks.WithLabelValues(venue, "written").Add(float64(n))
}

func (r *Registry) TicksSkipped(venue string, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.venue(venue).snap.TicksSkipped += int64(n)
	r.mu.Unlock()
	r.ticks.WithLabelValues(venue, "skipped").Add(float64(n))
}

func (r *Registry) VolumeRejected(reason string) {
	r.mu.Lock()
	r.rejected[reason]++
	r.mu.Unlock()
	r.volumeRejects.WithLabelValues(reason).Inc()
}

// VolumeRejects returns the reject count for reason.
func (r *Registry) VolumeRejects(reason string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected[reason]
}

func (r *Registry) AlertsEmitted(alertType string, n int) {
	if n <= 0 {
		return
	}
	r.alerts.WithLabelValues(alertType).Add(float64(n))
}

func (r *Registry) JobRun(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.jobRuns.WithLabelValues(job, result).Inc()
}

func (r *Registry) Venue(name string) (VenueSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.venues[name]
	if !ok {
		return VenueSnapshot{}, false
	}
	return r.copyLocked(v), true
}

// Snapshot returns copies of every venue, sorted by name.
func (r *Registry) Snapshot() []VenueSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]VenueSnapshot, 0, len(r.venues))
	for _, v := range r.venues {
		out = append(out, r.copyLocked(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

func (r *Registry) copyLocked(v *venueState) VenueSnapshot {
	snap := v.snap
	if v.snap.LastMessageAt != nil {
		at := *v.snap.LastMessageAt
		snap.LastMessageAt = &at
	}
	snap.MessageRate = v.lastRate
	if elapsed := r.clock.Now().Sub(v.rateStart); elapsed >= time.Second && v.lastRate == 0 {
		snap.MessageRate = float64(v.rateCount) / elapsed.Seconds()
	}
	return snap
}
