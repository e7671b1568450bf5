package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Event names counted under the "event" label.
const (
	SessionCreated        = "session_created"
	SessionJoined         = "session_joined"
	SessionCompleted      = "session_completed"
	SessionForceCompleted = "session_force_completed"
	SessionCancelled      = "session_cancelled"
	ProposalSubmitted     = "proposal_submitted"
	ProposalStale         = "proposal_stale"

	CreditTransfer             = "credit_transfer"
	CreditTransferInsufficient = "credit_transfer_insufficient"
	ReviewSubmitted            = "review_submitted"
	CheckInVerified            = "checkin_verified"
	CheckInRejected            = "checkin_rejected"
	CheckInQROnly              = "checkin_qr_only"

	MailboxConnection  = "mailbox_connection"
	MailboxAuthFailure = "mailbox_auth_failure"
	MailboxForbidden   = "mailbox_forbidden"
	MailboxRateLimited = "mailbox_rate_limited"

	SignalPublished       = "signal_published"
	SignalApplied         = "signal_applied"
	SignalDroppedNotReady = "signal_dropped_not_ready"
	SignalDroppedStale    = "signal_dropped_stale"
	SignalDroppedClosing  = "signal_dropped_closing"

	CallConnected          = "call_connected"
	CallFailed             = "call_failed"
	MediaAudioOnly         = "media_audio_only"
	MediaSyntheticFallback = "media_synthetic_fallback"
	ScreenShareStarted     = "screen_share_started"
)

const namespace = "skillswap"

// Metrics wraps a private Prometheus registry. A nil *Metrics is valid and
// discards everything.
type Metrics struct {
	registry    *prometheus.Registry
	events      *prometheus.CounterVec
	activeCalls prometheus.Gauge

	mu    sync.Mutex
	names map[string]struct{}
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Session core event counters.",
		}, []string{"event"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Call session machines currently running in this process.",
		}),
		names: make(map[string]struct{}),
	}
	m.registry.MustRegister(m.events, m.activeCalls)
	return m
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.names[name] = struct{}{}
	m.mu.Unlock()
	m.events.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

// Snapshot returns every counter that has been touched.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	names := make([]string, 0, len(m.names))
	for name := range m.names {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string]uint64, len(names))
	for _, name := range names {
		out[name] = m.Get(name)
	}
	return out
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.activeCalls.Inc()
}

func (m *Metrics) CallEnded() {
	if m == nil {
		return
	}
	m.activeCalls.Dec()
}

func (m *Metrics) ActiveCalls() float64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.activeCalls.Write(&out); err != nil {
		return 0
	}
	return out.GetGauge().GetValue()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
