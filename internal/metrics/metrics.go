// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
//
// A nil *Metrics is a valid no-op recorder; every method checks the receiver
// so components can run without instrumentation in tests.
type Metrics struct {
	// Session metrics
	SessionsOpen   *prometheus.GaugeVec
	Authenticated  prometheus.Gauge
	AuthOutcomes   *prometheus.CounterVec

	// Frame metrics
	FramesIn      *prometheus.CounterVec
	FramesOut     *prometheus.CounterVec
	FrameErrors   *prometheus.CounterVec
	FramesDropped prometheus.Counter
	RateLimited   prometheus.Counter

	// Channel metrics
	ChannelsOpen        prometheus.Gauge
	BroadcastRecipients prometheus.Histogram

	// Marketplace metrics
	ProposalTransitions *prometheus.CounterVec
	EscrowHeld          prometheus.Gauge

	// Dispute metrics
	DisputesByPhase    *prometheus.GaugeVec
	DisputeResolutions *prometheus.CounterVec

	// Reputation metrics
	AgentRating     *prometheus.GaugeVec
	ReceiptsWritten *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Open Sessions Gauge
		SessionsOpen: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentchat_sessions_open",
				Help: "Currently open sessions by transport",
			},
			[]string{"transport"}, // transport: tcp, ws
		),

		// Authenticated Sessions Gauge
		Authenticated: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentchat_sessions_authenticated",
				Help: "Sessions that completed IDENTIFY",
			},
		),

		// Auth Outcome Counter
		AuthOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_auth_total",
				Help: "IDENTIFY outcomes",
			},
			[]string{"result"}, // result: ephemeral, verified, bad_signature, expired, not_allowed
		),

		// Inbound Frame Counter
		FramesIn: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_frames_in_total",
				Help: "Frames received from clients",
			},
			[]string{"type"},
		),

		// Outbound Frame Counter
		FramesOut: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_frames_out_total",
				Help: "Frames written to clients",
			},
			[]string{"type"},
		),

		// Error Frame Counter
		FrameErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_frame_errors_total",
				Help: "ERROR frames sent, by code",
			},
			[]string{"code"},
		),

		// Dropped Frame Counter
		FramesDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "agentchat_frames_dropped_total",
				Help: "Frames dropped because a session write queue was full",
			},
		),

		// Rate Limited Counter
		RateLimited: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "agentchat_rate_limited_total",
				Help: "Frames rejected by the per-session rate limiter",
			},
		),

		// Open Channels Gauge
		ChannelsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentchat_channels_open",
				Help: "Channels currently registered",
			},
		),

		// Broadcast Fan-out Histogram
		BroadcastRecipients: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentchat_broadcast_recipients",
				Help:    "Recipients per channel broadcast",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
		),

		// Proposal Transition Counter
		ProposalTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_proposals_total",
				Help: "Proposal state transitions",
			},
			[]string{"state"}, // state: pending, accepted, rejected, completed, disputed, expired
		),

		// Escrow Held Gauge
		EscrowHeld: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentchat_escrow_held_credits",
				Help: "Total rating credits currently held in escrow",
			},
		),

		// Disputes By Phase Gauge
		DisputesByPhase: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentchat_disputes_open",
				Help: "Open disputes by phase",
			},
			[]string{"phase"},
		),

		// Dispute Resolution Counter
		DisputeResolutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_dispute_resolutions_total",
				Help: "Dispute outcomes by verdict",
			},
			[]string{"verdict"}, // verdict: disputant, respondent, mutual, fallback
		),

		// Agent Rating Gauge
		AgentRating: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentchat_agent_rating",
				Help: "Current ELO rating for each persistent agent",
			},
			[]string{"agent_id"},
		),

		// Receipts Written Counter
		ReceiptsWritten: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_receipts_written_total",
				Help: "Settlement receipts appended to the receipt log",
			},
			[]string{"type"}, // type: completion, dispute, fallback, forfeit
		),
	}
}

// RecordSessionOpened tracks a new connection on the given transport
func (m *Metrics) RecordSessionOpened(transport string) {
	if m == nil {
		return
	}
	m.SessionsOpen.WithLabelValues(transport).Inc()
}

// RecordSessionClosed tracks a connection teardown
func (m *Metrics) RecordSessionClosed(transport string, wasAuthenticated bool) {
	if m == nil {
		return
	}
	m.SessionsOpen.WithLabelValues(transport).Dec()
	if wasAuthenticated {
		m.Authenticated.Dec()
	}
}

// RecordAuth records an IDENTIFY outcome
func (m *Metrics) RecordAuth(result string) {
	if m == nil {
		return
	}
	m.AuthOutcomes.WithLabelValues(result).Inc()
	if result == "ephemeral" || result == "verified" {
		m.Authenticated.Inc()
	}
}

// RecordFrameIn counts an inbound frame by type
func (m *Metrics) RecordFrameIn(frameType string) {
	if m == nil {
		return
	}
	m.FramesIn.WithLabelValues(frameType).Inc()
}

// RecordFrameOut counts an outbound frame by type
func (m *Metrics) RecordFrameOut(frameType string) {
	if m == nil {
		return
	}
	m.FramesOut.WithLabelValues(frameType).Inc()
}

// RecordFrameError counts an ERROR frame by code
func (m *Metrics) RecordFrameError(code string) {
	if m == nil {
		return
	}
	m.FrameErrors.WithLabelValues(code).Inc()
}

// RecordFrameDropped counts a slow-consumer drop
func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordRateLimited counts a rate limiter rejection
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// SetChannelsOpen updates the channel count gauge
func (m *Metrics) SetChannelsOpen(n int) {
	if m == nil {
		return
	}
	m.ChannelsOpen.Set(float64(n))
}

// RecordBroadcast observes the fan-out size of one channel broadcast
func (m *Metrics) RecordBroadcast(recipients int) {
	if m == nil {
		return
	}
	m.BroadcastRecipients.Observe(float64(recipients))
}

// RecordProposalState counts a proposal entering a state
func (m *Metrics) RecordProposalState(state string) {
	if m == nil {
		return
	}
	m.ProposalTransitions.WithLabelValues(state).Inc()
}

// SetEscrowHeld updates the total credits held in escrow
func (m *Metrics) SetEscrowHeld(total float64) {
	if m == nil {
		return
	}
	m.EscrowHeld.Set(total)
}

// RecordDisputePhase moves a dispute between phase gauges.
// Pass an empty from on filing and an empty to on resolution.
func (m *Metrics) RecordDisputePhase(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.DisputesByPhase.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.DisputesByPhase.WithLabelValues(to).Inc()
	}
}

// RecordVerdict counts a dispute outcome
func (m *Metrics) RecordVerdict(verdict string) {
	if m == nil {
		return
	}
	m.DisputeResolutions.WithLabelValues(verdict).Inc()
}

// UpdateAgentRating updates an agent's rating gauge
func (m *Metrics) UpdateAgentRating(agentID string, rating int) {
	if m == nil {
		return
	}
	m.AgentRating.WithLabelValues(agentID).Set(float64(rating))
}

// RecordReceipt counts a receipt append by receipt type
func (m *Metrics) RecordReceipt(receiptType string) {
	if m == nil {
		return
	}
	m.ReceiptsWritten.WithLabelValues(receiptType).Inc()
}
