// Statistics and their Prometheus mirror (§4.2 "Statistics laws"), grounded
// on the teacher's pkg/dialog/metrics.go collector-registration pattern
// (per-id labels, unregister on terminate).
package session

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Statistics holds one session's running counters. All fields are accessed
// through atomic ops or under mu so they can be read from the command
// thread while the media I/O thread updates them (§5 locking discipline:
// this struct's own lock is a leaf, never held while calling out).
type Statistics struct {
	mu      sync.Mutex
	metrics *metricsRegistry

	ReceivedRTPBytes  uint64
	ReceivedRTCPBytes uint64
	SentRTPBytes      uint64
	SentRTCPBytes     uint64
	ReceivedRTPCount  uint64
	SentRTPCount      uint64
	ExpectedSeqRange  uint64
	DroppedRTPCount   uint64
	DecryptFailures   uint64

	JitterMs    float64 // RFC 3550 estimator, filtered with factor 1/16
	RTTMs       float64 // exponentially weighted
	CodecName   string
	ChosenSSRC  uint32
	RemotePeer  string
	MOS         float64
}

// Received returns received_rtp_bytes + received_rtcp_bytes per §4.2.
func (s *Statistics) Received() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReceivedRTPBytes + s.ReceivedRTCPBytes
}

// PacketLoss computes max(0, expected_seq_range - received_rtp_count) -
// dropped_rtp_count per §4.2.
func (s *Statistics) PacketLoss() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	lost := int64(s.ExpectedSeqRange) - int64(s.ReceivedRTPCount)
	if lost < 0 {
		lost = 0
	}
	return lost - int64(s.DroppedRTPCount)
}

// UpdateJitter applies the RFC 3550 §6.4.1 running estimator: J +=
// (|D| - J) / 16, where transit is the current packet's transit-time
// sample in the same units as the running jitter.
func (s *Statistics) UpdateJitter(transitDeltaMs float64) {
	s.mu.Lock()
	d := transitDeltaMs
	if d < 0 {
		d = -d
	}
	s.JitterMs += (d - s.JitterMs) / 16
	j := s.JitterMs
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.jitter.Set(j)
	}
}

// UpdateRTT applies an exponentially weighted update to the RTT estimate
// with smoothing factor alpha (teacher's metrics convention uses 1/8).
func (s *Statistics) UpdateRTT(sampleMs float64) {
	s.mu.Lock()
	const alpha = 0.125
	if s.RTTMs == 0 {
		s.RTTMs = sampleMs
	} else {
		s.RTTMs = (1-alpha)*s.RTTMs + alpha*sampleMs
	}
	rtt := s.RTTMs
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.rtt.Set(rtt)
	}
}

// AddSentRTP records one transmitted RTP packet's size for stats.
func (s *Statistics) AddSentRTP(n int) {
	s.mu.Lock()
	s.SentRTPBytes += uint64(n)
	s.SentRTPCount++
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.sentBytes.Add(float64(n))
	}
}

// AddReceivedRTP records one accepted RTP packet's size for stats.
func (s *Statistics) AddReceivedRTP(n int) {
	s.mu.Lock()
	s.ReceivedRTPBytes += uint64(n)
	s.ReceivedRTPCount++
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.receivedBytes.Add(float64(n))
	}
}

// AddReceivedRTCP records one accepted RTCP packet's size for stats.
func (s *Statistics) AddReceivedRTCP(n int) {
	s.mu.Lock()
	s.ReceivedRTCPBytes += uint64(n)
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.receivedBytes.Add(float64(n))
	}
}

// AddDropped increments the dropped-RTP counter (SRTP failure, decode
// failure, jitter-buffer overflow — §7).
func (s *Statistics) AddDropped() {
	s.mu.Lock()
	s.DroppedRTPCount++
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.droppedPackets.Add(1)
	}
}

// AddDecryptFailure increments the SRTP decrypt-failure counter.
func (s *Statistics) AddDecryptFailure() {
	s.mu.Lock()
	s.DecryptFailures++
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.decryptFailures.Add(1)
	}
}

// Snapshot returns a value copy safe to hand across goroutines (e.g. into a
// `get_media_stats` answer).
func (s *Statistics) Snapshot() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s
	cp.mu = sync.Mutex{}
	return cp
}

// metricsRegistry mirrors per-session Statistics into Prometheus, labeled
// by session id, registered on session creation and unregistered on
// terminate (SPEC_FULL §4.2 "Statistics transport").
type metricsRegistry struct {
	sessionID string

	sentBytes       prometheus.Counter
	receivedBytes   prometheus.Counter
	jitter          prometheus.Gauge
	rtt             prometheus.Gauge
	decryptFailures prometheus.Counter
	droppedPackets  prometheus.Counter

	registered int32
}

func newMetricsRegistry(sessionID string) *metricsRegistry {
	labels := prometheus.Labels{"session_id": sessionID}
	return &metricsRegistry{
		sessionID: sessionID,
		sentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "uacore_session_sent_bytes_total",
			Help:        "Total RTP+RTCP bytes sent on this session.",
			ConstLabels: labels,
		}),
		receivedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "uacore_session_received_bytes_total",
			Help:        "Total RTP+RTCP bytes received on this session.",
			ConstLabels: labels,
		}),
		jitter: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "uacore_session_jitter_ms",
			Help:        "RFC 3550 jitter estimate in milliseconds.",
			ConstLabels: labels,
		}),
		rtt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "uacore_session_rtt_ms",
			Help:        "Exponentially weighted round-trip time in milliseconds.",
			ConstLabels: labels,
		}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "uacore_session_srtp_decrypt_failures_total",
			Help:        "SRTP unprotect failures on this session.",
			ConstLabels: labels,
		}),
		droppedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "uacore_session_dropped_packets_total",
			Help:        "RTP packets dropped on this session.",
			ConstLabels: labels,
		}),
	}
}

func (m *metricsRegistry) register(reg prometheus.Registerer) {
	if !atomic.CompareAndSwapInt32(&m.registered, 0, 1) {
		return
	}
	reg.MustRegister(m.sentBytes, m.receivedBytes, m.jitter, m.rtt, m.decryptFailures, m.droppedPackets)
}

func (m *metricsRegistry) unregister(reg prometheus.Registerer) {
	if !atomic.CompareAndSwapInt32(&m.registered, 1, 0) {
		return
	}
	reg.Unregister(m.sentBytes)
	reg.Unregister(m.receivedBytes)
	reg.Unregister(m.jitter)
	reg.Unregister(m.rtt)
	reg.Unregister(m.decryptFailures)
	reg.Unregister(m.droppedPackets)
}
