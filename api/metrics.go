package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertCSRSubmissionSpike AlertType = "csr_submission_spike"
	AlertRevocationSpike    AlertType = "revocation_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingWindow counts events inside a trailing window and fires once the
// threshold is reached.
type slidingWindow struct {
	typ       AlertType
	message   string
	window    time.Duration
	threshold int
	times     []time.Time
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu          sync.Mutex
	submissions slidingWindow
	revocations slidingWindow
	alertFn     AlertFunc
}

const (
	defaultSubmissionWindow    = 1 * time.Minute
	defaultSubmissionThreshold = 100
	defaultRevocationWindow    = 5 * time.Minute
	defaultRevocationThreshold = 10
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		submissions: slidingWindow{
			typ:       AlertCSRSubmissionSpike,
			message:   "certificate request rate exceeds threshold",
			window:    defaultSubmissionWindow,
			threshold: defaultSubmissionThreshold,
		},
		revocations: slidingWindow{
			typ:       AlertRevocationSpike,
			message:   "revocation rate exceeds threshold",
			window:    defaultRevocationWindow,
			threshold: defaultRevocationThreshold,
		},
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditCSRSubmitted, AuditCSRRejected:
		m.record(&m.submissions)
	case AuditCertRevoked:
		m.record(&m.revocations)
	}
}

func (m *metricsCollector) record(w *slidingWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w.times = append(w.times, now)
	w.times = trimWindow(w.times, now, w.window)

	if len(w.times) >= w.threshold {
		m.alertFn(AlertEvent{
			Type:      w.typ,
			Message:   w.message,
			Count:     len(w.times),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		w.times = w.times[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
