package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (r *alertRecorder) record(e AlertEvent) {
	r.mu.Lock()
	r.alerts = append(r.alerts, e)
	r.mu.Unlock()
}

func (r *alertRecorder) all() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.alerts...)
}

func TestSubmissionSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.submissions.threshold = 5

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditCSRSubmitted)
	}
	assert.Empty(t, rec.all(), "no alert below threshold")

	collector.recordEvent(AuditCSRRejected)
	alerts := rec.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCSRSubmissionSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)

	collector.recordEvent(AuditCSRSubmitted)
	assert.Len(t, rec.all(), 1, "window resets after an alert")
}

func TestRevocationSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.revocations.threshold = 3

	for i := 0; i < 3; i++ {
		collector.recordEvent(AuditCertRevoked)
	}
	alerts := rec.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRevocationSpike, alerts[0].Type)
}

func TestUnrelatedEventsDoNotCount(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.submissions.threshold = 1
	collector.revocations.threshold = 1

	collector.recordEvent(AuditCertRenewed)
	collector.recordEvent(AuditCRLGenerated)
	collector.recordEvent(AuditAdminDenied)
	assert.Empty(t, rec.all())
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *metricsCollector
	collector.recordEvent(AuditCSRSubmitted)

	newMetricsCollector(nil).recordEvent(AuditCertRevoked)
}

func TestTrimWindow(t *testing.T) {
	now := time.Now()
	times := []time.Time{
		now.Add(-3 * time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-30 * time.Second),
		now,
	}
	trimmed := trimWindow(times, now, time.Minute)
	assert.Equal(t, times[2:], trimmed)
}
