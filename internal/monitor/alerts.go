package monitor

import (
	"sort"
	"strings"
	"time"

	"isometry/pkg/metrics"
)

// Severity orders alert levels so a critical breach supersedes a warning for
// the same category.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityCritical
)

func (s Severity) String() string {
	if s == SeverityCritical {
		return "critical"
	}
	return "warning"
}

// Alert identifiers are fixed per category so a re-breach updates the
// existing alert instead of stacking duplicates.
const (
	alertLatency     = "latency:batch"
	alertCompression = "compression:ratio"
	alertReliability = "reliability:failure-rate"
	alertCapacity    = "capacity:queue"
)

func alertCategory(id string) string {
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[:i]
	}
	return id
}

type Alert struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Value        float64   `json:"value"`
	Threshold    float64   `json:"threshold"`
	RaisedAt     time.Time `json:"raised_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Acknowledged bool      `json:"acknowledged"`
}

// checkAlertsLocked re-evaluates every category against the configured
// thresholds. An alert clears automatically once its metric drops back below
// the warning level.
func (m *Monitor) checkAlertsLocked() {
	t := m.cfg.Thresholds
	snap := m.snapshot

	m.evaluateLocked(alertLatency, snap.BatchLatency.CurrentMs, t.LatencyWarningMs, t.LatencyCriticalMs, false,
		"batch latency exceeds threshold")
	m.evaluateLocked(alertReliability, snap.Reliability.FailureRate*100, t.FailureRateWarning, t.FailureRateCritical, false,
		"operation failure rate exceeds threshold")
	m.evaluateLocked(alertCapacity, queueUsagePercent(snap.BatchEfficiency), t.QueueUsageWarningPct, t.QueueUsageCriticalPct, false,
		"message queue usage exceeds threshold")

	// Compression alerts fire when savings fall BELOW the threshold, and
	// only once the codec has produced at least one measurement.
	if savings := savingsPercent(snap.Serialization.CompressionRatio); savings >= 0 {
		m.evaluateLocked(alertCompression, savings/100, t.CompressionWarning, t.CompressionCritical, true,
			"compression savings below threshold")
	}

	m.snapshot.AlertCount = len(m.alerts)
	m.publishAlertGaugesLocked()
}

func (m *Monitor) publishAlertGaugesLocked() {
	warnings, criticals := 0, 0
	for _, a := range m.alerts {
		if a.Severity == SeverityCritical.String() {
			criticals++
		} else {
			warnings++
		}
	}
	metrics.MonitorActiveAlerts.WithLabelValues(SeverityWarning.String()).Set(float64(warnings))
	metrics.MonitorActiveAlerts.WithLabelValues(SeverityCritical.String()).Set(float64(criticals))
}

// evaluateLocked raises, escalates, de-escalates or clears the alert with the
// given id. When inverted is true, lower values are worse.
func (m *Monitor) evaluateLocked(id string, value, warning, critical float64, inverted bool, message string) {
	breachedWarning := value > warning
	breachedCritical := value > critical
	if inverted {
		breachedWarning = value < warning
		breachedCritical = value < critical
	}

	if !breachedWarning {
		if _, ok := m.alerts[id]; ok {
			delete(m.alerts, id)
			m.log.Infow("alert cleared", "alert_id", id, "value", value)
		}
		return
	}

	severity := SeverityWarning
	threshold := warning
	if breachedCritical {
		severity = SeverityCritical
		threshold = critical
	}

	now := time.Now()
	if existing, ok := m.alerts[id]; ok {
		if existing.Severity != severity.String() {
			m.log.Warnw("alert severity changed",
				"alert_id", id, "severity", severity.String(), "value", value)
		}
		existing.Severity = severity.String()
		existing.Value = value
		existing.Threshold = threshold
		existing.UpdatedAt = now
		return
	}

	m.alerts[id] = &Alert{
		ID:        id,
		Category:  alertCategory(id),
		Severity:  severity.String(),
		Message:   message,
		Value:     value,
		Threshold: threshold,
		RaisedAt:  now,
		UpdatedAt: now,
	}
	m.log.Warnw("alert raised",
		"alert_id", id, "severity", severity.String(), "value", value, "threshold", threshold)
}

// Alerts returns the active alerts, most recently raised first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RaisedAt.After(out[j].RaisedAt)
	})
	return out
}

// Acknowledge marks the alert as seen without clearing it. Returns false when
// no alert with that id is active.
func (m *Monitor) Acknowledge(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return false
	}
	alert.Acknowledged = true
	return true
}

// ClearAcknowledged drops every acknowledged alert and returns how many were
// removed.
func (m *Monitor) ClearAcknowledged() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, a := range m.alerts {
		if a.Acknowledged {
			delete(m.alerts, id)
			removed++
		}
	}
	if removed > 0 {
		m.snapshot.AlertCount = len(m.alerts)
		m.publishAlertGaugesLocked()
	}
	return removed
}
