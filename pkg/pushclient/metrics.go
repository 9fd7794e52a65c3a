package pushclient

import (
	"context"
	"time"

	"github.com/tsarna/pushclient/pkg/pushclient/o11y"
)

type engineMetrics struct {
	statusChanges o11y.Counter
	attempts      o11y.Counter
	retryDelay    o11y.Histogram
}

func newEngineMetrics(p o11y.MetricsProvider) *engineMetrics {
	if p == nil {
		return &engineMetrics{}
	}
	return &engineMetrics{
		statusChanges: p.Counter("pushclient_status_changes_total"),
		attempts:      p.Counter("pushclient_session_attempts_total"),
		retryDelay:    p.Histogram("pushclient_retry_delay_seconds"),
	}
}

func (m *engineMetrics) status(s Status) {
	if m.statusChanges != nil {
		m.statusChanges.Add(context.Background(), 1, o11y.Label{Key: "status", Value: string(s)})
	}
}

func (m *engineMetrics) attempt(result string) {
	if m.attempts != nil {
		m.attempts.Add(context.Background(), 1, o11y.Label{Key: "result", Value: result})
	}
}

func (m *engineMetrics) retry(d time.Duration) {
	if m.retryDelay != nil {
		m.retryDelay.Record(context.Background(), d.Seconds())
	}
}
