package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/fleet-orchestrator/internal/alert"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"go.uber.org/zap"
)

type alertCapture struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *alertCapture) Trigger(a alert.Alert) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return true
}

func TestRecorderReportsCountersAndSuccessRate(t *testing.T) {
	t.Parallel()

	clock := newManualClock(baseTime)
	r := NewRecorder(nil, nil, nil, 10, clock, NewMetrics(nil), zap.NewNop())

	rep := r.Report()
	assert.Equal(t, 1.0, rep.SuccessRate, "no finished sessions yet")

	for i := 0; i < 3; i++ {
		r.Record("s", domain.EventSessionCompleted, nil)
	}
	r.Record("s", domain.EventSessionFailed, nil)
	r.Record("s", domain.EventSessionStopped, nil)
	clock.Advance(time.Hour)

	rep = r.Report()
	assert.InDelta(t, 0.75, rep.SuccessRate, 1e-9)
	assert.EqualValues(t, 3, rep.Counters[domain.EventSessionCompleted])
	assert.Equal(t, time.Hour, rep.Uptime)
	assert.Equal(t, baseTime, rep.StartedAt)
}

func TestRecorderRaisesAlertsForCriticalEvents(t *testing.T) {
	t.Parallel()

	alerts := &alertCapture{}
	r := NewRecorder(alert.NewRules(nil), alerts, nil, 10, newManualClock(baseTime), NewMetrics(nil), zap.NewNop())

	r.Record("ep-1", domain.EventEndpointEvicted, map[string]any{"consecutive_failures": 3})
	r.Record("s-1", domain.EventErrorRecorded, map[string]any{domain.DetailCritical: true})
	r.Record("s-1", domain.EventErrorRecorded, map[string]any{domain.DetailCritical: false})
	r.Record("s-1", domain.EventHeartbeat, nil)

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	require.Len(t, alerts.alerts, 2)
	assert.Equal(t, domain.EventEndpointEvicted, alerts.alerts[0].Kind)
	assert.Equal(t, "ep-1", alerts.alerts[0].SubjectID)
	assert.EqualValues(t, 2, r.Report().Alerts)
}

func TestRecentKeepsNewestEventsFirst(t *testing.T) {
	t.Parallel()

	r := NewRecorder(nil, nil, nil, 3, newManualClock(baseTime), NewMetrics(nil), zap.NewNop())
	r.Record("a", domain.EventSessionCreated, nil)
	r.Record("b", domain.EventSessionCreated, nil)
	r.Record("a", domain.EventHeartbeat, nil)
	r.Record("c", domain.EventSessionCreated, nil)

	recent := r.Recent(0, "")
	require.Len(t, recent, 3, "ring keeps the last three")
	assert.Equal(t, "c", recent[0].SubjectID)
	assert.Equal(t, "b", recent[2].SubjectID)

	onlyA := r.Recent(10, "a")
	require.Len(t, onlyA, 1)
	assert.Equal(t, domain.EventHeartbeat, onlyA[0].Kind)

	assert.Len(t, r.Recent(2, ""), 2)
}

func TestRecordedDetailIsCopied(t *testing.T) {
	t.Parallel()

	r := NewRecorder(nil, nil, nil, 3, newManualClock(baseTime), NewMetrics(nil), zap.NewNop())
	detail := map[string]any{"reason": "first"}
	r.Record("a", domain.EventStatusChanged, detail)
	detail["reason"] = "mutated"

	assert.Equal(t, "first", r.Recent(1, "")[0].Detail["reason"])
}
