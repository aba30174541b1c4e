package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/fleet-orchestrator/internal/alert"
	"github.com/xela07ax/fleet-orchestrator/internal/audit"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// AlertTrigger: неблокирующая постановка алерта (alert.Dispatcher).
type AlertTrigger interface {
	Trigger(a alert.Alert) bool
}

// Recorder агрегирует без побочной логики: журнал, счетчики, решение об алерте.
type Recorder struct {
	mu        sync.Mutex
	counters  map[domain.EventKind]int64
	alerts    int64
	recent    []audit.Event // кольцо
	head      int
	full      bool
	startedAt time.Time

	rules   *alert.Rules
	trigger AlertTrigger
	log     *audit.EventLog
	clock   Clock
	metrics *Metrics
	logger  *zap.Logger
}

// NewRecorder: log и trigger могут быть nil (тесты, режим без журнала).
func NewRecorder(rules *alert.Rules, trigger AlertTrigger, log *audit.EventLog, recentSize int, clock Clock, metrics *Metrics, logger *zap.Logger) *Recorder {
	if recentSize <= 0 {
		recentSize = 500
	}
	if rules == nil {
		rules = alert.NewRules(nil)
	}
	return &Recorder{
		counters:  make(map[domain.EventKind]int64),
		recent:    make([]audit.Event, recentSize),
		startedAt: clock.Now(),
		rules:     rules,
		trigger:   trigger,
		log:       log,
		clock:     clock,
		metrics:   metrics,
		logger:    logger.Named("recorder"),
	}
}

func (r *Recorder) Record(subjectID string, kind domain.EventKind, detail map[string]any) {
	e := audit.Event{
		ID:        uuid.NewString(),
		At:        r.clock.Now(),
		SubjectID: subjectID,
		Kind:      kind,
		Critical:  r.rules.IsCritical(kind, detail),
		Detail:    audit.CopyDetail(detail),
	}

	r.mu.Lock()
	r.counters[kind]++
	r.recent[r.head] = e
	r.head = (r.head + 1) % len(r.recent)
	if r.head == 0 {
		r.full = true
	}
	if e.Critical {
		r.alerts++
	}
	r.mu.Unlock()

	r.metrics.EventsTotal.WithLabelValues(string(kind)).Inc()
	if r.log != nil {
		r.log.Append(e)
	}
	if !e.Critical {
		return
	}

	r.metrics.Alerts.Inc()
	r.logger.Warn("critical event", zap.String("kind", string(kind)), zap.String("subject_id", subjectID))
	if r.trigger != nil {
		r.trigger.Trigger(alert.Alert{Kind: kind, SubjectID: subjectID, At: e.At, Detail: e.Detail})
	}
}

// Report: снимок счетчиков. Успешность = completed / (completed + failed), 1 если завершенных нет.
func (r *Recorder) Report() domain.Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	counters := make(map[domain.EventKind]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	completed := r.counters[domain.EventSessionCompleted]
	failed := r.counters[domain.EventSessionFailed]
	rate := 1.0
	if completed+failed > 0 {
		rate = float64(completed) / float64(completed+failed)
	}
	return domain.Report{
		Counters:    counters,
		SuccessRate: rate,
		Uptime:      r.clock.Now().Sub(r.startedAt),
		StartedAt:   r.startedAt,
		Alerts:      r.alerts,
	}
}

// Recent: последние события от новых к старым. пустой subjectID означает все субъекты.
func (r *Recorder) Recent(limit int, subjectID string) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.head
	if r.full {
		size = len(r.recent)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]audit.Event, 0, limit)
	for i := 1; i <= size && len(out) < limit; i++ {
		e := r.recent[(r.head-i+len(r.recent))%len(r.recent)]
		if subjectID != "" && e.SubjectID != subjectID {
			continue
		}
		out = append(out, e)
	}
	return out
}
