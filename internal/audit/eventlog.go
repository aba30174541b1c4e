package audit

/*
EventLog: асинхронный журнал событий оркестратора.

- Append не блокирует: событие уходит в буферизованный канал, при переполнении
  сбрасывается с записью в лог (load shedding), чтобы журнал не тормозил
  reconcile и переходы сессий.
- Воркер копит пачку и пишет ее в Storage по таймеру или по достижении размера.
- Stop закрывает вход и ждет, пока воркер вычитает остаток и сделает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Storage: куда физически уходят пачки событий (Postgres, лог).
type Storage interface {
	WriteBatch(ctx context.Context, events []Event) error
}

type Options struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.Buffer <= 0 {
		o.Buffer = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
}

type EventLog struct {
	ch      chan Event
	storage Storage
	opts    Options
	logger  *zap.Logger

	// closeMu защищает ch от отправки после close.
	closeMu sync.RWMutex
	closed  bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewEventLog(storage Storage, opts Options, logger *zap.Logger) *EventLog {
	opts.withDefaults()
	return &EventLog{
		ch:      make(chan Event, opts.Buffer),
		storage: storage,
		opts:    opts,
		logger:  logger.With(zap.String("mod", "eventlog")),
	}
}

func (l *EventLog) Start() {
	l.wg.Add(1)
	go l.worker()
}

// Stop идемпотентен.
func (l *EventLog) Stop() {
	l.stopOnce.Do(func() {
		l.closeMu.Lock()
		l.closed = true
		close(l.ch)
		l.closeMu.Unlock()

		l.logger.Info("stopping event log: flushing buffer")
		l.wg.Wait()
		l.logger.Info("event log stopped")
	})
}

// Append возвращает false, если событие не принято (журнал остановлен или буфер полон).
func (l *EventLog) Append(e Event) bool {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()

	if l.closed {
		l.logger.Warn("event dropped: log is stopped", zap.String("id", e.ID), zap.String("kind", string(e.Kind)))
		return false
	}
	select {
	case l.ch <- e:
		return true
	default:
		l.logger.Error("event_buffer_overflow",
			zap.String("subject_id", e.SubjectID),
			zap.String("kind", string(e.Kind)),
		)
		return false
	}
}

func (l *EventLog) worker() {
	defer l.wg.Done()

	batch := make([]Event, 0, l.opts.BatchSize)
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: на финальном flush контекст приложения уже отменен.
		if err := l.storage.WriteBatch(context.Background(), batch); err != nil {
			l.logger.Error("event flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = make([]Event, 0, l.opts.BatchSize)
	}

	for {
		select {
		case e, ok := <-l.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= l.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
