package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const deliveryTimeout = 5 * time.Second

// Dispatcher отвязывает запись события от доставки алерта: медленный Sink
// не должен тормозить переходы сессий. При переполнении очереди алерт
// падает в лог и теряется.
type Dispatcher struct {
	sink   Sink
	ch     chan Alert
	logger *zap.Logger

	closeMu  sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewDispatcher(sink Sink, buffer int, logger *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		sink:   sink,
		ch:     make(chan Alert, buffer),
		logger: logger.Named("alert_dispatcher"),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for a := range d.ch {
			d.deliver(a)
		}
	}()
}

func (d *Dispatcher) deliver(a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := d.sink.Trigger(ctx, a); err != nil {
		d.logger.Error("alert delivery failed",
			zap.String("kind", string(a.Kind)),
			zap.String("subject_id", a.SubjectID),
			zap.Error(err))
	}
}

// Trigger ставит алерт в очередь, не блокируясь.
func (d *Dispatcher) Trigger(a Alert) bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.ch <- a:
		return true
	default:
		d.logger.Error("alert_queue_overflow",
			zap.String("kind", string(a.Kind)),
			zap.String("subject_id", a.SubjectID))
		return false
	}
}

// Stop доставляет остаток очереди и выходит.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.closeMu.Lock()
		d.closed = true
		close(d.ch)
		d.closeMu.Unlock()
		d.wg.Wait()
	})
}
