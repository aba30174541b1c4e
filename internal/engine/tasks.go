package engine

import (
	"sync"
	"time"
)

// DelayedTasks: отложенные задачи с ключом (id точки или сессии).
// Повторный Schedule по тому же ключу заменяет задачу, Cancel гарантирует,
// что отмененная задача не выполнится, даже если таймер уже сработал.
type DelayedTasks struct {
	mu      sync.Mutex
	tasks   map[string]*delayedTask
	seq     uint64
	stopped bool
}

type delayedTask struct {
	timer *time.Timer
	seq   uint64
}

func NewDelayedTasks() *DelayedTasks {
	return &DelayedTasks{tasks: make(map[string]*delayedTask)}
}

func (d *DelayedTasks) Schedule(id string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if prev, ok := d.tasks[id]; ok {
		prev.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.tasks[id] = &delayedTask{
		seq: seq,
		timer: time.AfterFunc(delay, func() {
			d.mu.Lock()
			cur, ok := d.tasks[id]
			if !ok || cur.seq != seq {
				d.mu.Unlock()
				return
			}
			delete(d.tasks, id)
			d.mu.Unlock()
			fn()
		}),
	}
}

// Cancel возвращает true, если задача была запланирована.
func (d *DelayedTasks) Cancel(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(d.tasks, id)
	return true
}

func (d *DelayedTasks) Pending(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tasks[id]
	return ok
}

func (d *DelayedTasks) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// CancelAll снимает все задачи, новые по-прежнему принимаются.
func (d *DelayedTasks) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.tasks {
		t.timer.Stop()
		delete(d.tasks, id)
	}
}

// Stop снимает все задачи и перестает принимать новые.
func (d *DelayedTasks) Stop() {
	d.CancelAll()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}
