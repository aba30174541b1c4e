package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"go.uber.org/zap"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]Event
}

func (m *memStorage) WriteBatch(ctx context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, events)
	return nil
}

func (m *memStorage) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestEventLogDrainsOnStop(t *testing.T) {
	t.Parallel()

	store := &memStorage{}
	log := NewEventLog(store, Options{BatchSize: 10, FlushInterval: time.Hour}, zap.NewNop())
	log.Start()

	for i := 0; i < 25; i++ {
		require.True(t, log.Append(Event{ID: fmt.Sprint(i), Kind: domain.EventHeartbeat}))
	}
	log.Stop()

	assert.Equal(t, 25, store.total())
	assert.False(t, log.Append(Event{ID: "late"}))
	log.Stop()
}

func TestEventLogFlushesOnTicker(t *testing.T) {
	t.Parallel()

	store := &memStorage{}
	log := NewEventLog(store, Options{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, zap.NewNop())
	log.Start()
	defer log.Stop()

	log.Append(Event{ID: "1"})
	assert.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEventLogShedsLoadWhenFull(t *testing.T) {
	t.Parallel()

	// воркер не запущен: буфер на 2 события заполняется и дальше события сбрасываются
	log := NewEventLog(&memStorage{}, Options{Buffer: 2}, zap.NewNop())
	assert.True(t, log.Append(Event{ID: "1"}))
	assert.True(t, log.Append(Event{ID: "2"}))
	assert.False(t, log.Append(Event{ID: "3"}))
}

func TestCopyDetailIsolatesCaller(t *testing.T) {
	t.Parallel()

	src := map[string]any{"a": 1}
	cp := CopyDetail(src)
	src["a"] = 2
	assert.Equal(t, 1, cp["a"])
	assert.Nil(t, CopyDetail(nil))
}
