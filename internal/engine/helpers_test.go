package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

var baseTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(t time.Time) *manualClock {
	return &manualClock{now: t}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type capturedEvent struct {
	subject string
	kind    domain.EventKind
	detail  map[string]any
}

type eventCapture struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (c *eventCapture) Record(subjectID string, kind domain.EventKind, detail map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{subjectID, kind, detail})
}

func (c *eventCapture) Count(kind domain.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (c *eventCapture) Last(kind domain.EventKind) (capturedEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].kind == kind {
			return c.events[i], true
		}
	}
	return capturedEvent{}, false
}

// stubProber проваливает probe для точек из fail.
type stubProber struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls int
}

func newStubProber(failing ...string) *stubProber {
	p := &stubProber{fail: make(map[string]bool)}
	for _, id := range failing {
		p.fail[id] = true
	}
	return p
}

func (p *stubProber) SetFailing(id string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[id] = failing
}

func (p *stubProber) Probe(ctx context.Context, ep domain.Endpoint) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail[ep.ID()] {
		return 0, errors.New("probe refused")
	}
	return 15 * time.Millisecond, nil
}

func endpoints(n int) []domain.Endpoint {
	out := make([]domain.Endpoint, n)
	for i := range out {
		out[i] = domain.Endpoint{Host: fmt.Sprintf("10.0.0.%d", i+1), Port: 8080, Transport: domain.TransportHTTP}
	}
	return out
}

// memStore: хранилище записей в памяти с подсчетом записей и управляемыми сбоями.
type memStore struct {
	mu        sync.Mutex
	recs      map[string]*domain.Session
	writes    int
	failWrite error
	failList  error
	delay     time.Duration
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*domain.Session)}
}

func (s *memStore) WriteRecord(ctx context.Context, rec *domain.Session) error {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	s.writes++
	s.recs[rec.ID] = rec.Clone()
	return nil
}

func (s *memStore) ReadRecord(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *memStore) ListRecordIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList != nil {
		return nil, s.failList
	}
	ids := make([]string, 0, len(s.recs))
	for id := range s.recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) DeleteRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

func (s *memStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// SetWriteDelay имитирует медленное хранилище.
func (s *memStore) SetWriteDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *memStore) SetFailWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrite = err
}

type fixedProfiles struct{}

func (fixedProfiles) NextProfile(accountRef string) domain.Profile {
	return domain.Profile{
		Ref:    "profile-" + accountRef,
		Window: domain.ScheduleWindow{Start: baseTime, End: baseTime.Add(4 * time.Hour)},
	}
}
