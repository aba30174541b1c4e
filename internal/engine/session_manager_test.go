package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"github.com/xela07ax/fleet-orchestrator/internal/repository/filestore"
	"go.uber.org/zap"
)

type managerFixture struct {
	sm     *SessionManager
	pool   *EndpointPool
	store  *memStore
	events *eventCapture
	clock  *manualClock
}

func newManagerFixture(t *testing.T, store SessionStore, poolSize, perEndpoint int) managerFixture {
	t.Helper()
	events := &eventCapture{}
	clock := newManualClock(baseTime)
	pool := NewEndpointPool(PoolOptions{PerEndpointMax: perEndpoint, EvictAfter: 3, RecheckDelay: time.Hour},
		newStubProber(), events, clock, NewMetrics(nil), zap.NewNop())
	t.Cleanup(pool.Close)
	require.NoError(t, pool.InitializePool(context.Background(), endpoints(poolSize)))

	mem, _ := store.(*memStore)
	sm := NewSessionManager(store, pool, fixedProfiles{}, events, clock, NewMetrics(nil),
		SessionOptions{HeartbeatFlushInterval: 30 * time.Second}, zap.NewNop())
	return managerFixture{sm: sm, pool: pool, store: mem, events: events, clock: clock}
}

func TestCreateLeasesEndpointAndPersists(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 2, 2)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)

	s, err := f.sm.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateInitializing, s.State)
	assert.Equal(t, "acct-1", s.AccountRef)
	assert.Equal(t, "profile-acct-1", s.ProfileRef)
	assert.NotEmpty(t, s.EndpointID)
	assert.Equal(t, domain.SessionSchemaVersion, s.SchemaVersion)

	rec, err := f.store.ReadRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateInitializing, rec.State)
	assert.Equal(t, 1, f.pool.Stats().TotalAssigned)
	assert.Equal(t, 1, f.events.Count(domain.EventSessionCreated))
}

func TestCreateFailsWhenPoolIsExhausted(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 1, 1)
	ctx := context.Background()

	_, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)

	f.sm.Reserve(1)
	_, err = f.sm.Create(ctx, "acct-2", WithReservation())
	require.ErrorIs(t, err, domain.ErrNoEndpointAvailable)

	assert.Equal(t, 1, f.sm.ScheduledCount(), "failed create gives its reserved slot back")
	assert.Equal(t, 1, f.events.Count(domain.EventSessionCreateFailed))
	assert.Len(t, f.sm.Live(), 1)
}

func TestTransitionFollowsStateMachine(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 1, 3)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)

	require.NoError(t, f.sm.Transition(ctx, id, domain.StateRunning, "started"))
	require.NoError(t, f.sm.Transition(ctx, id, domain.StatePaused, "operator"))
	err = f.sm.Transition(ctx, id, domain.StateInitializing, "back")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, f.sm.Transition(ctx, id, domain.StateCompleted, "done", WithStats(domain.StatsDelta{Successes: 4})))
	err = f.sm.Transition(ctx, id, domain.StateRunning, "revive")
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "terminal state is final")

	err = f.sm.Transition(ctx, "missing", domain.StateRunning, "")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	s, err := f.sm.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, s.State)
	assert.EqualValues(t, 4, s.Stats.Successes)

	last, ok := f.events.Last(domain.EventStatusChanged)
	require.True(t, ok)
	assert.Equal(t, "paused", last.detail["from"])
	assert.Equal(t, "completed", last.detail["to"])
}

func TestActiveTimeCountsOnlyRunningIntervals(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 1, 3)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)
	require.NoError(t, f.sm.Transition(ctx, id, domain.StateRunning, ""))
	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.sm.Transition(ctx, id, domain.StateIdle, ""))
	f.clock.Advance(time.Hour)
	require.NoError(t, f.sm.Transition(ctx, id, domain.StateRunning, ""))
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.sm.Cleanup(ctx, id, domain.StateCompleted, "window closed"))

	rec, err := f.store.ReadRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, rec.Stats.ActiveTime)
	assert.Equal(t, 75*time.Minute, rec.Duration)
}

func TestCleanupEndsSessionAndReleasesEndpoint(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 1, 3)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)
	require.NoError(t, f.sm.Cleanup(ctx, id, domain.StateStopped, "scale down"))

	assert.Empty(t, f.sm.Live())
	assert.Zero(t, f.pool.Stats().TotalAssigned)

	s, err := f.sm.Get(ctx, id)
	require.NoError(t, err, "history answers after cleanup")
	assert.Equal(t, domain.StateStopped, s.State)
	assert.Equal(t, "scale down", s.StateReason)
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, 1, f.events.Count(domain.EventSessionStopped))

	require.NoError(t, f.sm.Cleanup(ctx, id, domain.StateStopped, "again"), "unknown id is a no-op")
	require.NoError(t, f.sm.Cleanup(ctx, "never-existed", domain.StateFailed, ""))
	assert.Equal(t, 1, f.events.Count(domain.EventSessionStopped))

	err = f.sm.Cleanup(ctx, id, domain.StateRunning, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCleanupKeepsExistingTerminalState(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 1, 3)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)
	require.NoError(t, f.sm.RecordError(ctx, id, "captcha wall", "login", true))
	require.NoError(t, f.sm.Cleanup(ctx, id, domain.StateCompleted, "run completed"))

	rec, err := f.store.ReadRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, rec.State)
	assert.Equal(t, "critical error: captcha wall", rec.StateReason)
	require.Len(t, rec.Stats.Errors, 1)
	assert.True(t, rec.Stats.Errors[0].Critical)
	assert.Equal(t, 1, f.events.Count(domain.EventSessionFailed))
}

func TestHeartbeatPersistsAtMostOncePerFlushInterval(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 1, 3)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)
	writes := f.store.Writes()

	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Second)
		require.NoError(t, f.sm.RecordHeartbeat(ctx, id))
	}
	assert.Equal(t, writes, f.store.Writes())
	assert.Zero(t, f.events.Count(domain.EventHeartbeat))

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.sm.RecordHeartbeat(ctx, id))
	assert.Equal(t, writes+1, f.store.Writes())
	assert.Equal(t, 1, f.events.Count(domain.EventHeartbeat))

	live, err := f.sm.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), live.LastHeartbeatAt, "live copy is always current")

	require.ErrorIs(t, f.sm.RecordHeartbeat(ctx, "missing"), domain.ErrSessionNotFound)
}

func TestDetectStaleMarksUnhealthyAndHeartbeatRevives(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 1, 3)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)
	require.NoError(t, f.sm.Transition(ctx, id, domain.StateRunning, ""))

	f.clock.Advance(3 * time.Minute)
	assert.Empty(t, f.sm.DetectStale(ctx, 2*time.Minute, 5*time.Minute))
	s, _ := f.sm.Get(ctx, id)
	assert.Equal(t, domain.StateUnhealthy, s.State)
	assert.Equal(t, 1, f.events.Count(domain.EventSessionUnhealthy))

	require.NoError(t, f.sm.RecordHeartbeat(ctx, id))
	s, _ = f.sm.Get(ctx, id)
	assert.Equal(t, domain.StateRunning, s.State)

	f.clock.Advance(3 * time.Minute)
	f.sm.DetectStale(ctx, 2*time.Minute, 5*time.Minute)
	f.clock.Advance(6 * time.Minute)
	assert.Equal(t, []string{id}, f.sm.DetectStale(ctx, 2*time.Minute, 5*time.Minute))
}

func TestRestartReplacesSessionForSameAccount(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 1, 3)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)

	newID, err := f.sm.Restart(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	old, err := f.sm.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRestarting, old.State)

	fresh, err := f.sm.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", fresh.AccountRef)
	assert.Equal(t, 1, f.sm.ScheduledCount())
	assert.Equal(t, 1, f.pool.Stats().TotalAssigned)
	assert.Equal(t, 1, f.events.Count(domain.EventSessionRestarted))

	_, err = f.sm.Restart(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestFailoverRebindsToReplacementEndpoint(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 2, 3)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)
	before, _ := f.sm.Get(ctx, id)

	lease, err := f.sm.Failover(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, before.EndpointID, lease.EndpointID)

	after, _ := f.sm.Get(ctx, id)
	assert.Equal(t, lease.EndpointID, after.EndpointID)
	assert.Equal(t, 1, f.pool.Stats().TotalAssigned)
	assert.Equal(t, 1, f.events.Count(domain.EventEndpointReplaced))
}

func TestFailoverWithoutReplacementLeavesSessionUnbound(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 1, 3)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)

	_, err = f.sm.Failover(ctx, id)
	require.ErrorIs(t, err, domain.ErrNoEndpointAvailable)

	s, _ := f.sm.Get(ctx, id)
	assert.Empty(t, s.EndpointID)
	require.NoError(t, f.sm.Cleanup(ctx, id, domain.StateStopped, ""))
}

func TestOldestActiveBreaksTiesById(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 4, 3)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.sm.Create(ctx, "acct")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	f.clock.Advance(time.Minute)
	newest, err := f.sm.Create(ctx, "acct")
	require.NoError(t, err)

	oldest := f.sm.OldestActive(3)
	require.Len(t, oldest, 3)
	assert.NotContains(t, oldest, newest)
	assert.IsIncreasing(t, oldest)

	f.sm.MarkStopping(oldest[:1])
	assert.Equal(t, 3, f.sm.ScheduledCount())
	assert.NotContains(t, f.sm.OldestActive(4), oldest[0])
}

func TestRecoverClosesInterruptedRecords(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	running := baseTime.Add(-2 * time.Hour)
	require.NoError(t, store.WriteRecord(context.Background(), &domain.Session{
		ID: "crashed", AccountRef: "acct-1", State: domain.StateRunning,
		CreatedAt: running, RunningSince: &running, LastHeartbeatAt: running.Add(30 * time.Minute),
		UpdatedAt: running.Add(20 * time.Minute), Revision: 7,
	}))
	require.NoError(t, store.WriteRecord(context.Background(), &domain.Session{
		ID: "finished", State: domain.StateCompleted, CreatedAt: running, Revision: 3,
	}))

	f := newManagerFixture(t, store, 1, 3)
	n, err := f.sm.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := store.ReadRecord(context.Background(), "crashed")
	require.NoError(t, err)
	assert.Equal(t, domain.StateStopped, rec.State)
	assert.Equal(t, recoveredReason, rec.StateReason)
	assert.Equal(t, 30*time.Minute, rec.Stats.ActiveTime)
	assert.Equal(t, 1, f.events.Count(domain.EventSessionRecovered))

	done, _ := store.ReadRecord(context.Background(), "finished")
	assert.Equal(t, domain.StateCompleted, done.State)
}

func TestPersistenceFailureDoesNotBlockLifecycle(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 1, 3)
	ctx := context.Background()
	f.store.SetFailWrite(errors.New("disk full"))

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)
	require.NoError(t, f.sm.Transition(ctx, id, domain.StateRunning, ""))
	require.Error(t, f.sm.PersistenceError())

	f.store.SetFailWrite(nil)
	require.NoError(t, f.sm.RecordProgress(ctx, id, domain.StatsDelta{Successes: 1}))
	assert.NoError(t, f.sm.PersistenceError())

	rec, err := f.store.ReadRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, rec.State, "the next write carries the full snapshot")
}

func TestSummaryDegradesWhenHistoryIsUnavailable(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 2, 3)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)
	require.NoError(t, f.sm.RecordProgress(ctx, id, domain.StatsDelta{Successes: 2, LoginAttempts: 1}))
	done, err := f.sm.Create(ctx, "acct-2")
	require.NoError(t, err)
	require.NoError(t, f.sm.Cleanup(ctx, done, domain.StateCompleted, ""))

	sum := f.sm.Summary(ctx)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Live)
	assert.EqualValues(t, 2, sum.Successes)
	assert.False(t, sum.Degraded)

	f.store.mu.Lock()
	f.store.failList = errors.New("connection refused")
	f.store.mu.Unlock()

	sum = f.sm.Summary(ctx)
	assert.True(t, sum.Degraded)
	assert.Equal(t, 1, sum.Total)
	assert.Contains(t, sum.Warning, "connection refused")
}

func TestLifecycleRoundTripThroughFileStore(t *testing.T) {
	t.Parallel()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	f := newManagerFixture(t, store, 1, 3)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)
	require.NoError(t, f.sm.Transition(ctx, id, domain.StateRunning, ""))
	require.NoError(t, f.sm.RecordError(ctx, id, "slow page", "browse", false))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.sm.Cleanup(ctx, id, domain.StateCompleted, "window closed"))

	rec, err := store.ReadRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, rec.State)
	assert.Equal(t, time.Minute, rec.Stats.ActiveTime)
	require.Len(t, rec.Stats.Errors, 1)
	assert.Equal(t, "slow page", rec.Stats.Errors[0].Message)

	// новый процесс видит ту же историю
	g := newManagerFixture(t, store, 1, 3)
	sum := g.sm.Summary(ctx)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.ByState[domain.StateCompleted])
}

// gatedLeaser задерживает ReportFailure, пока тест не откроет шлюз.
type gatedLeaser struct {
	EndpointLeaser
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLeaser) ReportFailure(endpointID, sessionID string) (*domain.Lease, error) {
	close(g.entered)
	<-g.release
	return g.EndpointLeaser.ReportFailure(endpointID, sessionID)
}

func TestFailoverRacingCleanupReleasesLeaseOnce(t *testing.T) {
	t.Parallel()
	events := &eventCapture{}
	clock := newManualClock(baseTime)
	pool := NewEndpointPool(PoolOptions{PerEndpointMax: 2, EvictAfter: 3, RecheckDelay: time.Hour},
		newStubProber(), events, clock, NewMetrics(nil), zap.NewNop())
	t.Cleanup(pool.Close)
	require.NoError(t, pool.InitializePool(context.Background(), endpoints(1)))
	gate := &gatedLeaser{EndpointLeaser: pool, entered: make(chan struct{}), release: make(chan struct{})}
	sm := NewSessionManager(newMemStore(), gate, fixedProfiles{}, events, clock, NewMetrics(nil), SessionOptions{}, zap.NewNop())
	ctx := context.Background()

	a, err := sm.Create(ctx, "acct-1")
	require.NoError(t, err)
	_, err = sm.Create(ctx, "acct-2")
	require.NoError(t, err)
	require.Equal(t, 2, pool.Stats().TotalAssigned)

	done := make(chan error, 1)
	go func() {
		_, err := sm.Failover(ctx, a)
		done <- err
	}()
	<-gate.entered
	require.NoError(t, sm.Cleanup(ctx, a, domain.StateStopped, "halted"))
	close(gate.release)

	require.ErrorIs(t, <-done, domain.ErrSessionNotFound)
	assert.Equal(t, 1, pool.Stats().TotalAssigned, "only the surviving session holds a lease")
	assert.Equal(t, 1, sm.pendingWriters(), "only the surviving session keeps a writer")
}

func TestConcurrentFailoverAndCleanupKeepAssignmentsInSync(t *testing.T) {
	t.Parallel()
	const perEndpoint = 5
	f := newManagerFixture(t, newMemStore(), 4, perEndpoint)
	ctx := context.Background()

	ids := make([]string, 12)
	for i := range ids {
		id, err := f.sm.Create(ctx, "acct-"+string(rune('a'+i)))
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.sm.Failover(ctx, id)
		}()
		if i%2 == 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = f.sm.Cleanup(ctx, id, domain.StateStopped, "halted")
			}()
		}
	}
	wg.Wait()

	bound := make(map[string]int)
	for _, s := range f.sm.Live() {
		if s.EndpointID != "" {
			bound[s.EndpointID]++
		}
	}
	for _, ep := range f.pool.Snapshot() {
		assert.GreaterOrEqual(t, ep.Assigned, 0, ep.ID())
		assert.LessOrEqual(t, ep.Assigned, perEndpoint, ep.ID())
		assert.Equal(t, bound[ep.ID()], ep.Assigned, "assignments match live sessions on %s", ep.ID())
	}
	assert.Len(t, f.sm.Live(), len(ids)/2)

	for _, s := range f.sm.Live() {
		require.NoError(t, f.sm.Cleanup(ctx, s.ID, domain.StateStopped, "drained"))
	}
	assert.Zero(t, f.pool.Stats().TotalAssigned)
	assert.Zero(t, f.sm.pendingWriters())
}

func TestWritersArePrunedAfterFinalRecord(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, newMemStore(), 2, 2)
	ctx := context.Background()

	id, err := f.sm.Create(ctx, "acct-1")
	require.NoError(t, err)
	require.NoError(t, f.sm.Transition(ctx, id, domain.StateRunning, "driver started"))
	stale, err := f.sm.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sm.pendingWriters())

	require.NoError(t, f.sm.Cleanup(ctx, id, domain.StateCompleted, "window closed"))
	assert.Zero(t, f.sm.pendingWriters())

	// запоздалый снимок завершенной сессии не пишется и не заводит writer заново
	writes := f.store.Writes()
	f.sm.persist(ctx, stale)
	assert.Equal(t, writes, f.store.Writes())
	assert.Zero(t, f.sm.pendingWriters())
	rec, err := f.store.ReadRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, rec.State)
}
