package ticker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timekeeper/internal/timers"
	sqlite "github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type memoryStore struct {
	mu       sync.Mutex
	progress map[string]int64
	active   map[string]bool
	failing  map[string]bool
	listErr  error
}

func newMemoryStore(ids ...string) *memoryStore {
	store := &memoryStore{
		progress: map[string]int64{},
		active:   map[string]bool{},
		failing:  map[string]bool{},
	}
	for _, id := range ids {
		store.active[id] = true
	}
	return store
}

func (s *memoryStore) ListActive(context.Context) ([]timers.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var records []timers.Timer
	for id, active := range s.active {
		if active {
			records = append(records, timers.Timer{ID: id, IsActive: true, ProgressMs: s.progress[id]})
		}
	}
	return records, nil
}

func (s *memoryStore) AdvanceProgress(_ context.Context, timerID string, stepMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[timerID] {
		return false, errors.New("disk full")
	}
	if !s.active[timerID] {
		return false, nil
	}
	s.progress[timerID] += stepMs
	return true, nil
}

func (s *memoryStore) progressOf(timerID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress[timerID]
}

type countingBroadcaster struct {
	mu      sync.Mutex
	calls   int
	signal  chan struct{}
	release chan struct{}
}

func newCountingBroadcaster() *countingBroadcaster {
	return &countingBroadcaster{signal: make(chan struct{}, 16)}
}

func (b *countingBroadcaster) BroadcastAll(context.Context) {
	if b.release != nil {
		<-b.release
	}
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.signal <- struct{}{}
}

func (b *countingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func newTestTicker(t *testing.T, store TimerStore, broadcaster Broadcaster, clock clockwork.Clock) *Ticker {
	t.Helper()
	ticker, err := New(Config{
		Timers:      store,
		Broadcaster: broadcaster,
		Clock:       clock,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return ticker
}

func TestTickAdvancesEveryActiveTimerByOneInterval(t *testing.T) {
	store := newMemoryStore("t-1", "t-2")
	broadcaster := newCountingBroadcaster()
	ticker := newTestTicker(t, store, broadcaster, clockwork.NewFakeClock())

	for i := 0; i < 3; i++ {
		result := ticker.Tick(context.Background())
		require.Equal(t, 2, result.Advanced)
	}

	require.Equal(t, int64(3000), store.progressOf("t-1"))
	require.Equal(t, int64(3000), store.progressOf("t-2"))
	require.Equal(t, 3, broadcaster.count())
}

func TestTickBroadcastsWithoutActiveTimers(t *testing.T) {
	broadcaster := newCountingBroadcaster()
	ticker := newTestTicker(t, newMemoryStore(), broadcaster, clockwork.NewFakeClock())

	result := ticker.Tick(context.Background())

	require.Equal(t, Result{}, result)
	require.Equal(t, 1, broadcaster.count())
}

func TestTickIsolatesPerTimerFailures(t *testing.T) {
	store := newMemoryStore("t-ok", "t-broken")
	store.failing["t-broken"] = true
	broadcaster := newCountingBroadcaster()
	ticker := newTestTicker(t, store, broadcaster, clockwork.NewFakeClock())

	result := ticker.Tick(context.Background())

	require.Equal(t, 1, result.Advanced)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, int64(1000), store.progressOf("t-ok"))
	require.Equal(t, 1, broadcaster.count())
}

func TestTickBroadcastsWhenListingFails(t *testing.T) {
	store := newMemoryStore("t-1")
	store.listErr = errors.New("database is locked")
	broadcaster := newCountingBroadcaster()
	ticker := newTestTicker(t, store, broadcaster, clockwork.NewFakeClock())

	ticker.Tick(context.Background())

	require.Equal(t, int64(0), store.progressOf("t-1"))
	require.Equal(t, 1, broadcaster.count())
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	store := newMemoryStore("t-1")
	broadcaster := newCountingBroadcaster()
	broadcaster.release = make(chan struct{})
	ticker := newTestTicker(t, store, broadcaster, clockwork.NewFakeClock())

	done := make(chan struct{})
	go func() {
		ticker.Tick(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return store.progressOf("t-1") == 1000
	}, 2*time.Second, 5*time.Millisecond)

	skipped := ticker.Tick(context.Background())
	require.Equal(t, Result{}, skipped)

	close(broadcaster.release)
	<-done
	require.Equal(t, int64(1000), store.progressOf("t-1"))
	require.Equal(t, 1, broadcaster.count())
}

func TestRunTicksOnClockInterval(t *testing.T) {
	store := newMemoryStore("t-1")
	broadcaster := newCountingBroadcaster()
	clock := clockwork.NewFakeClock()
	ticker := newTestTicker(t, store, broadcaster, clock)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		ticker.Run(ctx)
		close(stopped)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	for i := 0; i < 3; i++ {
		clock.Advance(DefaultInterval)
		select {
		case <-broadcaster.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d did not broadcast", i+1)
		}
	}

	require.Equal(t, int64(3000), store.progressOf("t-1"))

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not stop after cancellation")
	}
}

func TestTickAgainstSQLiteStore(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ticker.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&timers.Timer{}))

	service, err := timers.NewService(timers.ServiceConfig{Database: db})
	require.NoError(t, err)

	ctx := context.Background()
	running, err := service.Create(ctx, "alice", "write spec")
	require.NoError(t, err)
	require.True(t, running.IsActive)
	require.Equal(t, int64(0), running.ProgressMs)

	broadcaster := newCountingBroadcaster()
	ticker := newTestTicker(t, service, broadcaster, clockwork.NewFakeClock())
	for i := 0; i < 3; i++ {
		ticker.Tick(ctx)
	}

	records, err := service.List(ctx, "alice", timers.FilterActive)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(3000), records[0].ProgressMs)

	stopped, err := service.Stop(ctx, running.ID)
	require.NoError(t, err)
	require.False(t, stopped.IsActive)

	ticker.Tick(ctx)
	inactive, err := service.List(ctx, "alice", timers.FilterInactive)
	require.NoError(t, err)
	require.Len(t, inactive, 1)
	require.Equal(t, int64(3000), inactive[0].ProgressMs)
}
