package ticker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/timekeeper/internal/timers"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultInterval is the wall-clock period between ticks and the progress added per tick.
	DefaultInterval    = time.Second
	defaultConcurrency = 8
)

var (
	errMissingTimers      = errors.New("ticker: timer store required")
	errMissingBroadcaster = errors.New("ticker: broadcaster required")
)

// TimerStore is the slice of the timer service the ticker drives.
type TimerStore interface {
	ListActive(ctx context.Context) ([]timers.Timer, error)
	AdvanceProgress(ctx context.Context, timerID string, stepMs int64) (bool, error)
}

// Broadcaster pushes fresh snapshots to every live connection.
type Broadcaster interface {
	BroadcastAll(ctx context.Context)
}

// Config wires the ticker.
type Config struct {
	Timers      TimerStore
	Broadcaster Broadcaster
	Clock       clockwork.Clock
	Interval    time.Duration
	Concurrency int
	Logger      *zap.Logger
}

// Ticker advances every active timer by one interval per tick and then broadcasts.
type Ticker struct {
	timers      TimerStore
	broadcaster Broadcaster
	clock       clockwork.Clock
	interval    time.Duration
	concurrency int
	logger      *zap.Logger

	running sync.Mutex
}

// Result summarizes one tick.
type Result struct {
	Advanced int
	Skipped  int
	Failed   int
}

func New(cfg Config) (*Ticker, error) {
	if cfg.Timers == nil {
		return nil, errMissingTimers
	}
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ticker{
		timers:      cfg.Timers,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Run ticks until ctx is cancelled. Ticks that come due while a previous tick is
// still running are dropped by the underlying ticker rather than queued.
func (t *Ticker) Run(ctx context.Context) {
	clockTicker := t.clock.NewTicker(t.interval)
	defer clockTicker.Stop()

	t.logger.Info("timer ticker started", zap.Duration("interval", t.interval))
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("timer ticker stopped")
			return
		case <-clockTicker.Chan():
			t.Tick(ctx)
		}
	}
}

// Tick advances every active timer by exactly one interval, then broadcasts
// unconditionally. A tick invoked while another is in flight is skipped.
func (t *Ticker) Tick(ctx context.Context) Result {
	if !t.running.TryLock() {
		t.logger.Warn("timer tick skipped", zap.String("reason", "previous_tick_running"))
		return Result{}
	}
	defer t.running.Unlock()

	result := t.advance(ctx)
	t.broadcaster.BroadcastAll(ctx)
	return result
}

func (t *Ticker) advance(ctx context.Context) Result {
	active, err := t.timers.ListActive(ctx)
	if err != nil {
		t.logger.Error("timer tick could not list active timers", zap.Error(err))
		return Result{}
	}

	stepMs := t.interval.Milliseconds()
	var (
		mu     sync.Mutex
		result Result
	)
	group := errgroup.Group{}
	group.SetLimit(t.concurrency)
	for _, timer := range active {
		timer := timer
		group.Go(func() error {
			advanced, err := t.timers.AdvanceProgress(ctx, timer.ID, stepMs)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				t.logger.Error("timer progress update failed",
					zap.String("timer_id", timer.ID),
					zap.String("owner", timer.Owner),
					zap.Error(err))
			case advanced:
				result.Advanced++
			default:
				result.Skipped++
			}
			return nil
		})
	}
	_ = group.Wait()

	if result.Failed > 0 || result.Skipped > 0 {
		t.logger.Debug("timer tick completed",
			zap.Int("advanced", result.Advanced),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed))
	}
	return result
}
