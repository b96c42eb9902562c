// Package retention prunes old rows from the store on a periodic timer.
package retention

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/taskqd/taskqd/internal/metrics"
	"github.com/taskqd/taskqd/internal/settings"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/pkg/logger"
)

// defaultInterval is used when the DatabaseInterval setting is unusable.
const defaultInterval = 24 * time.Hour

// Timer runs the retention sweep at the DatabaseInterval period. Each sweep
// is three independent steps: finished tasks older than KeepTasks, users
// logged in before KeepUsers, expired tokens. A failing step never stops
// the others.
type Timer struct {
	store  *store.Store
	get    func(key string) string
	logger *logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
}

// New creates a stopped timer reading its periods through get.
func New(st *store.Store, get func(key string) string, log *logger.Logger) *Timer {
	return &Timer{
		store:  st,
		get:    get,
		logger: log.WithComponent("retention"),
		now:    time.Now,
	}
}

// Interval returns the configured sweep period.
func (t *Timer) Interval() time.Duration {
	return t.millis(settings.DatabaseInterval, defaultInterval)
}

// Start launches the sweep loop. No-op when already running.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ticker != nil {
		return
	}
	t.ticker = time.NewTicker(t.Interval())
	t.done = make(chan struct{})

	go func(ticker *time.Ticker, done chan struct{}) {
		for {
			select {
			case <-ticker.C:
				t.RunOnce(context.Background())
			case <-done:
				return
			}
		}
	}(t.ticker, t.done)

	t.logger.Info().Dur("interval", t.Interval()).Msg("retention timer started")
}

// Stop halts the sweep loop. No-op when stopped.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.done)
	t.ticker = nil
}

// Restart re-reads the interval. Called when DatabaseInterval changes.
func (t *Timer) Restart() {
	t.Stop()
	t.Start()
}

// RunOnce performs one sweep.
func (t *Timer) RunOnce(ctx context.Context) {
	now := t.now()

	if keep := t.millis(settings.KeepTasks, 0); keep > 0 {
		n, err := t.store.RemoveTasksBefore(ctx, now.Add(-keep))
		t.report("tasks", n, err)
	}
	if keep := t.millis(settings.KeepUsers, 0); keep > 0 {
		n, err := t.store.RemoveUsersBefore(ctx, now.Add(-keep))
		t.report("users", n, err)
	}

	n, err := t.store.RemoveExpiredTokens(ctx, now)
	t.report("tokens", n, err)
}

func (t *Timer) report(table string, removed int64, err error) {
	if err != nil {
		t.logger.Error().Err(err).Str("table", table).Msg("retention step failed")
		return
	}
	if removed > 0 {
		metrics.RowsPruned.WithLabelValues(table).Add(float64(removed))
		t.logger.Info().Str("table", table).Int64("removed", removed).Msg("rows pruned")
	}
}

// millis reads a millisecond-valued setting, falling back when it is
// missing or not a positive number.
func (t *Timer) millis(key string, fallback time.Duration) time.Duration {
	raw := t.get(key)
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// SetClock overrides the time source (tests only).
func (t *Timer) SetClock(now func() time.Time) {
	t.now = now
}
