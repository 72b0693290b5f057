package settlement

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often the reconciler polls the gateway.
const DefaultPollInterval = 5 * time.Minute

// Timer periodically runs the settlement poll.
type Timer struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a settlement poll timer. A non-positive interval
// falls back to the default.
func NewTimer(reconciler *Reconciler, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Timer{
		reconciler: reconciler,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Start begins the poll loop in a goroutine. Safe to call once.
func (t *Timer) Start() {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	t.logger.Info("settlement timer started", "interval", t.interval)

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				t.running.Store(false)
				t.logger.Info("settlement timer stopped")
				return
			case <-ticker.C:
				t.tick()
			}
		}
	}()
}

// Stop signals the poll loop to exit.
func (t *Timer) Stop() {
	if t.running.Load() {
		close(t.stop)
	}
}

// Running reports whether the poll loop is active (used by health checks).
func (t *Timer) Running() bool {
	return t.running.Load()
}

func (t *Timer) tick() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("settlement poll panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.interval)
	defer cancel()
	t.reconciler.Poll(ctx)
}
