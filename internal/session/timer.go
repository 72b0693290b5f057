package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultTickInterval is how often the timer sweeps active sessions.
const DefaultTickInterval = 60 * time.Second

// Timer periodically drives time-based session transitions.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a session timer. A non-positive interval falls back
// to the default.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the tick loop in a goroutine. Safe to call once.
func (t *Timer) Start() {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	t.logger.Info("session timer started", "interval", t.interval)

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				t.running.Store(false)
				t.logger.Info("session timer stopped")
				return
			case <-ticker.C:
				t.tick()
			}
		}
	}()
}

// Stop signals the tick loop to exit.
func (t *Timer) Stop() {
	if t.running.Load() {
		close(t.stop)
	}
}

// Running reports whether the tick loop is active (used by health checks).
func (t *Timer) Running() bool {
	return t.running.Load()
}

func (t *Timer) tick() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("session timer tick panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.interval)
	defer cancel()
	t.service.Tick(ctx)
}
