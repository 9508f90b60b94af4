package resources

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
)

const KindTimer = "timer"

var ErrInvalidInterval = errors.New("resources: timer interval must be positive")

type TimerOption func(*Timer)

func WithTimerClock(clock clockwork.Clock) TimerOption {
	return func(t *Timer) { t.clock = clock }
}

// Timer is a resource that runs a task every interval while active. A failing
// run does not stop the timer; it makes the next health check report degraded.
type Timer struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context) error
	clock    clockwork.Clock
	logger   log.Log

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error

	runs     atomic.Uint64
	failures atomic.Uint64
}

var (
	_ Resource      = (*Timer)(nil)
	_ HealthChecker = (*Timer)(nil)
)

func NewTimer(name string, interval time.Duration, task func(ctx context.Context) error, logger log.Log, opts ...TimerOption) *Timer {
	t := &Timer{
		name:     name,
		interval: interval,
		task:     task,
		clock:    clockwork.NewRealClock(),
		logger:   logger.With(log.String("timer", name)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Timer) Kind() string            { return KindTimer }
func (t *Timer) Name() string            { return t.name }
func (t *Timer) Interval() time.Duration { return t.interval }
func (t *Timer) Runs() uint64            { return t.runs.Load() }
func (t *Timer) Failures() uint64        { return t.failures.Load() }

func (t *Timer) Initialize(context.Context) error {
	if t.interval <= 0 {
		return ErrInvalidInterval
	}
	return nil
}

// Activate starts the ticking goroutine. It outlives ctx; Deactivate stops it.
func (t *Timer) Activate(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)
	return nil
}

func (t *Timer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.fire(ctx)
		}
	}
}

func (t *Timer) fire(ctx context.Context) {
	err := safely(func() error { return t.task(ctx) })
	t.runs.Add(1)
	if err != nil && ctx.Err() == nil {
		t.failures.Add(1)
		t.logger.Warn("Timer task failed", log.Error(err))
	}
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

func (t *Timer) Deactivate(context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (t *Timer) Dispose(ctx context.Context) error {
	return t.Deactivate(ctx)
}

func (t *Timer) HealthCheck(context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr == nil, nil
}
