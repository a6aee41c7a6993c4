package trigger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunFunc is one unit of background work, e.g. a drain cycle
type RunFunc func(ctx context.Context)

// Coalescer runs one RunFunc on a single goroutine. At most one request is
// pending and at most one run is in flight, however many Kicks arrive.
type Coalescer struct {
	name   string
	run    RunFunc
	logger *zap.Logger

	pending chan struct{}

	mu             sync.Mutex
	periodic       time.Duration
	periodicCancel context.CancelFunc
	delayed        *time.Timer
	started        bool
	ctx            context.Context

	wg sync.WaitGroup
}

// New creates a coalescer; requests made before Start are kept
func New(name string, run RunFunc, logger *zap.Logger) *Coalescer {
	return &Coalescer{
		name:    name,
		run:     run,
		logger:  logger.With(zap.String("task", name)),
		pending: make(chan struct{}, 1),
	}
}

// Start launches the runner. It stops when ctx is cancelled.
func (c *Coalescer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx = ctx
	interval := c.periodic
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(ctx)

	if interval > 0 {
		c.mu.Lock()
		c.startPeriodicLocked(interval)
		c.mu.Unlock()
	}
}

// Wait blocks until the runner and periodic goroutines have exited
func (c *Coalescer) Wait() {
	c.wg.Wait()
}

// Kick requests a run soon. A request already waiting absorbs this one.
func (c *Coalescer) Kick() {
	select {
	case c.pending <- struct{}{}:
	default:
		c.logger.Debug("Kick absorbed, run already pending")
	}
}

// KickAfter schedules a single delayed Kick, replacing any earlier delayed one
func (c *Coalescer) KickAfter(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delayed != nil {
		c.delayed.Stop()
	}
	c.delayed = time.AfterFunc(delay, c.Kick)
}

// EnsurePeriodic guarantees a recurring Kick every interval. Calling it again
// with a different interval replaces the previous schedule.
func (c *Coalescer) EnsurePeriodic(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.periodic == interval && (c.periodicCancel != nil || !c.started) {
		return
	}
	c.periodic = interval
	if c.started {
		c.startPeriodicLocked(interval)
	}
}

func (c *Coalescer) startPeriodicLocked(interval time.Duration) {
	if c.periodicCancel != nil {
		c.periodicCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.periodicCancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Kick()
			case <-ctx.Done():
				return
			}
		}
	}()
	c.logger.Debug("Periodic schedule set", zap.Duration("interval", interval))
}

func (c *Coalescer) loop(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.delayed != nil {
			c.delayed.Stop()
		}
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.pending:
			c.runOnce(ctx)
		}
	}
}

func (c *Coalescer) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Background task panicked", zap.Any("panic", r))
		}
	}()
	c.run(ctx)
}
