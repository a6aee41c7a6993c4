package authgate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/manuelleigh/paynotify-agent/internal/metrics"
)

// notifyTimeout bounds a single subscriber notification
const notifyTimeout = 5 * time.Second

// Notifier is told once each time the gate flips to invalid
type Notifier interface {
	NotifyAuthInvalid(ctx context.Context) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context) error

func (f NotifierFunc) NotifyAuthInvalid(ctx context.Context) error { return f(ctx) }

// Persister stores the flag so a restart keeps delivery paused
type Persister interface {
	AuthInvalid(ctx context.Context) (bool, error)
	SetAuthInvalid(ctx context.Context, invalid bool) error
}

// Gate pauses all network delivery after the collector rejects the credential.
// The in-memory flag is the source of truth; persistence and notification are
// best effort.
type Gate struct {
	invalid atomic.Bool
	persist Persister
	logger  *zap.Logger

	// flipMu orders each flip with its persisted write
	flipMu sync.Mutex

	mu          sync.RWMutex
	subscribers []Notifier
	wg          sync.WaitGroup
}

// Load creates a gate initialised from the persisted flag
func Load(ctx context.Context, persist Persister, logger *zap.Logger) (*Gate, error) {
	g := &Gate{persist: persist, logger: logger}
	invalid, err := persist.AuthInvalid(ctx)
	if err != nil {
		return nil, err
	}
	g.invalid.Store(invalid)
	setGauge(invalid)
	return g, nil
}

// Subscribe adds a notifier for future invalidations
func (g *Gate) Subscribe(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers = append(g.subscribers, n)
}

func (g *Gate) IsInvalid() bool {
	return g.invalid.Load()
}

// SetInvalid flips the gate. Going from valid to invalid notifies every
// subscriber exactly once; repeated calls while invalid are absorbed.
func (g *Gate) SetInvalid(ctx context.Context, invalid bool) {
	g.flipMu.Lock()
	defer g.flipMu.Unlock()

	if invalid {
		if !g.invalid.CompareAndSwap(false, true) {
			return
		}
		g.logger.Warn("Credential rejected by collector, delivery paused")
	} else {
		if !g.invalid.Swap(false) {
			return
		}
		g.logger.Info("Auth gate cleared, delivery resumed")
	}
	setGauge(invalid)

	if err := g.persist.SetAuthInvalid(ctx, invalid); err != nil {
		g.logger.Error("Failed to persist auth flag", zap.Bool("invalid", invalid), zap.Error(err))
	}

	if invalid {
		g.notify()
	}
}

func (g *Gate) notify() {
	g.mu.RLock()
	subs := make([]Notifier, len(g.subscribers))
	copy(subs, g.subscribers)
	g.mu.RUnlock()

	for _, n := range subs {
		g.wg.Add(1)
		go func(n Notifier) {
			defer g.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error("Auth notifier panicked", zap.Any("panic", r))
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := n.NotifyAuthInvalid(ctx); err != nil {
				g.logger.Warn("Failed to notify frontend of invalid auth", zap.Error(err))
			}
		}(n)
	}
}

// Wait blocks until in-flight notifications finish
func (g *Gate) Wait() {
	g.wg.Wait()
}

func setGauge(invalid bool) {
	if invalid {
		metrics.AuthInvalid.Set(1)
	} else {
		metrics.AuthInvalid.Set(0)
	}
}
