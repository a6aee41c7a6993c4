package watchdog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/manuelleigh/paynotify-agent/internal/metrics"
)

// Probe inspects and repairs the capture source
type Probe interface {
	PermissionEnabled(ctx context.Context) (bool, error)
	RequestRebind(ctx context.Context) error
	ToggleComponent(ctx context.Context) error
}

// HealthStore holds the listener heartbeat and last repair time. A zero time
// means never.
type HealthStore interface {
	Heartbeat(ctx context.Context) (time.Time, error)
	LastRepairAttempt(ctx context.Context) (time.Time, error)
	SetLastRepairAttempt(ctx context.Context, t time.Time) error
}

// Result is the outcome of one check, also used as the metric label
type Result string

const (
	ResultPermissionOff Result = "permission_off"
	ResultCooldown      Result = "cooldown"
	ResultHealthy       Result = "healthy"
	ResultRebound       Result = "rebound"
	ResultToggled       Result = "toggled"
	ResultRepairFailed  Result = "repair_failed"
	ResultError         Result = "error"
)

type Config struct {
	StaleThreshold time.Duration
	RepairCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleThreshold: 30 * time.Minute,
		RepairCooldown: 10 * time.Minute,
	}
}

// Watchdog detects a silently stuck capture source and forces it to reconnect
type Watchdog struct {
	probe  Probe
	health HealthStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(probe Probe, health HealthStore, cfg Config, logger *zap.Logger, now func() time.Time) *Watchdog {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Minute
	}
	if cfg.RepairCooldown <= 0 {
		cfg.RepairCooldown = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Watchdog{probe: probe, health: health, cfg: cfg, logger: logger, now: now}
}

// Run is the coalescer entry point; it never fails the periodic cycle
func (w *Watchdog) Run(ctx context.Context) {
	res, err := w.Check(ctx)
	metrics.WatchdogChecksTotal.WithLabelValues(string(res)).Inc()

	switch {
	case err != nil:
		w.logger.Error("Watchdog check finished with error", zap.String("result", string(res)), zap.Error(err))
	case res == ResultRebound || res == ResultToggled:
		w.logger.Warn("Capture source looked stuck, repair requested", zap.String("result", string(res)))
	default:
		w.logger.Debug("Watchdog check finished", zap.String("result", string(res)))
	}
}

// Check runs one watchdog pass. The returned error is for logging only.
func (w *Watchdog) Check(ctx context.Context) (Result, error) {
	enabled, err := w.probe.PermissionEnabled(ctx)
	if err != nil {
		return ResultError, err
	}
	if !enabled {
		return ResultPermissionOff, nil
	}

	now := w.now()

	lastRepair, err := w.health.LastRepairAttempt(ctx)
	if err != nil {
		return ResultError, err
	}
	if !lastRepair.IsZero() && now.Sub(lastRepair) < w.cfg.RepairCooldown {
		return ResultCooldown, nil
	}

	heartbeat, err := w.health.Heartbeat(ctx)
	if err != nil {
		return ResultError, err
	}
	stale := heartbeat.IsZero() || now.Sub(heartbeat) > w.cfg.StaleThreshold
	if !stale {
		return ResultHealthy, nil
	}

	if err := w.health.SetLastRepairAttempt(ctx, now); err != nil {
		w.logger.Error("Failed to record repair attempt", zap.Error(err))
	}
	return w.repair(ctx)
}

func (w *Watchdog) repair(ctx context.Context) (Result, error) {
	rebindErr := w.probe.RequestRebind(ctx)
	if rebindErr == nil {
		return ResultRebound, nil
	}
	w.logger.Warn("Rebind failed, toggling capture source", zap.Error(rebindErr))

	if err := w.probe.ToggleComponent(ctx); err != nil {
		return ResultRepairFailed, err
	}
	return ResultToggled, nil
}
