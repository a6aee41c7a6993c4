package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/manuelleigh/paynotify-agent/internal/client"
	"github.com/manuelleigh/paynotify-agent/internal/metrics"
	"github.com/manuelleigh/paynotify-agent/internal/models"
	"github.com/manuelleigh/paynotify-agent/internal/queue"
)

// Cycle results, also used as metric labels
const (
	ResultAuthPaused   = "auth_paused"
	ResultNoCredential = "no_credential"
	ResultStorageError = "storage_error"
	ResultEmpty        = "empty"
	ResultDrained      = "drained"
	ResultUnauthorized = "aborted_unauthorized"
)

const quarantineReason = "max attempts reached"

// Queue is the subset of the durable store a drain cycle needs
type Queue interface {
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	PendingBatch(ctx context.Context, now time.Time, limit int) ([]models.QueuedEvent, error)
	Claim(ctx context.Context, id int64, leaseUntil time.Time) (string, bool, error)
	Delete(ctx context.Context, id int64) error
	UpdateRetry(ctx context.Context, id int64, attempts int, lastError string, nextAttemptAt time.Time) error
	MarkAuthBlocked(ctx context.Context, id int64, lastError string) error
	CountEligible(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context, now time.Time, maxAttempts int) (queue.Stats, error)
}

type Deliverer interface {
	Send(ctx context.Context, token string, ev models.QueuedEvent) client.Outcome
}

type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

type Gate interface {
	IsInvalid() bool
	SetInvalid(ctx context.Context, invalid bool)
}

type Kicker interface {
	Kick()
}

type Config struct {
	BatchSize   int
	MaxAttempts int
	Backoff     BackoffConfig
	LeaseTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:   25,
		MaxAttempts: 20,
		Backoff:     DefaultBackoff(),
		LeaseTTL:    2 * time.Minute,
	}
}

// CycleResult summarises one drain cycle
type CycleResult struct {
	Result      string
	Fetched     int
	Delivered   int
	Retried     int
	Quarantined int
	Skipped     int
	Rearmed     bool
}

// Scheduler drains the durable queue in bounded batches
type Scheduler struct {
	queue  Queue
	client Deliverer
	creds  CredentialSource
	gate   Gate
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	kicker Kicker
}

type Option func(*Scheduler)

func WithNowFunc(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(q Queue, c Deliverer, creds CredentialSource, gate Gate, cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	s := &Scheduler{
		queue:  q,
		client: c,
		creds:  creds,
		gate:   gate,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetKicker wires the coalescer used to re-arm after a full batch
func (s *Scheduler) SetKicker(k Kicker) {
	s.kicker = k
}

// Run is the coalescer entry point: one cycle, logged at this boundary
func (s *Scheduler) Run(ctx context.Context) {
	res := s.Drain(ctx)
	metrics.DrainCyclesTotal.WithLabelValues(res.Result).Inc()

	fields := []zap.Field{
		zap.String("result", res.Result),
		zap.Int("fetched", res.Fetched),
		zap.Int("delivered", res.Delivered),
		zap.Int("retried", res.Retried),
		zap.Int("quarantined", res.Quarantined),
		zap.Int("skipped", res.Skipped),
		zap.Bool("rearmed", res.Rearmed),
	}
	switch res.Result {
	case ResultEmpty, ResultNoCredential, ResultAuthPaused:
		s.logger.Debug("Drain cycle finished", fields...)
	case ResultStorageError, ResultUnauthorized:
		s.logger.Warn("Drain cycle finished", fields...)
	default:
		s.logger.Info("Drain cycle finished", fields...)
	}
}

// Drain runs one Idle -> Draining -> Idle cycle
func (s *Scheduler) Drain(ctx context.Context) CycleResult {
	if s.gate.IsInvalid() {
		return CycleResult{Result: ResultAuthPaused}
	}
	token, err := s.creds.Token(ctx)
	if err != nil {
		s.logger.Error("Failed to read credential", zap.Error(err))
		return CycleResult{Result: ResultStorageError}
	}
	if token == "" {
		return CycleResult{Result: ResultNoCredential}
	}

	now := s.now()
	if _, err := s.queue.ReleaseExpiredLeases(ctx, now); err != nil {
		s.logger.Error("Failed to release expired leases", zap.Error(err))
	}

	batch, err := s.queue.PendingBatch(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("Failed to fetch pending batch", zap.Error(err))
		return CycleResult{Result: ResultStorageError}
	}
	res := CycleResult{Result: ResultDrained, Fetched: len(batch)}
	if len(batch) == 0 {
		res.Result = ResultEmpty
		s.sampleQueue(ctx, now)
		return res
	}

	storageFailed := false
	for _, item := range batch {
		// sends can take seconds each, so lease and backoff times are read per event
		if item.Attempts >= s.cfg.MaxAttempts {
			if err := s.queue.UpdateRetry(ctx, item.ID, item.Attempts, quarantineReason, s.now().Add(s.cfg.Backoff.MaxDelay)); err != nil {
				s.logger.Error("Failed to quarantine event", zap.Int64("id", item.ID), zap.Error(err))
				storageFailed = true
			}
			res.Quarantined++
			continue
		}

		_, claimed, err := s.queue.Claim(ctx, item.ID, s.now().Add(s.cfg.LeaseTTL))
		if err != nil {
			s.logger.Error("Failed to claim event", zap.Int64("id", item.ID), zap.Error(err))
			storageFailed = true
			continue
		}
		if !claimed {
			res.Skipped++
			continue
		}

		out := s.client.Send(ctx, token, item)
		metrics.DeliveriesTotal.WithLabelValues(metrics.PathRetry, out.Kind.String()).Inc()

		switch out.Kind {
		case client.Success:
			if err := s.queue.Delete(ctx, item.ID); err != nil {
				// the lease expires and the event is sent again; the collector dedups on externalRef
				s.logger.Error("Failed to delete delivered event", zap.Int64("id", item.ID), zap.Error(err))
				storageFailed = true
			}
			res.Delivered++
			s.logger.Debug("Queued event delivered", zap.String("external_ref", item.ExternalRef))

		case client.Unauthorized:
			s.gate.SetInvalid(ctx, true)
			if err := s.queue.MarkAuthBlocked(ctx, item.ID, out.Reason()); err != nil {
				s.logger.Error("Failed to mark event auth blocked", zap.Int64("id", item.ID), zap.Error(err))
			}
			s.logger.Error("Collector rejected credential, queue paused",
				zap.String("external_ref", item.ExternalRef),
				zap.Error(out.Err()),
			)
			res.Result = ResultUnauthorized
			return res

		default:
			attempts := item.Attempts + 1
			next := s.now().Add(s.cfg.Backoff.Delay(item.Attempts))
			if err := s.queue.UpdateRetry(ctx, item.ID, attempts, out.Reason(), next); err != nil {
				s.logger.Error("Failed to record retry", zap.Int64("id", item.ID), zap.Error(err))
				storageFailed = true
			}
			res.Retried++
			s.logger.Warn("Delivery failed, rescheduled",
				zap.String("external_ref", item.ExternalRef),
				zap.Int("attempt", attempts),
				zap.Time("next_attempt_at", next),
				zap.Error(out.Err()),
			)
		}
	}

	now = s.now()
	if !storageFailed && s.kicker != nil {
		remaining, err := s.queue.CountEligible(ctx, now)
		if err != nil {
			s.logger.Error("Failed to count remaining events", zap.Error(err))
		} else if remaining > 0 {
			s.kicker.Kick()
			res.Rearmed = true
		}
	}
	s.sampleQueue(ctx, now)
	return res
}

func (s *Scheduler) sampleQueue(ctx context.Context, now time.Time) {
	stats, err := s.queue.Stats(ctx, now, s.cfg.MaxAttempts)
	if err != nil {
		s.logger.Debug("Failed to sample queue stats", zap.Error(err))
		return
	}
	metrics.QueueEvents.WithLabelValues(string(models.StatusPending)).Set(float64(stats.Pending))
	metrics.QueueEvents.WithLabelValues(string(models.StatusAuthBlocked)).Set(float64(stats.AuthBlocked))
	metrics.QueueEvents.WithLabelValues(string(models.StatusInFlight)).Set(float64(stats.InFlight))
	metrics.QueueQuarantined.Set(float64(stats.Quarantined))
}
