package sender

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/manuelleigh/paynotify-agent/internal/client"
	"github.com/manuelleigh/paynotify-agent/internal/metrics"
	"github.com/manuelleigh/paynotify-agent/internal/models"
)

// Queue reasons recorded on events that skip or fail the immediate path
const (
	ReasonAuthInvalid  = "auth invalid"
	ReasonNoCredential = "no credential"
	ReasonLaneFull     = "immediate lane full"
	ReasonShutdown     = "agent shutting down"
)

// Result is what happened to one candidate on the immediate path
type Result string

const (
	ResultDelivered   Result = "delivered"
	ResultQueued      Result = "queued"
	ResultAuthBlocked Result = "auth_blocked"
	ResultDuplicate   Result = "duplicate"
	ResultLost        Result = "lost"
)

type Queue interface {
	Enqueue(ctx context.Context, ev *models.QueuedEvent) (int64, bool, error)
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

// Sender is the immediate-send path. Candidates are posted one at a time on
// a single lane so bursts never produce concurrent or reordered POSTs.
type Sender struct {
	queue  Queue
	client Deliverer
	creds  CredentialSource
	gate   Gate
	kicker Kicker
	logger *zap.Logger

	lane chan models.Candidate
	wg   sync.WaitGroup

	// closed is set under mu once the worker stops reading the lane
	mu     sync.RWMutex
	closed bool
}

func New(q Queue, c Deliverer, creds CredentialSource, gate Gate, kicker Kicker, laneSize int, logger *zap.Logger) *Sender {
	if laneSize <= 0 {
		laneSize = 256
	}
	return &Sender{
		queue:  q,
		client: c,
		creds:  creds,
		gate:   gate,
		kicker: kicker,
		logger: logger,
		lane:   make(chan models.Candidate, laneSize),
	}
}

// Start runs the lane worker until ctx is cancelled. Candidates still in the
// lane at shutdown are persisted without a network attempt.
func (s *Sender) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				s.close()
				return
			case c := <-s.lane:
				if ctx.Err() != nil {
					s.enqueue(context.WithoutCancel(ctx), c, models.StatusPending, ReasonShutdown)
					s.close()
					return
				}
				s.safeProcess(ctx, c)
			}
		}
	}()
}

// Wait blocks until the lane worker has exited
func (s *Sender) Wait() {
	s.wg.Wait()
}

// Submit hands a candidate to the lane without waiting on the network. A full
// lane, or one whose worker has stopped, persists the candidate for the
// scheduler instead.
func (s *Sender) Submit(ctx context.Context, c models.Candidate) {
	ctx = context.WithoutCancel(ctx)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		s.enqueue(ctx, c, models.StatusPending, ReasonShutdown)
		return
	}
	select {
	case s.lane <- c:
		s.mu.RUnlock()
	default:
		s.mu.RUnlock()
		s.logger.Warn("Immediate lane full, queueing directly", zap.String("external_ref", c.ExternalRef))
		s.enqueue(ctx, c, models.StatusPending, ReasonLaneFull)
	}
}

func (s *Sender) safeProcess(ctx context.Context, c models.Candidate) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Immediate send panicked", zap.Any("panic", r), zap.String("external_ref", c.ExternalRef))
		}
	}()
	res := s.Process(ctx, c)
	s.logger.Debug("Immediate send finished",
		zap.String("external_ref", c.ExternalRef),
		zap.String("result", string(res)),
	)
}

// Process makes one delivery attempt for c and falls back to the durable
// queue on anything but success. The fallback write outlives cancellation of
// ctx, so a send cut short by shutdown still leaves the event queued.
func (s *Sender) Process(ctx context.Context, c models.Candidate) Result {
	persistCtx := context.WithoutCancel(ctx)
	if s.gate.IsInvalid() {
		return s.enqueue(persistCtx, c, models.StatusPending, ReasonAuthInvalid)
	}

	token, err := s.creds.Token(ctx)
	if err != nil {
		s.logger.Error("Failed to read credential", zap.Error(err))
		token = ""
	}
	if token == "" {
		s.logger.Warn("No credential installed, queueing without sending", zap.String("external_ref", c.ExternalRef))
		return s.enqueue(persistCtx, c, models.StatusPending, ReasonNoCredential)
	}

	ev := c.ToQueued(models.StatusPending, "")
	out := s.client.Send(ctx, token, *ev)
	metrics.DeliveriesTotal.WithLabelValues(metrics.PathImmediate, out.Kind.String()).Inc()

	switch out.Kind {
	case client.Success:
		s.logger.Debug("Delivered on immediate path",
			zap.String("external_ref", c.ExternalRef),
			zap.Int("status", out.StatusCode),
		)
		return ResultDelivered

	case client.Unauthorized:
		s.logger.Error("Collector rejected credential on immediate path",
			zap.String("external_ref", c.ExternalRef),
			zap.Error(out.Err()),
		)
		s.gate.SetInvalid(persistCtx, true)
		return s.enqueue(persistCtx, c, models.StatusAuthBlocked, out.Reason())

	default:
		s.logger.Warn("Immediate send failed, queueing",
			zap.String("external_ref", c.ExternalRef),
			zap.Error(out.Err()),
		)
		return s.enqueue(persistCtx, c, models.StatusPending, out.Reason())
	}
}

func (s *Sender) enqueue(ctx context.Context, c models.Candidate, status models.EventStatus, reason string) Result {
	_, inserted, err := s.queue.Enqueue(ctx, c.ToQueued(status, reason))
	if err != nil {
		s.logger.Error("Failed to queue event, it will be lost",
			zap.String("external_ref", c.ExternalRef),
			zap.Error(err),
		)
		return ResultLost
	}
	if status == models.StatusPending {
		s.kicker.Kick()
	}
	if !inserted {
		return ResultDuplicate
	}
	if status == models.StatusAuthBlocked {
		return ResultAuthBlocked
	}
	return ResultQueued
}

// close stops further Submits from using the lane, then persists whatever
// is still in it
func (s *Sender) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	ctx := context.Background()
	for {
		select {
		case c := <-s.lane:
			s.enqueue(ctx, c, models.StatusPending, ReasonShutdown)
		default:
			return
		}
	}
}
