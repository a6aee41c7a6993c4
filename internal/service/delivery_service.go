package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manuelleigh/paynotify-agent/internal/authgate"
	"github.com/manuelleigh/paynotify-agent/internal/capture"
	"github.com/manuelleigh/paynotify-agent/internal/client"
	"github.com/manuelleigh/paynotify-agent/internal/config"
	"github.com/manuelleigh/paynotify-agent/internal/models"
	"github.com/manuelleigh/paynotify-agent/internal/notify"
	"github.com/manuelleigh/paynotify-agent/internal/prefs"
	"github.com/manuelleigh/paynotify-agent/internal/queue"
	"github.com/manuelleigh/paynotify-agent/internal/scheduler"
	"github.com/manuelleigh/paynotify-agent/internal/sender"
	"github.com/manuelleigh/paynotify-agent/internal/trigger"
	"github.com/manuelleigh/paynotify-agent/internal/watchdog"
)

var ErrEmptyCredential = errors.New("credential must not be empty")

// CaptureEvent is one raw notification reported by the capture source
type CaptureEvent struct {
	PackageID string
	Title     string
	Text      string
	BigText   string
	TextLines []string
	PostedAt  time.Time
}

// CaptureResult says what OnEvent did with a notification
type CaptureResult string

const (
	CaptureAccepted       CaptureResult = "accepted"
	CaptureSourceDisabled CaptureResult = "source_disabled"
	CaptureUnknownSource  CaptureResult = "unknown_source"
	CaptureEmpty          CaptureResult = "empty"
	CaptureNotPayment     CaptureResult = "not_payment"
)

// Health is the frontend-facing snapshot of the agent
type Health struct {
	AuthInvalid       bool        `json:"authInvalid" yaml:"auth_invalid"`
	CredentialPresent bool        `json:"credentialPresent" yaml:"credential_present"`
	LastHeartbeat     time.Time   `json:"lastHeartbeat" yaml:"last_heartbeat"`
	LastRepairAttempt time.Time   `json:"lastRepairAttempt" yaml:"last_repair_attempt"`
	Queue             queue.Stats `json:"queue" yaml:"queue"`
	FrontendClients   int         `json:"frontendClients" yaml:"frontend_clients"`
}

type Option func(*options)

type options struct {
	now   func() time.Time
	probe watchdog.Probe
}

func WithNowFunc(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithProbe replaces the HTTP control client used by the watchdog
func WithProbe(p watchdog.Probe) Option {
	return func(o *options) { o.probe = p }
}

// DeliveryService wires capture, the immediate lane, the retry scheduler,
// the auth gate and the watchdog around one SQLite store.
type DeliveryService struct {
	cfg      *config.Config
	deviceID string
	loc      *time.Location
	logger   *zap.Logger
	now      func() time.Time

	queue  *queue.EventQueue
	prefs  *prefs.Store
	gate   *authgate.Gate
	hub    *notify.Hub
	rules  *capture.Rules
	sender *sender.Sender

	drain    *trigger.Coalescer
	watchdog *trigger.Coalescer

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func New(ctx context.Context, cfg *config.Config, db *sql.DB, deviceID string, logger *zap.Logger, opts ...Option) (*DeliveryService, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.probe == nil {
		o.probe = capture.NewControlClient(cfg.Capture.ControlURL, cfg.Collector.ReadTimeout, logger.Named("capture"))
	}

	store := prefs.NewStore(db, cfg.Capture.DefaultSource)
	gate, err := authgate.Load(ctx, store, logger.Named("authgate"))
	if err != nil {
		return nil, fmt.Errorf("failed to load auth state: %w", err)
	}

	hub := notify.NewHub(nil, logger.Named("notify"))
	gate.Subscribe(hub)

	q := queue.NewEventQueue(db, logger.Named("queue"), queue.WithNowFunc(o.now))
	api := client.NewAPIClient(cfg.Collector.BaseURL, cfg.Collector.Path, cfg.Collector.ConnectTimeout, cfg.Collector.ReadTimeout, logger.Named("client"))

	sched := scheduler.New(q, api, store, gate, scheduler.Config{
		BatchSize:   cfg.Delivery.BatchSize,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Backoff: scheduler.BackoffConfig{
			BaseDelay:   cfg.Delivery.BaseDelay,
			MaxDelay:    cfg.Delivery.MaxDelay,
			CapExponent: cfg.Delivery.CapExponent,
		},
		LeaseTTL: cfg.Delivery.LeaseTTL,
	}, logger.Named("scheduler"), scheduler.WithNowFunc(o.now))
	drain := trigger.New("drain", sched.Run, logger)
	sched.SetKicker(drain)

	wd := watchdog.New(o.probe, store, watchdog.Config{
		StaleThreshold: cfg.Watchdog.StaleThreshold,
		RepairCooldown: cfg.Watchdog.RepairCooldown,
	}, logger.Named("watchdog"), o.now)

	return &DeliveryService{
		cfg:      cfg,
		deviceID: deviceID,
		loc:      cfg.Location(),
		logger:   logger,
		now:      o.now,
		queue:    q,
		prefs:    store,
		gate:     gate,
		hub:      hub,
		rules:    capture.NewRules(capture.DefaultSources),
		sender:   sender.New(q, api, store, gate, drain, cfg.Delivery.LaneSize, logger.Named("sender")),
		drain:    drain,
		watchdog: trigger.New("watchdog", wd.Run, logger),
	}, nil
}

// Start launches the background tasks. An initial drain picks up anything
// left from a previous run.
func (s *DeliveryService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.sender.Start(ctx)

	s.drain.EnsurePeriodic(s.cfg.Delivery.DrainInterval)
	s.drain.Start(ctx)
	s.drain.Kick()

	s.watchdog.EnsurePeriodic(s.cfg.Watchdog.Interval)
	s.watchdog.Start(ctx)
	s.watchdog.KickAfter(s.cfg.Watchdog.StartupDelay)

	s.logger.Info("Delivery service started",
		zap.String("device_id", s.deviceID),
		zap.Duration("drain_interval", s.cfg.Delivery.DrainInterval),
		zap.Duration("watchdog_interval", s.cfg.Watchdog.Interval),
	)
}

// Stop cancels background work and waits for it to finish its current step
func (s *DeliveryService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.sender.Wait()
		s.drain.Wait()
		s.watchdog.Wait()
		s.gate.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(25 * time.Second):
		s.logger.Warn("Background tasks did not stop within timeout")
	}
	s.logger.Info("Delivery service stopped")
}

// Hub exposes the frontend notification hub for the HTTP server
func (s *DeliveryService) Hub() *notify.Hub {
	return s.hub
}

// OnEvent handles one notification from the capture source. It never blocks
// on the network and never reports delivery failures.
func (s *DeliveryService) OnEvent(ctx context.Context, ev CaptureEvent) (CaptureResult, error) {
	if err := s.prefs.TouchHeartbeat(ctx, s.now()); err != nil {
		s.logger.Warn("Failed to record heartbeat", zap.Error(err))
	}

	enabled, err := s.prefs.IsSourceEnabled(ctx, ev.PackageID)
	if err != nil {
		return "", fmt.Errorf("failed to read enabled sources: %w", err)
	}
	if !enabled {
		return CaptureSourceDisabled, nil
	}

	src, ok := s.rules.Lookup(ev.PackageID)
	if !ok {
		return CaptureUnknownSource, nil
	}

	message := capture.BestMessage(ev.BigText, ev.Text, ev.TextLines)
	if strings.TrimSpace(ev.Title) == "" && strings.TrimSpace(message) == "" {
		return CaptureEmpty, nil
	}
	if !src.Matches(ev.Title, message) {
		return CaptureNotPayment, nil
	}

	postedAt := ev.PostedAt
	if postedAt.IsZero() {
		postedAt = s.now()
	}

	c := models.Candidate{
		SourceKey:   src.SourceKey,
		AppPackage:  ev.PackageID,
		Title:       src.DisplayTitle(ev.Title),
		Text:        message,
		PostedAt:    postedAt,
		ReceivedAt:  capture.ReceivedAt(postedAt, s.loc),
		DeviceID:    s.deviceID,
		ExternalRef: capture.ExternalRef(src.SourceKey, ev.PackageID, postedAt, ev.Title, message),
	}
	s.logger.Debug("Payment notification captured",
		zap.String("source", src.SourceKey),
		zap.String("external_ref", c.ExternalRef),
	)

	s.sender.Submit(ctx, c)
	return CaptureAccepted, nil
}

// Heartbeat records that the capture source is alive, e.g. on connect
func (s *DeliveryService) Heartbeat(ctx context.Context) error {
	return s.prefs.TouchHeartbeat(ctx, s.now())
}

// Token implements credwatch.Installer
func (s *DeliveryService) Token(ctx context.Context) (string, error) {
	return s.prefs.Token(ctx)
}

// InstallCredential stores a new token, reopens the gate and drains whatever
// was held back.
func (s *DeliveryService) InstallCredential(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyCredential
	}
	if err := s.prefs.SetToken(ctx, token); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	if err := s.resume(ctx); err != nil {
		return err
	}
	s.hub.Publish(notify.Event{Type: notify.EventCredentialOK, At: s.now()})
	s.logger.Info("Credential installed")
	return nil
}

// ClearAuthInvalid is the manual override for a stuck gate
func (s *DeliveryService) ClearAuthInvalid(ctx context.Context) error {
	if err := s.resume(ctx); err != nil {
		return err
	}
	s.hub.Publish(notify.Event{Type: notify.EventAuthCleared, At: s.now()})
	return nil
}

func (s *DeliveryService) resume(ctx context.Context) error {
	s.gate.SetInvalid(ctx, false)
	if _, err := s.queue.RequeueAuthBlocked(ctx); err != nil {
		return fmt.Errorf("failed to requeue auth blocked events: %w", err)
	}
	s.drain.Kick()
	return nil
}

func (s *DeliveryService) AuthInvalid() bool {
	return s.gate.IsInvalid()
}

// EnabledSources returns the enabled package ids, sorted
func (s *DeliveryService) EnabledSources(ctx context.Context) ([]string, error) {
	set, err := s.prefs.EnabledSources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for pkg := range set {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out, nil
}

func (s *DeliveryService) SetEnabledSources(ctx context.Context, packages []string) error {
	return s.prefs.SetEnabledSources(ctx, packages)
}

// KnownSources lists the package ids that have capture rules
func (s *DeliveryService) KnownSources() []string {
	return s.rules.Known()
}

func (s *DeliveryService) Stats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx, s.now(), s.cfg.Delivery.MaxAttempts)
}

func (s *DeliveryService) Health(ctx context.Context) (Health, error) {
	var h Health
	h.AuthInvalid = s.gate.IsInvalid()
	token, err := s.prefs.Token(ctx)
	if err != nil {
		return h, err
	}
	h.CredentialPresent = token != ""
	if h.LastHeartbeat, err = s.prefs.Heartbeat(ctx); err != nil {
		return h, err
	}
	if h.LastRepairAttempt, err = s.prefs.LastRepairAttempt(ctx); err != nil {
		return h, err
	}
	if h.Queue, err = s.Stats(ctx); err != nil {
		return h, err
	}
	h.FrontendClients = s.hub.Clients()
	return h, nil
}

// Kick requests a drain cycle soon
func (s *DeliveryService) Kick() {
	s.drain.Kick()
}
