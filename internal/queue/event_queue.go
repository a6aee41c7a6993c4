package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manuelleigh/paynotify-agent/internal/models"
)

var (
	// ErrStorage wraps every failure of the underlying database; callers treat
	// it as retryable and let the next wake try again.
	ErrStorage = errors.New("queue storage failure")
	// ErrNotFound is returned by Get for unknown ids
	ErrNotFound = errors.New("queued event not found")
)

// Stats is a snapshot of queue depth
type Stats struct {
	Pending     int `json:"pending" yaml:"pending"`
	AuthBlocked int `json:"authBlocked" yaml:"auth_blocked"`
	InFlight    int `json:"inFlight" yaml:"in_flight"`
	Quarantined int `json:"quarantined" yaml:"quarantined"`
	Eligible    int `json:"eligible" yaml:"eligible"`
}

// EventQueue is the durable table of pending deliveries
type EventQueue struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*EventQueue)

// WithNowFunc overrides the clock used for created_at defaults
func WithNowFunc(now func() time.Time) Option {
	return func(eq *EventQueue) {
		if now != nil {
			eq.now = now
		}
	}
}

// NewEventQueue creates a new event queue
func NewEventQueue(db *sql.DB, logger *zap.Logger, opts ...Option) *EventQueue {
	eq := &EventQueue{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(eq)
	}
	return eq
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStorage, op, err)
}

// Enqueue inserts ev. A colliding external_ref is a silent no-op and reports
// inserted=false.
func (eq *EventQueue) Enqueue(ctx context.Context, ev *models.QueuedEvent) (int64, bool, error) {
	now := eq.now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.NextAttemptAt.IsZero() {
		ev.NextAttemptAt = now
	}
	if ev.Status == "" {
		ev.Status = models.StatusPending
	}

	result, err := eq.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO queued_events (
			app_package, title, text, received_at, device_id, external_ref,
			created_at, status, attempts, last_error, next_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.AppPackage, ev.Title, ev.Text, ev.ReceivedAt, ev.DeviceID, ev.ExternalRef,
		ev.CreatedAt.UnixMilli(), string(ev.Status), ev.Attempts, nullString(ev.LastError), ev.NextAttemptAt.UnixMilli(),
	)
	if err != nil {
		return 0, false, storageErr("enqueue event", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, storageErr("read enqueue result", err)
	}
	if affected == 0 {
		eq.logger.Debug("Duplicate event ignored", zap.String("external_ref", ev.ExternalRef))
		return 0, false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, false, storageErr("read inserted id", err)
	}
	ev.ID = id

	eq.logger.Debug("Event enqueued",
		zap.Int64("id", id),
		zap.String("external_ref", ev.ExternalRef),
		zap.String("status", string(ev.Status)),
	)
	return id, true, nil
}

const selectColumns = `id, app_package, title, text, received_at, device_id, external_ref,
	created_at, status, attempts, last_error, next_attempt_at, lease_id, lease_until`

// PendingBatch returns up to limit pending events due at now, oldest first
func (eq *EventQueue) PendingBatch(ctx context.Context, now time.Time, limit int) ([]models.QueuedEvent, error) {
	rows, err := eq.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM queued_events
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, string(models.StatusPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, storageErr("query pending batch", err)
	}
	defer rows.Close()

	var events []models.QueuedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr("scan pending row", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate pending batch", err)
	}
	return events, nil
}

// Claim leases a pending event for one delivery attempt. ok is false when
// another cycle already holds it or the row changed state.
func (eq *EventQueue) Claim(ctx context.Context, id int64, leaseUntil time.Time) (string, bool, error) {
	leaseID := "lease_" + uuid.NewString()
	result, err := eq.db.ExecContext(ctx, `
		UPDATE queued_events
		SET status = ?, lease_id = ?, lease_until = ?
		WHERE id = ? AND status = ?
	`, string(models.StatusInFlight), leaseID, leaseUntil.UnixMilli(), id, string(models.StatusPending))
	if err != nil {
		return "", false, storageErr("claim event", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", false, storageErr("read claim result", err)
	}
	if affected == 0 {
		return "", false, nil
	}
	return leaseID, true, nil
}

// ReleaseExpiredLeases puts in-flight rows whose lease ran out back to pending
func (eq *EventQueue) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	result, err := eq.db.ExecContext(ctx, `
		UPDATE queued_events
		SET status = ?, lease_id = NULL, lease_until = NULL
		WHERE status = ? AND lease_until <= ?
	`, string(models.StatusPending), string(models.StatusInFlight), now.UnixMilli())
	if err != nil {
		return 0, storageErr("release expired leases", err)
	}
	released, _ := result.RowsAffected()
	if released > 0 {
		eq.logger.Warn("Released expired leases", zap.Int64("count", released))
	}
	return released, nil
}

// Delete removes a confirmed-delivered event
func (eq *EventQueue) Delete(ctx context.Context, id int64) error {
	if _, err := eq.db.ExecContext(ctx, `DELETE FROM queued_events WHERE id = ?`, id); err != nil {
		return storageErr("delete event", err)
	}
	return nil
}

// UpdateRetry records a failed attempt and releases any lease. attempts and
// next_attempt_at never move backwards.
func (eq *EventQueue) UpdateRetry(ctx context.Context, id int64, attempts int, lastError string, nextAttemptAt time.Time) error {
	_, err := eq.db.ExecContext(ctx, `
		UPDATE queued_events
		SET attempts = MAX(attempts, ?),
			last_error = ?,
			next_attempt_at = MAX(next_attempt_at, ?),
			status = CASE WHEN status = ? THEN ? ELSE status END,
			lease_id = NULL,
			lease_until = NULL
		WHERE id = ?
	`, attempts, nullString(lastError), nextAttemptAt.UnixMilli(),
		string(models.StatusInFlight), string(models.StatusPending), id)
	if err != nil {
		return storageErr("update retry", err)
	}
	return nil
}

// MarkAuthBlocked parks an event until a new credential is installed
func (eq *EventQueue) MarkAuthBlocked(ctx context.Context, id int64, lastError string) error {
	_, err := eq.db.ExecContext(ctx, `
		UPDATE queued_events
		SET status = ?, last_error = ?, lease_id = NULL, lease_until = NULL
		WHERE id = ?
	`, string(models.StatusAuthBlocked), nullString(lastError), id)
	if err != nil {
		return storageErr("mark auth blocked", err)
	}
	return nil
}

// RequeueAuthBlocked returns every auth-blocked event to pending
func (eq *EventQueue) RequeueAuthBlocked(ctx context.Context) (int64, error) {
	result, err := eq.db.ExecContext(ctx, `
		UPDATE queued_events SET status = ? WHERE status = ?
	`, string(models.StatusPending), string(models.StatusAuthBlocked))
	if err != nil {
		return 0, storageErr("requeue auth blocked", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		eq.logger.Info("Auth-blocked events requeued", zap.Int64("count", n))
	}
	return n, nil
}

// CountEligible counts pending events due at now
func (eq *EventQueue) CountEligible(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := eq.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queued_events WHERE status = ? AND next_attempt_at <= ?
	`, string(models.StatusPending), now.UnixMilli()).Scan(&count)
	if err != nil {
		return 0, storageErr("count eligible", err)
	}
	return count, nil
}

// Stats counts events per status. Quarantined are rows at or past maxAttempts.
func (eq *EventQueue) Stats(ctx context.Context, now time.Time, maxAttempts int) (Stats, error) {
	var s Stats
	rows, err := eq.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queued_events GROUP BY status`)
	if err != nil {
		return s, storageErr("query stats", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return s, storageErr("scan stats", err)
		}
		switch models.EventStatus(status) {
		case models.StatusPending:
			s.Pending = count
		case models.StatusAuthBlocked:
			s.AuthBlocked = count
		case models.StatusInFlight:
			s.InFlight = count
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return s, storageErr("iterate stats", err)
	}
	rows.Close()

	if err := eq.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queued_events WHERE attempts >= ?
	`, maxAttempts).Scan(&s.Quarantined); err != nil {
		return s, storageErr("count quarantined", err)
	}

	eligible, err := eq.CountEligible(ctx, now)
	if err != nil {
		return s, err
	}
	s.Eligible = eligible
	return s, nil
}

// Get loads a single event; mostly for status output and tests
func (eq *EventQueue) Get(ctx context.Context, id int64) (*models.QueuedEvent, error) {
	row := eq.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM queued_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get event", err)
	}
	return &ev, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (models.QueuedEvent, error) {
	var (
		ev            models.QueuedEvent
		createdAt     int64
		status        string
		lastError     sql.NullString
		nextAttemptAt int64
		leaseID       sql.NullString
		leaseUntil    sql.NullInt64
	)
	err := s.Scan(
		&ev.ID, &ev.AppPackage, &ev.Title, &ev.Text, &ev.ReceivedAt, &ev.DeviceID, &ev.ExternalRef,
		&createdAt, &status, &ev.Attempts, &lastError, &nextAttemptAt, &leaseID, &leaseUntil,
	)
	if err != nil {
		return ev, err
	}
	ev.CreatedAt = time.UnixMilli(createdAt)
	ev.Status = models.EventStatus(status)
	ev.LastError = lastError.String
	ev.NextAttemptAt = time.UnixMilli(nextAttemptAt)
	ev.LeaseID = leaseID.String
	if leaseUntil.Valid {
		ev.LeaseUntil = time.UnixMilli(leaseUntil.Int64)
	}
	return ev, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
