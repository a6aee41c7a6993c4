package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	keyToken             = "token"
	keyEnabledSources    = "enabled_sources"
	keyAuthInvalid       = "auth_invalid"
	keyListenerHeartbeat = "listener_heartbeat"
	keyLastRepairAttempt = "listener_last_repair_attempt"
)

// Store keeps the agent's scalar state in the app_state table
type Store struct {
	db            *sql.DB
	defaultSource string
}

// NewStore creates a prefs store; defaultSource is used when no source is enabled
func NewStore(db *sql.DB, defaultSource string) *Store {
	return &Store{db: db, defaultSource: defaultSource}
}

func (s *Store) getText(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) setText(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Store) getNum(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT num FROM app_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) setNum(ctx context.Context, key string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, num, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET num = excluded.num, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// raiseNum stores value only if it is larger than the current one
func (s *Store) raiseNum(ctx context.Context, key string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, num, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET num = MAX(app_state.num, excluded.num), updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Token returns the installed credential or ""
func (s *Store) Token(ctx context.Context) (string, error) {
	return s.getText(ctx, keyToken)
}

func (s *Store) SetToken(ctx context.Context, token string) error {
	return s.setText(ctx, keyToken, strings.TrimSpace(token))
}

// EnabledSources returns the enabled package identifiers, falling back to the default source
func (s *Store) EnabledSources(ctx context.Context) (map[string]struct{}, error) {
	csv, err := s.getText(ctx, keyEnabledSources)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{})
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			set[p] = struct{}{}
		}
	}
	if len(set) == 0 && s.defaultSource != "" {
		set[s.defaultSource] = struct{}{}
	}
	return set, nil
}

// SetEnabledSources replaces the enabled set; an empty set stores the default source
func (s *Store) SetEnabledSources(ctx context.Context, packages []string) error {
	var clean []string
	seen := make(map[string]bool)
	for _, p := range packages {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		clean = append(clean, p)
	}
	if len(clean) == 0 && s.defaultSource != "" {
		clean = []string{s.defaultSource}
	}
	sort.Strings(clean)
	return s.setText(ctx, keyEnabledSources, strings.Join(clean, ","))
}

// IsSourceEnabled reports whether packageID is in the enabled set
func (s *Store) IsSourceEnabled(ctx context.Context, packageID string) (bool, error) {
	set, err := s.EnabledSources(ctx)
	if err != nil {
		return false, err
	}
	_, ok := set[packageID]
	return ok, nil
}

func (s *Store) AuthInvalid(ctx context.Context) (bool, error) {
	v, err := s.getNum(ctx, keyAuthInvalid)
	return v != 0, err
}

func (s *Store) SetAuthInvalid(ctx context.Context, invalid bool) error {
	var v int64
	if invalid {
		v = 1
	}
	return s.setNum(ctx, keyAuthInvalid, v)
}

// Heartbeat is the last time the capture source was confirmed alive; zero if never
func (s *Store) Heartbeat(ctx context.Context) (time.Time, error) {
	return s.getTime(ctx, keyListenerHeartbeat)
}

// TouchHeartbeat records t as the latest heartbeat. Older values are ignored.
func (s *Store) TouchHeartbeat(ctx context.Context, t time.Time) error {
	return s.raiseNum(ctx, keyListenerHeartbeat, t.UnixMilli())
}

func (s *Store) LastRepairAttempt(ctx context.Context) (time.Time, error) {
	return s.getTime(ctx, keyLastRepairAttempt)
}

// SetLastRepairAttempt records a repair at t. Older values are ignored.
func (s *Store) SetLastRepairAttempt(ctx context.Context, t time.Time) error {
	return s.raiseNum(ctx, keyLastRepairAttempt, t.UnixMilli())
}

func (s *Store) getTime(ctx context.Context, key string) (time.Time, error) {
	ms, err := s.getNum(ctx, key)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
