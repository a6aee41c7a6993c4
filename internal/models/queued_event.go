package models

import "time"

// EventStatus is the lifecycle state of a queued event
type EventStatus string

const (
	// StatusPending rows are picked up by drain cycles once next_attempt_at is due
	StatusPending EventStatus = "pending"
	// StatusAuthBlocked rows got a 401 and wait for a new credential
	StatusAuthBlocked EventStatus = "auth_blocked"
	// StatusInFlight rows are leased by a drain cycle for one delivery attempt
	StatusInFlight EventStatus = "in_flight"
)

// QueuedEvent is one attempted-but-not-yet-confirmed delivery
type QueuedEvent struct {
	ID int64 `json:"id"`

	AppPackage  string `json:"appPackage"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	ReceivedAt  string `json:"receivedAt"` // RFC 3339 with offset
	DeviceID    string `json:"deviceId"`
	ExternalRef string `json:"externalRef"`

	CreatedAt     time.Time   `json:"createdAt"`
	Status        EventStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"lastError,omitempty"`
	NextAttemptAt time.Time   `json:"nextAttemptAt"`

	LeaseID    string    `json:"-"`
	LeaseUntil time.Time `json:"-"`
}

// Candidate is what the capture source hands to the delivery core
type Candidate struct {
	SourceKey   string // short source name, e.g. "yape"
	AppPackage  string
	Title       string
	Text        string
	PostedAt    time.Time
	ReceivedAt  string
	DeviceID    string
	ExternalRef string
}

// ToQueued builds the row to persist for a candidate
func (c Candidate) ToQueued(status EventStatus, lastError string) *QueuedEvent {
	return &QueuedEvent{
		AppPackage:  c.AppPackage,
		Title:       c.Title,
		Text:        c.Text,
		ReceivedAt:  c.ReceivedAt,
		DeviceID:    c.DeviceID,
		ExternalRef: c.ExternalRef,
		Status:      status,
		LastError:   lastError,
	}
}
