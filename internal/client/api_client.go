package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manuelleigh/paynotify-agent/internal/metrics"
	"github.com/manuelleigh/paynotify-agent/internal/models"
)

// maxBodyBytes caps how much of an error response is kept as diagnostic text
const maxBodyBytes = 4 << 10

// OutcomeKind classifies one delivery attempt
type OutcomeKind int

const (
	Success OutcomeKind = iota
	Unauthorized
	RetryableFailure
	TransportFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Unauthorized:
		return "unauthorized"
	case RetryableFailure:
		return "retryable_failure"
	case TransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Outcome is the result of Send. It is the only place HTTP codes are interpreted.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Detail     string
}

// Reason renders the outcome as the last_error text stored on the row
func (o Outcome) Reason() string {
	switch o.Kind {
	case Success:
		return ""
	case Unauthorized:
		return "401 Unauthorized: " + o.Detail
	case RetryableFailure:
		return fmt.Sprintf("HTTP %d: %s", o.StatusCode, o.Detail)
	default:
		return "transport: " + o.Detail
	}
}

// Err returns a typed error for logging, or nil on success
func (o Outcome) Err() error {
	switch o.Kind {
	case Success:
		return nil
	case Unauthorized:
		return &AuthError{Message: o.Reason(), StatusCode: o.StatusCode}
	case RetryableFailure:
		return &BackendError{Message: o.Reason(), StatusCode: o.StatusCode}
	default:
		return &TransportError{Message: o.Reason()}
	}
}

// NotificationPayload is the collector's request body
type NotificationPayload struct {
	AppPackage  string `json:"appPackage"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	ReceivedAt  string `json:"receivedAt"`
	DeviceID    string `json:"deviceId"`
	ExternalRef string `json:"externalRef"`
}

// APIClient posts notifications to the collection API
type APIClient struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPIClient creates a client for baseURL+path with separate connect and read bounds
func NewAPIClient(baseURL, path string, connectTimeout, readTimeout time.Duration, logger *zap.Logger) *APIClient {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}

	return &APIClient{
		endpoint: strings.TrimRight(baseURL, "/") + path,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   connectTimeout + readTimeout,
		},
		logger: logger,
	}
}

// Send posts one event and classifies the response
func (c *APIClient) Send(ctx context.Context, token string, ev models.QueuedEvent) Outcome {
	payload := NotificationPayload{
		AppPackage:  ev.AppPackage,
		Title:       ev.Title,
		Text:        ev.Text,
		ReceivedAt:  ev.ReceivedAt,
		DeviceID:    ev.DeviceID,
		ExternalRef: ev.ExternalRef,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return Outcome{Kind: TransportFailure, Detail: fmt.Sprintf("failed to marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return Outcome{Kind: TransportFailure, Detail: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	metrics.DeliveryDuration.Observe(duration.Seconds())

	if err != nil {
		c.logger.Debug("Collector request failed",
			zap.String("external_ref", ev.ExternalRef),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return Outcome{Kind: TransportFailure, Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		detail = "no body"
	}

	out := classify(resp.StatusCode, detail)
	c.logger.Debug("Collector responded",
		zap.String("external_ref", ev.ExternalRef),
		zap.Int("status_code", resp.StatusCode),
		zap.Stringer("outcome", out.Kind),
		zap.Duration("duration", duration),
	)
	return out
}

func classify(statusCode int, detail string) Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return Outcome{Kind: Success, StatusCode: statusCode}
	case statusCode == http.StatusUnauthorized:
		return Outcome{Kind: Unauthorized, StatusCode: statusCode, Detail: detail}
	default:
		return Outcome{Kind: RetryableFailure, StatusCode: statusCode, Detail: detail}
	}
}

// Error types
type AuthError struct {
	Message    string
	StatusCode int
}

func (e *AuthError) Error() string {
	return e.Message
}

type BackendError struct {
	Message    string
	StatusCode int
}

func (e *BackendError) Error() string {
	return e.Message
}

type TransportError struct {
	Message string
}

func (e *TransportError) Error() string {
	return e.Message
}
