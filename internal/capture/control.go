package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrRebindUnsupported is returned when the capture source cannot rebind and
// must be toggled instead.
var ErrRebindUnsupported = errors.New("rebind not supported by capture source")

// ControlClient talks to the capture source's local control endpoint. It
// doubles as the watchdog's repair probe.
type ControlClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type permissionResponse struct {
	Enabled bool `json:"enabled"`
}

func NewControlClient(baseURL string, timeout time.Duration, logger *zap.Logger) *ControlClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ControlClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// PermissionEnabled reports whether the host has granted notification access.
// Without a control endpoint there is nothing to repair, so it reports false.
func (c *ControlClient) PermissionEnabled(ctx context.Context) (bool, error) {
	if c.baseURL == "" {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/permission", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to query permission: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("permission endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var out permissionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode permission response: %w", err)
	}
	return out.Enabled, nil
}

// RequestRebind asks the host to reconnect the listener
func (c *ControlClient) RequestRebind(ctx context.Context) error {
	err := c.post(ctx, "/rebind")
	var statusErr *controlStatusError
	if errors.As(err, &statusErr) && statusErr.code == http.StatusNotImplemented {
		return ErrRebindUnsupported
	}
	return err
}

// ToggleComponent disables then re-enables the listener component
func (c *ControlClient) ToggleComponent(ctx context.Context) error {
	return c.post(ctx, "/toggle")
}

type controlStatusError struct {
	path string
	code int
	body string
}

func (e *controlStatusError) Error() string {
	return fmt.Sprintf("control %s returned %d: %s", e.path, e.code, e.body)
}

func (c *ControlClient) post(ctx context.Context, path string) error {
	if c.baseURL == "" {
		return fmt.Errorf("failed to call %s: no control endpoint configured", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &controlStatusError{path: path, code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	c.logger.Debug("Capture control call succeeded", zap.String("path", path))
	return nil
}
