package mutate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// HTTPHostConfig configures the HTTP host controller.
type HTTPHostConfig struct {
	// BaseURL is the root of the component host API.
	BaseURL string

	// Token is sent as the X-Auth-Token header when set.
	Token string

	// Timeout bounds each call (default: 15s).
	Timeout time.Duration
}

// HTTPHost drives component restarts over the host's supervisor API:
// POST {base}/components/{component}/restart and
// GET {base}/components/{component}/ready.
type HTTPHost struct {
	config *HTTPHostConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPHost creates an HTTP host controller.
func NewHTTPHost(cfg *HTTPHostConfig, logger *zap.Logger) (*HTTPHost, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTPHost{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// Restart asks the supervisor to restart the component.
func (h *HTTPHost) Restart(ctx context.Context, componentID string) error {
	endpoint := fmt.Sprintf("%s/components/%s/restart",
		h.config.BaseURL, url.PathEscape(componentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build restart request: %w", err)
	}
	h.setAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("restart %s: %w", componentID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("restart %s: unexpected status %d", componentID, resp.StatusCode)
	}
	return nil
}

// readyResponse is the supervisor's readiness payload.
type readyResponse struct {
	Ready bool `json:"ready"`
}

// Ready reports whether the component is serving again.
func (h *HTTPHost) Ready(ctx context.Context, componentID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/components/%s/ready",
		h.config.BaseURL, url.PathEscape(componentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build ready request: %w", err)
	}
	h.setAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("ready %s: %w", componentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("ready %s: unexpected status %d", componentID, resp.StatusCode)
	}

	var body readyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return false, fmt.Errorf("decode ready response: %w", err)
	}
	return body.Ready, nil
}

func (h *HTTPHost) setAuth(req *http.Request) {
	if h.config.Token != "" {
		req.Header.Set("X-Auth-Token", h.config.Token)
	}
}
