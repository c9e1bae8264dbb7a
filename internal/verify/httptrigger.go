package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// HTTPTriggerConfig configures the HTTP trigger.
type HTTPTriggerConfig struct {
	// BaseURL is the root of the component host API.
	BaseURL string

	// Token is sent as the X-Auth-Token header when set.
	Token string

	// Timeout bounds each trigger call (default: 15s).
	Timeout time.Duration
}

// HTTPTrigger re-triggers items over the component host's refresh API:
// PUT {base}/components/{component}/items/{item}/refresh.
type HTTPTrigger struct {
	config *HTTPTriggerConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPTrigger creates an HTTP trigger.
func NewHTTPTrigger(cfg *HTTPTriggerConfig, logger *zap.Logger) (*HTTPTrigger, error) {
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

	return &HTTPTrigger{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// Fire issues the refresh call for one item.
func (t *HTTPTrigger) Fire(ctx context.Context, componentID, itemID string) error {
	endpoint := fmt.Sprintf("%s/components/%s/items/%s/refresh",
		t.config.BaseURL, url.PathEscape(componentID), url.PathEscape(itemID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	if t.config.Token != "" {
		req.Header.Set("X-Auth-Token", t.config.Token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh %s/%s: %w", componentID, itemID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("refresh %s/%s: unexpected status %d", componentID, itemID, resp.StatusCode)
	}
	return nil
}
