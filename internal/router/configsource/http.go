package configsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxConfigBytes caps the config document size
const maxConfigBytes = 1 << 20

// HTTPSource fetches router configuration from a remote endpoint
type HTTPSource struct {
	url        string
	authToken  string
	httpClient *http.Client
}

// HTTPSourceConfig holds configuration for the HTTP source
type HTTPSourceConfig struct {
	// URL is the configuration endpoint (required)
	URL string

	// AuthToken is the optional Bearer token for authentication
	AuthToken string

	// RequestTimeout bounds each fetch
	RequestTimeout time.Duration
}

// NewHTTPSource creates an HTTP configuration source
func NewHTTPSource(config *HTTPSourceConfig) *HTTPSource {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPSource{
		url:       config.URL,
		authToken: config.AuthToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch retrieves the current router configuration
// GET <url> returning {queues, connections, processingPools}
func (s *HTTPSource) Fetch(ctx context.Context) (*RouterConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create config request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("config fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read config response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("config endpoint returned status %d", resp.StatusCode)
	}

	var config RouterConfig
	if err := json.Unmarshal(body, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config response: %w", err)
	}

	slog.Debug("Fetched router configuration",
		"url", s.url,
		"queues", len(config.Queues),
		"pools", len(config.ProcessingPools))

	return &config, nil
}
