package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const maxResponseSize = 1 << 20

// HTTPConfig configures the HTTP advisory client.
type HTTPConfig struct {
	// BaseURL is the service root; requests go to {BaseURL}/readiness,
	// {BaseURL}/plan and {BaseURL}/result.
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout bounds each request.
	Timeout time.Duration
}

// HTTPOracle calls a JSON advisory service.
type HTTPOracle struct {
	config HTTPConfig
	client *http.Client
}

var _ Oracle = (*HTTPOracle)(nil)

// NewHTTPOracle creates a client for the service at config.BaseURL.
func NewHTTPOracle(config HTTPConfig) (*HTTPOracle, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("oracle base URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &HTTPOracle{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// AssessReadiness posts to /readiness.
func (o *HTTPOracle) AssessReadiness(ctx context.Context, req *ReadinessRequest) (*Readiness, error) {
	raw, err := o.post(ctx, "/readiness", req)
	if err != nil {
		return nil, err
	}
	return ParseReadiness(raw)
}

// GeneratePlan posts to /plan.
func (o *HTTPOracle) GeneratePlan(ctx context.Context, req *PlanRequest) (*Plan, error) {
	raw, err := o.post(ctx, "/plan", req)
	if err != nil {
		return nil, err
	}
	return ParsePlan(raw)
}

// AssessResult posts to /result.
func (o *HTTPOracle) AssessResult(ctx context.Context, req *ResultRequest) (*Assessment, error) {
	raw, err := o.post(ctx, "/result", req)
	if err != nil {
		return nil, err
	}
	return ParseAssessment(raw)
}

func (o *HTTPOracle) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if o.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.config.Token)
	}

	start := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("advisory request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read advisory response: %w", err)
	}

	log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Int("bytes", len(raw)).
		Dur("duration", time.Since(start)).
		Msg("advisory response")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("advisory service returned %d for %s", resp.StatusCode, path)
	}

	return raw, nil
}
