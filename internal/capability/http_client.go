package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/spec-kit/support-pipeline/internal/config"
	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/internal/observability"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

// HTTPClient talks to the capability service over JSON endpoints. It applies
// a per-call timeout, a shared rate limit, and bounded in-client retries for
// transient failures; anything else is surfaced as non-retryable so the
// orchestrator can fail open.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *observability.Metrics
}

// NewHTTPClient builds a client from configuration. The same client serves
// all three capability interfaces.
func NewHTTPClient(cfg config.CapabilityConfig, metrics *observability.Metrics) *HTTPClient {
	ratePerSecond := cfg.RatePerSecond
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		timeout:    cfg.Timeout(),
		maxRetries: maxRetries,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1),
		metrics:    metrics,
	}
}

// Classify implements Classifier.
func (c *HTTPClient) Classify(ctx context.Context, title, description string) (domain.ClassificationResult, error) {
	payload := map[string]any{
		"title":       title,
		"description": description,
	}
	var response struct {
		Criticality string  `json:"criticality"`
		CategoryID  *string `json:"category_id"`
		Confidence  float64 `json:"confidence"`
	}
	if err := c.call(ctx, "classifier", "/v1/classify", payload, &response); err != nil {
		return domain.ClassificationResult{}, err
	}

	criticality, err := parseCriticality(response.Criticality)
	if err != nil {
		return domain.ClassificationResult{}, &util.NonRetryableCapabilityError{Capability: "classifier", Err: err}
	}
	if response.Confidence < 0 || response.Confidence > 1 {
		return domain.ClassificationResult{}, &util.NonRetryableCapabilityError{
			Capability: "classifier",
			Err:        fmt.Errorf("confidence %v outside [0,1]", response.Confidence),
		}
	}
	return domain.ClassificationResult{
		Criticality: criticality,
		CategoryID:  response.CategoryID,
		Confidence:  response.Confidence,
	}, nil
}

// Retrieve implements Retriever.
func (c *HTTPClient) Retrieve(ctx context.Context, query, organizationID string, k int) ([]domain.Snippet, error) {
	if k <= 0 {
		k = 3
	}
	payload := map[string]any{
		"query":           query,
		"organization_id": organizationID,
		"top_k":           k,
	}
	var response struct {
		Snippets []struct {
			DocumentID string  `json:"document_id"`
			Content    string  `json:"content"`
			Score      float64 `json:"score"`
		} `json:"snippets"`
	}
	if err := c.call(ctx, "retriever", "/v1/retrieve", payload, &response); err != nil {
		return nil, err
	}

	snippets := make([]domain.Snippet, 0, len(response.Snippets))
	for _, s := range response.Snippets {
		snippets = append(snippets, domain.Snippet{
			DocumentID: s.DocumentID,
			Content:    s.Content,
			Score:      s.Score,
		})
	}
	return snippets, nil
}

// Generate implements Generator.
func (c *HTTPClient) Generate(ctx context.Context, input GenerationInput) (string, error) {
	snippets := make([]map[string]any, 0, len(input.Snippets))
	for _, s := range input.Snippets {
		snippets = append(snippets, map[string]any{
			"document_id": s.DocumentID,
			"content":     s.Content,
		})
	}
	payload := map[string]any{
		"title":       input.TicketTitle,
		"description": input.TicketDescription,
		"snippets":    snippets,
		"draft":       input.Draft,
		"tone":        input.Tone,
	}
	var response struct {
		Text string `json:"text"`
	}
	if err := c.call(ctx, "generator", "/v1/generate", payload, &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.Text) == "" {
		return "", &util.NonRetryableCapabilityError{
			Capability: "generator",
			Err:        errors.New("empty generation output"),
		}
	}
	return response.Text, nil
}

func (c *HTTPClient) call(ctx context.Context, capability, path string, payload any, out any) error {
	if c.baseURL == "" {
		return &util.NonRetryableCapabilityError{Capability: capability, Err: errors.New("capability endpoint not configured")}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return &util.NonRetryableCapabilityError{Capability: capability, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return &util.RetryableCapabilityError{Capability: capability, Err: err}
		}

		start := time.Now()
		callErr := c.doOnce(ctx, path, encoded, out)
		c.metrics.ObserveCapability(capability, time.Since(start))
		if callErr == nil {
			return nil
		}
		lastErr = callErr

		if !transient(callErr) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return &util.RetryableCapabilityError{Capability: capability, Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}

	if transient(lastErr) {
		return &util.RetryableCapabilityError{Capability: capability, Err: lastErr}
	}
	return &util.NonRetryableCapabilityError{Capability: capability, Err: lastErr}
}

func (c *HTTPClient) doOnce(ctx context.Context, path string, payload []byte, out any) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("capability timeout: %w", err)
		}
		return fmt.Errorf("capability transport error: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return &httpStatusError{StatusCode: response.StatusCode, Message: message}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type httpStatusError struct {
	StatusCode int
	Message    string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("capability status %d: %s", e.StatusCode, e.Message)
}

// transient reports whether a raw call error is worth retrying: rate
// limiting, upstream 5xx, or timeouts. Everything else (malformed output,
// policy rejection) is terminal.
func transient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "connection refused")
}

func parseCriticality(value string) (domain.Criticality, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "LOW":
		return domain.CriticalityLow, nil
	case "MEDIUM":
		return domain.CriticalityMedium, nil
	case "HIGH":
		return domain.CriticalityHigh, nil
	default:
		return "", fmt.Errorf("unknown criticality %q", value)
	}
}
