package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/valyala/fasthttp"
)

// Delivery statuses reported by providers in a send acknowledgement.
const (
	StatusAccepted = "ACCEPTED"
	StatusQueued   = "QUEUED"
	StatusFailed   = "FAILED"
)

// SendResponse is the acknowledgement body every provider returns.
type SendResponse struct {
	MessageID    string `json:"message_id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type Config struct {
	Name                    string
	Providers               []ProviderConfig
	APIKey                  string
	Timeout                 time.Duration
	MaxRetries              int
	RetryDelay              time.Duration
	MaxConns                int
	ReadBufferSize          int
	WriteBufferSize         int
	HealthCheckInterval     time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

type ProviderConfig struct {
	Name   string
	URL    string
	Weight int // Base priority weight (1-100)
}

// Client delivers requests to the best scoring provider of one channel and
// fails over to the next one on transport errors and 5xx answers.
type Client struct {
	config    *Config
	providers []*Provider
	mu        sync.RWMutex
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	if len(config.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	client := &Client{
		config:    config,
		providers: make([]*Provider, 0, len(config.Providers)),
		stopCh:    make(chan struct{}),
	}

	for _, pc := range config.Providers {
		if pc.URL == "" {
			return nil, fmt.Errorf("provider %q has no url", pc.Name)
		}
		httpClient := &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			ReadBufferSize:      config.ReadBufferSize,
			WriteBufferSize:     config.WriteBufferSize,
		}

		client.providers = append(client.providers, NewProvider(pc.Name, pc.URL, pc.Weight, httpClient))
		logger.Info("Provider initialized", "gateway", config.Name, "name", pc.Name, "url", pc.URL, "weight", pc.Weight)
	}

	if config.HealthCheckInterval > 0 {
		client.wg.Add(1)
		go client.healthChecker()
	}

	return client, nil
}

// SelectBestProvider selects the best performing provider
func (c *Client) SelectBestProvider() (*Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *Provider
	var bestScore float64

	for _, provider := range c.providers {
		if !provider.IsAvailable() {
			continue
		}
		if score := provider.CalculateScore(); score > bestScore {
			bestScore = score
			best = provider
		}
	}

	if best == nil {
		return nil, ErrNoAvailableProviders
	}
	return best, nil
}

// Send posts payload to path and decodes the acknowledgement. A 2xx answer
// whose status is FAILED is returned as a *ProviderError.
func (c *Client) Send(ctx context.Context, path string, payload any) (*SendResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 && c.config.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		provider, err := c.SelectBestProvider()
		if err != nil {
			lastErr = err
			continue
		}

		start := time.Now()
		raw, err := c.doRequest(ctx, provider, fasthttp.MethodPost, path, body)
		latency := time.Since(start).Milliseconds()

		var pe *ProviderError
		if err != nil && (!errors.As(err, &pe) || pe.Temporary()) {
			provider.metrics.RecordFailure()
			c.checkCircuitBreaker(provider)
			logger.Warn("Provider request failed", "gateway", c.config.Name, "provider", provider.name, "attempt", attempt+1, "error", err)
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}

		// the provider answered; a 4xx is a verdict about the message, not the provider
		provider.metrics.RecordSuccess(latency)
		if err != nil {
			return nil, err
		}

		var resp SendResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if resp.Status == StatusFailed {
			return &resp, &ProviderError{
				Provider:   provider.name,
				StatusCode: fasthttp.StatusOK,
				Code:       resp.ErrorCode,
				Message:    resp.ErrorMessage,
			}
		}

		logger.Debug("Message accepted by provider", "gateway", c.config.Name, "provider", provider.name, "provider_message_id", resp.MessageID, "latency_ms", latency)
		return &resp, nil
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) doRequest(ctx context.Context, provider *Provider, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(provider.url + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := provider.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", provider.name, err)
	}

	statusCode := resp.StatusCode()
	if statusCode < 200 || statusCode >= 300 {
		pe := &ProviderError{Provider: provider.name, StatusCode: statusCode, Message: string(resp.Body())}
		var ack SendResponse
		if json.Unmarshal(resp.Body(), &ack) == nil && ack.ErrorCode != "" {
			pe.Code = ack.ErrorCode
			pe.Message = ack.ErrorMessage
		}
		return nil, pe
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())
	return result, nil
}

func (c *Client) checkCircuitBreaker(provider *Provider) {
	if c.config.CircuitBreakerThreshold <= 0 {
		return
	}
	fails := provider.metrics.ConsecutiveFails.Load()
	if fails >= int32(c.config.CircuitBreakerThreshold) {
		provider.SetState(StateCircuitOpen)
		provider.circuitOpenUntil.Store(time.Now().Add(c.config.CircuitBreakerTimeout).Unix())
		logger.Warn("Circuit breaker opened", "gateway", c.config.Name, "provider", provider.name, "consecutive_fails", fails)
	}
}

func (c *Client) healthChecker() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.performHealthChecks()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) performHealthChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	c.mu.RLock()
	providers := make([]*Provider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	for _, provider := range providers {
		oldState := provider.GetState()
		if oldState == StateCircuitOpen {
			continue
		}

		newState := StateUnhealthy
		if c.checkProviderHealth(ctx, provider) {
			newState = StateHealthy
			if provider.metrics.SuccessRate() < 0.8 {
				newState = StateDegraded
			}
		}

		if newState != oldState {
			provider.SetState(newState)
			logger.Info("Provider state changed", "gateway", c.config.Name, "provider", provider.name, "old_state", oldState.String(), "new_state", newState.String())
		}
	}
}

func (c *Client) checkProviderHealth(ctx context.Context, provider *Provider) bool {
	response, err := c.doRequest(ctx, provider, fasthttp.MethodGet, "/health", nil)
	if err != nil {
		return false
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(response, &health); err != nil {
		return false
	}
	return health.Status == "healthy"
}

// GetProviderStats returns provider statistics ordered by score.
func (c *Client) GetProviderStats() []ProviderStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make([]ProviderStats, 0, len(c.providers))
	for _, provider := range c.providers {
		stats = append(stats, provider.Stats())
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Score > stats[j].Score
	})
	return stats
}

func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}
